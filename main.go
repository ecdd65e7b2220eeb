package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tutortoise/object-scanner-service/camera"
	"github.com/Tutortoise/object-scanner-service/detections"
	"github.com/Tutortoise/object-scanner-service/logging"
	"github.com/Tutortoise/object-scanner-service/metrics"
	"github.com/Tutortoise/object-scanner-service/modelsource"
	"github.com/Tutortoise/object-scanner-service/overlay"
	"github.com/Tutortoise/object-scanner-service/scanner"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:   "object-scanner",
		Usage:  "live object detection over a camera feed",
		Flags:  flags(),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newAppState wires the model loader, session pool, renderer and scanner.
func newAppState(cfg Config, logger *zap.SugaredLogger, opener camera.Opener, factory func([]byte) SessionFactory) (*AppState, error) {
	pipelineCfg, err := cfg.PipelineConfig()
	if err != nil {
		return nil, err
	}
	scannerCfg, err := cfg.ScannerConfig()
	if err != nil {
		return nil, err
	}

	source := modelsource.NewLoader(cfg.ModelCandidates, logger.Named("model"))
	source.CacheDir = cfg.ModelCacheDir

	loader := &modelLoader{
		source:   source,
		factory:  factory,
		poolSize: cfg.PoolSize,
		pipeline: detections.NewPipeline(pipelineCfg),
		logger:   logger.Named("pool"),
	}

	m := metrics.New()
	m.RegisterPool(loader)

	renderer, err := overlay.NewRenderer(overlay.DefaultStyle())
	if err != nil {
		return nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	ctl := scanner.New(scannerCfg, opener, loader,
		scanner.WithLogger(logger.Named("scanner")),
		scanner.WithMetrics(m),
		scanner.WithRenderer(renderer),
		scanner.WithBroadcaster(scanner.NewBroadcaster(logger.Named("stream"))),
	)

	return &AppState{
		Config:   cfg,
		Scanner:  ctl,
		Renderer: renderer,
		Metrics:  m,
		Pool:     loader.current,
		Logger:   logger.Named("http"),
	}, nil
}

func run(c *cli.Context) error {
	cfg, err := configFromCLI(c)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger("object-scanner", cfg.Level())
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Infow("CPU features", "features", detections.CPUFeatures())

	teardown, err := initRuntime(cfg.ORTLibrary, logger.Named("ort"))
	if err != nil {
		return err
	}
	defer teardown()

	sessionCfg := cfg.SessionConfig()
	state, err := newAppState(cfg, logger, camera.DefaultOpener, func(onnxData []byte) SessionFactory {
		return ONNXSessionFactory(onnxData, sessionCfg)
	})
	if err != nil {
		return err
	}
	defer state.Scanner.Close()

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      state.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infow("Server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("Shutting down")
		// Closing the scanner ends open detection streams.
		if err := state.Scanner.Close(); err != nil {
			logger.Warnw("Scanner close failed", "error", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.AutoStart {
		g.Go(func() error {
			if err := state.Scanner.Start(gctx); err != nil {
				logger.Warnw("Autostart failed", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}
