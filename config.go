package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/Tutortoise/object-scanner-service/camera"
	"github.com/Tutortoise/object-scanner-service/detections"
	"github.com/Tutortoise/object-scanner-service/logging"
	"github.com/Tutortoise/object-scanner-service/modelsource"
	"github.com/Tutortoise/object-scanner-service/overlay"
	"github.com/Tutortoise/object-scanner-service/scanner"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LogLevel     string
	Debug        bool

	ORTLibrary      string
	ModelCandidates []string
	ModelCacheDir   string
	PoolSize        int
	Threads         int
	InputName       string
	OutputName      string

	ConfThreshold float64
	IouThreshold  float64
	MaxDetections int
	ClassAware    bool
	Activation    string
	NumClasses    int

	Device string
	Facing string
	Width  int
	Height int
	Loop   bool

	ViewWidth  float64
	ViewHeight float64
	DPR        float64
	Fit        string
	Clip       bool
	MaxFPS     float64
	Render     bool
	HUD        bool
	AutoStart  bool
}

func DefaultConfig() Config {
	req := camera.DefaultRequest()
	return Config{
		Addr:            "127.0.0.1:8080",
		ReadTimeout:     60 * time.Second,
		LogLevel:        "info",
		ModelCandidates: append([]string(nil), modelsource.DefaultCandidates...),
		PoolSize:        DefaultPoolSize,
		Threads:         runtime.NumCPU(),
		InputName:       detections.DefaultInput,
		OutputName:      detections.DefaultOutput,
		ConfThreshold:   detections.ConfThreshold,
		IouThreshold:    detections.IouThreshold,
		MaxDetections:   detections.MaxDetections,
		Activation:      detections.ActivationNone.String(),
		NumClasses:      detections.NumClasses,
		Device:          req.Device,
		Facing:          string(req.Facing),
		Width:           req.Width,
		Height:          req.Height,
		Loop:            req.Loop,
		ViewWidth:       float64(req.Width),
		ViewHeight:      float64(req.Height),
		DPR:             1,
		Fit:             detections.FitContain.String(),
		Render:          true,
		HUD:             true,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	check(c.Addr != "", "listen address is required")
	check(c.ConfThreshold >= 0 && c.ConfThreshold <= 1, "confidence threshold %g outside [0,1]", c.ConfThreshold)
	check(c.IouThreshold >= 0 && c.IouThreshold <= 1, "IoU threshold %g outside [0,1]", c.IouThreshold)
	check(c.MaxDetections >= 0, "max detections must not be negative")
	check(c.NumClasses >= 0, "class count must not be negative")
	check(c.PoolSize > 0, "pool size must be positive")
	check(c.Width >= 0 && c.Height >= 0, "camera size must not be negative")
	check(c.ViewWidth > 0 && c.ViewHeight > 0, "view size %gx%g must be positive", c.ViewWidth, c.ViewHeight)
	check(c.DPR > 0, "device pixel ratio must be positive")
	check(c.MaxFPS >= 0, "max fps must not be negative")
	check(len(c.ModelCandidates) > 0, "at least one model candidate is required")
	check(c.Facing == string(camera.FacingEnvironment) || c.Facing == string(camera.FacingUser),
		"facing must be %q or %q", camera.FacingEnvironment, camera.FacingUser)

	if _, perr := detections.ParseFitMode(c.Fit); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, perr := detections.ParseActivation(c.Activation); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, perr := logging.ParseLevel(c.LogLevel); perr != nil {
		err = multierr.Append(err, perr)
	}
	return err
}

func (c Config) Level() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}

func (c Config) SessionConfig() detections.SessionConfig {
	cfg := detections.DefaultSessionConfig()
	cfg.InputName = c.InputName
	cfg.OutputName = c.OutputName
	cfg.Threads = c.Threads
	return cfg
}

func (c Config) PipelineConfig() (detections.PipelineConfig, error) {
	activation, err := detections.ParseActivation(c.Activation)
	if err != nil {
		return detections.PipelineConfig{}, err
	}
	cfg := detections.DefaultPipelineConfig()
	cfg.Decode.ConfThreshold = float32(c.ConfThreshold)
	cfg.Decode.NumClasses = c.NumClasses
	cfg.Decode.Activation = activation
	cfg.NMS.IouThreshold = float32(c.IouThreshold)
	cfg.NMS.MaxCount = c.MaxDetections
	cfg.NMS.ClassAware = c.ClassAware
	return cfg, nil
}

func (c Config) ScannerConfig() (scanner.Config, error) {
	fit, err := detections.ParseFitMode(c.Fit)
	if err != nil {
		return scanner.Config{}, err
	}
	cfg := scanner.DefaultConfig()
	cfg.Camera = camera.Request{
		Device: c.Device,
		Facing: camera.Facing(c.Facing),
		Width:  c.Width,
		Height: c.Height,
		Loop:   c.Loop,
	}
	cfg.Surface = overlay.Surface{CSSWidth: c.ViewWidth, CSSHeight: c.ViewHeight, DPR: c.DPR}
	cfg.Fit = fit
	cfg.Clip = c.Clip
	cfg.MaxFPS = c.MaxFPS
	cfg.Render = c.Render
	cfg.ShowHUD = c.HUD
	return cfg, nil
}

func flags() []cli.Flag {
	d := DefaultConfig()
	env := func(name string) []string { return []string{"SCANNER_" + name} }
	return []cli.Flag{
		&cli.StringFlag{Name: "addr", Value: d.Addr, Usage: "HTTP listen address", EnvVars: env("ADDR")},
		&cli.DurationFlag{Name: "read-timeout", Value: d.ReadTimeout, Usage: "HTTP read timeout", EnvVars: env("READ_TIMEOUT")},
		&cli.DurationFlag{Name: "write-timeout", Value: d.WriteTimeout, Usage: "HTTP write timeout (0 keeps streams open)", EnvVars: env("WRITE_TIMEOUT")},
		&cli.StringFlag{Name: "log-level", Value: d.LogLevel, Usage: "debug, info, warn or error", EnvVars: env("LOG_LEVEL")},
		&cli.BoolFlag{Name: "debug", Usage: "enable debug logging and per-tick timings", EnvVars: []string{"SCANNER_DEBUG", "DEBUG"}},

		&cli.StringFlag{Name: "ort-lib", Usage: "path to the ONNX Runtime shared library", EnvVars: env("ORT_LIB")},
		&cli.StringSliceFlag{Name: "model", Value: cli.NewStringSlice(d.ModelCandidates...), Usage: "model `LOCATION`, tried in order (path or URL)", EnvVars: env("MODEL")},
		&cli.StringFlag{Name: "model-cache", Usage: "directory for downloaded models", EnvVars: env("MODEL_CACHE")},
		&cli.IntFlag{Name: "pool-size", Value: d.PoolSize, Usage: "inference sessions", EnvVars: env("POOL_SIZE")},
		&cli.IntFlag{Name: "threads", Value: d.Threads, Usage: "ONNX Runtime threads per session", EnvVars: env("THREADS")},
		&cli.StringFlag{Name: "input-name", Value: d.InputName, Usage: "preferred model input tensor", EnvVars: env("INPUT_NAME")},
		&cli.StringFlag{Name: "output-name", Value: d.OutputName, Usage: "preferred model output tensor", EnvVars: env("OUTPUT_NAME")},

		&cli.Float64Flag{Name: "conf", Value: d.ConfThreshold, Usage: "confidence threshold", EnvVars: env("CONF")},
		&cli.Float64Flag{Name: "iou", Value: d.IouThreshold, Usage: "NMS IoU threshold", EnvVars: env("IOU")},
		&cli.IntFlag{Name: "max-detections", Value: d.MaxDetections, Usage: "detections kept per frame (0 = all)", EnvVars: env("MAX_DETECTIONS")},
		&cli.BoolFlag{Name: "class-aware", Usage: "suppress overlaps only within a class", EnvVars: env("CLASS_AWARE")},
		&cli.StringFlag{Name: "activation", Value: d.Activation, Usage: "score activation: none or sigmoid", EnvVars: env("ACTIVATION")},
		&cli.IntFlag{Name: "classes", Value: d.NumClasses, Usage: "model class count (0 = infer)", EnvVars: env("CLASSES")},

		&cli.StringFlag{Name: "device", Value: d.Device, Usage: "camera index, device path, image file or directory", EnvVars: env("DEVICE")},
		&cli.StringFlag{Name: "facing", Value: d.Facing, Usage: "environment or user", EnvVars: env("FACING")},
		&cli.IntFlag{Name: "width", Value: d.Width, Usage: "preferred capture width", EnvVars: env("WIDTH")},
		&cli.IntFlag{Name: "height", Value: d.Height, Usage: "preferred capture height", EnvVars: env("HEIGHT")},
		&cli.BoolFlag{Name: "loop", Value: d.Loop, Usage: "replay image sequences", EnvVars: env("LOOP")},

		&cli.Float64Flag{Name: "view-width", Value: d.ViewWidth, Usage: "display element width in CSS pixels", EnvVars: env("VIEW_WIDTH")},
		&cli.Float64Flag{Name: "view-height", Value: d.ViewHeight, Usage: "display element height in CSS pixels", EnvVars: env("VIEW_HEIGHT")},
		&cli.Float64Flag{Name: "dpr", Value: d.DPR, Usage: "device pixel ratio", EnvVars: env("DPR")},
		&cli.StringFlag{Name: "fit", Value: d.Fit, Usage: "contain, cover or fill", EnvVars: env("FIT")},
		&cli.BoolFlag{Name: "clip", Usage: "clip boxes to the visible video", EnvVars: env("CLIP")},
		&cli.Float64Flag{Name: "max-fps", Value: d.MaxFPS, Usage: "tick rate cap (0 = unlimited)", EnvVars: env("MAX_FPS")},
		&cli.BoolFlag{Name: "render", Value: d.Render, Usage: "render the overlay bitmap each tick", EnvVars: env("RENDER")},
		&cli.BoolFlag{Name: "hud", Value: d.HUD, Usage: "draw status lines on the overlay", EnvVars: env("HUD")},
		&cli.BoolFlag{Name: "autostart", Usage: "start scanning on launch", EnvVars: env("AUTOSTART")},
	}
}

func configFromCLI(c *cli.Context) (Config, error) {
	cfg := Config{
		Addr:            c.String("addr"),
		ReadTimeout:     c.Duration("read-timeout"),
		WriteTimeout:    c.Duration("write-timeout"),
		LogLevel:        c.String("log-level"),
		Debug:           c.Bool("debug"),
		ORTLibrary:      c.String("ort-lib"),
		ModelCandidates: c.StringSlice("model"),
		ModelCacheDir:   c.String("model-cache"),
		PoolSize:        c.Int("pool-size"),
		Threads:         c.Int("threads"),
		InputName:       c.String("input-name"),
		OutputName:      c.String("output-name"),
		ConfThreshold:   c.Float64("conf"),
		IouThreshold:    c.Float64("iou"),
		MaxDetections:   c.Int("max-detections"),
		ClassAware:      c.Bool("class-aware"),
		Activation:      c.String("activation"),
		NumClasses:      c.Int("classes"),
		Device:          c.String("device"),
		Facing:          c.String("facing"),
		Width:           c.Int("width"),
		Height:          c.Int("height"),
		Loop:            c.Bool("loop"),
		ViewWidth:       c.Float64("view-width"),
		ViewHeight:      c.Float64("view-height"),
		DPR:             c.Float64("dpr"),
		Fit:             c.String("fit"),
		Clip:            c.Bool("clip"),
		MaxFPS:          c.Float64("max-fps"),
		Render:          c.Bool("render"),
		HUD:             c.Bool("hud"),
		AutoStart:       c.Bool("autostart"),
	}
	return cfg, cfg.Validate()
}
