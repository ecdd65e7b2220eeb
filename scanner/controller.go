// Package scanner runs the capture, detect, map and render loop and owns its
// camera and detector.
//
// Controller moves through Idle, Starting and Running. Start opens the camera
// and loads the detector on first use; the detector is kept across Stop so a
// restart only reopens the camera. Each tick runs synchronously inside the
// loop goroutine, so at most one inference is ever in flight.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tutortoise/object-scanner-service/camera"
	"github.com/Tutortoise/object-scanner-service/detections"
	"github.com/Tutortoise/object-scanner-service/metrics"
	"github.com/Tutortoise/object-scanner-service/models"
	"github.com/Tutortoise/object-scanner-service/overlay"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("scanner closed")

// TickError marks a recoverable failure of a single frame.
type TickError struct {
	Stage string
	Err   error
}

func (e *TickError) Error() string { return fmt.Sprintf("tick %s: %v", e.Stage, e.Err) }
func (e *TickError) Unwrap() error { return e.Err }

type Option func(*Controller)

func WithClock(c clock.Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

func WithLogger(l *zap.SugaredLogger) Option { return func(ctl *Controller) { ctl.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(ctl *Controller) { ctl.metrics = m } }

func WithRenderer(r *overlay.Renderer) Option { return func(ctl *Controller) { ctl.renderer = r } }

func WithBroadcaster(b *Broadcaster) Option { return func(ctl *Controller) { ctl.broadcaster = b } }

type Controller struct {
	cfg         Config
	opener      camera.Opener
	loader      DetectorLoader
	renderer    *overlay.Renderer
	metrics     *metrics.Metrics
	broadcaster *Broadcaster
	clock       clock.Clock
	logger      *zap.SugaredLogger

	// lifecycle serializes Start, Stop and Close.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool

	mu           sync.RWMutex
	state        State
	message      string
	hud          []string
	lastErr      string
	startedAt    time.Time
	frames       uint64
	tickErrors   uint64
	fps          float64
	lastTick     time.Time
	detector     Detector
	modelSource  string
	sourceWidth  int
	sourceHeight int
	latest       *Frame
	latestImage  image.Image
	latestDraw   *image.NRGBA
}

func New(cfg Config, opener camera.Opener, loader DetectorLoader, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		opener:  opener,
		loader:  loader,
		clock:   clock.New(),
		logger:  zap.NewNop().Sugar(),
		message: MsgIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.broadcaster == nil {
		c.broadcaster = NewBroadcaster(c.logger)
	}
	return c
}

func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) Broadcaster() *Broadcaster { return c.broadcaster }

// Start opens the camera, loads the detector if needed and launches the loop.
// Starting a running scanner is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.State() != StateIdle {
		return nil
	}
	c.reap()

	c.mu.Lock()
	c.state = StateStarting
	c.message = MsgStarting
	c.hud = nil
	c.lastErr = ""
	c.mu.Unlock()
	c.setMetricsState(StateStarting)

	src, err := c.opener.Open(ctx, c.cfg.Camera)
	if err != nil {
		return c.failStart(cameraMessage(err), fmt.Errorf("open camera: %w", err))
	}
	w, h := src.Size()
	c.mu.Lock()
	c.sourceWidth, c.sourceHeight = w, h
	c.mu.Unlock()
	c.addHUD(msgCameraReady(w, h))

	det, err := c.ensureDetector(ctx)
	if err != nil {
		if cerr := src.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		return c.failStart(MsgModelFailed, fmt.Errorf("load detector: %w", err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done

	c.mu.Lock()
	c.state = StateRunning
	c.message = MsgRunning
	c.startedAt = c.clock.Now()
	c.frames, c.tickErrors, c.fps = 0, 0, 0
	c.lastTick = time.Time{}
	c.mu.Unlock()
	c.setMetricsState(StateRunning)
	if c.metrics != nil {
		c.metrics.Starts.Add(1)
	}

	c.logger.Infow("Scanner started", "camera", c.cfg.Camera.Device, "width", w, "height", h, "max_fps", c.cfg.MaxFPS)
	go c.run(loopCtx, src, det, done)
	return nil
}

func (c *Controller) ensureDetector(ctx context.Context) (Detector, error) {
	c.mu.RLock()
	det := c.detector
	c.mu.RUnlock()
	if det != nil {
		c.addHUD(MsgModelReady)
		return det, nil
	}

	c.addHUD(MsgLoadingModel)
	det, source, err := c.loader.LoadDetector(ctx, c.addHUD)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.detector = det
	c.modelSource = source
	c.mu.Unlock()
	return det, nil
}

func (c *Controller) failStart(hudLine string, err error) error {
	c.addHUD(hudLine)
	c.mu.Lock()
	c.state = StateIdle
	c.message = hudLine
	c.lastErr = err.Error()
	c.mu.Unlock()
	c.setMetricsState(StateIdle)
	if c.metrics != nil {
		c.metrics.StartFailures.Add(1)
	}
	c.logger.Errorw("Scanner failed to start", "error", err)
	return err
}

func cameraMessage(err error) string {
	switch {
	case errors.Is(err, camera.ErrPermissionDenied):
		return MsgCameraDenied
	case errors.Is(err, camera.ErrNotFound):
		return MsgCameraMissing
	}
	return MsgCameraFailed
}

// Stop cancels the loop and waits for the current tick to finish. The
// detector stays loaded.
func (c *Controller) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel, c.done = nil, nil

	c.mu.Lock()
	wasRunning := c.state == StateRunning
	c.state = StateIdle
	if wasRunning {
		c.message = MsgStopped
	}
	c.mu.Unlock()
	c.setMetricsState(StateIdle)
	c.logger.Infow("Scanner stopped")
}

// reap clears a loop that already exited on its own.
func (c *Controller) reap() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel, c.done = nil, nil
	}
}

// Toggle starts an idle scanner and stops a running one.
func (c *Controller) Toggle(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.State() == StateIdle {
		return c.startLocked(ctx)
	}
	c.stopLocked()
	return nil
}

// Close stops the scanner, releases the detector and ends all streams.
func (c *Controller) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stopLocked()
	c.broadcaster.Close()

	c.mu.Lock()
	det := c.detector
	c.detector = nil
	c.mu.Unlock()
	if det != nil {
		return det.Close()
	}
	return nil
}

func (c *Controller) run(ctx context.Context, src camera.Source, det Detector, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := src.Close(); err != nil {
			c.logger.Warnw("Failed to close camera", "error", err)
		}
	}()

	limit := rate.Inf
	if c.cfg.MaxFPS > 0 {
		limit = rate.Limit(c.cfg.MaxFPS)
	}
	limiter := rate.NewLimiter(limit, 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		err := c.tick(ctx, src, det)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if isFatal(err) {
			c.fail(err, det)
			return
		}
		c.recordTickError(err)

		if c.cfg.ErrorBackoff > 0 {
			t := time.NewTimer(c.cfg.ErrorBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

func isFatal(err error) bool {
	return errors.Is(err, camera.ErrClosed) || errors.Is(err, detections.ErrSessionClosed)
}

// fail moves a running scanner to Idle from inside the loop. A closed
// session also releases det so the next start loads a fresh one.
func (c *Controller) fail(err error, det Detector) {
	sessionLost := errors.Is(err, detections.ErrSessionClosed)
	line := MsgStreamEnded
	if sessionLost {
		line = MsgSessionLost
	}

	c.mu.Lock()
	c.state = StateIdle
	c.message = line
	c.lastErr = err.Error()
	c.hud = append(c.hud, line)
	if sessionLost && c.detector == det {
		c.detector = nil
		c.modelSource = ""
	}
	c.mu.Unlock()
	c.setMetricsState(StateIdle)
	c.logger.Errorw("Scanner stopped on unrecoverable error", "error", err)

	if sessionLost {
		if cerr := det.Close(); cerr != nil {
			c.logger.Warnw("Failed to close detector", "error", cerr)
		}
	}
}

func (c *Controller) recordTickError(err error) {
	c.mu.Lock()
	c.tickErrors++
	c.lastErr = err.Error()
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.TickErrors.Add(1)
		c.metrics.FramesDropped.Add(1)
	}
	c.logger.Warnw("Frame skipped", "error", err)
}

func (c *Controller) tick(ctx context.Context, src camera.Source, det Detector) error {
	tickStart := time.Now()
	timings := &models.ProcessingTimings{RequestID: uuid.NewString()}

	img, err := src.Frame(ctx)
	if err != nil {
		if c.metrics != nil && !errors.Is(err, camera.ErrClosed) {
			c.metrics.ReadErrors.Add(1)
		}
		return &TickError{Stage: "capture", Err: err}
	}

	result, err := det.Detect(ctx, img, timings)
	if err != nil {
		return &TickError{Stage: "detect", Err: err}
	}

	mapStart := time.Now()
	mapper, err := detections.NewMapper(result.Transform, c.cfg.Surface.Viewport(c.cfg.Fit), c.cfg.Clip)
	if err != nil {
		return &TickError{Stage: "map", Err: err}
	}
	screen := mapper.MapDetections(result.Detections)
	timings.Mapping = time.Since(mapStart)

	var drawn *image.NRGBA
	if c.cfg.Render && c.renderer != nil {
		renderStart := time.Now()
		var hud []string
		if c.cfg.ShowHUD {
			hud = c.HUD()
		}
		drawn, err = c.renderer.Render(c.cfg.Surface, screen, hud)
		if err != nil {
			return &TickError{Stage: "render", Err: err}
		}
		timings.Render = time.Since(renderStart)
	}
	timings.Total = time.Since(tickStart)

	frame := &Frame{
		ID:           timings.RequestID,
		Timestamp:    c.clock.Now(),
		SourceWidth:  img.Bounds().Dx(),
		SourceHeight: img.Bounds().Dy(),
		Detections:   result.Detections,
		Screen:       screen,
		Transform:    result.Transform,
		Display:      mapper.Display,
		Layout:       result.Layout,
		Candidates:   result.Candidates,
		Timings:      *timings,
	}

	now := time.Now()
	c.mu.Lock()
	c.frames++
	frame.Sequence = c.frames
	if !c.lastTick.IsZero() {
		if dt := now.Sub(c.lastTick).Seconds(); dt > 0 {
			inst := 1 / dt
			if c.fps == 0 {
				c.fps = inst
			} else {
				c.fps = 0.8*c.fps + 0.2*inst
			}
		}
	}
	c.lastTick = now
	c.sourceWidth, c.sourceHeight = frame.SourceWidth, frame.SourceHeight
	c.latest = frame
	c.latestImage = img
	if drawn != nil {
		c.latestDraw = drawn
	}
	c.mu.Unlock()

	c.broadcaster.Publish(frame)
	c.observe(frame)
	c.logTimings(frame)
	return nil
}

func (c *Controller) observe(frame *Frame) {
	if c.metrics == nil {
		return
	}
	t := frame.Timings
	c.metrics.FramesProcessed.Add(1)
	c.metrics.Detections.Add(uint64(len(frame.Detections)))
	c.metrics.ObserveStage(detections.StageLetterbox, t.Letterbox)
	c.metrics.ObserveStage(detections.StagePreprocess, t.Preprocess)
	c.metrics.ObserveStage(detections.StageInference, t.Inference)
	c.metrics.ObserveStage("decode", t.Postprocess)
	c.metrics.ObserveStage("nms", t.Suppression)
	c.metrics.ObserveStage("map", t.Mapping)
	c.metrics.ObserveStage("render", t.Render)
	c.metrics.ObserveTick(t.Total)
}

func (c *Controller) logTimings(frame *Frame) {
	t := frame.Timings
	c.logger.Debugw("Tick timings",
		"request_id", frame.ID,
		"sequence", frame.Sequence,
		"detections", len(frame.Detections),
		"letterbox", t.Letterbox,
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"decode", t.Postprocess,
		"nms", t.Suppression,
		"map", t.Mapping,
		"render", t.Render,
		"total", t.Total)
}

func (c *Controller) setMetricsState(s State) {
	if c.metrics != nil {
		c.metrics.SetState(int(s))
	}
}

func (c *Controller) addHUD(line string) {
	c.mu.Lock()
	c.hud = append(c.hud, line)
	c.mu.Unlock()
	c.logger.Infow("HUD", "line", line)
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) HUD() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.hud...)
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		State:        c.state,
		Message:      c.message,
		HUD:          append([]string{}, c.hud...),
		LastError:    c.lastErr,
		Frames:       c.frames,
		TickErrors:   c.tickErrors,
		FPS:          c.fps,
		ModelLoaded:  c.detector != nil,
		ModelSource:  c.modelSource,
		SourceWidth:  c.sourceWidth,
		SourceHeight: c.sourceHeight,
		Clients:      c.broadcaster.Clients(),
	}
	if c.state == StateRunning {
		started := c.startedAt
		st.StartedAt = &started
	}
	return st
}

// Latest returns the most recent frame result, or nil before the first tick.
func (c *Controller) Latest() *Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Snapshot returns the latest camera frame and overlay bitmap.
func (c *Controller) Snapshot() (image.Image, *image.NRGBA, *Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latestImage, c.latestDraw, c.latest
}

// Detector returns the loaded detector, loading it if needed, for one-shot
// requests that share the scanner's model.
func (c *Controller) Detector(ctx context.Context) (Detector, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.mu.RLock()
	det := c.detector
	c.mu.RUnlock()
	if det != nil {
		return det, nil
	}
	det, source, err := c.loader.LoadDetector(ctx, func(line string) {
		c.logger.Infow("Model load", "line", line)
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.detector = det
	c.modelSource = source
	c.mu.Unlock()
	return det, nil
}
