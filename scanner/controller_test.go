package scanner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Tutortoise/object-scanner-service/camera"
	"github.com/Tutortoise/object-scanner-service/detections"
	"github.com/Tutortoise/object-scanner-service/metrics"
	"github.com/Tutortoise/object-scanner-service/models"
	"github.com/Tutortoise/object-scanner-service/overlay"
)

const (
	waitFor = 2 * time.Second
	pollAt  = 5 * time.Millisecond
)

type fakeDetector struct {
	mu          sync.Mutex
	calls       int
	errFor      func(call int) error
	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	closed      atomic.Bool
}

func (f *fakeDetector) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (*detections.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.errFor != nil {
		if err := f.errFor(call); err != nil {
			return nil, err
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	lb, err := detections.ComputeLetterbox(img.Bounds().Dx(), img.Bounds().Dy(), 640)
	if err != nil {
		return nil, err
	}
	return &detections.Result{
		Detections: []models.Detection{{
			Box:        models.Box{X1: 270, Y1: 280, X2: 370, Y2: 360},
			Confidence: 0.9,
			Label:      "person",
		}},
		Transform:  lb,
		Layout:     detections.LayoutBoxesFirst.String(),
		Candidates: 1,
		Timings:    timings,
	}, nil
}

func (f *fakeDetector) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeDetector) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingLoader struct {
	det   Detector
	err   error
	calls atomic.Int32
}

func (l *countingLoader) LoadDetector(ctx context.Context, progress func(string)) (Detector, string, error) {
	l.calls.Add(1)
	progress(MsgLoadingFrom("local", "./yolov8n.onnx"))
	if l.err != nil {
		return nil, "", l.err
	}
	return l.det, "./yolov8n.onnx", nil
}

func staticOpener(loop bool, frames int) camera.Opener {
	return camera.OpenerFunc(func(ctx context.Context, req camera.Request) (camera.Source, error) {
		imgs := make([]image.Image, frames)
		for i := range imgs {
			imgs[i] = image.NewNRGBA(image.Rect(0, 0, 1280, 720))
		}
		return camera.NewStaticSource(loop, imgs...), nil
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Surface = overlay.Surface{CSSWidth: 128, CSSHeight: 72, DPR: 1}
	cfg.ErrorBackoff = time.Millisecond
	return cfg
}

func newTestController(t *testing.T, opener camera.Opener, loader DetectorLoader, opts ...Option) *Controller {
	t.Helper()
	style := overlay.DefaultStyle()
	style.GlowRadius = 0
	r, err := overlay.NewRenderer(style)
	require.NoError(t, err)

	opts = append([]Option{WithLogger(zaptest.NewLogger(t).Sugar()), WithRenderer(r)}, opts...)
	c := New(testConfig(), opener, loader, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestController_StartStopRestart(t *testing.T) {
	det := &fakeDetector{}
	loader := &countingLoader{det: det}
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	m := metrics.New()

	c := newTestController(t, staticOpener(true, 3), loader, WithClock(mock), WithMetrics(m))
	assert.Equal(t, StateIdle, c.State())
	assert.Nil(t, c.Latest())

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.State())

	require.Eventually(t, func() bool { return c.Status().Frames >= 3 }, waitFor, pollAt)

	st := c.Status()
	require.NotNil(t, st.StartedAt)
	assert.Equal(t, mock.Now(), *st.StartedAt)
	assert.True(t, st.ModelLoaded)
	assert.Equal(t, "./yolov8n.onnx", st.ModelSource)
	assert.Equal(t, 1280, st.SourceWidth)
	assert.Contains(t, st.HUD, msgCameraReady(1280, 720))
	assert.Contains(t, st.HUD, MsgLoadingModel)

	latest := c.Latest()
	require.NotNil(t, latest)
	require.Len(t, latest.Screen, 1)
	// 1280x720 into a 128x72 contain viewport scales by 0.1.
	assert.InDelta(t, 54, latest.Screen[0].X, 1e-3)
	assert.InDelta(t, 20, latest.Screen[0].W, 1e-3)

	frame, drawn, _ := c.Snapshot()
	assert.NotNil(t, frame)
	require.NotNil(t, drawn)
	assert.Equal(t, image.Rect(0, 0, 128, 72), drawn.Bounds())

	c.Stop()
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, MsgStopped, c.Status().Message)
	assert.Nil(t, c.Status().StartedAt)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.State())
	assert.Contains(t, c.HUD(), MsgModelReady)
	c.Stop()

	assert.Equal(t, int32(1), loader.calls.Load())
	assert.Equal(t, uint64(2), m.Starts.Load())
	assert.Positive(t, m.FramesProcessed.Load())
}

func TestController_StartIsIdempotent(t *testing.T) {
	c := newTestController(t, staticOpener(true, 1), &countingLoader{det: &fakeDetector{}})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.State())
}

func TestController_CameraFailure(t *testing.T) {
	loader := &countingLoader{det: &fakeDetector{}}
	opener := camera.OpenerFunc(func(ctx context.Context, req camera.Request) (camera.Source, error) {
		return nil, camera.ErrPermissionDenied
	})
	m := metrics.New()
	c := newTestController(t, opener, loader, WithMetrics(m))

	err := c.Start(context.Background())
	require.ErrorIs(t, err, camera.ErrPermissionDenied)

	st := c.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, MsgCameraDenied, st.Message)
	assert.Contains(t, st.HUD, MsgCameraDenied)
	assert.NotEmpty(t, st.LastError)
	assert.Zero(t, loader.calls.Load())
	assert.Equal(t, uint64(1), m.StartFailures.Load())
}

func TestController_ModelFailureClosesCamera(t *testing.T) {
	src := camera.NewStaticSource(true, image.NewNRGBA(image.Rect(0, 0, 64, 64)))
	opener := camera.OpenerFunc(func(ctx context.Context, req camera.Request) (camera.Source, error) {
		return src, nil
	})
	loader := &countingLoader{err: errors.New("all sources failed")}
	c := newTestController(t, opener, loader)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, MsgModelFailed, c.Status().Message)
	assert.False(t, c.Status().ModelLoaded)

	_, err = src.Frame(context.Background())
	assert.ErrorIs(t, err, camera.ErrClosed)
}

func TestController_TickErrorsAreNotFatal(t *testing.T) {
	det := &fakeDetector{errFor: func(call int) error {
		if call <= 3 {
			return errors.New("inference rejected")
		}
		return nil
	}}
	m := metrics.New()
	c := newTestController(t, staticOpener(true, 1), &countingLoader{det: det}, WithMetrics(m))

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Status().Frames >= 2 }, waitFor, pollAt)

	st := c.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, uint64(3), st.TickErrors)
	assert.Contains(t, st.LastError, "inference rejected")
	assert.Equal(t, uint64(3), m.TickErrors.Load())
}

func TestController_StreamEndReturnsToIdle(t *testing.T) {
	det := &fakeDetector{}
	c := newTestController(t, staticOpener(false, 2), &countingLoader{det: det})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateIdle }, waitFor, pollAt)

	st := c.Status()
	assert.Equal(t, MsgStreamEnded, st.Message)
	assert.Equal(t, uint64(2), st.Frames)
	assert.True(t, st.ModelLoaded)

	// A stopped loop can be restarted.
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.State())
}

func TestController_SessionClosedDropsDetector(t *testing.T) {
	det := &fakeDetector{errFor: func(call int) error {
		if call == 1 {
			return &detections.ProcessingError{Stage: detections.StageInference, Cause: detections.ErrSessionClosed}
		}
		return nil
	}}
	loader := &countingLoader{det: det}
	c := newTestController(t, staticOpener(true, 1), loader)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateIdle }, waitFor, pollAt)
	assert.Equal(t, MsgSessionLost, c.Status().Message)
	assert.False(t, c.Status().ModelLoaded)
	require.Eventually(t, det.closed.Load, waitFor, pollAt)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestController_OneInferenceInFlight(t *testing.T) {
	det := &fakeDetector{delay: 2 * time.Millisecond}
	c := newTestController(t, staticOpener(true, 1), &countingLoader{det: det})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return det.Calls() >= 10 }, waitFor, pollAt)
	c.Stop()

	assert.Equal(t, int32(1), det.maxInFlight.Load())
	assert.Zero(t, det.inFlight.Load())
}

func TestController_MaxFPS(t *testing.T) {
	det := &fakeDetector{}
	cfg := testConfig()
	cfg.MaxFPS = 20
	c := New(cfg, staticOpener(true, 1), &countingLoader{det: det})
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))
	time.Sleep(300 * time.Millisecond)
	c.Stop()

	assert.LessOrEqual(t, det.Calls(), 8)
	assert.GreaterOrEqual(t, det.Calls(), 2)
}

func TestController_Toggle(t *testing.T) {
	c := newTestController(t, staticOpener(true, 1), &countingLoader{det: &fakeDetector{}})

	require.NoError(t, c.Toggle(context.Background()))
	assert.Equal(t, StateRunning, c.State())
	require.NoError(t, c.Toggle(context.Background()))
	assert.Equal(t, StateIdle, c.State())
}

func TestController_ConcurrentTogglesPair(t *testing.T) {
	c := newTestController(t, staticOpener(true, 1), &countingLoader{det: &fakeDetector{}})

	for round := 0; round < 5; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, c.Toggle(context.Background()))
			}()
		}
		wg.Wait()
		assert.Equal(t, StateIdle, c.State(), "round %d", round)
	}
}

func TestController_Close(t *testing.T) {
	det := &fakeDetector{}
	c := New(testConfig(), staticOpener(true, 1), &countingLoader{det: det})

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())
	assert.True(t, det.closed.Load())
	assert.Equal(t, StateIdle, c.State())
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
	_, err := c.Detector(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestController_DetectorForOneShot(t *testing.T) {
	det := &fakeDetector{}
	loader := &countingLoader{det: det}
	c := newTestController(t, staticOpener(true, 1), loader)

	got, err := c.Detector(context.Background())
	require.NoError(t, err)
	assert.Same(t, det, got)
	_, err = c.Detector(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load())
	assert.True(t, c.Status().ModelLoaded)
}

func TestBroadcaster_FanOut(t *testing.T) {
	c := newTestController(t, staticOpener(true, 1), &countingLoader{det: &fakeDetector{}})
	b := c.Broadcaster()

	id, ch := b.Subscribe()
	assert.Equal(t, 1, b.Clients())
	require.NoError(t, c.Start(context.Background()))

	var ev *Event
	select {
	case ev = <-ch:
	case <-time.After(waitFor):
		t.Fatal("no event")
	}

	var frame Frame
	require.NoError(t, json.Unmarshal(ev.JSONData, &frame))
	assert.Equal(t, ev.Sequence, frame.Sequence)
	require.Len(t, frame.Detections, 1)
	assert.Equal(t, "person", frame.Detections[0].Label)

	raw, err := base64.StdEncoding.DecodeString(string(ev.ProtobufData))
	require.NoError(t, err)
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &st))
	assert.Equal(t, "boxes-first", st.Fields["layout"].GetStringValue())

	b.Unsubscribe(id)
	assert.Zero(t, b.Clients())
	_, open := <-ch
	for open {
		_, open = <-ch
	}
}

func TestBroadcaster_SlowClientDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	_, ch := b.Subscribe()

	for i := 1; i <= 5; i++ {
		b.Publish(&Frame{Sequence: uint64(i)})
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, uint64(3), b.Dropped())

	b.Close()
	_, ch2 := b.Subscribe()
	_, open := <-ch2
	assert.False(t, open)
}

func TestState_Text(t *testing.T) {
	for _, s := range []State{StateIdle, StateStarting, StateRunning} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("paused")))
}
