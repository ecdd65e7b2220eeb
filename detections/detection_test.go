package detections

import (
	"context"
	"errors"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/object-scanner-service/models"
)

// fakeRunner returns a fixed output tensor and records its input.
type fakeRunner struct {
	size   int
	input  []float32
	output []float32
	shape  []int64
	errs   []error
	runs   int
}

func newFakeRunner(size int, output []float32, shape []int64) *fakeRunner {
	return &fakeRunner{size: size, input: make([]float32, 3*size*size), output: output, shape: shape}
}

func (f *fakeRunner) InputSize() int         { return f.size }
func (f *fakeRunner) InputBuffer() []float32 { return f.input }

func (f *fakeRunner) Run() error {
	f.runs++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeRunner) OutputData() ([]float32, []int64) { return f.output, f.shape }

func testPipeline() *Pipeline {
	cfg := DefaultPipelineConfig()
	cfg.Retries = 1
	return NewPipeline(cfg)
}

func TestPipeline_ProcessImage(t *testing.T) {
	cands := []candidate{
		{cx: 32, cy: 32, w: 10, h: 8, scores: map[int]float32{0: 0.9}},
		{cx: 33, cy: 32, w: 10, h: 8, scores: map[int]float32{0: 0.6}},
		{cx: 10, cy: 50, w: 4, h: 4, scores: map[int]float32{2: 0.5}},
	}
	data, shape := buildOutput(cands, 100, 80, false, true)
	runner := newFakeRunner(64, data, shape)

	img := createInMemoryImage(128, 72, color.White)
	timings := &models.ProcessingTimings{}
	res, err := testPipeline().ProcessImage(context.Background(), img, runner, timings)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Candidates)
	require.Len(t, res.Detections, 2)
	assert.Equal(t, float32(0.9), res.Detections[0].Confidence)
	assert.Equal(t, "car", res.Detections[1].Label)
	assert.Equal(t, "channels-first", res.Layout)
	assert.Equal(t, 14, res.Transform.PadY)

	// Letterbox bars are black, content is white.
	plane := 64 * 64
	assert.Equal(t, float32(0), runner.input[2*64+10])
	assert.Equal(t, float32(1), runner.input[plane+32*64+10])
	assert.Same(t, timings, res.Timings)
}

func TestPipeline_MalformedOutputIsEmpty(t *testing.T) {
	runner := newFakeRunner(32, make([]float32, 12), []int64{1, 3, 4})
	res, err := testPipeline().ProcessImage(context.Background(), createInMemoryImage(10, 10, color.White), runner, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Detections)
	assert.Equal(t, "unknown", res.Layout)
}

func TestPipeline_RetriesInference(t *testing.T) {
	data, shape := buildOutput(nil, 10, 80, false, true)
	runner := newFakeRunner(16, data, shape)
	runner.errs = []error{errors.New("transient")}

	_, err := testPipeline().ProcessImage(context.Background(), createInMemoryImage(16, 16, color.White), runner, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, runner.runs)
}

func TestPipeline_InferenceFailure(t *testing.T) {
	data, shape := buildOutput(nil, 10, 80, false, true)
	runner := newFakeRunner(16, data, shape)
	boom := errors.New("boom")
	runner.errs = []error{boom, boom}

	_, err := testPipeline().ProcessImage(context.Background(), createInMemoryImage(16, 16, color.White), runner, nil)
	require.Error(t, err)

	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageInference, perr.Stage)
	assert.ErrorIs(t, err, boom)
}

func TestPipeline_ClosedSessionNotRetried(t *testing.T) {
	runner := newFakeRunner(16, nil, nil)
	runner.errs = []error{ErrSessionClosed}

	_, err := testPipeline().ProcessImage(context.Background(), createInMemoryImage(16, 16, color.White), runner, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 1, runner.runs)
}

func TestPipeline_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := newFakeRunner(16, nil, nil)
	_, err := testPipeline().ProcessImage(ctx, createInMemoryImage(16, 16, color.White), runner, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, runner.runs)
}

func TestPipeline_CancelDuringRetryBackoff(t *testing.T) {
	data, shape := buildOutput(nil, 10, 80, false, true)
	runner := newFakeRunner(16, data, shape)
	runner.errs = []error{errors.New("transient"), errors.New("transient")}

	cfg := DefaultPipelineConfig()
	cfg.Retries = 1
	ctx, cancel := context.WithCancel(context.Background())
	// The first failure is followed by a RetryDelayMs backoff; cancel inside it.
	time.AfterFunc(RetryDelayMs*time.Millisecond/4, cancel)

	start := time.Now()
	_, err := NewPipeline(cfg).ProcessImage(ctx, createInMemoryImage(16, 16, color.White), runner, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, runner.runs)
	assert.Less(t, time.Since(start), RetryDelayMs*time.Millisecond)
}
