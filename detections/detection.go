package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/Tutortoise/object-scanner-service/models"
)

// Pipeline stages, used in ProcessingError.
const (
	StageLetterbox  = "letterbox"
	StagePreprocess = "preprocess"
	StageInference  = "inference"
)

type ProcessingError struct {
	Stage string
	Cause error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
	}
	return e.Stage
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

// Result is one frame's worth of model-space detections.
type Result struct {
	Detections []models.Detection        `json:"detections"`
	Transform  LetterboxTransform        `json:"transform"`
	Layout     string                    `json:"layout"`
	Candidates int                       `json:"candidates"`
	Timings    *models.ProcessingTimings `json:"timings,omitempty"`
}

type PipelineConfig struct {
	Decode DecodeOptions
	NMS    NMSOptions
	Fill   color.Color
	// Retries is the number of extra inference attempts for one frame.
	Retries int
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Decode:  DefaultDecodeOptions(),
		NMS:     DefaultNMSOptions(),
		Fill:    color.Black,
		Retries: RetryAttempts - 1,
	}
}

// Pipeline runs letterbox, preprocessing, inference, decoding and NMS.
type Pipeline struct {
	cfg           PipelineConfig
	preprocessors sync.Map // input size -> *Preprocessor
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Fill == nil {
		cfg.Fill = color.Black
	}
	return &Pipeline{cfg: cfg}
}

func (p *Pipeline) Config() PipelineConfig { return p.cfg }

func (p *Pipeline) preprocessorFor(size int) *Preprocessor {
	if v, ok := p.preprocessors.Load(size); ok {
		return v.(*Preprocessor)
	}
	v, _ := p.preprocessors.LoadOrStore(size, NewPreprocessor(size))
	return v.(*Preprocessor)
}

// ProcessImage runs one frame through the model held by runner. The caller
// must own runner exclusively for the duration of the call.
func (p *Pipeline) ProcessImage(ctx context.Context, img image.Image, runner Runner, timings *models.ProcessingTimings) (*Result, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	lbStart := time.Now()
	canvas, transform, err := Letterbox(img, runner.InputSize(), p.cfg.Fill)
	timings.Letterbox = time.Since(lbStart)
	if err != nil {
		return nil, &ProcessingError{Stage: StageLetterbox, Cause: err}
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		result, err := p.run(canvas, transform, runner, timings)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrSessionClosed) {
			break
		}
		if attempt < p.cfg.Retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * RetryDelayMs * time.Millisecond):
			}
		}
	}
	return nil, lastErr
}

func (p *Pipeline) run(canvas image.Image, transform LetterboxTransform, runner Runner, timings *models.ProcessingTimings) (*Result, error) {
	prepStart := time.Now()
	if err := p.preprocessorFor(runner.InputSize()).Fill(canvas, runner.InputBuffer()); err != nil {
		return nil, &ProcessingError{Stage: StagePreprocess, Cause: err}
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := runner.Run(); err != nil {
		return nil, &ProcessingError{Stage: StageInference, Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	data, shape := runner.OutputData()
	candidates, format := Decode(data, shape, p.cfg.Decode)
	timings.Postprocess = time.Since(postStart)

	nmsStart := time.Now()
	kept := NonMaxSuppression(candidates, p.cfg.NMS)
	timings.Suppression = time.Since(nmsStart)

	return &Result{
		Detections: kept,
		Transform:  transform,
		Layout:     format.Layout.String(),
		Candidates: len(candidates),
		Timings:    timings,
	}, nil
}
