package scanner

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/Tutortoise/object-scanner-service/camera"
	"github.com/Tutortoise/object-scanner-service/detections"
	"github.com/Tutortoise/object-scanner-service/models"
	"github.com/Tutortoise/object-scanner-service/overlay"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "idle":
		*s = StateIdle
	case "starting":
		*s = StateStarting
	case "running":
		*s = StateRunning
	default:
		return fmt.Errorf("unknown scanner state %q", b)
	}
	return nil
}

// Detector runs one frame through letterbox, inference, decode and NMS.
type Detector interface {
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (*detections.Result, error)
	Close() error
}

// DetectorLoader produces a Detector. progress receives HUD lines while
// loading. The returned string describes where the model came from.
type DetectorLoader interface {
	LoadDetector(ctx context.Context, progress func(string)) (Detector, string, error)
}

type DetectorLoaderFunc func(ctx context.Context, progress func(string)) (Detector, string, error)

func (f DetectorLoaderFunc) LoadDetector(ctx context.Context, progress func(string)) (Detector, string, error) {
	return f(ctx, progress)
}

type Config struct {
	Camera  camera.Request
	Surface overlay.Surface
	Fit     detections.FitMode
	Clip    bool
	// MaxFPS caps the tick rate; zero runs as fast as inference allows.
	MaxFPS float64
	// ErrorBackoff is the pause after a failed tick.
	ErrorBackoff time.Duration
	// Render draws the overlay bitmap every tick.
	Render bool
	// ShowHUD draws status lines onto the overlay.
	ShowHUD bool
}

func DefaultConfig() Config {
	return Config{
		Camera:       camera.DefaultRequest(),
		Surface:      overlay.Surface{CSSWidth: 1280, CSSHeight: 720, DPR: 1},
		Fit:          detections.FitContain,
		MaxFPS:       0,
		ErrorBackoff: 50 * time.Millisecond,
		Render:       true,
		ShowHUD:      true,
	}
}

// Frame is the published result of one tick.
type Frame struct {
	ID           string                        `json:"id"`
	Sequence     uint64                        `json:"sequence"`
	Timestamp    time.Time                     `json:"timestamp"`
	SourceWidth  int                           `json:"source_width"`
	SourceHeight int                           `json:"source_height"`
	Detections   []models.Detection            `json:"detections"`
	Screen       []models.ScreenBox            `json:"screen"`
	Transform    detections.LetterboxTransform `json:"transform"`
	Display      detections.DisplayTransform   `json:"display"`
	Layout       string                        `json:"layout"`
	Candidates   int                           `json:"candidates"`
	Timings      models.ProcessingTimings      `json:"timings"`
}

type Status struct {
	State        State      `json:"state"`
	Message      string     `json:"message"`
	HUD          []string   `json:"hud"`
	LastError    string     `json:"last_error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Frames       uint64     `json:"frames"`
	TickErrors   uint64     `json:"tick_errors"`
	FPS          float64    `json:"fps"`
	ModelLoaded  bool       `json:"model_loaded"`
	ModelSource  string     `json:"model_source,omitempty"`
	SourceWidth  int        `json:"source_width,omitempty"`
	SourceHeight int        `json:"source_height,omitempty"`
	Clients      int        `json:"stream_clients"`
}
