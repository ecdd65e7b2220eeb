package models

import "time"

// Box is a corner-form rectangle in model-space pixels.
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// BoxFromCenter converts a center-form (cx, cy, w, h) box to corner form.
func BoxFromCenter(cx, cy, w, h float32) Box {
	x1 := cx - w/2
	y1 := cy - h/2
	return Box{X1: x1, Y1: y1, X2: x1 + w, Y2: y1 + h}
}

func (b Box) Width() float32  { return b.X2 - b.X1 }
func (b Box) Height() float32 { return b.Y2 - b.Y1 }

func (b Box) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Area returns zero for degenerate boxes.
func (b Box) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

type Detection struct {
	Box        Box     `json:"box"`
	Confidence float32 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	Label      string  `json:"label"`
	// Index is the candidate position in the raw output tensor.
	Index int `json:"-"`
}

// ScreenBox is a detection in CSS pixels of the display element.
type ScreenBox struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	ClassID    int     `json:"class_id"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
}

type ProcessingTimings struct {
	RequestID   string        `json:"request_id"`
	ImageDecode time.Duration `json:"image_decode"`
	Letterbox   time.Duration `json:"letterbox"`
	Preprocess  time.Duration `json:"preprocess"`
	Inference   time.Duration `json:"inference"`
	Postprocess time.Duration `json:"postprocess"`
	Suppression time.Duration `json:"suppression"`
	Mapping     time.Duration `json:"mapping"`
	Render      time.Duration `json:"render"`
	Total       time.Duration `json:"total"`
}
