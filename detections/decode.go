package detections

import (
	"fmt"
	"math"
	"strings"

	"github.com/Tutortoise/object-scanner-service/models"
)

// Activation says how raw score channels become probabilities.
type Activation int

const (
	// ActivationNone treats scores as probabilities already. Ultralytics
	// YOLOv8 ONNX exports apply the sigmoid inside the graph.
	ActivationNone Activation = iota
	// ActivationSigmoid applies a sigmoid to every objectness and class score.
	ActivationSigmoid
)

func (a Activation) String() string {
	if a == ActivationSigmoid {
		return "sigmoid"
	}
	return "none"
}

func ParseActivation(s string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "probability", "probabilities":
		return ActivationNone, nil
	case "sigmoid", "logit", "logits":
		return ActivationSigmoid, nil
	}
	return ActivationNone, fmt.Errorf("unknown score activation %q", s)
}

type DecodeOptions struct {
	NumClasses    int
	ConfThreshold float32
	Activation    Activation
	Classes       []string
}

func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{
		NumClasses:    NumClasses,
		ConfThreshold: ConfThreshold,
		Activation:    ActivationNone,
		Classes:       COCOClasses,
	}
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// Decode reads every candidate of a detector output and returns those at or
// above the confidence threshold, in candidate order, with corner-form boxes
// in model pixels. An unrecognized shape yields no detections.
func Decode(data []float32, shape []int64, opts DecodeOptions) ([]models.Detection, OutputFormat) {
	format := ClassifyOutput(shape, len(data), opts.NumClasses)
	if format.Layout == LayoutUnknown {
		return nil, format
	}

	var at func(candidate, attr int) float32
	switch format.Layout {
	case LayoutChannelsFirst:
		n := format.Candidates
		at = func(candidate, attr int) float32 { return data[attr*n+candidate] }
	case LayoutBoxesFirst:
		a := format.Attributes
		at = func(candidate, attr int) float32 { return data[candidate*a+attr] }
	}

	activate := func(v float32) float32 { return v }
	if opts.Activation == ActivationSigmoid {
		activate = sigmoid
	}

	classStart := 4
	if format.HasObjectness {
		classStart = 5
	}

	out := make([]models.Detection, 0, 64)
	for i := 0; i < format.Candidates; i++ {
		bestClass := -1
		var bestScore float32
		for c := 0; c < format.NumClasses; c++ {
			v := activate(at(i, classStart+c))
			if bestClass < 0 || v > bestScore {
				bestClass, bestScore = c, v
			}
		}
		if bestClass < 0 {
			continue
		}

		confidence := bestScore
		if format.HasObjectness {
			confidence = activate(at(i, 4)) * bestScore
		}
		if confidence < opts.ConfThreshold || math.IsNaN(float64(confidence)) {
			continue
		}

		out = append(out, models.Detection{
			Box:        models.BoxFromCenter(at(i, 0), at(i, 1), at(i, 2), at(i, 3)),
			Confidence: confidence,
			ClassID:    bestClass,
			Label:      ClassName(opts.Classes, bestClass),
			Index:      i,
		})
	}
	return out, format
}
