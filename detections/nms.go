package detections

import (
	"sort"

	"github.com/Tutortoise/object-scanner-service/models"
)

// IoU returns the intersection over union of two corner-form boxes.
func IoU(a, b models.Box) float32 {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

type NMSOptions struct {
	IouThreshold float32
	// MaxCount caps the result; zero or less keeps everything.
	MaxCount int
	// ClassAware suppresses only boxes of the same class.
	ClassAware bool
}

func DefaultNMSOptions() NMSOptions {
	return NMSOptions{IouThreshold: IouThreshold, MaxCount: MaxDetections}
}

// NonMaxSuppression keeps the highest-confidence box of every overlapping
// group. The result is ordered by descending confidence; equal confidences
// keep their input order. The input slice is not modified.
func NonMaxSuppression(dets []models.Detection, opts NMSOptions) []models.Detection {
	if len(dets) == 0 {
		return nil
	}

	sorted := make([]models.Detection, len(dets))
	copy(sorted, dets)
	sortDetectionsByConfidence(sorted)

	kept := make([]models.Detection, 0, min(len(sorted), max(opts.MaxCount, 1)))
	for _, candidate := range sorted {
		suppressed := false
		for _, k := range kept {
			if opts.ClassAware && k.ClassID != candidate.ClassID {
				continue
			}
			if IoU(candidate.Box, k.Box) > opts.IouThreshold {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		kept = append(kept, candidate)
		if opts.MaxCount > 0 && len(kept) >= opts.MaxCount {
			break
		}
	}
	return kept
}

func sortDetectionsByConfidence(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
}
