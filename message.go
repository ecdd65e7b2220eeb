package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/Tutortoise/object-scanner-service/models"
)

const (
	MsgNoObjects = "Nothing recognised in this image. Try better lighting or move closer to the object."

	MsgScannerStarted = "Scanner started"

	MsgScannerStopped = "Scanner stopped"

	MsgNoFrameYet = "No frame has been processed yet. Start the scanner first."
)

// getDetectionMessage summarises detections as "Found person ×2, cup".
func getDetectionMessage(dets []models.Detection) string {
	if len(dets) == 0 {
		return MsgNoObjects
	}

	counts := lo.CountValuesBy(dets, func(d models.Detection) string { return d.Label })
	labels := lo.Keys(counts)
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})

	parts := lo.Map(labels, func(label string, _ int) string {
		n := counts[label]
		if n == 1 {
			return label
		}
		return fmt.Sprintf("%s ×%d", label, n)
	})
	return "Found " + strings.Join(parts, ", ")
}
