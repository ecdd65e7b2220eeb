package scanner

import "fmt"

const (
	MsgIdle          = "Tap to start scanning"
	MsgStarting      = "Starting camera…"
	MsgRunning       = "Scanning"
	MsgStopped       = "Stopped"
	MsgCameraReady   = "✓ Camera ready"
	MsgLoadingModel  = "Loading model…"
	MsgModelReady    = "✓ Model ready"
	MsgCameraDenied  = "× Camera permission denied"
	MsgCameraMissing = "× No camera found"
	MsgCameraFailed  = "× Camera unavailable"
	MsgModelFailed   = "× Failed to load model from all sources"
	MsgStreamEnded   = "× Camera stream ended"
	MsgSessionLost   = "× Model session closed"
)

func msgCameraReady(w, h int) string {
	return fmt.Sprintf("%s (%dx%d)", MsgCameraReady, w, h)
}

// MsgLoadingFrom is the progress line for one model candidate.
func MsgLoadingFrom(kind, location string) string {
	return fmt.Sprintf("Loading model from (%s) %s", kind, location)
}

func MsgLoadedFrom(kind string) string {
	return fmt.Sprintf("✓ Model loaded (%s)", kind)
}

func MsgCandidateFailed(kind string, err error) string {
	return fmt.Sprintf("× (%s) %v", kind, err)
}
