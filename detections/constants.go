package detections

const (
	InputSize       = 640
	NumClasses      = 80
	ConfThreshold   = 0.25
	IouThreshold    = 0.45
	MaxDetections   = 50
	DefaultInput    = "images"
	DefaultOutput   = "output0"
	RetryAttempts   = 2
	RetryDelayMs    = 20
	LabelMarginPx   = 12
	rgbChannels     = 3
	minRowsPerChunk = 8
)
