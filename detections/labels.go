package detections

import (
	"fmt"

	"github.com/samber/lo"
)

// COCOClasses is the class table of the stock YOLOv8 export.
var COCOClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie",
	"suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

// livingClasses get the highlight color in the overlay.
var livingClasses = []string{"person", "cat", "dog", "horse", "cow", "elephant", "bear", "zebra", "giraffe"}

// ClassName resolves a class index, falling back to "id:N".
func ClassName(classes []string, id int) string {
	if id >= 0 && id < len(classes) {
		return classes[id]
	}
	return fmt.Sprintf("id:%d", id)
}

// IsLiving reports whether label is a person or animal class.
func IsLiving(label string) bool {
	return lo.Contains(livingClasses, label)
}
