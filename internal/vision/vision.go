// Package vision defines the external classification capability consumed by
// the pipeline. The core has no dependency on any specific inference vendor;
// adapters implement Classifier against whatever service is deployed.
package vision

import (
	"context"
	"image"

	"github.com/eyumandy/WatchDog/internal/frame"
)

// ObjectDetection is a single localized object returned by the classifier.
type ObjectDetection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// SafetyScores carries the classifier's per-frame safety sub-scores in [0,1].
type SafetyScores struct {
	Violence float64 `json:"violence"`
	Weapons  float64 `json:"weapons"`
}

// FaceDetection is a localized face with its detection confidence.
type FaceDetection struct {
	Box        image.Rectangle `json:"box"`
	Confidence float64         `json:"confidence"`
}

// Classification is the external inference result for one frame. The zero
// value means "no detections" and is what the pipeline substitutes when the
// classifier is unavailable (degraded, motion-only scoring).
type Classification struct {
	Objects []ObjectDetection `json:"objects"`
	Safety  SafetyScores      `json:"safety"`
	Faces   []FaceDetection   `json:"faces"`
}

// Classifier is the classification capability. Implementations may fail or
// time out; callers treat any error as "no detections" rather than blocking
// the pipeline.
type Classifier interface {
	Classify(ctx context.Context, f *frame.Frame) (Classification, error)
}
