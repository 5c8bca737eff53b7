// Package vision defines the face capability consumed by the proctor engine and
// enrollment: a detector that finds face regions in a grayscale frame and a
// recognizer that builds a per-student model from an enrollment template.
//
// Detection is delegated to an external worker (see internal/worker). Recognition
// ships in-process as LBPH whose distance scale is pinned in lbph.go.
package vision

import (
	"context"
	"image"
)

// Detector finds face bounding boxes in a grayscale frame.
type Detector interface {
	Detect(ctx context.Context, img *image.Gray) ([]image.Rectangle, error)
}

// Recognizer builds an identity model from a single enrollment template.
type Recognizer interface {
	Train(t *Template) (Model, error)
}

// Model verifies a normalized face crop against the enrolled identity.
// Distance is a dissimilarity: lower means a better match.
type Model interface {
	Predict(face *image.Gray) (label int, distance float64)
}
