package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// Enroll turns a registration photo into a template. It fails with *InputError
// unless exactly one face of non-zero size is found.
func Enroll(ctx context.Context, det Detector, data []byte, size int) (*Template, error) {
	if size <= 0 {
		size = DefaultFaceSize
	}
	if len(data) == 0 {
		return nil, &InputError{Reason: "Decoded image is empty.", Err: ErrUndecodable}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &InputError{Reason: "Could not decode the image.", Err: fmt.Errorf("%w: %v", ErrUndecodable, err)}
	}
	gray := Grayscale(img)

	regions, err := det.Detect(ctx, gray)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	switch {
	case len(regions) == 0:
		return nil, &InputError{Reason: "No face detected. Please try again.", Err: ErrNoFace}
	case len(regions) > 1:
		return nil, &InputError{Reason: "Multiple faces detected. Please register alone.", Err: ErrMultipleFaces}
	}

	face := CropNormalize(gray, regions[0], size)
	if face == nil {
		return nil, &InputError{Reason: "Detected face is empty. Please try again.", Err: ErrEmptyFace}
	}
	return NewTemplate(face), nil
}
