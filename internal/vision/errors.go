package vision

import (
	"errors"
	"fmt"
)

var (
	ErrUndecodable   = errors.New("image could not be decoded")
	ErrNoFace        = errors.New("no face detected")
	ErrMultipleFaces = errors.New("multiple faces detected")
	ErrEmptyFace     = errors.New("detected face has no area")
)

// InputError reports an enrollment image that cannot produce a template.
// Reason is safe to show to the student.
type InputError struct {
	Reason string
	Err    error
}

func (e *InputError) Error() string { return e.Reason }

func (e *InputError) Unwrap() error { return e.Err }

// ModelError reports a recognition model that could not be built from a stored template.
type ModelError struct {
	Err error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("recognition model unavailable: %v", e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }
