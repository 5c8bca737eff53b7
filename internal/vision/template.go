package vision

import (
	"fmt"
	"image"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// TemplateVersion is bumped whenever the on-disk template layout changes.
	TemplateVersion = 1
	// LayoutGray8 is one byte per pixel, row-major, no padding.
	LayoutGray8 = "gray8"
	// DefaultFaceSize is the edge length faces are normalized to before recognition.
	DefaultFaceSize = 200
)

// Template is the enrollment reference face, stored as a self-describing msgpack blob
// so it does not depend on any recognizer's internal model format.
type Template struct {
	Version uint8  `msgpack:"v"`
	Width   int    `msgpack:"w"`
	Height  int    `msgpack:"h"`
	Layout  string `msgpack:"layout"`
	Pix     []byte `msgpack:"pix"`
}

// NewTemplate copies face into a compact gray8 template.
func NewTemplate(face *image.Gray) *Template {
	b := face.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		rowStart := face.PixOffset(b.Min.X, b.Min.Y+y)
		copy(pix[y*w:(y+1)*w], face.Pix[rowStart:rowStart+w])
	}
	return &Template{
		Version: TemplateVersion,
		Width:   w,
		Height:  h,
		Layout:  LayoutGray8,
		Pix:     pix,
	}
}

// Image wraps the template pixels without copying.
func (t *Template) Image() *image.Gray {
	return &image.Gray{
		Pix:    t.Pix,
		Stride: t.Width,
		Rect:   image.Rect(0, 0, t.Width, t.Height),
	}
}

// Validate checks the header against the pixel payload.
func (t *Template) Validate() error {
	if t.Version != TemplateVersion {
		return fmt.Errorf("unsupported template version %d (want %d)", t.Version, TemplateVersion)
	}
	if t.Layout != LayoutGray8 {
		return fmt.Errorf("unsupported template layout %q", t.Layout)
	}
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("invalid template dimensions %dx%d", t.Width, t.Height)
	}
	// Division first so a hostile header cannot overflow the product
	if t.Width > len(t.Pix)/t.Height || len(t.Pix) != t.Width*t.Height {
		return fmt.Errorf("template has %d pixels, header says %dx%d", len(t.Pix), t.Width, t.Height)
	}
	return nil
}

// Encode serializes the template for storage.
func (t *Template) Encode() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return msgpack.Marshal(t)
}

// DecodeTemplate parses and validates a stored template.
func DecodeTemplate(data []byte) (*Template, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty template")
	}
	var t Template
	if err := msgpack.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
