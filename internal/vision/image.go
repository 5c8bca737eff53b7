package vision

import (
	"image"

	"golang.org/x/image/draw"
)

// Grayscale returns a zero-origin 8-bit grayscale copy of img.
// A zero-origin *image.Gray is returned as is.
func Grayscale(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// CropNormalize cuts r out of img and scales it to a size x size square.
// Returns nil when r does not overlap the image.
func CropNormalize(img *image.Gray, r image.Rectangle, size int) *image.Gray {
	return cropResize(img, r, image.Pt(size, size))
}

func cropResize(img *image.Gray, r image.Rectangle, size image.Point) *image.Gray {
	// Clip rect to image bounds to prevent panics
	r = r.Intersect(img.Bounds())
	if r.Empty() || size.X <= 0 || size.Y <= 0 {
		return nil
	}
	dst := image.NewGray(image.Rectangle{Max: size})
	draw.BiLinear.Scale(dst, dst.Bounds(), img, r, draw.Src, nil)
	return dst
}
