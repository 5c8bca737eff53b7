package proctor

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorViolation = color.RGBA{R: 255, A: 255}
	colorNormal    = color.RGBA{G: 255, A: 255}
)

const boxThickness = 2

// Annotate copies frame and draws the face boxes and status line for verdict.
// Boxes are relative to the frame origin, as the detector sees the zero-origin gray copy.
func Annotate(frame image.Image, faces []image.Rectangle, verdict Verdict) *image.RGBA {
	b := frame.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, frame, b.Min, draw.Src)

	c := colorNormal
	if verdict.IsViolation() {
		c = colorViolation
	}
	for _, r := range faces {
		drawBox(canvas, r.Add(b.Min), c, boxThickness)
	}

	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(b.Min.X+10, b.Min.Y+20),
	}
	d.DrawString(verdict.Status())
	return canvas
}

// drawBox strokes r inward by thickness pixels, clipped to the canvas.
func drawBox(dst *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	src := image.NewUniform(c)
	t := min(thickness, r.Dx(), r.Dy())
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t), // top
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y), // bottom
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y), // left
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y), // right
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}
