package vision

import (
	"fmt"
	"image"
)

// LBPH distance scale
//
// Codes are 8-neighbour local binary patterns at radius 1. The code image is split
// into an 8x8 grid and every cell gets a 256-bin histogram normalized to sum 1.
// Two faces are compared with the alternative chi-square distance
//
//	d = sum over bins of 2*(a-b)^2 / (a+b)
//
// so each cell contributes [0, 4] and the total lies in [0, 256]. 0 is a pixel
// identical face. Lower is a better match.
//
// The default threshold comes from a synthetic calibration that
// TestLBPH_CalibratedThresholdSeparatesSubjects replays. The scenes are 16 face-like
// layouts (skin ellipse, eyes, mouth, shading). Each capture is a 200x200 window at
// 0-8px jitter with triangular sensor noise (sigma ~2.8). A 3x3 box blur stands in
// for the bilinear upscale of a detected face. Against one enrollment per subject:
//
//	genuine   80 pairs    22.4 .. 32.2
//	impostor  1200 pairs  32.2 .. 89.0
//
// 33 rejects no genuine capture and accepts 1 of 1200 impostors. Two independent
// noise textures already score about 50, so unblurred noisy crops land near that
// floor whoever they show.
const (
	lbphGrid     = 8
	lbphBins     = 256
	lbphCells    = lbphGrid * lbphGrid
	MaxLBPHScore = 4 * lbphCells

	// DefaultDissimilarityThreshold flags impersonation when exceeded.
	DefaultDissimilarityThreshold = 33.0
)

// LBPH is the in-process Recognizer.
type LBPH struct{}

// Train builds a model from one enrollment template. The enrolled identity is label 1.
func (LBPH) Train(t *Template) (Model, error) {
	if t == nil {
		return nil, fmt.Errorf("nil template")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.Width < 3 || t.Height < 3 {
		return nil, fmt.Errorf("template %dx%d is too small for LBP", t.Width, t.Height)
	}
	return &lbphModel{
		size: image.Pt(t.Width, t.Height),
		hist: spatialHistogram(t.Image()),
	}, nil
}

type lbphModel struct {
	size image.Point
	hist []float64
}

func (m *lbphModel) Predict(face *image.Gray) (int, float64) {
	if face.Bounds().Size() != m.size {
		face = cropResize(face, face.Bounds(), m.size)
		if face == nil {
			return -1, MaxLBPHScore
		}
	}
	return 1, chiSquareAlt(m.hist, spatialHistogram(face))
}

// spatialHistogram computes the concatenated per-cell LBP histograms of img.
func spatialHistogram(img *image.Gray) []float64 {
	b := img.Bounds()
	// The 1px border has no full neighbourhood
	w, h := b.Dx()-2, b.Dy()-2
	hist := make([]float64, lbphCells*lbphBins)
	if w <= 0 || h <= 0 {
		return hist
	}

	counts := make([]int, lbphCells)
	for y := 0; y < h; y++ {
		cy := y * lbphGrid / h
		for x := 0; x < w; x++ {
			cx := x * lbphGrid / w
			cell := cy*lbphGrid + cx
			hist[cell*lbphBins+int(lbpCode(img, b.Min.X+x+1, b.Min.Y+y+1))]++
			counts[cell]++
		}
	}

	for cell, n := range counts {
		if n == 0 {
			continue
		}
		row := hist[cell*lbphBins : (cell+1)*lbphBins]
		for i := range row {
			row[i] /= float64(n)
		}
	}
	return hist
}

// neighbour offsets, clockwise from top-left
var lbpOffsets = [8]image.Point{
	{-1, -1}, {0, -1}, {1, -1}, {1, 0},
	{1, 1}, {0, 1}, {-1, 1}, {-1, 0},
}

func lbpCode(img *image.Gray, x, y int) uint8 {
	center := img.GrayAt(x, y).Y
	var code uint8
	for i, off := range lbpOffsets {
		if img.GrayAt(x+off.X, y+off.Y).Y >= center {
			code |= 1 << uint(7-i)
		}
	}
	return code
}

func chiSquareAlt(a, b []float64) float64 {
	var d float64
	for i := range a {
		sum := a[i] + b[i]
		if sum == 0 {
			continue
		}
		diff := a[i] - b[i]
		d += 2 * diff * diff / sum
	}
	return d
}
