package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	regions []image.Rectangle
	err     error
}

func (f *fakeDetector) Detect(ctx context.Context, img *image.Gray) ([]image.Rectangle, error) {
	return f.regions, f.err
}

func noiseImage(w, h int, seed int64, max int) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(max))
	}
	return img
}

func stripes(w, h int, horizontal bool) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := x
			if horizontal {
				v = y
			}
			if v%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestLBPH_IdenticalFaceScoresZero(t *testing.T) {
	face := noiseImage(DefaultFaceSize, DefaultFaceSize, 1, 256)
	model, err := LBPH{}.Train(NewTemplate(face))
	require.NoError(t, err)

	label, dist := model.Predict(face)
	assert.Equal(t, 1, label)
	assert.InDelta(t, 0.0, dist, 1e-9)
}

func TestLBPH_InvariantToBrightnessShift(t *testing.T) {
	face := noiseImage(DefaultFaceSize, DefaultFaceSize, 2, 200)
	brighter := image.NewGray(face.Rect)
	for i, p := range face.Pix {
		brighter.Pix[i] = p + 40
	}

	model, err := LBPH{}.Train(NewTemplate(face))
	require.NoError(t, err)
	_, dist := model.Predict(brighter)
	assert.InDelta(t, 0.0, dist, 1e-9)
}

func TestLBPH_DifferentTextureExceedsThreshold(t *testing.T) {
	model, err := LBPH{}.Train(NewTemplate(stripes(DefaultFaceSize, DefaultFaceSize, true)))
	require.NoError(t, err)

	_, dist := model.Predict(stripes(DefaultFaceSize, DefaultFaceSize, false))
	assert.InDelta(t, 128.0, dist, 8)
	assert.Greater(t, dist, DefaultDissimilarityThreshold)
	assert.LessOrEqual(t, dist, float64(MaxLBPHScore))
}

func TestLBPH_ResizesMismatchedCrop(t *testing.T) {
	model, err := LBPH{}.Train(NewTemplate(noiseImage(DefaultFaceSize, DefaultFaceSize, 3, 256)))
	require.NoError(t, err)

	label, dist := model.Predict(noiseImage(64, 64, 4, 256))
	assert.Equal(t, 1, label)
	assert.Greater(t, dist, 0.0)
	assert.LessOrEqual(t, dist, float64(MaxLBPHScore))
}

func TestLBPH_RejectsBadTemplate(t *testing.T) {
	_, err := LBPH{}.Train(&Template{Version: TemplateVersion, Layout: LayoutGray8, Width: 2, Height: 2, Pix: make([]byte, 4)})
	assert.Error(t, err)

	_, err = LBPH{}.Train(nil)
	assert.Error(t, err)
}

func TestTemplate_EncodeDecode(t *testing.T) {
	// Template built from a sub-image must be compacted (stride != width)
	src := noiseImage(50, 40, 5, 256)
	sub := src.SubImage(image.Rect(10, 5, 30, 25)).(*image.Gray)

	tmpl := NewTemplate(sub)
	data, err := tmpl.Encode()
	require.NoError(t, err)

	got, err := DecodeTemplate(data)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Width)
	assert.Equal(t, 20, got.Height)
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			require.Equal(t, sub.GrayAt(10+x, 5+y), got.Image().GrayAt(x, y))
		}
	}
}

func TestDecodeTemplate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		tmpl Template
	}{
		{"Future version", Template{Version: 9, Layout: LayoutGray8, Width: 1, Height: 1, Pix: []byte{1}}},
		{"Unknown layout", Template{Version: TemplateVersion, Layout: "rgb24", Width: 1, Height: 1, Pix: []byte{1}}},
		{"Truncated pixels", Template{Version: TemplateVersion, Layout: LayoutGray8, Width: 4, Height: 4, Pix: []byte{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.tmpl.Encode()
			assert.Error(t, err)
		})
	}

	_, err := DecodeTemplate(nil)
	assert.Error(t, err)
	_, err = DecodeTemplate([]byte("not msgpack at all"))
	assert.Error(t, err)
}

func TestEnroll(t *testing.T) {
	photo := encodePNG(t, noiseImage(320, 240, 6, 256))

	tests := []struct {
		name    string
		data    []byte
		det     *fakeDetector
		wantErr error
	}{
		{
			name: "Exactly one face",
			data: photo,
			det:  &fakeDetector{regions: []image.Rectangle{image.Rect(100, 50, 220, 170)}},
		},
		{
			name:    "No face",
			data:    photo,
			det:     &fakeDetector{},
			wantErr: ErrNoFace,
		},
		{
			name: "Two faces",
			data: photo,
			det: &fakeDetector{regions: []image.Rectangle{
				image.Rect(0, 0, 50, 50), image.Rect(100, 100, 150, 150),
			}},
			wantErr: ErrMultipleFaces,
		},
		{
			name:    "Face outside the frame",
			data:    photo,
			det:     &fakeDetector{regions: []image.Rectangle{image.Rect(500, 500, 600, 600)}},
			wantErr: ErrEmptyFace,
		},
		{
			name:    "Undecodable bytes",
			data:    []byte("definitely not an image"),
			det:     &fakeDetector{regions: []image.Rectangle{image.Rect(0, 0, 10, 10)}},
			wantErr: ErrUndecodable,
		},
		{
			name:    "Empty upload",
			data:    nil,
			det:     &fakeDetector{},
			wantErr: ErrUndecodable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := Enroll(context.Background(), tt.det, tt.data, DefaultFaceSize)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, DefaultFaceSize, tmpl.Width)
				assert.Equal(t, DefaultFaceSize, tmpl.Height)
				assert.NoError(t, tmpl.Validate())
				_, err := LBPH{}.Train(tmpl)
				assert.NoError(t, err)
				return
			}
			assert.Nil(t, tmpl)
			var inputErr *InputError
			require.ErrorAs(t, err, &inputErr)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.NotEmpty(t, inputErr.Reason)
		})
	}
}

func TestEnroll_DetectorFailureIsNotInputError(t *testing.T) {
	photo := encodePNG(t, noiseImage(64, 64, 7, 256))
	_, err := Enroll(context.Background(), &fakeDetector{err: errors.New("worker died")}, photo, 0)
	require.Error(t, err)
	var inputErr *InputError
	assert.False(t, errors.As(err, &inputErr))
}

func TestTemplate_ValidateRejectsOverflowingHeader(t *testing.T) {
	// 2^62 * 4 wraps to 0 in int and would match an empty payload
	tmpl := Template{Version: TemplateVersion, Layout: LayoutGray8, Width: 1 << 62, Height: 4}
	assert.Error(t, tmpl.Validate())

	tmpl = Template{Version: TemplateVersion, Layout: LayoutGray8, Width: math.MaxInt/2 + 1, Height: 2, Pix: []byte{1, 2}}
	assert.Error(t, tmpl.Validate())
}

// Calibration scenes. Everything is integer arithmetic on splitmix64 so the
// distances are reproducible bit for bit.

const (
	sceneCanvas = DefaultFaceSize + 16
	sceneNoise  = 3 // triangular noise in [-6, 6], sigma ~2.8
)

func mix64(z uint64) uint64 {
	z += 0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

type faceLayout struct {
	fx, fy, frx, fry int // skin ellipse
	skin, bg         int
	ey, ex, er, eye  int // eye row, half spacing, radius, depth
	my, mw, mh, lips int // mouth row, half width, half height, depth
	gx, gy           int // shading slope in 1/16 per pixel
}

func newFaceLayout(seed uint64) faceLayout {
	var v [16]uint64
	s := seed
	for i := range v {
		s = mix64(s)
		v[i] = s
	}
	r := func(i, lo, hi int) int { return lo + int(v[i]%uint64(hi-lo+1)) }
	return faceLayout{
		fx: r(0, 96, 120), fy: r(1, 100, 120), frx: r(2, 58, 80), fry: r(3, 72, 96),
		skin: r(4, 150, 200), bg: r(5, 30, 80),
		ey: r(6, 70, 90), ex: r(7, 26, 40), er: r(8, 8, 16), eye: r(9, 20, 60),
		my: r(10, 140, 165), mw: r(11, 20, 40), mh: r(12, 5, 12), lips: r(13, 60, 110),
		gx: r(14, 0, 6), gy: r(15, 0, 6),
	}
}

func clampGray(v int) uint8 {
	return uint8(min(max(v, 0), 255))
}

func (f faceLayout) render() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, sceneCanvas, sceneCanvas))
	R := f.frx * f.frx * f.fry * f.fry
	for y := 0; y < sceneCanvas; y++ {
		for x := 0; x < sceneCanvas; x++ {
			v := f.bg + (x*f.gx+y*f.gy)/16
			dx, dy := x-f.fx, y-f.fy
			if q := dx*dx*f.fry*f.fry + dy*dy*f.frx*f.frx; q < R {
				v = f.skin - (f.skin-f.bg)*q/(2*R) + (x*f.gx)/16
				for _, side := range []int{-1, 1} {
					ex := f.fx + side*f.ex
					d, rr := (x-ex)*(x-ex)+(y-f.ey)*(y-f.ey), f.er*f.er
					if d < rr {
						v -= f.eye * (rr - d) / rr
					}
				}
				mx, my := abs(x-f.fx), abs(y-f.my)
				if mx < f.mw && my < f.mh {
					v -= f.lips * (f.mh - my) / f.mh
				}
			}
			img.Pix[y*img.Stride+x] = clampGray(v)
		}
	}
	return img
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// recapture cuts a face-sized window at (ox, oy), adds sensor noise and blurs it.
func recapture(scene *image.Gray, seed uint64, ox, oy int) *image.Gray {
	const n = DefaultFaceSize
	span := uint64(2*sceneNoise + 1)
	noisy := make([]int, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			h := mix64(seed ^ uint64((y+oy)*sceneCanvas+x+ox)*0x100000001B3)
			noise := int(h%span) + int((h>>20)%span) - 2*sceneNoise
			noisy[y*n+x] = int(clampGray(int(scene.GrayAt(x+ox, y+oy).Y) + noise))
		}
	}

	out := image.NewGray(image.Rect(0, 0, n, n))
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			sum := 0
			for dy := -1; dy <= 1; dy++ {
				yy := min(max(y+dy, 0), n-1)
				for dx := -1; dx <= 1; dx++ {
					sum += noisy[yy*n+min(max(x+dx, 0), n-1)]
				}
			}
			out.Pix[y*out.Stride+x] = uint8(sum / 9)
		}
	}
	return out
}

func TestLBPH_CalibratedThresholdSeparatesSubjects(t *testing.T) {
	const subjects = 16
	jitter := []image.Point{{0, 0}, {8, 8}, {0, 8}, {8, 0}, {3, 6}}

	scenes := make([]*image.Gray, subjects)
	models := make([]Model, subjects)
	for i := range scenes {
		scenes[i] = newFaceLayout(uint64(i + 1)).render()
		m, err := LBPH{}.Train(NewTemplate(recapture(scenes[i], uint64(1000+i), 4, 4)))
		require.NoError(t, err)
		models[i] = m
	}

	var genuineMax, impostorMin float64 = 0, MaxLBPHScore
	falseAccepts := 0
	for i, scene := range scenes {
		for k, off := range jitter {
			face := recapture(scene, uint64(2000+10*i+k), off.X, off.Y)
			for j, m := range models {
				_, dist := m.Predict(face)
				if i == j {
					assert.Less(t, dist, DefaultDissimilarityThreshold, "subject %d capture %d", i, k)
					genuineMax = max(genuineMax, dist)
					continue
				}
				impostorMin = min(impostorMin, dist)
				if dist <= DefaultDissimilarityThreshold {
					falseAccepts++
				}
			}
		}
	}

	// At most the one near-twin pair of the calibration table
	assert.LessOrEqual(t, falseAccepts, 1)
	assert.Greater(t, genuineMax, 20.0)
	assert.Greater(t, impostorMin, 30.0)
	t.Logf("genuine max %.2f, impostor min %.2f, false accepts %d", genuineMax, impostorMin, falseAccepts)
}
