package proctor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/invigilator/internal/capture"
	"github.com/andresmejia3/invigilator/internal/types"
	"github.com/andresmejia3/invigilator/internal/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeExams struct {
	exams    map[int64]*types.Exam
	students map[string]*types.Student
}

var errMissing = errors.New("not found")

func (f *fakeExams) GetExam(ctx context.Context, id int64) (*types.Exam, error) {
	if e, ok := f.exams[id]; ok {
		return e, nil
	}
	return nil, errMissing
}

func (f *fakeExams) GetStudent(ctx context.Context, id string) (*types.Student, error) {
	if s, ok := f.students[id]; ok {
		return s, nil
	}
	return nil, errMissing
}

func newExams(template []byte, examIDs ...int64) *fakeExams {
	f := &fakeExams{
		exams:    map[int64]*types.Exam{},
		students: map[string]*types.Student{"s1": {ID: "s1", Name: "Ada", FaceTemplate: template}},
	}
	for _, id := range examIDs {
		f.exams[id] = &types.Exam{ID: id, StudentID: "s1", StartTime: t0}
	}
	return f
}

// step is one scripted frame: when it is read and how many faces it shows.
type step struct {
	at    time.Duration
	faces int
}

func faceBoxes(n int) []image.Rectangle {
	boxes := make([]image.Rectangle, n)
	for i := range boxes {
		x := 4 + i*30
		boxes[i] = image.Rect(x, 24, x+24, 48)
	}
	return boxes
}

// scriptedDevice plays steps, moving the clock to each frame's time, then reports io.EOF.
type scriptedDevice struct {
	clock  *fakeClock
	steps  []step
	i      int
	closes atomic.Int32
}

func (d *scriptedDevice) Read() (image.Image, error) {
	if d.i >= len(d.steps) {
		return nil, io.EOF
	}
	d.clock.Set(t0.Add(d.steps[d.i].at))
	d.i++
	return image.NewRGBA(image.Rect(0, 0, 96, 64)), nil
}

func (d *scriptedDevice) Close() error {
	d.closes.Add(1)
	return nil
}

// scriptedDetector returns the face count of the step the device just played.
type scriptedDetector struct {
	dev *scriptedDevice
	err error
}

func (s *scriptedDetector) Detect(ctx context.Context, img *image.Gray) ([]image.Rectangle, error) {
	if s.err != nil {
		return nil, s.err
	}
	return faceBoxes(s.dev.steps[s.dev.i-1].faces), nil
}

// blockingDevice never yields a frame; Read returns once the device is closed.
type blockingDevice struct {
	once   sync.Once
	closed chan struct{}
	closes atomic.Int32
}

func newBlockingDevice() *blockingDevice { return &blockingDevice{closed: make(chan struct{})} }

func (d *blockingDevice) Read() (image.Image, error) {
	<-d.closed
	return nil, capture.ErrClosed
}

func (d *blockingDevice) Close() error {
	d.closes.Add(1)
	d.once.Do(func() { close(d.closed) })
	return nil
}

type openerFunc func(ctx context.Context) (capture.Device, error)

func (f openerFunc) Open(ctx context.Context) (capture.Device, error) { return f(ctx) }

type fakeModel struct {
	distance float64
	calls    atomic.Int32
}

func (m *fakeModel) Predict(face *image.Gray) (int, float64) {
	m.calls.Add(1)
	return 1, m.distance
}

type fakeRecognizer struct {
	model *fakeModel
	err   error
}

func (r *fakeRecognizer) Train(t *vision.Template) (vision.Model, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.model, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []types.ViolationEvent
}

func (l *eventLog) Record(ev types.ViolationEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []types.ViolationEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.ViolationEvent(nil), l.events...)
}

func validTemplate(t *testing.T) []byte {
	t.Helper()
	data, err := vision.NewTemplate(image.NewGray(image.Rect(0, 0, 200, 200))).Encode()
	require.NoError(t, err)
	return data
}

type scenario struct {
	steps    []step
	template []byte
	model    *fakeModel
	trainErr error
	detErr   error
	cfg      Config
}

// runScenario plays the steps through a fresh engine until the device reports EOF.
func runScenario(t *testing.T, sc scenario) (*Engine, *eventLog, *scriptedDevice) {
	t.Helper()
	clock := &fakeClock{now: t0}
	dev := &scriptedDevice{clock: clock, steps: sc.steps}
	log := &eventLog{}

	model := sc.model
	if model == nil {
		model = &fakeModel{}
	}
	cfg := sc.cfg
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	deps := Deps{
		Exams:      newExams(sc.template, 1),
		Opener:     openerFunc(func(context.Context) (capture.Device, error) { return dev, nil }),
		Detector:   &scriptedDetector{dev: dev, err: sc.detErr},
		Recognizer: &fakeRecognizer{model: model, err: sc.trainErr},
		Recorder:   log,
		Clock:      clock,
	}

	e, err := NewEngine(context.Background(), 1, deps, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after the script ended")
	}
	return e, log, dev
}

func kinds(events []types.ViolationEvent) []types.ViolationKind {
	out := make([]types.ViolationKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// --- classifier and gates ---

func TestClassify(t *testing.T) {
	tests := []struct {
		faces int
		want  Verdict
	}{
		{0, VerdictNoFace},
		{1, VerdictOK},
		{2, VerdictMultipleFaces},
		{7, VerdictMultipleFaces},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.faces), "faces=%d", tt.faces)
	}
}

func TestVerdictLabels(t *testing.T) {
	assert.Equal(t, "Status: Normal", VerdictOK.Status())
	assert.Equal(t, "Status: NO_FACE", VerdictNoFace.Status())
	assert.Equal(t, "Status: MULTIPLE_FACES", VerdictMultipleFaces.Status())
	assert.Equal(t, "Status: IMPERSONATION DETECTED", VerdictImpersonation.Status())
	assert.False(t, VerdictOK.IsViolation())
	assert.Equal(t, types.ViolationKind(""), VerdictOK.Kind())
	assert.Equal(t, types.Impersonation, VerdictImpersonation.Kind())
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2 * time.Second)

	assert.True(t, rl.Allow(t0), "first violation always passes")
	assert.False(t, rl.Allow(t0.Add(1*time.Second)))
	assert.False(t, rl.Allow(t0.Add(2*time.Second)), "exactly the cooldown is still suppressed")
	assert.True(t, rl.Allow(t0.Add(4*time.Second)))
	assert.Equal(t, t0.Add(4*time.Second), rl.Last())

	// A clock reading from the past never moves the timestamp back
	assert.False(t, rl.Allow(t0))
	assert.Equal(t, t0.Add(4*time.Second), rl.Last())
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(5 * time.Second)

	assert.True(t, th.Allow(t0), "never ran")
	assert.False(t, th.Allow(t0.Add(4*time.Second)))
	assert.True(t, th.Allow(t0.Add(5*time.Second)))
	assert.False(t, th.Allow(t0.Add(1*time.Second)))
	assert.Equal(t, t0.Add(5*time.Second), th.Last())
}

// --- engine pipeline ---

func TestEngine_NoTemplateScenario(t *testing.T) {
	e, log, _ := runScenario(t, scenario{
		steps: []step{{0, 1}, {1 * time.Second, 0}, {2 * time.Second, 1}},
	})

	events := log.all()
	require.Len(t, events, 1)
	assert.Equal(t, types.NoFace, events[0].Kind)
	assert.Equal(t, t0.Add(1*time.Second), events[0].Timestamp)
	assert.Equal(t, int64(1), events[0].ExamID)
	assert.Equal(t, types.SourceCamera, events[0].Source)
	assert.NotEmpty(t, events[0].ID)

	stats := e.Stats()
	assert.Equal(t, int64(3), stats.Frames)
	assert.False(t, stats.Recognition)
	assert.Equal(t, StateStopped, e.State())
}

func TestEngine_CooldownIsSharedAcrossKinds(t *testing.T) {
	_, log, _ := runScenario(t, scenario{
		steps: []step{{0, 0}, {1 * time.Second, 2}, {4 * time.Second, 2}},
	})

	events := log.all()
	assert.Equal(t, []types.ViolationKind{types.NoFace, types.MultipleFaces}, kinds(events))
	assert.Equal(t, t0, events[0].Timestamp)
	assert.Equal(t, t0.Add(4*time.Second), events[1].Timestamp)
}

func TestEngine_RecognitionThrottled(t *testing.T) {
	model := &fakeModel{distance: 10}
	e, log, _ := runScenario(t, scenario{
		template: validTemplate(t),
		model:    model,
		steps: []step{
			{0, 1}, {1 * time.Second, 1}, {4 * time.Second, 1},
			{5 * time.Second, 1}, {6 * time.Second, 1}, {10 * time.Second, 1},
		},
	})

	assert.Equal(t, int32(3), model.calls.Load(), "runs at t=0, 5 and 10")
	assert.Equal(t, int64(3), e.Stats().Recognitions)
	assert.Empty(t, log.all(), "matching face is not a violation")
}

func TestEngine_Impersonation(t *testing.T) {
	model := &fakeModel{distance: 120}
	_, log, _ := runScenario(t, scenario{
		template: validTemplate(t),
		model:    model,
		steps:    []step{{0, 1}, {1 * time.Second, 1}, {6 * time.Second, 1}},
	})

	// t=1 is throttled, t=6 is a new impersonation past the cooldown
	events := log.all()
	assert.Equal(t, []types.ViolationKind{types.Impersonation, types.Impersonation}, kinds(events))
	assert.Equal(t, int32(2), model.calls.Load())
}

func TestEngine_ThresholdIsExclusive(t *testing.T) {
	model := &fakeModel{distance: vision.DefaultDissimilarityThreshold}
	_, log, _ := runScenario(t, scenario{
		template: validTemplate(t),
		model:    model,
		steps:    []step{{0, 1}},
	})
	assert.Empty(t, log.all())
}

func TestEngine_NoRecognitionWithZeroOrSeveralFaces(t *testing.T) {
	model := &fakeModel{distance: 200}
	_, log, _ := runScenario(t, scenario{
		template: validTemplate(t),
		model:    model,
		steps:    []step{{0, 0}, {3 * time.Second, 2}, {6 * time.Second, 3}},
	})

	assert.Zero(t, model.calls.Load())
	assert.Equal(t, []types.ViolationKind{types.NoFace, types.MultipleFaces, types.MultipleFaces}, kinds(log.all()))
}

func TestEngine_ModelErrorDegradesToDetectionOnly(t *testing.T) {
	tests := []struct {
		name     string
		template []byte
		trainErr error
	}{
		{"Undecodable template", []byte("not a template"), nil},
		{"Training fails", nil, errors.New("bad histogram")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			template := tt.template
			if template == nil {
				template = validTemplate(t)
			}
			model := &fakeModel{distance: 200}
			e, log, _ := runScenario(t, scenario{
				template: template,
				model:    model,
				trainErr: tt.trainErr,
				steps:    []step{{0, 1}, {3 * time.Second, 0}},
			})

			assert.False(t, e.Stats().Recognition)
			assert.Zero(t, model.calls.Load())
			assert.Equal(t, []types.ViolationKind{types.NoFace}, kinds(log.all()))
		})
	}
}

func TestBuildModel_ReturnsModelError(t *testing.T) {
	_, err := buildModel(vision.LBPH{}, []byte{0x01})
	var me *vision.ModelError
	assert.ErrorAs(t, err, &me)
}

func TestEngine_DetectionErrorStopsEngine(t *testing.T) {
	e, log, dev := runScenario(t, scenario{
		steps:  []step{{0, 0}, {1 * time.Second, 0}},
		detErr: errors.New("worker crashed"),
	})

	assert.Equal(t, StateStopped, e.State())
	assert.Empty(t, log.all(), "a failed detection must not be reported as NO_FACE")
	assert.Equal(t, int32(1), dev.closes.Load())
}

func TestEngine_StreamDropsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StreamBuffer = 1
	e, _, _ := runScenario(t, scenario{
		cfg:   cfg,
		steps: []step{{0, 1}, {1 * time.Second, 1}, {2 * time.Second, 1}},
	})

	ctx := context.Background()
	chunk, err := e.Stream().Next(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(chunk, []byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")))

	_, err = e.Stream().Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(2), e.Stats().DroppedChunks)
}

// --- lifecycle ---

func newBlockingEngine(t *testing.T, dev *blockingDevice) *Engine {
	t.Helper()
	deps := Deps{
		Exams:    newExams(nil, 1),
		Opener:   openerFunc(func(context.Context) (capture.Device, error) { return dev, nil }),
		Detector: &scriptedDetector{},
	}
	e, err := NewEngine(context.Background(), 1, deps, DefaultConfig())
	require.NoError(t, err)
	return e
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	dev := newBlockingDevice()
	e := newBlockingEngine(t, dev)
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StateRunning, e.State())

	e.Stop()
	e.Stop()

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after Stop")
	}
	e.Stop()

	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t, int32(1), dev.closes.Load())
	_, err := e.Stream().Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestEngine_StartTwice(t *testing.T) {
	dev := newBlockingDevice()
	e := newBlockingEngine(t, dev)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)
}

func TestEngine_StopBeforeStart(t *testing.T) {
	dev := newBlockingDevice()
	e := newBlockingEngine(t, dev)

	e.Stop()
	assert.Equal(t, StateStopped, e.State())
	_, err := e.Stream().Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, e.Start(context.Background()), ErrStopped)
	assert.Zero(t, dev.closes.Load())
}

func TestEngine_StartFailureIsDeviceError(t *testing.T) {
	deps := Deps{
		Exams: newExams(nil, 1),
		Opener: openerFunc(func(context.Context) (capture.Device, error) {
			return nil, errors.New("no camera")
		}),
		Detector: &scriptedDetector{},
	}
	e, err := NewEngine(context.Background(), 1, deps, DefaultConfig())
	require.NoError(t, err)

	err = e.Start(context.Background())
	var de *capture.DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StateStopped, e.State())
	<-e.Done()
}

func TestNewEngine_UnknownExam(t *testing.T) {
	deps := Deps{Exams: newExams(nil), Opener: openerFunc(nil), Detector: &scriptedDetector{}}
	_, err := NewEngine(context.Background(), 42, deps, DefaultConfig())
	assert.ErrorIs(t, err, errMissing)
}

// --- registry ---

func TestRegistry_ConcurrentEnsureSharesOneEngine(t *testing.T) {
	var opens atomic.Int32
	dev := newBlockingDevice()
	deps := Deps{
		Exams: newExams(nil, 7),
		Opener: openerFunc(func(context.Context) (capture.Device, error) {
			opens.Add(1)
			return dev, nil
		}),
		Detector: &scriptedDetector{},
	}
	reg := NewRegistry(context.Background(), deps, DefaultConfig())

	const n = 50
	engines := make([]*Engine, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := reg.Ensure(context.Background(), 7)
			assert.NoError(t, err)
			engines[i] = e
		}(i)
	}
	wg.Wait()

	for _, e := range engines {
		assert.Same(t, engines[0], e)
	}
	assert.Equal(t, int32(1), opens.Load())
	assert.True(t, reg.IsActive(7))
	assert.Equal(t, []int64{7}, reg.Active())

	reg.Stop(7)
	reg.Stop(7)
	<-engines[0].Done()
	assert.False(t, reg.IsActive(7))
	assert.Equal(t, int32(1), dev.closes.Load())
}

func TestRegistry_ReplacesStoppedEngine(t *testing.T) {
	var devices []*blockingDevice
	deps := Deps{
		Exams: newExams(nil, 3),
		Opener: openerFunc(func(context.Context) (capture.Device, error) {
			d := newBlockingDevice()
			devices = append(devices, d)
			return d, nil
		}),
		Detector: &scriptedDetector{},
	}
	reg := NewRegistry(context.Background(), deps, DefaultConfig())

	first, err := reg.Ensure(context.Background(), 3)
	require.NoError(t, err)

	// Simulate a camera failure: the device dies under the engine
	devices[0].Close()
	<-first.Done()
	assert.False(t, reg.IsActive(3))

	second, err := reg.Ensure(context.Background(), 3)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, reg.IsActive(3))

	require.NoError(t, reg.StopAll(context.Background()))
	assert.Empty(t, reg.Active())
}

func TestRegistry_EnsureStartFailureRegistersNothing(t *testing.T) {
	deps := Deps{
		Exams: newExams(nil, 5),
		Opener: openerFunc(func(context.Context) (capture.Device, error) {
			return nil, &capture.DeviceError{Source: "/dev/video0", Err: errors.New("busy")}
		}),
		Detector: &scriptedDetector{},
	}
	reg := NewRegistry(context.Background(), deps, DefaultConfig())

	_, err := reg.Ensure(context.Background(), 5)
	var de *capture.DeviceError
	require.ErrorAs(t, err, &de)
	_, ok := reg.Get(5)
	assert.False(t, ok)
}

// gatedOpener blocks the first Open until release closes; later opens return at once.
type gatedOpener struct {
	release chan struct{}
	opens   atomic.Int32
	first   *blockingDevice
	rest    *blockingDevice
}

func newGatedOpener() *gatedOpener {
	return &gatedOpener{release: make(chan struct{}), first: newBlockingDevice(), rest: newBlockingDevice()}
}

func (g *gatedOpener) Open(ctx context.Context) (capture.Device, error) {
	if g.opens.Add(1) == 1 {
		<-g.release
		return g.first, nil
	}
	return g.rest, nil
}

func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s still blocked after %s", what, d)
	}
}

func TestRegistry_SlowOpenDoesNotBlockOtherExams(t *testing.T) {
	opener := newGatedOpener()
	deps := Deps{Exams: newExams(nil, 1, 2), Opener: opener, Detector: &scriptedDetector{}}
	reg := NewRegistry(context.Background(), deps, DefaultConfig())

	// Two callers for exam 1; the first one hangs in Open
	results := make(chan *Engine, 2)
	for i := 0; i < 2; i++ {
		go func() {
			e, err := reg.Ensure(context.Background(), 1)
			assert.NoError(t, err)
			results <- e
		}()
	}
	require.Eventually(t, func() bool { return opener.opens.Load() == 1 }, time.Second, time.Millisecond)

	within(t, time.Second, "exam 2 while exam 1's device opens", func() {
		assert.False(t, reg.IsActive(1))
		assert.Empty(t, reg.Active())

		e, err := reg.Ensure(context.Background(), 2)
		if !assert.NoError(t, err) {
			return
		}
		assert.True(t, reg.IsActive(2))
		reg.Stop(2)
		<-e.Done()
		assert.False(t, reg.IsActive(2))
	})

	close(opener.release)
	a, b := <-results, <-results
	assert.Same(t, a, b)
	assert.True(t, reg.IsActive(1))
	assert.Equal(t, int32(2), opener.opens.Load(), "exam 1 opened once, exam 2 once")

	require.NoError(t, reg.StopAll(context.Background()))
	assert.Equal(t, int32(1), opener.first.closes.Load())
}

func TestRegistry_StopWhileOpening(t *testing.T) {
	opener := newGatedOpener()
	deps := Deps{Exams: newExams(nil, 1), Opener: opener, Detector: &scriptedDetector{}}
	reg := NewRegistry(context.Background(), deps, DefaultConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := reg.Ensure(context.Background(), 1)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return opener.opens.Load() == 1 }, time.Second, time.Millisecond)

	within(t, time.Second, "Stop during open", func() { reg.Stop(1) })
	close(opener.release)

	assert.ErrorIs(t, <-errCh, ErrStopped)
	assert.Eventually(t, func() bool { return opener.first.closes.Load() == 1 }, time.Second, time.Millisecond)
	_, ok := reg.Get(1)
	assert.False(t, ok)
}

func TestRegistry_WaiterHonorsContext(t *testing.T) {
	opener := newGatedOpener()
	deps := Deps{Exams: newExams(nil, 1), Opener: opener, Detector: &scriptedDetector{}}
	reg := NewRegistry(context.Background(), deps, DefaultConfig())

	go reg.Ensure(context.Background(), 1)
	require.Eventually(t, func() bool { return opener.opens.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := reg.Ensure(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(opener.release)
	require.NoError(t, reg.StopAll(context.Background()))
}

// --- rendering ---

func TestAnnotate_BoxColor(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 64, 64))
	box := image.Rect(30, 30, 50, 50)

	red := Annotate(frame, []image.Rectangle{box}, VerdictImpersonation)
	assert.Equal(t, colorViolation, red.RGBAAt(30, 40))
	assert.Equal(t, colorViolation, red.RGBAAt(31, 40), "boxes are 2px wide")
	assert.Equal(t, color.RGBA{}, red.RGBAAt(32, 40))

	green := Annotate(frame, []image.Rectangle{box}, VerdictOK)
	assert.Equal(t, colorNormal, green.RGBAAt(49, 40))

	// The source frame is left untouched
	assert.Equal(t, color.RGBA{}, frame.RGBAAt(30, 40))
}

func TestAnnotate_OffsetFrame(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 64, 64)).SubImage(image.Rect(10, 10, 64, 64))
	// The detector saw a zero-origin copy, so this box sits at (15,40)-(25,50) in frame space
	box := image.Rect(5, 30, 15, 40)

	canvas := Annotate(frame, []image.Rectangle{box}, VerdictNoFace)
	assert.Equal(t, frame.Bounds(), canvas.Bounds())
	assert.Equal(t, colorViolation, canvas.RGBAAt(15, 45))
	assert.Equal(t, colorViolation, canvas.RGBAAt(24, 45))
	assert.Equal(t, color.RGBA{}, canvas.RGBAAt(13, 45), "nothing where the untranslated box would end")
	assert.Equal(t, color.RGBA{}, canvas.RGBAAt(20, 45), "box interior")
}

func TestEncodeChunk(t *testing.T) {
	chunk, err := EncodeChunk(image.NewGray(image.Rect(0, 0, 8, 8)), 80)
	require.NoError(t, err)

	header := []byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")
	require.True(t, bytes.HasPrefix(chunk, header))
	require.True(t, bytes.HasSuffix(chunk, []byte("\r\n")))

	body := chunk[len(header) : len(chunk)-2]
	img, err := jpeg.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", StreamContentType)
}

func TestStream_Copy(t *testing.T) {
	ch := make(chan []byte, 2)
	ch <- []byte("a")
	ch <- []byte("b")
	close(ch)

	var out bytes.Buffer
	flushes := 0
	n, err := (&Stream{chunks: ch}).Copy(context.Background(), &out, func() { flushes++ })
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "ab", out.String())
	assert.Equal(t, 2, flushes)
}

func TestStream_NextHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Stream{chunks: make(chan []byte)}).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
