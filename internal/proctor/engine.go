// Package proctor runs the per-exam monitoring loop: capture, detect, classify,
// recognize, annotate, record and stream.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/invigilator/internal/capture"
	"github.com/andresmejia3/invigilator/internal/types"
	"github.com/andresmejia3/invigilator/internal/vision"
	"github.com/google/uuid"
)

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrStopped        = errors.New("engine stopped")
)

// State is the engine lifecycle. It only moves forward.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config holds the engine timing and output knobs.
type Config struct {
	ViolationCooldown      time.Duration
	RecognitionInterval    time.Duration
	DissimilarityThreshold float64
	FaceSize               int
	JPEGQuality            int
	StreamBuffer           int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ViolationCooldown:      2 * time.Second,
		RecognitionInterval:    5 * time.Second,
		DissimilarityThreshold: vision.DefaultDissimilarityThreshold,
		FaceSize:               vision.DefaultFaceSize,
		JPEGQuality:            80,
		StreamBuffer:           4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FaceSize <= 0 {
		c.FaceSize = d.FaceSize
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = d.JPEGQuality
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = d.StreamBuffer
	}
	if c.DissimilarityThreshold <= 0 {
		c.DissimilarityThreshold = d.DissimilarityThreshold
	}
	return c
}

// ExamSource loads the exam and its student.
type ExamSource interface {
	GetExam(ctx context.Context, id int64) (*types.Exam, error)
	GetStudent(ctx context.Context, id string) (*types.Student, error)
}

// Recorder accepts violations for persistence. Record must not block the loop.
type Recorder interface {
	Record(ev types.ViolationEvent)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ev types.ViolationEvent)

func (f RecorderFunc) Record(ev types.ViolationEvent) { f(ev) }

// Deps are the collaborators an engine is built from.
type Deps struct {
	Exams      ExamSource
	Opener     capture.Opener
	Detector   vision.Detector
	Recognizer vision.Recognizer // defaults to vision.LBPH
	Recorder   Recorder          // nil discards violations
	Clock      Clock             // defaults to SystemClock
	Logger     *slog.Logger
}

// Stats is a snapshot of engine counters.
type Stats struct {
	State         string `json:"state"`
	Frames        int64  `json:"frames"`
	DroppedChunks int64  `json:"dropped_chunks"`
	Violations    int64  `json:"violations"`
	Recognitions  int64  `json:"recognitions"`
	Recognition   bool   `json:"recognition"`
}

// Engine monitors one exam.
type Engine struct {
	examID   int64
	deps     Deps
	cfg      Config
	logger   *slog.Logger
	model    vision.Model
	limiter  *RateLimiter
	throttle *Throttle

	mu       sync.Mutex
	state    State
	starting bool
	device   capture.Device
	cancel   context.CancelFunc

	stopCh     chan struct{}
	stopOnce   sync.Once
	closeOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
	chunks     chan []byte
	stream     *Stream

	frames       atomic.Int64
	dropped      atomic.Int64
	violations   atomic.Int64
	recognitions atomic.Int64
}

// NewEngine loads the exam and builds the recognition model when the student is enrolled.
// A template that cannot be turned into a model is logged and the engine runs detection-only.
func NewEngine(ctx context.Context, examID int64, deps Deps, cfg Config) (*Engine, error) {
	if deps.Exams == nil || deps.Opener == nil || deps.Detector == nil {
		return nil, errors.New("engine needs an exam source, a capture opener and a detector")
	}
	if deps.Recognizer == nil {
		deps.Recognizer = vision.LBPH{}
	}
	if deps.Recorder == nil {
		deps.Recorder = RecorderFunc(func(types.ViolationEvent) {})
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	exam, err := deps.Exams.GetExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exam %d: %w", examID, err)
	}
	student, err := deps.Exams.GetStudent(ctx, exam.StudentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load student %s: %w", exam.StudentID, err)
	}

	chunks := make(chan []byte, cfg.StreamBuffer)
	e := &Engine{
		examID:   examID,
		deps:     deps,
		cfg:      cfg,
		logger:   deps.Logger.With("component", "proctor", "exam_id", examID),
		limiter:  NewRateLimiter(cfg.ViolationCooldown),
		throttle: NewThrottle(cfg.RecognitionInterval),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		chunks:   chunks,
		stream:   &Stream{chunks: chunks},
	}

	if len(student.FaceTemplate) > 0 {
		model, err := buildModel(deps.Recognizer, student.FaceTemplate)
		if err != nil {
			e.logger.Warn("face recognizer unavailable, running detection only", "student_id", student.ID, "err", err)
		} else {
			e.model = model
		}
	}
	return e, nil
}

func buildModel(r vision.Recognizer, data []byte) (vision.Model, error) {
	t, err := vision.DecodeTemplate(data)
	if err != nil {
		return nil, &vision.ModelError{Err: err}
	}
	m, err := r.Train(t)
	if err != nil {
		return nil, &vision.ModelError{Err: err}
	}
	return m, nil
}

// ExamID returns the monitored exam.
func (e *Engine) ExamID() int64 { return e.examID }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the engine reached StateStopped and released the device.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Stream returns the chunk stream of this engine.
func (e *Engine) Stream() *Stream { return e.stream }

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		State:         e.State().String(),
		Frames:        e.frames.Load(),
		DroppedChunks: e.dropped.Load(),
		Violations:    e.violations.Load(),
		Recognitions:  e.recognitions.Load(),
		Recognition:   e.model != nil,
	}
}

// Start opens the capture device and launches the frame loop. ctx bounds the loop,
// so callers pass a context that outlives any single request.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateCreated || e.starting {
		state := e.state
		e.mu.Unlock()
		if state == StateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}
	e.starting = true
	e.mu.Unlock()

	dev, err := e.deps.Opener.Open(ctx)
	if err != nil {
		var de *capture.DeviceError
		if !errors.As(err, &de) {
			err = &capture.DeviceError{Source: "camera", Err: err}
		}
		e.logger.Warn("capture device failed to open", "err", err)
		e.finish()
		return err
	}

	e.mu.Lock()
	select {
	case <-e.stopCh:
		// Stop raced with Open
		e.mu.Unlock()
		dev.Close()
		e.finish()
		return ErrStopped
	default:
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.device = dev
	e.cancel = cancel
	e.state = StateRunning
	e.mu.Unlock()

	e.logger.Info("exam monitoring started", "recognition", e.model != nil)
	go e.run(loopCtx, dev)
	return nil
}

// Stop ends monitoring. It is idempotent and safe from any goroutine; closing the
// device unblocks a pending read so the loop exits within one read cycle.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })

	e.mu.Lock()
	state, starting := e.state, e.starting
	cancel := e.cancel
	e.mu.Unlock()

	switch {
	case state == StateRunning:
		if cancel != nil {
			cancel()
		}
		e.closeDevice()
	case state == StateCreated && !starting:
		e.finish()
	}
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) closeDevice() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		dev := e.device
		e.mu.Unlock()
		if dev == nil {
			return
		}
		if err := dev.Close(); err != nil {
			e.logger.Warn("failed to close capture device", "err", err)
		}
	})
}

// finish moves to StateStopped and ends the stream. Only the owner of the chunk
// channel calls it: the loop once running, Start or Stop before that.
func (e *Engine) finish() {
	e.finishOnce.Do(func() {
		e.mu.Lock()
		e.state = StateStopped
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(e.chunks)
		close(e.done)
	})
}

func (e *Engine) run(ctx context.Context, dev capture.Device) {
	defer e.finish()
	defer e.closeDevice()

	for {
		if e.stopping() {
			e.logger.Info("exam monitoring stopped")
			return
		}

		frame, err := dev.Read()
		if err != nil {
			switch {
			case e.stopping():
				e.logger.Info("exam monitoring stopped")
			case errors.Is(err, io.EOF):
				e.logger.Info("capture source ended")
			default:
				e.logger.Warn("capture read failed, stopping engine", "err", err)
			}
			return
		}
		e.frames.Add(1)

		chunk, err := e.process(ctx, frame)
		if err != nil {
			if e.stopping() {
				e.logger.Info("exam monitoring stopped")
			} else {
				e.logger.Warn("frame processing failed, stopping engine", "err", err)
			}
			return
		}
		e.emit(chunk)
	}
}

// process runs one frame through the pipeline and returns the encoded chunk.
func (e *Engine) process(ctx context.Context, frame image.Image) ([]byte, error) {
	now := e.deps.Clock.Now()

	// 1. Detect
	gray := vision.Grayscale(frame)
	faces, err := e.deps.Detector.Detect(ctx, gray)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	// 2. Classify, then recognize a single face when the throttle allows
	verdict := Classify(len(faces))
	if verdict == VerdictOK && e.model != nil && e.throttle.Allow(now) {
		e.recognitions.Add(1)
		if e.impersonated(gray, faces[0]) {
			verdict = VerdictImpersonation
		}
	}

	// 3. Annotate
	canvas := Annotate(frame, faces, verdict)

	// 4. Record
	if verdict.IsViolation() && e.limiter.Allow(now) {
		e.record(verdict.Kind(), now)
	}

	// 5. Encode
	return EncodeChunk(canvas, e.cfg.JPEGQuality)
}

func (e *Engine) impersonated(gray *image.Gray, face image.Rectangle) bool {
	crop := vision.CropNormalize(gray, face, e.cfg.FaceSize)
	if crop == nil {
		return false
	}
	_, distance := e.model.Predict(crop)
	if distance > e.cfg.DissimilarityThreshold {
		e.logger.Warn("impersonation suspected", "distance", distance, "threshold", e.cfg.DissimilarityThreshold)
		return true
	}
	e.logger.Debug("identity verified", "distance", distance)
	return false
}

func (e *Engine) record(kind types.ViolationKind, at time.Time) {
	e.deps.Recorder.Record(types.ViolationEvent{
		ID:        uuid.NewString(),
		ExamID:    e.examID,
		Kind:      kind,
		Source:    types.SourceCamera,
		Timestamp: at,
	})
	e.violations.Add(1)
	e.logger.Info("violation recorded", "type", kind)
}

// emit queues chunk, dropping the oldest queued chunk when the viewer lags.
func (e *Engine) emit(chunk []byte) {
	for {
		select {
		case e.chunks <- chunk:
			return
		default:
		}
		select {
		case <-e.chunks:
			e.dropped.Add(1)
		default:
		}
	}
}
