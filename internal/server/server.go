// Package server exposes the proctoring registry and store over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/andresmejia3/invigilator/internal/capture"
	"github.com/andresmejia3/invigilator/internal/enrollment"
	"github.com/andresmejia3/invigilator/internal/proctor"
	"github.com/andresmejia3/invigilator/internal/store"
	"github.com/andresmejia3/invigilator/internal/types"
	"github.com/andresmejia3/invigilator/internal/vision"
	"github.com/google/uuid"
)

// Sessions is the registry surface the handlers use.
type Sessions interface {
	Ensure(ctx context.Context, examID int64) (*proctor.Engine, error)
	Stop(examID int64)
	IsActive(examID int64) bool
	Active() []int64
}

// Options wires a Server.
type Options struct {
	Sessions       Sessions
	Store          store.Store
	Enrollment     *enrollment.Service
	Recorder       proctor.Recorder // browser-reported violations
	Clock          proctor.Clock
	Logger         *slog.Logger
	MaxUploadBytes int64
}

// Server holds the HTTP handlers.
type Server struct {
	opts    Options
	logger  *slog.Logger
	schemas *schemas
	mux     *http.ServeMux
}

func New(opts Options) (*Server, error) {
	if opts.Sessions == nil || opts.Store == nil || opts.Enrollment == nil || opts.Recorder == nil {
		return nil, errors.New("server needs sessions, a store, enrollment and a recorder")
	}
	if opts.Clock == nil {
		opts.Clock = proctor.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	sc, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:    opts,
		logger:  opts.Logger.With("component", "http"),
		schemas: sc,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /video_feed/{exam_id}", s.handleVideoFeed)
	s.mux.HandleFunc("POST /stop_exam/{exam_id}", s.handleStopExam)
	s.mux.HandleFunc("GET /stop_exam/{exam_id}", s.handleStopExam)
	s.mux.HandleFunc("POST /register_face", s.handleRegisterFace)
	s.mux.HandleFunc("POST /start_exam", s.handleStartExam)
	s.mux.HandleFunc("GET /api/violations/{exam_id}", s.handleViolations)
	s.mux.HandleFunc("POST /api/log_violation/{exam_id}", s.handleLogViolation)
	s.mux.HandleFunc("GET /api/report/{exam_id}", s.handleReport)
	s.mux.HandleFunc("GET /api/admin", s.handleAdmin)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// ServeHTTP logs each request and dispatches it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// --- response shapes ---

type message struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type examView struct {
	ExamID      int64      `json:"exam_id"`
	StudentID   string     `json:"student_id"`
	StudentName string     `json:"student_name,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Violations  int        `json:"violations"`
	IsActive    bool       `json:"is_active"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func examID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("exam_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid exam id %q", r.PathValue("exam_id"))
	}
	return id, nil
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes))
}

// --- handlers ---

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	id, err := examID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	engine, err := s.opts.Sessions.Ensure(r.Context(), id)
	if err != nil {
		var de *capture.DeviceError
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "Exam not found", http.StatusNotFound)
		case errors.As(err, &de):
			s.logger.Warn("camera unavailable", "exam_id", id, "err", err)
			http.Error(w, "Camera unavailable", http.StatusServiceUnavailable)
		default:
			s.logger.Error("failed to start monitoring", "exam_id", id, "err", err)
			http.Error(w, "Failed to start monitoring", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", proctor.StreamContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	if _, err := engine.Stream().Copy(r.Context(), w, flush); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("video stream ended", "exam_id", id, "err", err)
	}
}

func (s *Server) handleStopExam(w http.ResponseWriter, r *http.Request) {
	id, err := examID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.opts.Sessions.Stop(id)
	if err := s.opts.Store.EndExam(r.Context(), id, s.opts.Clock.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Exam not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to end exam", "exam_id", id, "err", err)
		http.Error(w, "Failed to end exam", http.StatusInternalServerError)
		return
	}

	violations, err := s.opts.Store.ViolationsByExam(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load violations", "exam_id", id, "err", err)
		http.Error(w, "Failed to load violations", http.StatusInternalServerError)
		return
	}
	s.logger.Info("exam ended", "exam_id", id, "violations", len(violations))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"exam_id":    id,
		"violations": len(violations),
	})
}

type registerFaceRequest struct {
	StudentID string `json:"student_id"`
	Image     string `json:"image"`
}

func (s *Server) handleRegisterFace(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, message{Message: "Image is too large."})
		return
	}
	var req registerFaceRequest
	if err := decodeValid(s.schemas.registerFace, body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, message{Message: "Invalid image data received."})
		return
	}

	img, err := enrollment.DecodeDataURL(req.Image)
	if err == nil {
		err = s.opts.Enrollment.Register(r.Context(), req.StudentID, img)
	}

	var inErr *vision.InputError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, message{Success: true, Message: "Face registered successfully!"})
	case errors.As(err, &inErr):
		writeJSON(w, http.StatusBadRequest, message{Message: inErr.Reason})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, message{Message: fmt.Sprintf("Student ID %s not found. Please contact admin.", req.StudentID)})
	default:
		s.logger.Error("face registration failed", "student_id", req.StudentID, "err", err)
		writeJSON(w, http.StatusInternalServerError, message{Message: "Image processing error."})
	}
}

type startExamRequest struct {
	StudentID string `json:"student_id"`
}

func (s *Server) handleStartExam(w http.ResponseWriter, r *http.Request) {
	var studentID string
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" {
		body, err := s.readBody(w, r)
		if err != nil {
			http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
			return
		}
		var req startExamRequest
		if err := decodeValid(s.schemas.startExam, body, &req); err != nil {
			http.Error(w, "student_id is required", http.StatusBadRequest)
			return
		}
		studentID = req.StudentID
	} else {
		studentID = r.FormValue("student_id")
		if studentID == "" {
			http.Error(w, "student_id is required", http.StatusBadRequest)
			return
		}
	}

	student, err := s.opts.Store.GetStudent(r.Context(), studentID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Student not found. Please register first.", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to load student", "student_id", studentID, "err", err)
		http.Error(w, "Failed to start exam", http.StatusInternalServerError)
		return
	}
	if len(student.FaceTemplate) == 0 {
		http.Error(w, "Face not registered. Please go to Face Registration first.", http.StatusForbidden)
		return
	}

	id, err := s.opts.Store.StartExam(r.Context(), studentID, s.opts.Clock.Now())
	if err != nil {
		s.logger.Error("failed to start exam", "student_id", studentID, "err", err)
		http.Error(w, "Failed to start exam", http.StatusInternalServerError)
		return
	}
	s.logger.Info("exam started", "exam_id", id, "student_id", studentID)
	writeJSON(w, http.StatusCreated, map[string]any{"exam_id": id})
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	id, err := examID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	violations, err := s.opts.Store.ViolationsByExam(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load violations", "exam_id", id, "err", err)
		http.Error(w, "Failed to load violations", http.StatusInternalServerError)
		return
	}
	if violations == nil {
		violations = []types.ViolationEvent{}
	}
	writeJSON(w, http.StatusOK, violations)
}

type logViolationRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleLogViolation(w http.ResponseWriter, r *http.Request) {
	id, err := examID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, message{Message: err.Error()})
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, message{})
		return
	}
	var req logViolationRequest
	if err := decodeValid(s.schemas.logViolation, body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, message{Message: "type must match [A-Z_]{1,64}"})
		return
	}
	if _, err := s.opts.Store.GetExam(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, message{Message: "Exam not found"})
			return
		}
		s.logger.Error("failed to load exam", "exam_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, message{})
		return
	}

	s.opts.Recorder.Record(types.ViolationEvent{
		ID:        uuid.NewString(),
		ExamID:    id,
		Kind:      types.ViolationKind(req.Type),
		Source:    types.SourceBrowser,
		Timestamp: s.opts.Clock.Now(),
	})
	writeJSON(w, http.StatusAccepted, message{Success: true})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id, err := examID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	exam, err := s.opts.Store.GetExam(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Exam not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to load exam", "exam_id", id, "err", err)
		http.Error(w, "Failed to load exam", http.StatusInternalServerError)
		return
	}
	violations, err := s.opts.Store.ViolationsByExam(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load violations", "exam_id", id, "err", err)
		http.Error(w, "Failed to load violations", http.StatusInternalServerError)
		return
	}
	if violations == nil {
		violations = []types.ViolationEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exam": examView{
			ExamID:     exam.ID,
			StudentID:  exam.StudentID,
			StartTime:  exam.StartTime,
			EndTime:    exam.EndTime,
			Violations: len(violations),
			IsActive:   s.opts.Sessions.IsActive(id),
		},
		"violations": violations,
	})
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to load stats", "err", err)
		http.Error(w, "Failed to load dashboard", http.StatusInternalServerError)
		return
	}
	exams, err := s.opts.Store.ListExams(r.Context())
	if err != nil {
		s.logger.Error("failed to list exams", "err", err)
		http.Error(w, "Failed to load dashboard", http.StatusInternalServerError)
		return
	}

	views := make([]examView, len(exams))
	for i, e := range exams {
		views[i] = examView{
			ExamID:      e.ID,
			StudentID:   e.StudentID,
			StudentName: e.StudentName,
			StartTime:   e.StartTime,
			EndTime:     e.EndTime,
			Violations:  e.Violations,
			IsActive:    s.opts.Sessions.IsActive(e.ID),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": stats,
		"exams": views,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_exams": len(s.opts.Sessions.Active()),
	})
}
