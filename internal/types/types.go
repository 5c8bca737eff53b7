package types

import "time"

// ViolationKind names a detected integrity problem.
type ViolationKind string

const (
	// NoFace means nobody is in front of the camera
	NoFace ViolationKind = "NO_FACE"
	// MultipleFaces means more than one person is visible
	MultipleFaces ViolationKind = "MULTIPLE_FACES"
	// Impersonation means the visible face does not match the enrolled student
	Impersonation ViolationKind = "IMPERSONATION"
)

// Violation sources
const (
	SourceCamera  = "camera"
	SourceBrowser = "browser"
)

// Student is a registered exam candidate. FaceTemplate is nil until enrollment.
type Student struct {
	ID           string
	Name         string
	Email        string
	FaceTemplate []byte
}

// Exam is one monitored exam session.
type Exam struct {
	ID        int64
	StudentID string
	StartTime time.Time
	EndTime   *time.Time
}

// ExamSummary joins an exam with the student's name for dashboards.
type ExamSummary struct {
	Exam
	StudentName string
	Violations  int
}

// Stats holds dashboard totals.
type Stats struct {
	TotalExams    int `json:"total_exams"`
	TotalStudents int `json:"total_students"`
}

// ViolationEvent is an append-only record of one persisted violation.
type ViolationEvent struct {
	ID        string        `json:"id"`
	ExamID    int64         `json:"exam_id"`
	Kind      ViolationKind `json:"type"`
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
}
