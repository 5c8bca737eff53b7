// Package store persists students, exams and violations.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/invigilator/internal/types"
)

var (
	// ErrNotFound is returned when a student or exam row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a student id or email is already taken.
	ErrConflict = errors.New("already exists")
)

// Store is implemented by the PostgreSQL and SQLite backends.
type Store interface {
	CreateStudent(ctx context.Context, s types.Student) error
	GetStudent(ctx context.Context, id string) (*types.Student, error)
	ListStudents(ctx context.Context) ([]types.Student, error)
	UpdateFaceTemplate(ctx context.Context, studentID string, template []byte) error

	StartExam(ctx context.Context, studentID string, at time.Time) (int64, error)
	EndExam(ctx context.Context, examID int64, at time.Time) error
	GetExam(ctx context.Context, id int64) (*types.Exam, error)
	ListExams(ctx context.Context) ([]types.ExamSummary, error)
	Stats(ctx context.Context) (types.Stats, error)

	LogViolation(ctx context.Context, ev types.ViolationEvent) error
	ViolationsByExam(ctx context.Context, examID int64) ([]types.ViolationEvent, error)

	// Reset drops all tables. The next Open recreates them.
	Reset(ctx context.Context) error
	Close()
}

// Open picks the backend from the URL scheme: postgres:// and postgresql:// use
// PostgreSQL, sqlite:// or a bare file path use SQLite.
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgres(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.Contains(url, "://"):
		return nil, fmt.Errorf("unsupported database URL scheme in %q", url)
	default:
		return NewSQLite(ctx, url)
	}
}
