package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/invigilator/internal/types"
	"github.com/mattn/go-sqlite3"
)

// Times are stored as Unix nanoseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS students (
    student_id    TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    email         TEXT UNIQUE NOT NULL,
    face_template BLOB
);

CREATE TABLE IF NOT EXISTS exams (
    exam_id     INTEGER PRIMARY KEY AUTOINCREMENT,
    student_id  TEXT NOT NULL REFERENCES students(student_id),
    start_ns    INTEGER NOT NULL,
    end_ns      INTEGER
);

CREATE TABLE IF NOT EXISTS violations (
    violation_id TEXT PRIMARY KEY,
    exam_id      INTEGER NOT NULL REFERENCES exams(exam_id),
    type         TEXT NOT NULL,
    source       TEXT NOT NULL DEFAULT 'camera',
    timestamp_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_exam ON violations(exam_id, timestamp_ns);
`

// SQLiteStore is the single-file backend used when no PostgreSQL server is configured.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates the database at path and applies the schema.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func sqliteConflict(err error) error {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) &&
		(sqErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%w: %v", ErrConflict, sqErr)
	}
	return err
}

func fromNanos(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func (s *SQLiteStore) CreateStudent(ctx context.Context, st types.Student) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO students (student_id, name, email, face_template) VALUES (?, ?, ?, ?)",
		st.ID, st.Name, st.Email, st.FaceTemplate)
	return sqliteConflict(err)
}

func (s *SQLiteStore) GetStudent(ctx context.Context, id string) (*types.Student, error) {
	var st types.Student
	err := s.db.QueryRowContext(ctx,
		"SELECT student_id, name, email, face_template FROM students WHERE student_id = ?", id).
		Scan(&st.ID, &st.Name, &st.Email, &st.FaceTemplate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("student %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteStore) ListStudents(ctx context.Context) ([]types.Student, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT student_id, name, email, face_template FROM students ORDER BY student_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Student
	for rows.Next() {
		var st types.Student
		if err := rows.Scan(&st.ID, &st.Name, &st.Email, &st.FaceTemplate); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateFaceTemplate(ctx context.Context, studentID string, template []byte) error {
	res, err := s.db.ExecContext(ctx, "UPDATE students SET face_template = ? WHERE student_id = ?", template, studentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("student %s: %w", studentID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) StartExam(ctx context.Context, studentID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO exams (student_id, start_ns) VALUES (?, ?)", studentID, at.UnixNano())
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return 0, fmt.Errorf("student %s: %w", studentID, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) EndExam(ctx context.Context, examID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE exams SET end_ns = ? WHERE exam_id = ?", at.UnixNano(), examID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exam %d: %w", examID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetExam(ctx context.Context, id int64) (*types.Exam, error) {
	var e types.Exam
	var start int64
	var end sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT exam_id, student_id, start_ns, end_ns FROM exams WHERE exam_id = ?", id).
		Scan(&e.ID, &e.StudentID, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("exam %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	e.StartTime = fromNanos(start)
	if end.Valid {
		t := fromNanos(end.Int64)
		e.EndTime = &t
	}
	return &e, nil
}

func (s *SQLiteStore) ListExams(ctx context.Context) ([]types.ExamSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.exam_id, e.student_id, e.start_ns, e.end_ns, s.name,
			(SELECT COUNT(*) FROM violations v WHERE v.exam_id = e.exam_id)
		FROM exams e JOIN students s ON e.student_id = s.student_id
		ORDER BY e.start_ns DESC, e.exam_id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ExamSummary
	for rows.Next() {
		var sum types.ExamSummary
		var start int64
		var end sql.NullInt64
		if err := rows.Scan(&sum.ID, &sum.StudentID, &start, &end, &sum.StudentName, &sum.Violations); err != nil {
			return nil, err
		}
		sum.StartTime = fromNanos(start)
		if end.Valid {
			t := fromNanos(end.Int64)
			sum.EndTime = &t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (types.Stats, error) {
	var st types.Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT (SELECT COUNT(*) FROM exams), (SELECT COUNT(*) FROM students)").
		Scan(&st.TotalExams, &st.TotalStudents)
	return st, err
}

func (s *SQLiteStore) LogViolation(ctx context.Context, ev types.ViolationEvent) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO violations (violation_id, exam_id, type, source, timestamp_ns) VALUES (?, ?, ?, ?, ?)",
		ev.ID, ev.ExamID, string(ev.Kind), ev.Source, ev.Timestamp.UnixNano())
	return err
}

func (s *SQLiteStore) ViolationsByExam(ctx context.Context, examID int64) ([]types.ViolationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT violation_id, exam_id, type, source, timestamp_ns
		FROM violations WHERE exam_id = ?
		ORDER BY timestamp_ns DESC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ViolationEvent
	for rows.Next() {
		var ev types.ViolationEvent
		var kind string
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.ExamID, &kind, &ev.Source, &ts); err != nil {
			return nil, err
		}
		ev.Kind = types.ViolationKind(kind)
		ev.Timestamp = fromNanos(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS violations;
		DROP TABLE IF EXISTS exams;
		DROP TABLE IF EXISTS students;`)
	return err
}
