package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/invigilator/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps a connection pool; the engines and HTTP handlers share it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS students (
			student_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			face_template BYTEA
		);
		CREATE TABLE IF NOT EXISTS exams (
			exam_id BIGSERIAL PRIMARY KEY,
			student_id TEXT NOT NULL REFERENCES students(student_id),
			start_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			end_time TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS violations (
			violation_id TEXT PRIMARY KEY,
			exam_id BIGINT NOT NULL REFERENCES exams(exam_id),
			type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'camera',
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS violations_exam_id_idx ON violations (exam_id, timestamp);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func pgConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
	}
	return err
}

func (s *PostgresStore) CreateStudent(ctx context.Context, st types.Student) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO students (student_id, name, email, face_template) VALUES ($1, $2, $3, $4)",
		st.ID, st.Name, st.Email, st.FaceTemplate)
	return pgConflict(err)
}

func (s *PostgresStore) GetStudent(ctx context.Context, id string) (*types.Student, error) {
	var st types.Student
	err := s.pool.QueryRow(ctx,
		"SELECT student_id, name, email, face_template FROM students WHERE student_id = $1", id).
		Scan(&st.ID, &st.Name, &st.Email, &st.FaceTemplate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("student %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) ListStudents(ctx context.Context) ([]types.Student, error) {
	rows, err := s.pool.Query(ctx, "SELECT student_id, name, email, face_template FROM students ORDER BY student_id")
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

func (s *PostgresStore) UpdateFaceTemplate(ctx context.Context, studentID string, template []byte) error {
	tag, err := s.pool.Exec(ctx, "UPDATE students SET face_template = $1 WHERE student_id = $2", template, studentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("student %s: %w", studentID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) StartExam(ctx context.Context, studentID string, at time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		"INSERT INTO exams (student_id, start_time) VALUES ($1, $2) RETURNING exam_id", studentID, at).Scan(&id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
		return 0, fmt.Errorf("student %s: %w", studentID, ErrNotFound)
	}
	return id, err
}

func (s *PostgresStore) EndExam(ctx context.Context, examID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, "UPDATE exams SET end_time = $1 WHERE exam_id = $2", at, examID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("exam %d: %w", examID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetExam(ctx context.Context, id int64) (*types.Exam, error) {
	var e types.Exam
	err := s.pool.QueryRow(ctx,
		"SELECT exam_id, student_id, start_time, end_time FROM exams WHERE exam_id = $1", id).
		Scan(&e.ID, &e.StudentID, &e.StartTime, &e.EndTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("exam %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExams returns every exam, newest first, with the student name and violation count.
func (s *PostgresStore) ListExams(ctx context.Context) ([]types.ExamSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.exam_id, e.student_id, e.start_time, e.end_time, s.name,
			(SELECT COUNT(*) FROM violations v WHERE v.exam_id = e.exam_id)
		FROM exams e JOIN students s ON e.student_id = s.student_id
		ORDER BY e.start_time DESC, e.exam_id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ExamSummary
	for rows.Next() {
		var sum types.ExamSummary
		if err := rows.Scan(&sum.ID, &sum.StudentID, &sum.StartTime, &sum.EndTime, &sum.StudentName, &sum.Violations); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (types.Stats, error) {
	var st types.Stats
	err := s.pool.QueryRow(ctx,
		"SELECT (SELECT COUNT(*) FROM exams), (SELECT COUNT(*) FROM students)").
		Scan(&st.TotalExams, &st.TotalStudents)
	return st, err
}

func (s *PostgresStore) LogViolation(ctx context.Context, ev types.ViolationEvent) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO violations (violation_id, exam_id, type, source, timestamp) VALUES ($1, $2, $3, $4, $5)",
		ev.ID, ev.ExamID, string(ev.Kind), ev.Source, ev.Timestamp)
	return err
}

// ViolationsByExam returns the exam's violations, newest first.
func (s *PostgresStore) ViolationsByExam(ctx context.Context, examID int64) ([]types.ViolationEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT violation_id, exam_id, type, source, timestamp
		FROM violations WHERE exam_id = $1
		ORDER BY timestamp DESC
	`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ViolationEvent
	for rows.Next() {
		var ev types.ViolationEvent
		var kind string
		if err := rows.Scan(&ev.ID, &ev.ExamID, &kind, &ev.Source, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Kind = types.ViolationKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *PostgresStore) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS violations CASCADE;
		DROP TABLE IF EXISTS exams CASCADE;
		DROP TABLE IF EXISTS students CASCADE;
	`)
	return err
}
