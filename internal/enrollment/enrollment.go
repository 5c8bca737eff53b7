// Package enrollment registers a student's reference face.
package enrollment

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/andresmejia3/invigilator/internal/types"
	"github.com/andresmejia3/invigilator/internal/vision"
)

// Students is the slice of the store enrollment needs.
type Students interface {
	GetStudent(ctx context.Context, id string) (*types.Student, error)
	UpdateFaceTemplate(ctx context.Context, studentID string, template []byte) error
}

// Service validates registration photos and stores the resulting template.
type Service struct {
	students Students
	detector vision.Detector
	faceSize int
	logger   *slog.Logger
}

func NewService(students Students, detector vision.Detector, faceSize int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if faceSize <= 0 {
		faceSize = vision.DefaultFaceSize
	}
	return &Service{
		students: students,
		detector: detector,
		faceSize: faceSize,
		logger:   logger.With("component", "enrollment"),
	}
}

// Register builds a template from img and saves it for studentID. Every check runs
// before the single write, so a rejected photo never touches the stored template.
func (s *Service) Register(ctx context.Context, studentID string, img []byte) error {
	// 1. Decode, detect and normalize
	tmpl, err := vision.Enroll(ctx, s.detector, img, s.faceSize)
	if err != nil {
		s.logger.Info("enrollment rejected", "student_id", studentID, "err", err)
		return err
	}

	// 2. The student must exist
	if _, err := s.students.GetStudent(ctx, studentID); err != nil {
		return err
	}

	// 3. Persist
	data, err := tmpl.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode template: %w", err)
	}
	if err := s.students.UpdateFaceTemplate(ctx, studentID, data); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	s.logger.Info("face registered", "student_id", studentID, "template_bytes", len(data))
	return nil
}

// DecodeDataURL returns the bytes of a base64 image, with or without a
// "data:image/...;base64," prefix.
func DecodeDataURL(s string) ([]byte, error) {
	payload := strings.TrimSpace(s)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, &vision.InputError{Reason: "Invalid image data received.", Err: vision.ErrUndecodable}
		}
		payload = payload[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &vision.InputError{Reason: "Invalid image data received.", Err: fmt.Errorf("%w: %v", vision.ErrUndecodable, err)}
	}
	if len(data) == 0 {
		return nil, &vision.InputError{Reason: "Image buffer is empty.", Err: vision.ErrUndecodable}
	}
	return data, nil
}
