package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateConfig reports every invalid field at once.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Server.Addr == "" {
		errs.add("server.addr", "must not be empty")
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs.add("server.max_upload_bytes", "must be positive")
	}

	if c.Camera.Source == "" {
		errs.add("camera.source", "must not be empty")
	}
	if c.Camera.FPS < 0 {
		errs.add("camera.fps", "must not be negative")
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		errs.add("camera.width/height", "must not be negative")
	}

	if c.Detector.Workers < 1 {
		errs.add("detector.workers", "must be at least 1, got %d", c.Detector.Workers)
	}
	if c.Detector.ScaleFactor <= 1 {
		errs.add("detector.scale_factor", "must be greater than 1, got %v", c.Detector.ScaleFactor)
	}
	if c.Detector.MinNeighbors < 0 {
		errs.add("detector.min_neighbors", "must not be negative")
	}

	p := c.Proctor
	if p.ViolationCooldown < 0 {
		errs.add("proctor.violation_cooldown", "must not be negative")
	}
	if p.RecognitionInterval < 0 {
		errs.add("proctor.recognition_interval", "must not be negative")
	}
	if p.DissimilarityThreshold <= 0 {
		errs.add("proctor.dissimilarity_threshold", "must be positive")
	}
	if p.FaceSize < 3 {
		errs.add("proctor.face_size", "must be at least 3 pixels")
	}
	if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		errs.add("proctor.jpeg_quality", "must be between 1 and 100, got %d", p.JPEGQuality)
	}
	if p.StreamBuffer < 1 {
		errs.add("proctor.stream_buffer", "must be at least 1")
	}

	if c.Notify.BufferSize < 1 {
		errs.add("notify.buffer_size", "must be at least 1")
	}
	if c.Notify.SinkTimeout < time.Millisecond {
		errs.add("notify.sink_timeout", "must be at least 1ms")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs.add("mqtt.broker", "required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs.add("mqtt.qos", "must be 0, 1 or 2")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs.add("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs.add("logging.format", "must be text or json")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
