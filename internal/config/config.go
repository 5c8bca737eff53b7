// Package config loads invigilator settings from TOML or YAML with environment overrides.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Database DatabaseConfig `toml:"database" yaml:"database"`
	Camera   CameraConfig   `toml:"camera" yaml:"camera"`
	Detector DetectorConfig `toml:"detector" yaml:"detector"`
	Proctor  ProctorConfig  `toml:"proctor" yaml:"proctor"`
	Notify   NotifyConfig   `toml:"notify" yaml:"notify"`
	MQTT     MQTTConfig     `toml:"mqtt" yaml:"mqtt"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `toml:"max_upload_bytes" yaml:"max_upload_bytes"`
}

// DatabaseConfig.URL is a postgres:// URL or a SQLite path. Empty defers to POSTGRES_* or the local default.
type DatabaseConfig struct {
	URL string `toml:"url" yaml:"url"`
}

// CameraConfig is handed to ffmpeg. Format is empty for files and stream URLs.
type CameraConfig struct {
	Format       string        `toml:"format" yaml:"format"`
	Source       string        `toml:"source" yaml:"source"`
	Width        int           `toml:"width" yaml:"width"`
	Height       int           `toml:"height" yaml:"height"`
	FPS          int           `toml:"fps" yaml:"fps"`
	StartTimeout time.Duration `toml:"start_timeout" yaml:"start_timeout"`
}

type DetectorConfig struct {
	Python       string        `toml:"python" yaml:"python"`
	Script       string        `toml:"script" yaml:"script"`
	Workers      int           `toml:"workers" yaml:"workers"`
	Timeout      time.Duration `toml:"timeout" yaml:"timeout"`
	ScaleFactor  float64       `toml:"scale_factor" yaml:"scale_factor"`
	MinNeighbors int           `toml:"min_neighbors" yaml:"min_neighbors"`
}

type ProctorConfig struct {
	ViolationCooldown      time.Duration `toml:"violation_cooldown" yaml:"violation_cooldown"`
	RecognitionInterval    time.Duration `toml:"recognition_interval" yaml:"recognition_interval"`
	DissimilarityThreshold float64       `toml:"dissimilarity_threshold" yaml:"dissimilarity_threshold"`
	FaceSize               int           `toml:"face_size" yaml:"face_size"`
	JPEGQuality            int           `toml:"jpeg_quality" yaml:"jpeg_quality"`
	StreamBuffer           int           `toml:"stream_buffer" yaml:"stream_buffer"`
}

type NotifyConfig struct {
	BufferSize  int           `toml:"buffer_size" yaml:"buffer_size"`
	SinkTimeout time.Duration `toml:"sink_timeout" yaml:"sink_timeout"`
}

type MQTTConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	Broker      string `toml:"broker" yaml:"broker"`
	ClientID    string `toml:"client_id" yaml:"client_id"`
	TopicPrefix string `toml:"topic_prefix" yaml:"topic_prefix"`
	QoS         int    `toml:"qos" yaml:"qos"`
	Username    string `toml:"username" yaml:"username"`
	Password    string `toml:"password" yaml:"password"`
}

type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// DefaultConfig returns the settings used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":5000",
			ShutdownTimeout: 10 * time.Second,
			MaxUploadBytes:  10 << 20,
		},
		Camera: CameraConfig{
			Format:       "v4l2",
			Source:       "/dev/video0",
			Width:        640,
			Height:       480,
			FPS:          15,
			StartTimeout: 10 * time.Second,
		},
		Detector: DetectorConfig{
			Python:       "python3",
			Script:       "scripts/detect.py",
			Workers:      2,
			Timeout:      5 * time.Second,
			ScaleFactor:  1.3,
			MinNeighbors: 5,
		},
		Proctor: ProctorConfig{
			ViolationCooldown:      2 * time.Second,
			RecognitionInterval:    5 * time.Second,
			DissimilarityThreshold: 33,
			FaceSize:               200,
			JPEGQuality:            80,
			StreamBuffer:           4,
		},
		Notify: NotifyConfig{
			BufferSize:  256,
			SinkTimeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "localhost:1883",
			ClientID:    "invigilator",
			TopicPrefix: "invigilator/violations",
			QoS:         1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with INVIGILATOR_.
func (c *Config) ApplyEnvOverrides() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
			*dst = v
		}
	}

	str("INVIGILATOR_ADDR", &c.Server.Addr)
	str("INVIGILATOR_DB_URL", &c.Database.URL)

	str("INVIGILATOR_CAMERA_FORMAT", &c.Camera.Format)
	str("INVIGILATOR_CAMERA_SOURCE", &c.Camera.Source)
	integer("INVIGILATOR_CAMERA_FPS", &c.Camera.FPS)

	str("INVIGILATOR_PYTHON", &c.Detector.Python)
	str("INVIGILATOR_DETECTOR_SCRIPT", &c.Detector.Script)
	integer("INVIGILATOR_DETECTOR_WORKERS", &c.Detector.Workers)

	if v := os.Getenv("INVIGILATOR_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	str("INVIGILATOR_MQTT_USERNAME", &c.MQTT.Username)
	str("INVIGILATOR_MQTT_PASSWORD", &c.MQTT.Password)

	str("INVIGILATOR_LOG_LEVEL", &c.Logging.Level)
	str("INVIGILATOR_LOG_FORMAT", &c.Logging.Format)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}
