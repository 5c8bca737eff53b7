package cmd

import (
	"github.com/andresmejia3/invigilator/internal/capture"
	"github.com/andresmejia3/invigilator/internal/config"
	"github.com/andresmejia3/invigilator/internal/notify"
	"github.com/andresmejia3/invigilator/internal/proctor"
	"github.com/andresmejia3/invigilator/internal/utils"
	"github.com/andresmejia3/invigilator/internal/worker"
)

// Translations from the file configuration to each package's own config type.

func workerConfig(c *config.Config) worker.Config {
	return worker.Config{
		Python:       c.Detector.Python,
		Script:       c.Detector.Script,
		ReadTimeout:  c.Detector.Timeout,
		ScaleFactor:  c.Detector.ScaleFactor,
		MinNeighbors: c.Detector.MinNeighbors,
	}
}

func proctorConfig(c *config.Config) proctor.Config {
	return proctor.Config{
		ViolationCooldown:      c.Proctor.ViolationCooldown,
		RecognitionInterval:    c.Proctor.RecognitionInterval,
		DissimilarityThreshold: c.Proctor.DissimilarityThreshold,
		FaceSize:               c.Proctor.FaceSize,
		JPEGQuality:            c.Proctor.JPEGQuality,
		StreamBuffer:           c.Proctor.StreamBuffer,
	}
}

func cameraOpener(c *config.Config) *capture.FFmpegOpener {
	return &capture.FFmpegOpener{
		Spec: utils.CaptureSpec{
			Format: c.Camera.Format,
			Source: c.Camera.Source,
			Width:  c.Camera.Width,
			Height: c.Camera.Height,
			FPS:    c.Camera.FPS,
		},
		StartTimeout: c.Camera.StartTimeout,
		Logger:       Logger,
	}
}

func mqttConfig(c *config.Config) notify.MQTTConfig {
	return notify.MQTTConfig{
		Broker:      c.MQTT.Broker,
		ClientID:    c.MQTT.ClientID,
		TopicPrefix: c.MQTT.TopicPrefix,
		QoS:         byte(c.MQTT.QoS),
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
	}
}
