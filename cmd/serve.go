package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/andresmejia3/invigilator/internal/config"
	"github.com/andresmejia3/invigilator/internal/enrollment"
	"github.com/andresmejia3/invigilator/internal/notify"
	"github.com/andresmejia3/invigilator/internal/proctor"
	"github.com/andresmejia3/invigilator/internal/server"
	"github.com/andresmejia3/invigilator/internal/worker"
	"github.com/spf13/cobra"
)

var (
	serveAddr   string
	serveCamera string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proctoring HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveCamera, "camera", "", "Camera device, file or stream URL (overrides camera.source)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) {
	if serveAddr != "" {
		Cfg.Server.Addr = serveAddr
	}
	if serveCamera != "" {
		Cfg.Camera.Source = serveCamera
	}

	// 1. Detector workers
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d detector workers...\n", Cfg.Detector.Workers)
	pool, err := worker.NewPool(ctx, Cfg.Detector.Workers, workerConfig(Cfg), Logger)
	if err != nil {
		fail("Detector startup failed", err, nil)
		return
	}
	defer pool.Close()

	// 2. Violation fan-out: the store always, MQTT when enabled
	sinks := []notify.Option{
		notify.WithBufferSize(Cfg.Notify.BufferSize),
		notify.WithSinkTimeout(Cfg.Notify.SinkTimeout),
		notify.WithSink("store", notify.SinkFunc(DB.LogViolation)),
	}
	if Cfg.MQTT.Enabled {
		publisher := notify.NewMQTTPublisher(mqttConfig(Cfg), Logger)
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := publisher.Connect(connectCtx); err != nil {
			// The client keeps retrying in the background
			Logger.Warn("mqtt broker unreachable, publishing once it connects", "broker", Cfg.MQTT.Broker, "err", err)
		}
		cancel()
		defer publisher.Disconnect(250 * time.Millisecond)
		sinks = append(sinks, notify.WithSink("mqtt", publisher))
	}
	dispatcher := notify.NewDispatcher(Logger, sinks...)

	// 3. Engines
	registry := proctor.NewRegistry(ctx, proctor.Deps{
		Exams:    DB,
		Opener:   cameraOpener(Cfg),
		Detector: pool,
		Recorder: dispatcher,
		Clock:    proctor.SystemClock,
		Logger:   Logger,
	}, proctorConfig(Cfg))

	// 4. Hot reload of the tunables
	if configPath != "" {
		Loader.OnChange(func(c *config.Config) {
			registry.SetConfig(proctorConfig(c))
			Logger.Info("configuration reloaded; new exams use the updated proctoring settings")
		})
		if err := Loader.Watch(); err != nil {
			Logger.Warn("config hot reload disabled", "err", err)
		} else {
			go func() {
				for err := range Loader.Errors() {
					Logger.Warn("config reload rejected", "err", err)
				}
			}()
		}
	}

	// 5. HTTP
	handler, err := server.New(server.Options{
		Sessions:       registry,
		Store:          DB,
		Enrollment:     enrollment.NewService(DB, pool, Cfg.Proctor.FaceSize, Logger),
		Recorder:       dispatcher,
		Clock:          proctor.SystemClock,
		Logger:         Logger,
		MaxUploadBytes: Cfg.Server.MaxUploadBytes,
	})
	if err != nil {
		fail("Server setup failed", err, nil)
		return
	}
	httpServer := &http.Server{
		Addr:              Cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /video_feed streams for the whole exam
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	fmt.Fprintf(os.Stderr, "🎥 Invigilator listening on %s\n", Cfg.Server.Addr)

	select {
	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "\n🛑 Shutting down...\n")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fail("HTTP server failed", err, nil)
		}
	}

	// 6. Graceful shutdown. Engines go first so open video streams end and the
	// HTTP server can drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), Cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := registry.StopAll(shutdownCtx); err != nil {
		Logger.Warn("engines did not stop in time", "err", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		Logger.Warn("http shutdown incomplete", "err", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		Logger.Warn("pending violations lost", "err", err)
	}
	Logger.Info("shutdown complete",
		"violations_delivered", dispatcher.Delivered(),
		"violations_dropped", dispatcher.Dropped(),
		"violations_failed", dispatcher.Failed())
}
