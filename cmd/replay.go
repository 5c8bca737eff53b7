package cmd

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/invigilator/internal/capture"
	"github.com/andresmejia3/invigilator/internal/notify"
	"github.com/andresmejia3/invigilator/internal/proctor"
	"github.com/andresmejia3/invigilator/internal/types"
	"github.com/andresmejia3/invigilator/internal/utils"
	"github.com/andresmejia3/invigilator/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	replayInput   string
	replayExam    int64
	replayWorkers int
	replayDryRun  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run the proctoring pipeline over a recorded video",
	Long: "Replays a recording through detection, recognition and violation logging. " +
		"Cooldowns and recognition throttling follow the video's own timeline, not the wall clock.",
	Run: func(cmd *cobra.Command, args []string) {
		runReplay(cmd.Context())
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayInput, "input", "i", "", "Path to video")
	replayCmd.Flags().Int64Var(&replayExam, "exam", 0, "Exam the violations belong to")
	replayCmd.Flags().IntVarP(&replayWorkers, "engines", "e", 1, "Number of detector workers")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Print violations instead of storing them")

	replayCmd.MarkFlagRequired("input")
	replayCmd.MarkFlagRequired("exam")
	rootCmd.AddCommand(replayCmd)
}

// videoClock reports the presentation time of the last frame read.
type videoClock struct {
	start time.Time
	fps   float64

	mu     sync.Mutex
	frames int64
}

func (c *videoClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frames == 0 {
		return c.start
	}
	return c.start.Add(time.Duration(float64(c.frames-1) / c.fps * float64(time.Second)))
}

func (c *videoClock) tick() {
	c.mu.Lock()
	c.frames++
	c.mu.Unlock()
}

// ticker advances the clock and the progress bar on every frame.
type ticker struct {
	capture.Device
	clock *videoClock
	bar   *progressbar.ProgressBar
}

func (t *ticker) Read() (image.Image, error) {
	img, err := t.Device.Read()
	if err == nil {
		t.clock.tick()
		t.bar.Add(1)
	}
	return img, err
}

type tickingOpener struct {
	inner capture.Opener
	clock *videoClock
	bar   *progressbar.ProgressBar
}

func (o *tickingOpener) Open(ctx context.Context) (capture.Device, error) {
	dev, err := o.inner.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &ticker{Device: dev, clock: o.clock, bar: o.bar}, nil
}

func runReplay(ctx context.Context) {
	// 1. The exam must exist before anything is spawned
	exam, err := DB.GetExam(ctx, replayExam)
	if err != nil {
		fail("Failed to load exam "+strconv.FormatInt(replayExam, 10), err, nil)
		return
	}

	// 2. Timeline
	fps, err := utils.GetVideoFPS(ctx, replayInput)
	if err != nil {
		fail("Failed to determine video FPS", err, nil)
		return
	}
	totalFrames := utils.GetTotalFrames(ctx, replayInput)
	if totalFrames <= 0 {
		// Fallback to a spinner if ffprobe fails
		totalFrames = -1
	}
	bar := progressbar.NewOptions(totalFrames,
		progressbar.OptionSetDescription("🔍 Replaying exam "+strconv.FormatInt(exam.ID, 10)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	clock := &videoClock{start: exam.StartTime, fps: fps}

	// 3. Detectors
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d detector workers...\n", replayWorkers)
	pool, err := worker.NewPool(ctx, replayWorkers, workerConfig(Cfg), Logger)
	if err != nil {
		fail("Detector startup failed", err, nil)
		return
	}
	defer pool.Close()

	// 4. Where violations go
	var recorder proctor.Recorder
	var dispatcher *notify.Dispatcher
	if replayDryRun {
		recorder = proctor.RecorderFunc(func(ev types.ViolationEvent) {
			bar.Clear()
			fmt.Fprintf(os.Stderr, "⚠️  %s at %s\n", ev.Kind, ev.Timestamp.Sub(exam.StartTime).Round(time.Millisecond))
		})
	} else {
		dispatcher = notify.NewDispatcher(Logger,
			notify.WithBufferSize(Cfg.Notify.BufferSize),
			notify.WithSinkTimeout(Cfg.Notify.SinkTimeout),
			notify.WithSink("store", notify.SinkFunc(DB.LogViolation)),
		)
		recorder = dispatcher
	}

	// 5. Engine over the file
	engine, err := proctor.NewEngine(ctx, exam.ID, proctor.Deps{
		Exams: DB,
		Opener: &tickingOpener{
			inner: &capture.FFmpegOpener{Spec: utils.CaptureSpec{Source: replayInput}, StartTimeout: Cfg.Camera.StartTimeout, Logger: Logger},
			clock: clock,
			bar:   bar,
		},
		Detector: pool,
		Recorder: recorder,
		Clock:    clock,
		Logger:   Logger,
	}, proctorConfig(Cfg))
	if err != nil {
		fail("Failed to prepare engine", err, nil)
		return
	}
	if err := engine.Start(ctx); err != nil {
		fail("Failed to open video", err, nil)
		return
	}

	// Ctrl+C stops the engine, which ends the stream below
	go func() {
		select {
		case <-ctx.Done():
			engine.Stop()
		case <-engine.Done():
		}
	}()

	// 6. Nobody watches a replay; drain the annotated frames
	engine.Stream().Copy(context.Background(), io.Discard, nil)
	<-engine.Done()
	bar.Finish()

	if dispatcher != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), Cfg.Server.ShutdownTimeout)
		if err := dispatcher.Close(closeCtx); err != nil {
			Logger.Warn("pending violations lost", "err", err)
		}
		cancel()
	}

	stats := engine.Stats()
	fmt.Fprintf(os.Stderr, "\n🏁 Replay Complete. %d frames, %d violations, %d identity checks.\n",
		stats.Frames, stats.Violations, stats.Recognitions)
}
