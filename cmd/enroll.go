package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/invigilator/internal/enrollment"
	"github.com/andresmejia3/invigilator/internal/vision"
	"github.com/andresmejia3/invigilator/internal/worker"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <student_id> <image_path>",
	Short: "Register a student's reference face from a photo",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		studentID, path := args[0], args[1]

		// 1. Read the photo
		img, err := os.ReadFile(path)
		if err != nil {
			fail("Failed to read image", err, nil)
			return
		}

		// 2. One detector is enough for a single photo
		pool, err := worker.NewPool(cmd.Context(), 1, workerConfig(Cfg), Logger)
		if err != nil {
			fail("Detector startup failed", err, nil)
			return
		}
		defer pool.Close()

		// 3. Validate and store
		svc := enrollment.NewService(DB, pool, Cfg.Proctor.FaceSize, Logger)
		if err := svc.Register(cmd.Context(), studentID, img); err != nil {
			var inErr *vision.InputError
			if errors.As(err, &inErr) {
				fmt.Fprintf(os.Stderr, "❌ %s\n", inErr.Reason)
				exitCode = 1
				return
			}
			fail("Face registration failed", err, nil)
			return
		}
		fmt.Printf("✅ Face registered successfully for %s\n", studentID)
	},
}

func init() {
	rootCmd.AddCommand(enrollCmd)
}
