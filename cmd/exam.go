package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/invigilator/internal/store"
	"github.com/andresmejia3/invigilator/internal/types"
	"github.com/spf13/cobra"
)

var examCmd = &cobra.Command{
	Use:   "exam",
	Short: "Start, end and list exam sessions",
}

var examStartCmd = &cobra.Command{
	Use:   "start <student_id>",
	Short: "Open an exam session for an enrolled student",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		student, err := DB.GetStudent(cmd.Context(), args[0])
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "❌ Student not found. Please register first.")
			exitCode = 1
			return
		}
		if err != nil {
			fail("Failed to load student", err, nil)
			return
		}
		if len(student.FaceTemplate) == 0 {
			fmt.Fprintln(os.Stderr, "❌ Face not registered. Run `invigilator enroll` first.")
			exitCode = 1
			return
		}

		id, err := DB.StartExam(cmd.Context(), student.ID, time.Now())
		if err != nil {
			fail("Failed to start exam", err, nil)
			return
		}
		fmt.Printf("✅ Exam %d started for %s\n", id, student.Name)
	},
}

var examEndCmd = &cobra.Command{
	Use:   "end <exam_id>",
	Short: "Close an exam session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fail("Invalid exam ID", err, nil)
			return
		}
		if err := DB.EndExam(cmd.Context(), id, time.Now()); err != nil {
			fail("Failed to end exam", err, nil)
			return
		}
		fmt.Printf("🏁 Exam %d ended\n", id)
	},
}

var examListCmd = &cobra.Command{
	Use:   "list",
	Short: "List exams, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		exams, err := DB.ListExams(cmd.Context())
		if err != nil {
			fail("Failed to list exams", err, nil)
			return
		}
		if len(exams) == 0 {
			fmt.Println("No exams found in database.")
			return
		}
		printExams(exams)
	},
}

func printExams(exams []types.ExamSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EXAM\tSTUDENT\tNAME\tSTARTED\tENDED\tVIOLATIONS")
	fmt.Fprintln(w, "----\t-------\t----\t-------\t-----\t----------")
	for _, e := range exams {
		ended := "running"
		if e.EndTime != nil {
			ended = e.EndTime.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n",
			e.ID, e.StudentID, e.StudentName, e.StartTime.Local().Format("2006-01-02 15:04"), ended, e.Violations)
	}
	w.Flush()
}

func init() {
	examCmd.AddCommand(examStartCmd, examEndCmd, examListCmd)
	rootCmd.AddCommand(examCmd)
}
