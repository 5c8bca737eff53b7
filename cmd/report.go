package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/andresmejia3/invigilator/internal/types"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report <exam_id>",
	Short: "Show the violation history of an exam",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fail("Invalid exam ID", err, nil)
			return
		}

		exam, err := DB.GetExam(cmd.Context(), id)
		if err != nil {
			fail("Failed to load exam", err, nil)
			return
		}
		violations, err := DB.ViolationsByExam(cmd.Context(), id)
		if err != nil {
			fail("Failed to load violations", err, nil)
			return
		}

		fmt.Printf("📋 Exam %d, student %s, started %s\n", exam.ID, exam.StudentID, exam.StartTime.Local().Format("2006-01-02 15:04:05"))
		if len(violations) == 0 {
			fmt.Println("No violations recorded.")
			return
		}
		writeViolations(os.Stdout, violations)
	},
}

func writeViolations(out io.Writer, violations []types.ViolationEvent) {
	counts := make(map[types.ViolationKind]int)
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSOURCE")
	fmt.Fprintln(w, "----\t----\t------")
	for _, v := range violations {
		counts[v.Kind]++
		fmt.Fprintf(w, "%s\t%s\t%s\n", v.Timestamp.Local().Format("15:04:05"), v.Kind, v.Source)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d", len(violations))
	for _, kind := range []types.ViolationKind{types.NoFace, types.MultipleFaces, types.Impersonation} {
		if n := counts[kind]; n > 0 {
			fmt.Fprintf(out, "  %s=%d", kind, n)
		}
	}
	fmt.Fprintln(out)
}

func init() {
	rootCmd.AddCommand(reportCmd)
}
