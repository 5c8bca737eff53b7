package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/invigilator/internal/types"
	"github.com/spf13/cobra"
)

var studentCmd = &cobra.Command{
	Use:   "student",
	Short: "Manage registered students",
}

var studentAddCmd = &cobra.Command{
	Use:   "add <student_id> <name> <email>",
	Short: "Register a student (enroll their face separately)",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		s := types.Student{ID: args[0], Name: args[1], Email: args[2]}
		if err := DB.CreateStudent(cmd.Context(), s); err != nil {
			fail("Failed to add student", err, nil)
			return
		}
		fmt.Printf("✅ Student %s (%s) added\n", s.ID, s.Name)
	},
}

var studentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all students",
	Run: func(cmd *cobra.Command, args []string) {
		students, err := DB.ListStudents(cmd.Context())
		if err != nil {
			fail("Failed to list students", err, nil)
			return
		}
		if len(students) == 0 {
			fmt.Println("No students found in database.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tEMAIL\tFACE")
		fmt.Fprintln(w, "--\t----\t-----\t----")
		for _, s := range students {
			face := "no"
			if len(s.FaceTemplate) > 0 {
				face = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Email, face)
		}
		w.Flush()
	},
}

func init() {
	studentCmd.AddCommand(studentAddCmd, studentListCmd)
	rootCmd.AddCommand(studentCmd)
}
