package cmd

import (
	"github.com/spf13/cobra"
)

var resumeJSON bool

var resumeCmd = &cobra.Command{
	Use:   "resume <operation-id>",
	Short: "Continue an interrupted rotation operation",
	Long: `Continues a rotation from its last completed batch using the stored
checkpoint. Resuming a completed operation performs no work and reports the
recorded final counts.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeJSON, "json", false, "output the result as JSON")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	result, err := manager.ResumeRotation(cmd.Context(), args[0])
	if result != nil {
		printResult(result)
	}
	return err
}
