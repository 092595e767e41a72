package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var validateJSON bool

var validateCmd = &cobra.Command{
	Use:   "validate <log-path>",
	Short: "Score how much of a log looks recoverable",
	Long: `A lighter-weight pass than a full recovery: only key resolution is
attempted per entry, no decryption. Use it to gauge what fraction of a log
is recoverable before committing to a recovery or rotation run.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "output the report as JSON")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	report, err := manager.ValidateLog(args[0])
	if err != nil {
		return err
	}

	if validateJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Entries:    %d total, %d valid, %d invalid\n",
		report.TotalEntries, report.ValidEntries, report.InvalidEntries)
	fmt.Printf("Integrity:  %.1f%%\n", report.IntegrityScore*100)
	for _, issue := range report.Issues {
		fmt.Printf("  line %d: [%s] %s\n", issue.Line, issue.Kind, issue.Message)
	}
	return nil
}
