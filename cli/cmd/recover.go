package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"southwinds.dev/sealog"
)

var (
	recoverOutput string
	recoverJSON   bool
)

var recoverCmd = &cobra.Command{
	Use:   "recover <log-path>",
	Short: "Decrypt a log of unknown or mixed key generations",
	Long: `Streams the log line by line and decrypts every entry, resolving retired
key generations as needed. Decrypted records go to stdout as JSONL, or to a
file with --output. A single bad entry never aborts the run; the summary
classifies every failure.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().StringVarP(&recoverOutput, "output", "o", "", "write decrypted records to this JSONL file instead of stdout")
	recoverCmd.Flags().BoolVar(&recoverJSON, "json", false, "output the summary as JSON")
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	var result *sealog.RecoveryResult
	var err error

	if recoverOutput != "" {
		result, err = manager.RecoverLogToFile(cmd.Context(), args[0], recoverOutput)
	} else {
		result, err = manager.RecoverLog(cmd.Context(), args[0], func(record sealog.Record) error {
			data, err := json.Marshal(record)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		})
	}
	if err != nil {
		return err
	}

	printRecoveryResult(result)
	return nil
}

func printRecoveryResult(result *sealog.RecoveryResult) {
	if recoverJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err == nil {
			fmt.Fprintln(os.Stderr, string(data))
			return
		}
	}

	m := result.Metrics
	fmt.Fprintf(os.Stderr, "Status:     %s\n", result.Status)
	fmt.Fprintf(os.Stderr, "Entries:    %d total, %d decrypted, %d failed, %d skipped\n",
		m.TotalEntries, m.DecryptedEntries, m.FailedEntries, m.SkippedEntries)
	if len(m.KeyVersionsUsed) > 0 {
		fmt.Fprintf(os.Stderr, "Keys used:  %v\n", m.KeyVersionsUsed)
	}
	for kind, count := range m.ErrorCounts {
		fmt.Fprintf(os.Stderr, "  %-18s %d\n", kind, count)
	}
	fmt.Fprintf(os.Stderr, "Throughput: %.0f entries/s\n", m.EntriesPerSecond)
}
