package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage rotation checkpoints",
	Long:  `List and remove the durable checkpoints of rotation operations.`,
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored rotation checkpoints",
	RunE:  runCheckpointsList,
}

var checkpointsRmCmd = &cobra.Command{
	Use:   "rm <operation-id>",
	Short: "Remove a stored checkpoint",
	Long: `Removes the checkpoint of a finished operation. Removing the checkpoint of
an interrupted operation makes it unresumable.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpointsRm,
}

func init() {
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsRmCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	checkpoints, err := manager.ListCheckpoints()
	if err != nil {
		return err
	}

	if len(checkpoints) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tPHASE\tSTATUS\tTOTAL\tPROCESSED\tFAILED\tUPDATED")
	for _, cp := range checkpoints {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			cp.OperationID, cp.Phase, cp.Status,
			cp.TotalEntries, cp.ProcessedEntries, cp.FailedEntries,
			cp.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runCheckpointsRm(cmd *cobra.Command, args []string) error {
	checkpoints, err := manager.ListCheckpoints()
	if err != nil {
		return err
	}

	for _, cp := range checkpoints {
		if cp.OperationID == args[0] {
			if !cp.IsTerminal() {
				fmt.Fprintf(os.Stderr, "Warning: operation %s has not finished; it can no longer be resumed.\n", args[0])
			}
			break
		}
	}

	// the manager owns the checkpoint store; go through a fresh store handle
	store, err := createCheckpointStore()
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Delete(args[0])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no checkpoint found for operation %s", args[0])
	}
	fmt.Printf("Removed checkpoint %s\n", args[0])
	return nil
}
