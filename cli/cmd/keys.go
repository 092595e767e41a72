package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/sealog/keystore"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage audit keys in the secure-credential facility",
	Long: `Manage the symmetric audit keys held by the host's secure-credential
facility. Key material never leaves the key store; these commands only
create, probe and remove keys by identifier.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate [key-id]",
	Short: "Generate a new 32-byte audit key",
	Long: `Generates a fresh random key and stores it under the given identifier,
or under the configured active key id when omitted. Fails if a key already
exists under that identifier.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKeysGenerate,
}

var keysExistsCmd = &cobra.Command{
	Use:   "exists <key-id>",
	Short: "Check whether a key exists",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysExists,
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <key-id>",
	Short: "Delete a key from the store",
	Long: `Permanently removes a key. Entries encrypted solely under this key become
unrecoverable; rotate the log first.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysDelete,
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysExistsCmd)
	keysCmd.AddCommand(keysDeleteCmd)
	rootCmd.AddCommand(keysCmd)
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	keyID := viper.GetString("key.id")
	if len(args) > 0 {
		keyID = args[0]
	}

	store, err := createKeyStore()
	if err != nil {
		return err
	}
	defer store.Close()

	exists, err := store.Exists(keyID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("key %s already exists", keyID)
	}

	if _, err = keystore.GenerateKey(store, keyID); err != nil {
		return err
	}
	fmt.Printf("Generated key %s in %s store\n", keyID, store.GetType())
	return nil
}

func runKeysExists(cmd *cobra.Command, args []string) error {
	store, err := createKeyStore()
	if err != nil {
		return err
	}
	defer store.Close()

	exists, err := store.Exists(args[0])
	if err != nil {
		return err
	}
	if exists {
		fmt.Printf("Key %s exists\n", args[0])
	} else {
		fmt.Printf("Key %s does not exist\n", args[0])
	}
	return nil
}

func runKeysDelete(cmd *cobra.Command, args []string) error {
	store, err := createKeyStore()
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Delete(args[0])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("key %s does not exist", args[0])
	}
	fmt.Printf("Deleted key %s\n", args[0])
	return nil
}
