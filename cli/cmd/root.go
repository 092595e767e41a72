package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/sealog"
	"southwinds.dev/sealog/audit"
	"southwinds.dev/sealog/keystore"
	"southwinds.dev/sealog/persist"
)

var (
	cfgFile string
	manager sealog.Service
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sealog",
	Short: "Encrypted audit log lifecycle management",
	Long: `Manages the lifecycle of an append-only, per-entry encrypted audit log:
AES-256-GCM entry encryption, key storage in the host's secure-credential
facility, crash-recoverable log re-encryption on key rotation, and recovery
decryption of logs written under several key generations.`,
	PersistentPreRunE: initializeManager,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if manager != nil {
			return manager.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sealog.yaml)")
	rootCmd.PersistentFlags().String("key-id", "", "active audit key identifier")
	rootCmd.PersistentFlags().String("keystore-type", "", "key store backend (platform, file, memory)")
	rootCmd.PersistentFlags().String("keystore-path", "", "sealed vault path for the file key store")
	rootCmd.PersistentFlags().String("keystore-passphrase", "", "passphrase for the file key store (or use SEALOG_KEYSTORE_PASSPHRASE env var)")
	rootCmd.PersistentFlags().Int("batch-size", 0, "entries per re-encryption batch")

	bindFlagOrPanic("key.id", "key-id")
	bindFlagOrPanic("keystore.type", "keystore-type")
	bindFlagOrPanic("keystore.path", "keystore-path")
	bindFlagOrPanic("keystore.passphrase", "keystore-passphrase")
	bindFlagOrPanic("rotation.batch_size", "batch-size")

	// Checkpoint store flags
	rootCmd.PersistentFlags().String("checkpoint-store", "", "checkpoint storage backend (filesystem, s3)")
	rootCmd.PersistentFlags().String("checkpoint-path", "", "checkpoint directory for the filesystem store")

	bindFlagOrPanic("checkpoints.type", "checkpoint-store")
	bindFlagOrPanic("checkpoints.path", "checkpoint-path")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for the s3 checkpoint store)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("checkpoints.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("checkpoints.s3.region", "s3-region")
	bindFlagOrPanic("checkpoints.s3.bucket", "s3-bucket")
	bindFlagOrPanic("checkpoints.s3.key_prefix", "s3-prefix")
	bindFlagOrPanic("checkpoints.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("checkpoints.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("checkpoints.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/sealog")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".sealog")
	}

	viper.SetEnvPrefix("SEALOG")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}
}

func setDefaults() {
	viper.SetDefault("key.id", sealog.CurrentKeyID)
	viper.SetDefault("keystore.type", "platform")
	viper.SetDefault("checkpoints.type", "filesystem")
	viper.SetDefault("checkpoints.s3.region", "us-east-1")
	viper.SetDefault("checkpoints.s3.use_ssl", true)
	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", "sealog-audit.log")
	viper.SetDefault("audit.log_level", "info")
}

func initializeManager(cmd *cobra.Command, args []string) error {
	// Skip initialization for help, completion and config commands
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}
	for parent := cmd; parent != nil; parent = parent.Parent() {
		if parent == configCmd {
			return nil
		}
	}

	keys, err := createKeyStore()
	if err != nil {
		return fmt.Errorf("failed to create key store: %w", err)
	}

	checkpoints, err := createCheckpointStore()
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	options := sealog.Options{
		KeyID:     viper.GetString("key.id"),
		BatchSize: viper.GetInt("rotation.batch_size"),
		AuditConfig: &audit.Config{
			Enabled: viper.GetBool("audit.enabled"),
			Type:    audit.ConfigType(viper.GetString("audit.type")),
			Options: map[string]interface{}{
				"file_path": viper.GetString("audit.options.file_path"),
			},
			LogLevel: viper.GetString("audit.log_level"),
		},
	}

	manager, err = sealog.NewManager(options, keys, checkpoints, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize manager: %w", err)
	}
	return nil
}

func createKeyStore() (keystore.Store, error) {
	storeType := strings.ToLower(viper.GetString("keystore.type"))
	switch storeType {
	case "platform", "":
		return keystore.NewPlatformStore()

	case "file":
		passphrase := viper.GetString("keystore.passphrase")
		if passphrase == "" {
			passphrase = os.Getenv("SEALOG_KEYSTORE_PASSPHRASE")
		}
		if passphrase == "" {
			return nil, fmt.Errorf("file key store requires a passphrase. Use --keystore-passphrase or SEALOG_KEYSTORE_PASSPHRASE")
		}
		return keystore.NewFileStore(viper.GetString("keystore.path"), passphrase, keystore.InstallationNamespace())

	case "memory":
		return keystore.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported key store type: %s. Supported types: platform, file, memory", storeType)
	}
}

func createCheckpointStore() (persist.CheckpointStore, error) {
	storeType := strings.ToLower(viper.GetString("checkpoints.type"))
	switch storeType {
	case "filesystem", "":
		return persist.NewFileSystemStore(viper.GetString("checkpoints.path"))

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("checkpoints.s3.endpoint"),
			AccessKeyID:     viper.GetString("checkpoints.s3.access_key_id"),
			SecretAccessKey: viper.GetString("checkpoints.s3.secret_access_key"),
			Bucket:          viper.GetString("checkpoints.s3.bucket"),
			KeyPrefix:       viper.GetString("checkpoints.s3.key_prefix"),
			UseSSL:          viper.GetBool("checkpoints.s3.use_ssl"),
			Region:          viper.GetString("checkpoints.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(s3Config)

	default:
		return nil, fmt.Errorf("unsupported checkpoint store type: %s. Supported types: filesystem, s3", storeType)
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "checkpoints.s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "checkpoints.s3.bucket")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "checkpoints.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "checkpoints.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func printDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
