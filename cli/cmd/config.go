package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage sealog configuration",
	Long:  `View, set and validate the sealog configuration file.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the effective configuration merged from the config file, environment variables and flags.`,
	RunE:  runConfigView,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Set a configuration value in the config file. The key uses dot notation (e.g. keystore.type).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	RunE:  runConfigInit,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration keys",
	RunE:  runConfigList,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

var configForce bool

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)

	configSetCmd.Flags().BoolVar(&configForce, "force", false, "set the value even if the key is unknown")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
}

// configKeyDescriptions is the set of recognized configuration keys.
var configKeyDescriptions = map[string]string{
	"key.id":                            "active audit key identifier",
	"keystore.type":                     "key store backend (platform, file, memory)",
	"keystore.path":                     "sealed vault path for the file key store",
	"keystore.passphrase":               "passphrase for the file key store",
	"rotation.batch_size":               "entries per re-encryption batch",
	"checkpoints.type":                  "checkpoint storage backend (filesystem, s3)",
	"checkpoints.path":                  "checkpoint directory for the filesystem store",
	"checkpoints.s3.endpoint":           "S3 endpoint URL",
	"checkpoints.s3.region":             "S3 region",
	"checkpoints.s3.bucket":             "S3 bucket name",
	"checkpoints.s3.key_prefix":         "S3 key prefix",
	"checkpoints.s3.access_key_id":      "S3 access key ID",
	"checkpoints.s3.secret_access_key":  "S3 secret access key",
	"checkpoints.s3.use_ssl":            "use SSL for S3 connections",
	"audit.enabled":                     "enable audit logging",
	"audit.type":                        "audit logger type (file, syslog)",
	"audit.options.file_path":           "audit log file path",
	"audit.log_level":                   "audit log level",
}

func isSensitiveConfigKey(key string) bool {
	return strings.Contains(key, "passphrase") || strings.Contains(key, "secret")
}

func configFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sealog.yaml")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()
	redactSensitive(settings, "")

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	fmt.Print(string(data))

	if overrides := flagOverrides(); len(overrides) > 0 {
		fmt.Println("\n# flag overrides")
		for _, override := range overrides {
			fmt.Printf("# %s\n", override)
		}
	}
	return nil
}

// flagOverrides lists the persistent flags changed on this invocation, with
// sensitive values redacted.
func flagOverrides() []string {
	var overrides []string
	rootCmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		value := flag.Value.String()
		if isSensitiveConfigKey(flag.Name) {
			value = "[REDACTED]"
		}
		overrides = append(overrides, fmt.Sprintf("--%s=%s", flag.Name, value))
	})
	return overrides
}

// redactSensitive walks the nested settings map and masks secret values.
func redactSensitive(settings map[string]interface{}, prefix string) {
	for key, value := range settings {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			redactSensitive(nested, path)
			continue
		}
		if isSensitiveConfigKey(path) {
			if s, ok := value.(string); ok && s != "" {
				settings[key] = "[REDACTED]"
			}
		}
	}
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	value := viper.Get(key)
	if isSensitiveConfigKey(key) {
		value = "[REDACTED]"
	}
	fmt.Printf("%s = %v\n", key, value)

	if configFile := viper.ConfigFileUsed(); configFile != "" {
		fmt.Printf("Source: %s\n", configFile)
	} else {
		fmt.Println("Source: defaults/environment/flags")
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	if _, known := configKeyDescriptions[key]; !known && !configForce {
		return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
	}

	viper.Set(key, convertConfigValue(value))

	configFile := configFilePath()
	if err := os.MkdirAll(filepath.Dir(configFile), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Set %s\n", key)
	fmt.Printf("Configuration saved to: %s\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := configFilePath()
	if _, err := os.Stat(configFile); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	config := map[string]interface{}{
		"key": map[string]interface{}{
			"id": viper.GetString("key.id"),
		},
		"keystore": map[string]interface{}{
			"type": "platform",
		},
		"rotation": map[string]interface{}{
			"batch_size": 1000,
		},
		"checkpoints": map[string]interface{}{
			"type": "filesystem",
		},
		"audit": map[string]interface{}{
			"enabled": false,
			"type":    "file",
		},
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(configFile), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err = os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Configuration file created: %s\n", configFile)
	return nil
}

func runConfigList(cmd *cobra.Command, args []string) error {
	keys := make([]string, 0, len(configKeyDescriptions))
	for key := range configKeyDescriptions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	for _, key := range keys {
		fmt.Fprintf(w, "%s\t%s\n", key, configKeyDescriptions[key])
	}
	return w.Flush()
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	var problems []string

	switch keystoreType := strings.ToLower(viper.GetString("keystore.type")); keystoreType {
	case "", "platform", "memory":
	case "file":
		if viper.GetString("keystore.path") == "" {
			problems = append(problems, "keystore.type=file requires keystore.path")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown keystore.type: %s", keystoreType))
	}

	switch checkpointsType := strings.ToLower(viper.GetString("checkpoints.type")); checkpointsType {
	case "", "filesystem":
	case "s3":
		if viper.GetString("checkpoints.s3.endpoint") == "" {
			problems = append(problems, "checkpoints.type=s3 requires checkpoints.s3.endpoint")
		}
		if viper.GetString("checkpoints.s3.bucket") == "" {
			problems = append(problems, "checkpoints.type=s3 requires checkpoints.s3.bucket")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown checkpoints.type: %s", checkpointsType))
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		if auditType != "file" && auditType != "syslog" {
			problems = append(problems, fmt.Sprintf("unknown audit.type: %s", auditType))
		}
		if auditType == "file" && viper.GetString("audit.options.file_path") == "" {
			problems = append(problems, "audit.type=file requires audit.options.file_path")
		}
	}

	if batchSize := viper.GetInt("rotation.batch_size"); batchSize < 0 {
		problems = append(problems, "rotation.batch_size cannot be negative")
	}

	if len(problems) == 0 {
		fmt.Println("✓ Configuration is valid")
		return nil
	}
	fmt.Println("✗ Configuration validation failed:")
	for _, problem := range problems {
		fmt.Printf("  - %s\n", problem)
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(problems))
}

// convertConfigValue keeps booleans and integers typed in the config file.
func convertConfigValue(value string) interface{} {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return value
}
