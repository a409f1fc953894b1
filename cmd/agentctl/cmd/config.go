package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configKeys are the settings agentctl persists in its config file.
var configKeys = map[string]string{
	"server":   "string",
	"timeout":  "duration",
	"json":     "bool",
	"pretty":   "bool",
	"token":    "string",
	"handle":   "string",
	"key-file": "string",
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage agentctl configuration",
	Long:  `Manage agentctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		token := "(unset)"
		if viper.GetString("token") != "" {
			token = "(set)"
		}
		if outputJSON {
			return printJSON(cmd, map[string]any{
				"server":   viper.GetString("server"),
				"timeout":  viper.GetDuration("timeout").String(),
				"json":     viper.GetBool("json"),
				"pretty":   viper.GetBool("pretty"),
				"token":    token,
				"handle":   viper.GetString("handle"),
				"key-file": viper.GetString("key-file"),
			})
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", viper.GetString("server"))
		fmt.Fprintf(out, "  Timeout: %s\n", viper.GetDuration("timeout"))
		fmt.Fprintf(out, "  JSON Output: %v\n", viper.GetBool("json"))
		fmt.Fprintf(out, "  Pretty JSON: %v\n", viper.GetBool("pretty"))
		fmt.Fprintf(out, "  Operator token: %s\n", token)
		fmt.Fprintf(out, "  Agent handle: %s\n", viper.GetString("handle"))
		fmt.Fprintf(out, "  Key file: %s\n", viper.GetString("key-file"))
		if viper.GetBool("pretty") && !checkJQAvailable() {
			fmt.Fprintln(out, "  ⚠️  Warning: pretty=true but jq not found in PATH")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
		return nil
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  agentctl config set server http://localhost:8080
  agentctl config set handle alice
  agentctl config set key-file ~/.agentgate/alice.seed`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := setConfigValue(viper.GetViper(), key, value); err != nil {
			return err
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\nConfiguration saved to: %s\n", key, value, path)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", "http://localhost:8080")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("pretty", false)
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

// setConfigValue validates value against the key's type and stores it in v.
func setConfigValue(v *viper.Viper, key, value string) error {
	kind, ok := configKeys[key]
	if !ok {
		return fmt.Errorf("invalid configuration key: %s", key)
	}
	switch kind {
	case "bool":
		switch value {
		case "true", "1", "yes", "on":
			v.Set(key, true)
		case "false", "0", "no", "off":
			v.Set(key, false)
		default:
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		v.Set(key, d.String())
	default:
		v.Set(key, value)
	}
	return nil
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".agentctl.yaml"), nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configInitCmd)
	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
