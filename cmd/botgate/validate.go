package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/keepmind9/botgate/internal/core"
	"github.com/spf13/cobra"
)

var (
	validateConfigPath string
	validateJSON       bool

	errInvalidConfig = errors.New("configuration is invalid")
)

// ValidationResult represents the validation result
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Config   string   `json:"config"`
	Bots     []string `json:"bots,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate botgate configuration file",
	Long: `Validate the botgate configuration file without starting the service.

This command checks:
  - YAML syntax and environment variables
  - Server, session and enrichment settings
  - Bot credentials, by building every enabled connector

Exit codes:
  0 - Configuration is valid
  1 - Configuration has errors`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := validateConfigPath
		if path == "" {
			path = findConfigFile()
		}
		if path == "" {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "No configuration file found")
			fmt.Fprintln(out, "\nSpecify a config file with --config or ensure one exists at:")
			for _, loc := range defaultConfigLocations() {
				fmt.Fprintf(out, "  - %s\n", loc)
			}
			return errInvalidConfig
		}

		result := validateConfigFile(path)
		if err := outputValidationResult(cmd.OutOrStdout(), result, validateJSON); err != nil {
			return err
		}
		if !result.Valid {
			return errInvalidConfig
		}
		return nil
	},
}

func defaultConfigLocations() []string {
	return []string{
		"config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config/botgate/config.yaml"),
		"/etc/botgate/config.yaml",
	}
}

func findConfigFile() string {
	for _, loc := range defaultConfigLocations() {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

// validateConfigFile loads the configuration and builds every enabled
// connector, so missing credentials surface here instead of at startup
func validateConfigFile(path string) ValidationResult {
	result := ValidationResult{Config: path}

	cfg, err := core.LoadConfig(path)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.Bots = cfg.EnabledBots()

	for _, platform := range result.Bots {
		bot := cfg.Bots[platform]
		if _, err := core.NewConnector(platform, bot); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("bot '%s': %v", platform, err))
			continue
		}
		if bot.AllowUnverified {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("bot '%s' accepts unverified deliveries when no credential is set", platform))
		}
	}
	if cfg.Enrichment.Disabled {
		result.Warnings = append(result.Warnings, "session enrichment is disabled")
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func outputValidationResult(w io.Writer, result ValidationResult, jsonFormat bool) error {
	if jsonFormat {
		output, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal json: %w", err)
		}
		fmt.Fprintln(w, string(output))
		return nil
	}

	if result.Valid {
		fmt.Fprintln(w, "Configuration is valid")
		fmt.Fprintf(w, "  - Config: %s\n", result.Config)
		fmt.Fprintf(w, "  - Bots enabled: %d\n", len(result.Bots))
		for _, platform := range result.Bots {
			fmt.Fprintf(w, "    - %s\n", platform)
		}
	} else {
		fmt.Fprintln(w, "Configuration validation failed:")
		fmt.Fprintln(w, "\nErrors:")
		for _, errMsg := range result.Errors {
			fmt.Fprintf(w, "  - %s\n", errMsg)
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, warning := range result.Warnings {
			fmt.Fprintf(w, "  - %s\n", warning)
		}
	}
	return nil
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigPath, "config", "c", "", "Configuration file path")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output in JSON format")
}
