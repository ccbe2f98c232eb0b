package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/edagate/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print the effective settings",
	Long: `Load the config file, apply environment and flag overrides, validate the
result and print it as YAML. Secrets are redacted.`,
	RunE: runCheckConfig,
}

func init() {
	checkConfigCmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runCheckConfig(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	effective := *cfg
	if effective.Security.APIKey != "" {
		effective.Security.APIKey = "<redacted>"
	}
	if cfg.Storage != nil && cfg.Storage.Postgres.DSN != "" {
		storage := *cfg.Storage
		storage.Postgres.DSN = "<redacted>"
		effective.Storage = &storage
	}

	out, err := yaml.Marshal(&effective)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if _, err := os.Stdout.Write(out); err != nil {
		return err
	}
	if cfg.Open() {
		fmt.Fprintln(os.Stderr, "warning: security.api_key is empty, the server will run without authentication")
	}
	fmt.Fprintln(os.Stderr, "config OK")
	return nil
}
