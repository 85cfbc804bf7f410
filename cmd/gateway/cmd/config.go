package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edgevideo/gateway/internal/gwconfig"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for inspecting and validating the gateway configuration.`,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the active configuration",
	Long: `Loads the configuration from file/env/flags the same way "serve" would,
then runs schema validation and snapshot compilation against it without
starting the server.`,
	RunE: runConfigValidate,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the active configuration",
	Long: `Dump the configuration currently in effect (defaults merged with any
config file and environment variables) in YAML format.

Configuration can be set via:
  - Config file (--config, or .gateway.yaml in $HOME, . or /etc/gateway)
  - Environment variables (GATEWAY_CACHE_METHOD, GATEWAY_SERVER_PORT, etc.)
  - Command-line flags (for server settings)

Environment variables use the GATEWAY_ prefix and underscores for nesting.
Example: server.port -> GATEWAY_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	doc, err := loadDocument()
	if err != nil {
		return err
	}

	if err := doc.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	if _, err := gwconfig.NewManager(doc); err != nil {
		return fmt.Errorf("compiling configuration: %w", err)
	}

	fmt.Println("configuration valid")
	return nil
}

func runConfigDump(_ *cobra.Command, _ []string) error {
	doc, err := loadDocument()
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling configuration: %w", err)
	}

	_, err = os.Stdout.Write(out)
	return err
}
