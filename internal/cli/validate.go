package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fireflyresearch/firefly-desk/internal/config"
	"github.com/fireflyresearch/firefly-desk/pkg/catalog"
)

var validateCatalog string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and catalog",
	Long: `Validate the configuration file and, when one is configured, the
system/endpoint catalog. Exits non-zero on the first problem found.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateCatalog, "catalog", "", "catalog file (overrides config)")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.NewValidator().ValidateConfig(cfg); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Config: OK")

	catalogFile := validateCatalog
	if catalogFile == "" {
		catalogFile = cfg.Catalog.File
	}
	if catalogFile == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Catalog: none configured")
		return nil
	}

	store, err := catalog.LoadFile(catalogFile)
	if err != nil {
		return fmt.Errorf("catalog invalid: %w", err)
	}

	systems, endpoints := store.Size()
	fmt.Fprintf(cmd.OutOrStdout(), "Catalog: OK (%d systems, %d endpoints)\n", systems, endpoints)

	return nil
}
