// Package cmd wires the Cobra CLI for the appshelf executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/appshelf/appshelf/internal/config"
)

var (
	cfgFile string
	cfg     config.Config
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "appshelf",
		Short: "Catalog, preview, and launch local mini web apps.",
		Long: `appshelf scans a folder tree for locally-developed mini web applications
(runnable server scripts and standalone interactive pages), captures visual
previews of them with a headless browser, and launches any one of them live
on demand.`,

		// Load configuration before any subcommand runs.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg = loaded
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); defaults and APPSHELF_* env vars apply without one")

	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
