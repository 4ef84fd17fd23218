// Package cli implements the msh command line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-msh/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the msh CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "msh",
		Short: "ebMS3/AS4 message service handler",
		Long: `msh exchanges ebMS3 message units with trading partners and guarantees
their delivery: failed transmissions are retried within the wait intervals
of the P-Mode, duplicates are eliminated and every state change is kept in
the message unit's history.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to the configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewPModesCommand(opts))

	return cmd
}

// loadConfig loads the configuration file, or the defaults when none was
// given
func (o *RootOptions) loadConfig() (*config.Config, error) {
	if o.ConfigFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

func (o *RootOptions) logger(cfg *config.Config) *slog.Logger {
	lc := cfg.Logging
	if o.Verbose {
		lc.Level = "debug"
	}
	return lc.NewLogger(os.Stderr)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
