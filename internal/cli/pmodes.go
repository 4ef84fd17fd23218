package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// PModeSummary describes a P-Mode in command output
type PModeSummary struct {
	ID         string   `json:"id"`
	MEPBinding string   `json:"mepBinding"`
	MPC        string   `json:"mpc"`
	Service    string   `json:"service,omitempty"`
	Action     string   `json:"action,omitempty"`
	Reliable   bool     `json:"reliable"`
	Retries    []string `json:"retries,omitempty"`
}

// NewPModesCommand creates the pmodes subcommand.
func NewPModesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pmodes",
		Short: "Inspect processing modes",
	}
	cmd.AddCommand(newPModesListCommand(rootOpts))
	cmd.AddCommand(newPModesValidateCommand(rootOpts))
	return cmd
}

func newPModesListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List the P-Modes of the configuration",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			list, err := cfg.LoadPModes()
			if err != nil {
				return WrapExitError(ExitFailure, "invalid P-Modes", err)
			}
			summaries := summarize(list)
			return output(cmd.OutOrStdout(), rootOpts.Format, summaries, func(w io.Writer) {
				writeSummaries(w, summaries)
			})
		},
	}
}

func newPModesValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a P-Mode file",
		Long: `Load a P-Mode file and validate every P-Mode in it. The exit code is 1
when the file holds an invalid P-Mode.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := pmode.LoadFile(args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "invalid P-Mode file", err)
			}
			result := map[string]interface{}{"file": args[0], "valid": true, "pmodes": len(list)}
			return output(cmd.OutOrStdout(), rootOpts.Format, result, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d P-Modes OK\n", args[0], len(list))
			})
		},
	}
}

func summarize(list []*pmode.ProcessingMode) []PModeSummary {
	out := make([]PModeSummary, 0, len(list))
	for _, p := range list {
		leg := p.Leg("")
		s := PModeSummary{ID: p.ID, MEPBinding: p.MEPBinding, MPC: pmode.MPC(leg)}
		if bi := pmode.BusinessInfoOf(leg); bi != nil {
			s.Service, s.Action = bi.Service, bi.Action
		}
		intervals, ok := pmode.WaitIntervals(leg)
		s.Reliable = ok
		for _, d := range intervals {
			s.Retries = append(s.Retries, d.String())
		}
		out = append(out, s)
	}
	return out
}

func writeSummaries(w io.Writer, list []PModeSummary) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No P-Modes configured")
		return
	}
	for _, s := range list {
		fmt.Fprintf(w, "%s\n", s.ID)
		fmt.Fprintf(w, "  binding: %s  mpc: %s\n", s.MEPBinding, s.MPC)
		if s.Service != "" || s.Action != "" {
			fmt.Fprintf(w, "  service: %s  action: %s\n", s.Service, s.Action)
		}
		if s.Reliable {
			fmt.Fprintf(w, "  wait intervals: %v\n", s.Retries)
		}
	}
}
