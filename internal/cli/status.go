package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/storage"
)

// StatusReport counts the stored message units per direction, kind and
// current state
type StatusReport struct {
	Provider string         `json:"provider"`
	Total    int            `json:"total"`
	Counts   []StatusCount  `json:"counts"`
	Pending  int            `json:"pending"`
	ByState  map[string]int `json:"byState"`
}

// StatusCount is one row of a StatusReport
type StatusCount struct {
	Direction message.Direction       `json:"direction"`
	Kind      message.Kind            `json:"kind"`
	State     message.ProcessingState `json:"state"`
	Count     int                     `json:"count"`
}

// NewStatusCommand creates the status subcommand.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show message unit counts from storage",
		Long: `Open the configured storage and count the stored message units by
direction, kind and current processing state. Units not yet in a final
state are reported as pending.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			provider, err := storage.Open(ctx, cfg.Storage.Provider, cfg.Storage.Settings)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open storage", err)
			}
			store := storage.NewCoordinator(provider, storage.WithLogger(rootOpts.logger(cfg)))
			defer store.Close(ctx)

			report, err := collectStatus(ctx, store)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read message units", err)
			}
			report.Provider = cfg.Storage.Provider
			return output(cmd.OutOrStdout(), rootOpts.Format, report, report.write)
		},
	}
}

func collectStatus(ctx context.Context, store *storage.Coordinator) (*StatusReport, error) {
	units, err := store.Find(ctx, storage.Filter{})
	if err != nil {
		return nil, err
	}
	type key struct {
		dir   message.Direction
		kind  message.Kind
		state message.ProcessingState
	}
	counts := make(map[key]int)
	report := &StatusReport{Total: len(units), ByState: make(map[string]int)}
	for _, u := range units {
		st := u.CurrentState()
		counts[key{u.Direction, u.Kind, st}]++
		report.ByState[string(st)]++
		if !st.IsFinal() {
			report.Pending++
		}
	}
	for k, n := range counts {
		report.Counts = append(report.Counts, StatusCount{Direction: k.dir, Kind: k.kind, State: k.state, Count: n})
	}
	sort.Slice(report.Counts, func(i, j int) bool {
		a, b := report.Counts[i], report.Counts[j]
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.State < b.State
	})
	return report, nil
}

func (r *StatusReport) write(w io.Writer) {
	fmt.Fprintf(w, "Storage: %s\n", r.Provider)
	fmt.Fprintf(w, "Message units: %d (%d pending)\n", r.Total, r.Pending)
	if len(r.Counts) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, c := range r.Counts {
		fmt.Fprintf(w, "  %-3s  %-12s  %-20s  %d\n", c.Direction, c.Kind, c.State, c.Count)
	}
}
