package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/statesaga/internal/ir"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Entity string // optional - specific entity only
}

// ReplayEntityResult holds the replay result for a single entity.
type ReplayEntityResult struct {
	Entity       string   `json:"entity"`
	Events       int      `json:"events"`
	LastSeq      int64    `json:"last_seq"`
	State        string   `json:"state"`
	Corrupt      int      `json:"corrupt"`
	Gaps         []int64  `json:"gaps,omitempty"`
	Breaks       []int64  `json:"breaks,omitempty"`
	Correlations []string `json:"correlations,omitempty"`
	Consistent   bool     `json:"consistent"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Entities      []ReplayEntityResult `json:"entities"`
	TotalEntities int                  `json:"total_entities"`
	AllConsistent bool                 `json:"all_consistent"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the transition log and verify it",
		Long: `Replay the transition log of one or every entity and verify that it
reconstructs a single state.

Each event must carry the next sequence number and start from the state
the previous event ended in. Undecodable events are counted as corrupt.

Exit codes:
  0 - Every replayed log is consistent
  1 - A gap, broken chain or corrupt event was found
  2 - Command error (store unavailable, etc.)

Examples:
  statesaga replay --db app.db
  statesaga replay --db app.db --entity order-1 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Entity, "entity", "", "replay specific entity only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	env, err := openEnv(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return commandError(formatter, CodeStore, "failed to open store", err)
	}
	defer env.Close(context.WithoutCancel(ctx))

	// Get entities to process
	var entities []string
	if opts.Entity != "" {
		entities = []string{opts.Entity}
	} else {
		entities, err = env.Store.ListEntities(ctx)
		if err != nil {
			return commandError(formatter, CodeStore, "failed to list entities", err)
		}
	}

	result := ReplayResult{
		Entities:      make([]ReplayEntityResult, 0, len(entities)),
		TotalEntities: len(entities),
		AllConsistent: true,
	}
	for _, id := range entities {
		er, err := replayEntity(ctx, env.Store, id, formatter)
		if err != nil {
			return commandError(formatter, CodeStore, fmt.Sprintf("failed to replay %s", id), err)
		}
		result.Entities = append(result.Entities, er)
		if !er.Consistent {
			result.AllConsistent = false
		}
	}

	if formatter.IsJSON() {
		if !result.AllConsistent {
			return formatter.Failure(result, CodeReplay, "replay found inconsistent logs")
		}
		return formatter.Success(result)
	}
	return outputReplayText(formatter, result)
}

// replayEntity folds the log of one entity, checking sequence continuity and
// the from/to chain.
func replayEntity(ctx context.Context, log Backend, entityID string, formatter *OutputFormatter) (ReplayEntityResult, error) {
	res := ReplayEntityResult{Entity: entityID}
	seen := map[string]bool{}
	for rec, err := range log.ReadFrom(ctx, entityID, 1) {
		if err != nil {
			if errors.Is(err, ir.ErrCorruptRecord) {
				res.Corrupt++
				continue
			}
			return res, err
		}
		if rec.Seq != res.LastSeq+1 {
			res.Gaps = append(res.Gaps, rec.Seq)
		}
		if res.Events > 0 && rec.FromState != res.State {
			res.Breaks = append(res.Breaks, rec.Seq)
		}
		formatter.VerboseLog("  %s [%d] %s: %s -> %s", entityID, rec.Seq, rec.Trigger, rec.FromState, rec.ToState)
		if rec.CorrelationID != "" && !seen[rec.CorrelationID] {
			seen[rec.CorrelationID] = true
			res.Correlations = append(res.Correlations, rec.CorrelationID)
		}
		res.Events++
		res.LastSeq = rec.Seq
		res.State = rec.ToState
	}
	res.Consistent = res.Corrupt == 0 && len(res.Gaps) == 0 && len(res.Breaks) == 0
	return res, nil
}

func outputReplayText(formatter *OutputFormatter, result ReplayResult) error {
	w := formatter.Writer
	if result.TotalEntities == 0 {
		fmt.Fprintln(w, "No entities found in store.")
		return nil
	}
	for _, e := range result.Entities {
		mark := "✓"
		if !e.Consistent {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s: %d event(s), state %s (seq %d)\n", mark, e.Entity, e.Events, e.State, e.LastSeq)
		if len(e.Gaps) > 0 {
			fmt.Fprintf(w, "  sequence gaps before %v\n", e.Gaps)
		}
		if len(e.Breaks) > 0 {
			fmt.Fprintf(w, "  chain breaks at %v\n", e.Breaks)
		}
		if e.Corrupt > 0 {
			fmt.Fprintf(w, "  %d corrupt event(s)\n", e.Corrupt)
		}
	}
	fmt.Fprintln(w)
	if !result.AllConsistent {
		fmt.Fprintln(w, "✗ Replay found inconsistent logs")
		return NewExitError(ExitFailure, "replay found inconsistent logs")
	}
	fmt.Fprintf(w, "✓ %d entit(ies) replayed consistently\n", result.TotalEntities)
	return nil
}
