package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/statesaga/internal/ir"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	RunID string
	Saga  string
	Limit int
}

// RunHistory is one saga run with its audit trail.
type RunHistory struct {
	Run   ir.SagaRunRecord `json:"run"`
	Steps []ir.StepRecord  `json:"steps"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show saga run history",
		Long: `Show recorded saga runs.

With --run, shows one run and every step execution and compensation
attempt in the order they were recorded. Without it, lists the most
recent runs, newest first.

Examples:
  statesaga history --db app.db
  statesaga history --db app.db --saga checkout --limit 5
  statesaga history --db app.db --run 0190c7a2-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run", "", "show one run with its step records")
	cmd.Flags().StringVar(&opts.Saga, "saga", "", "list runs of one saga only")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list (0 for all)")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	env, err := openEnv(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return commandError(formatter, CodeStore, "failed to open store", err)
	}
	defer env.Close(context.WithoutCancel(ctx))

	if opts.RunID != "" {
		return showRun(ctx, env.Store, opts.RunID, formatter)
	}

	runs, err := env.Store.ListRuns(ctx, opts.Saga, opts.Limit)
	if err != nil {
		return commandError(formatter, CodeStore, "failed to list runs", err)
	}
	if formatter.IsJSON() {
		if runs == nil {
			runs = []ir.SagaRunRecord{}
		}
		return formatter.Success(runs)
	}
	w := formatter.Writer
	if len(runs) == 0 {
		fmt.Fprintln(w, "No saga runs found.")
		return nil
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %-20s %-20s %s\n", r.StartedAt.Format(time.RFC3339), r.SagaName, r.Status, r.RunID)
	}
	return nil
}

func showRun(ctx context.Context, st Backend, runID string, formatter *OutputFormatter) error {
	run, err := st.ReadRun(ctx, runID)
	if errors.Is(err, ir.ErrNotFound) {
		_ = formatter.Error(CodeNotFound, fmt.Sprintf("run %s not found", runID), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("run %s not found", runID))
	}
	if err != nil {
		return commandError(formatter, CodeStore, "failed to read run", err)
	}
	steps, err := st.ReadStepRecords(ctx, runID)
	if err != nil {
		return commandError(formatter, CodeStore, "failed to read step records", err)
	}

	h := RunHistory{Run: run, Steps: steps}
	if h.Steps == nil {
		h.Steps = []ir.StepRecord{}
	}
	if formatter.IsJSON() {
		return formatter.Success(h)
	}
	w := formatter.Writer
	fmt.Fprintf(w, "run %s: saga %s %s\n", run.RunID, run.SagaName, run.Status)
	fmt.Fprintf(w, "  started: %s\n", run.StartedAt.Format(time.RFC3339Nano))
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "  completed: %s\n", run.CompletedAt.Format(time.RFC3339Nano))
	}
	if run.CorrelationID != "" {
		fmt.Fprintf(w, "  correlation: %s\n", run.CorrelationID)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
	for _, rec := range steps {
		fmt.Fprintf(w, "  [%d] %-10s %s\n", rec.Seq, rec.Kind, formatStepRecord(rec.Step, rec.Success, rec.Attempts, rec.Error))
	}
	return nil
}
