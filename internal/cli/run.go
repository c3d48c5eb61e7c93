package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/statesaga/internal/definition"
	"github.com/roach88/statesaga/internal/saga"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Saga          string
	Vars          []string
	CorrelationID string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute one saga run",
		Long: `Execute one run of a saga declared in a workflow definition.

Steps fire triggers on entities, level by level. When a step fails, the
completed steps are compensated in reverse order. The run and every step
attempt are recorded in the store; see the history command.

Variables fill ${name} references in step entities and arguments.
Interrupting the command cancels the run, which then compensates.

Exit codes:
  0 - Saga completed
  1 - Saga failed or was compensated
  2 - Command error (definition, store, missing variables)

Examples:
  statesaga run checkout.yaml --db app.db --saga checkout --var order=1 --var sku=9
  statesaga run checkout.yaml --saga checkout --var order=1 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSaga(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Saga, "saga", "", "saga name (default: the only saga)")
	cmd.Flags().StringArrayVar(&opts.Vars, "var", nil, "run variable name=value, repeatable")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "correlation id of the run")

	return cmd
}

func parseVars(raw []string) (definition.Vars, error) {
	vars := make(definition.Vars, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--var %q: expected name=value", kv)
		}
		vars[k] = v
	}
	return vars, nil
}

func runSaga(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	vars, err := parseVars(opts.Vars)
	if err != nil {
		return commandError(formatter, CodeInvalid, "invalid variables", err)
	}

	ctx := commandContext(cmd)
	env, rt, err := openRuntime(ctx, opts.RootOptions, path, cmd)
	if err != nil {
		return commandError(formatter, CodeLoad, "failed to open runtime", err)
	}
	defer env.Close(context.WithoutCancel(ctx))

	name := opts.Saga
	if name == "" {
		sagas := rt.Document().Sagas
		if len(sagas) != 1 {
			return commandError(formatter, CodeInvalid, "invalid flags",
				fmt.Errorf("--saga is required: %s declares %d sagas", path, len(sagas)))
		}
		name = sagas[0].Name
	}
	if missing := rt.MissingVars(name, vars); len(missing) > 0 {
		return commandError(formatter, CodeInvalid, "missing variables",
			fmt.Errorf("saga %s needs %s", name, strings.Join(missing, ", ")))
	}

	env.Logger.Info("saga starting", "saga", name, "vars", len(vars))
	res, err := rt.RunSaga(ctx, name, vars, opts.CorrelationID, env.SagaOptions()...)
	if err != nil {
		return commandError(formatter, CodeSaga, "failed to start saga", err)
	}
	env.Logger.Info("saga finished", "saga", name, "run_id", res.RunID, "status", res.Status)

	if formatter.IsJSON() {
		if res.Status != saga.StatusCompleted {
			return formatter.Failure(res, CodeSaga, fmt.Sprintf("saga %s %s", name, res.Status))
		}
		return formatter.Success(res)
	}
	writeRunText(formatter, name, res)
	if res.Status != saga.StatusCompleted {
		return NewExitError(ExitFailure, fmt.Sprintf("saga %s %s", name, res.Status))
	}
	return nil
}

func writeRunText(formatter *OutputFormatter, name string, res saga.Result) {
	w := formatter.Writer
	mark := "✓"
	if res.Status != saga.StatusCompleted {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s saga %s %s (run %s, %s)\n", mark, name, res.Status, res.RunID, res.Duration)
	for _, rec := range res.Executions {
		fmt.Fprintf(w, "  %s\n", formatStepRecord(rec.Step, rec.Success, rec.Attempts, rec.Error))
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(w, "  - %s skipped\n", s)
	}
	for _, s := range res.NotRun {
		fmt.Fprintf(w, "  - %s not run\n", s)
	}
	if len(res.Compensations) > 0 {
		fmt.Fprintln(w, "  compensations:")
		for _, rec := range res.Compensations {
			fmt.Fprintf(w, "    %s\n", formatStepRecord(rec.Step, rec.Success, rec.Attempts, rec.Error))
		}
	}
	if res.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", res.Error)
	}
}

func formatStepRecord(step string, success bool, attempts int, errMsg string) string {
	if success {
		return fmt.Sprintf("✓ %s (%d attempt(s))", step, attempts)
	}
	return fmt.Sprintf("✗ %s (%d attempt(s)): %s", step, attempts, errMsg)
}
