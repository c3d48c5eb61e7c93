package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/statesaga/internal/definition"
	"github.com/roach88/statesaga/internal/engine"
)

// EntityOptions selects one entity of a definition.
type EntityOptions struct {
	*RootOptions
	Machine string
	Entity  string
}

func (o *EntityOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Machine, "machine", "", "machine name (default: the only machine)")
	cmd.Flags().StringVar(&o.Entity, "entity", "", "entity id (required)")
	_ = cmd.MarkFlagRequired("entity")
}

// resolveMachine defaults to the only machine of a single-machine file.
func (o *EntityOptions) resolveMachine(doc *definition.Document) (string, error) {
	if o.Machine != "" {
		return o.Machine, nil
	}
	if len(doc.Machines) != 1 {
		return "", fmt.Errorf("--machine is required: %s declares %d machines", doc.Name, len(doc.Machines))
	}
	return doc.Machines[0].Name, nil
}

// FireOptions holds flags for the fire command.
type FireOptions struct {
	EntityOptions
	Trigger       string
	Args          []string
	DedupeKey     string
	CorrelationID string
}

// NewFireCommand creates the fire command.
func NewFireCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FireOptions{EntityOptions: EntityOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "fire <file>",
		Short: "Fire a trigger on an entity",
		Long: `Restore an entity from the store, fire one trigger and append the
resulting transition.

Arguments are passed to guards in order. Each --arg is read as a YAML
scalar, so 15 is an integer and "15" a string. Firing the same trigger
with the same arguments twice is a duplicate: nothing is appended.

Exit codes:
  0 - Transition applied or suppressed as a duplicate
  1 - Transition rejected (invalid transition, guard failed, circuit open)
  2 - Command error (definition or store unavailable)

Examples:
  statesaga fire order.yaml --db app.db --entity order-1 --trigger place
  statesaga fire order.yaml --entity order-1 --trigger pay --arg 15`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFire(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Trigger, "trigger", "", "trigger to fire (required)")
	_ = cmd.MarkFlagRequired("trigger")
	cmd.Flags().StringArrayVar(&opts.Args, "arg", nil, "trigger argument, repeatable")
	cmd.Flags().StringVar(&opts.DedupeKey, "dedupe-key", "", "explicit dedupe key")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "correlation id recorded on the event")

	return cmd
}

// parseArgs decodes each argument as a YAML scalar.
func parseArgs(raw []string) ([]any, error) {
	args := make([]any, len(raw))
	for i, r := range raw {
		var v any
		if err := yaml.Unmarshal([]byte(r), &v); err != nil {
			return nil, fmt.Errorf("--arg %q: %w", r, err)
		}
		args[i] = v
	}
	return args, nil
}

func runFire(opts *FireOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	args, err := parseArgs(opts.Args)
	if err != nil {
		return commandError(formatter, CodeInvalid, "invalid arguments", err)
	}
	env, rt, err := openRuntime(ctx, opts.RootOptions, path, cmd)
	if err != nil {
		return commandError(formatter, CodeLoad, "failed to open runtime", err)
	}
	defer env.Close(context.WithoutCancel(ctx))

	machine, err := opts.resolveMachine(rt.Document())
	if err != nil {
		return commandError(formatter, CodeInvalid, "invalid flags", err)
	}
	fo := engine.FireOptions{DedupeKey: opts.DedupeKey, CorrelationID: opts.CorrelationID}
	res, err := rt.Fire(ctx, machine, opts.Entity, opts.Trigger, fo, args...)
	env.Logger.Debug("fire completed",
		"machine", machine,
		"entity", opts.Entity,
		"trigger", opts.Trigger,
		"applied", res.Applied,
		"error", err,
	)
	if err != nil {
		var ee *engine.Error
		if !errors.As(err, &ee) {
			return commandError(formatter, CodeStore, "fire failed", err)
		}
		details := map[string]any{"category": ee.Code.Category(), "state": ee.State}
		if len(ee.Permitted) > 0 {
			details["permitted"] = ee.Permitted
		}
		if len(ee.UnmetGuards) > 0 {
			details["unmet_guards"] = ee.UnmetGuards
		}
		_ = formatter.Error(string(ee.Code), ee.Message, details)
		return WrapExitError(ExitFailure, "fire rejected", err)
	}

	if formatter.IsJSON() {
		return formatter.Success(res)
	}
	if res.Applied {
		fmt.Fprintf(formatter.Writer, "✓ %s: %s -> %s (seq %d)\n", res.Entity, res.Trigger, res.State, res.Seq)
	} else {
		fmt.Fprintf(formatter.Writer, "= %s: duplicate %s ignored, state %s (seq %d)\n", res.Entity, res.Trigger, res.State, res.Seq)
	}
	return nil
}

// StateResult describes the current state of an entity.
type StateResult struct {
	Machine           string               `json:"machine"`
	Entity            string               `json:"entity"`
	State             string               `json:"state"`
	Seq               int64                `json:"seq"`
	TransitionCount   int64                `json:"transition_count"`
	DefinitionVersion int                  `json:"definition_version"`
	Available         []AvailableTrigger   `json:"available"`
	Restore           engine.RestoreReport `json:"restore"`
}

// AvailableTrigger is a transition configured from the current state.
type AvailableTrigger struct {
	Trigger string   `json:"trigger"`
	To      string   `json:"to"`
	Guards  []string `json:"guards,omitempty"`
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EntityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "state <file>",
		Short: "Show the current state of an entity",
		Long: `Restore an entity from the store and show its state, sequence number,
the transitions configured from that state and how it was restored.

Examples:
  statesaga state order.yaml --db app.db --entity order-1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)

	return cmd
}

func runState(opts *EntityOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	env, rt, err := openRuntime(ctx, opts.RootOptions, path, cmd)
	if err != nil {
		return commandError(formatter, CodeLoad, "failed to open runtime", err)
	}
	defer env.Close(context.WithoutCancel(ctx))

	machine, err := opts.resolveMachine(rt.Document())
	if err != nil {
		return commandError(formatter, CodeInvalid, "invalid flags", err)
	}
	info, err := rt.Inspect(ctx, machine, opts.Entity)
	if err != nil {
		return commandError(formatter, CodeStore, "failed to restore entity", err)
	}

	res := StateResult{
		Machine:           machine,
		Entity:            opts.Entity,
		State:             info.State,
		Seq:               info.Seq,
		TransitionCount:   info.TransitionCount,
		DefinitionVersion: info.DefinitionVersion,
		Available:         []AvailableTrigger{},
		Restore:           info.Restore,
	}
	for _, st := range info.Machine.States {
		if st.State != info.State {
			continue
		}
		for _, tr := range st.Transitions {
			res.Available = append(res.Available, AvailableTrigger{Trigger: tr.Trigger, To: tr.Destination, Guards: tr.Guards})
		}
	}

	if formatter.IsJSON() {
		return formatter.Success(res)
	}
	w := formatter.Writer
	fmt.Fprintf(w, "%s (%s): %s\n", res.Entity, res.Machine, res.State)
	fmt.Fprintf(w, "  seq: %d, transitions: %d, definition version: %d\n", res.Seq, res.TransitionCount, res.DefinitionVersion)
	for _, a := range res.Available {
		if len(a.Guards) > 0 {
			fmt.Fprintf(w, "  %s -> %s [%s]\n", a.Trigger, a.To, strings.Join(a.Guards, "; "))
		} else {
			fmt.Fprintf(w, "  %s -> %s\n", a.Trigger, a.To)
		}
	}
	r := res.Restore
	if r.FromSnapshot {
		fmt.Fprintf(w, "  restored from snapshot at seq %d, replayed %d event(s)\n", r.SnapshotSeq, r.Replayed)
	} else {
		fmt.Fprintf(w, "  replayed %d event(s)\n", r.Replayed)
	}
	if r.Skipped > 0 || r.VersionDrift > 0 {
		fmt.Fprintf(w, "  skipped %d, version drift %d\n", r.Skipped, r.VersionDrift)
	}
	return nil
}

// openRuntime opens the environment and hosts the definition at path on it.
func openRuntime(ctx context.Context, opts *RootOptions, path string, cmd *cobra.Command) (*Env, *definition.Runtime, error) {
	env, err := openEnv(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	rt, err := env.Runtime(path)
	if err != nil {
		env.Close(ctx)
		return nil, nil, err
	}
	return env, rt, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
