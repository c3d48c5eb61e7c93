package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/statesaga/internal/definition"
)

// GraphOptions holds flags for the graph command.
type GraphOptions struct {
	*RootOptions
	Saga string
}

// GraphResult describes the execution plan of one saga.
type GraphResult struct {
	Saga           string              `json:"saga"`
	Steps          int                 `json:"steps"`
	Levels         [][]string          `json:"levels"`
	MaxParallelism int                 `json:"max_parallelism"`
	EntryPoints    int                 `json:"entry_points"`
	CriticalPath   []string            `json:"critical_path"`
	Dependencies   map[string][]string `json:"dependencies"`
}

// NewGraphCommand creates the graph command.
func NewGraphCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GraphOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "graph <file>",
		Short: "Show saga execution levels",
		Long: `Show the execution plan of the sagas in a workflow definition.

Steps on the same level have no dependencies on each other and run
concurrently. The critical path is one longest dependency chain.

Examples:
  statesaga graph checkout.yaml
  statesaga graph checkout.yaml --saga checkout --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Saga, "saga", "", "saga to show (default: all)")

	return cmd
}

func runGraph(opts *GraphOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	doc, err := definition.Load(path)
	var verrs definition.ValidationErrors
	if errors.As(err, &verrs) {
		return outputValidationErrors(formatter, path, verrs)
	}
	if err != nil {
		return commandError(formatter, CodeLoad, "failed to load definition", err)
	}

	names := []string{opts.Saga}
	if opts.Saga == "" {
		names = names[:0]
		for _, s := range doc.Sagas {
			names = append(names, s.Name)
		}
	}

	results := make([]GraphResult, 0, len(names))
	for _, name := range names {
		g, err := doc.Graph(name)
		if err != nil {
			_ = formatter.Error(CodeNotFound, err.Error(), nil)
			return WrapExitError(ExitCommandError, "graph", err)
		}
		r := GraphResult{
			Saga:           name,
			Steps:          g.Len(),
			Levels:         g.Levels(),
			MaxParallelism: g.MaxParallelism(),
			EntryPoints:    g.EntryPoints(),
			CriticalPath:   g.CriticalPath(),
			Dependencies:   make(map[string][]string, g.Len()),
		}
		for _, s := range g.Steps() {
			r.Dependencies[s] = g.Dependencies(s)
		}
		results = append(results, r)
	}

	if formatter.IsJSON() {
		return formatter.Success(results)
	}
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(formatter.Writer)
		}
		writeGraphText(formatter.Writer, r)
	}
	return nil
}

func writeGraphText(w io.Writer, r GraphResult) {
	fmt.Fprintf(w, "saga %s: %d step(s), %d level(s), max parallelism %d\n",
		r.Saga, r.Steps, len(r.Levels), r.MaxParallelism)
	for i, level := range r.Levels {
		fmt.Fprintf(w, "  level %d:", i)
		for _, s := range level {
			if deps := r.Dependencies[s]; len(deps) > 0 {
				fmt.Fprintf(w, " %s <- [%s]", s, strings.Join(deps, ", "))
			} else {
				fmt.Fprintf(w, " %s", s)
			}
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  critical path: %s\n", strings.Join(r.CriticalPath, " -> "))
}
