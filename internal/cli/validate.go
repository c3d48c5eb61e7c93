package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/statesaga/internal/definition"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	File     string                       `json:"file"`
	Valid    bool                         `json:"valid"`
	Machines int                          `json:"machines"`
	Sagas    int                          `json:"sagas"`
	Errors   []definition.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition",
		Long: `Validate a YAML or CUE workflow definition.

Reports every problem found, each with its file position: missing names,
malformed transitions and guards, steps that reference unknown machines
or triggers, and saga dependency cycles.

Exit codes:
  0 - Definition is valid
  1 - Syntax or validation errors
  2 - Command error (file not found, unsupported extension)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	doc, err := definition.Load(path)
	var verrs definition.ValidationErrors
	var serr *definition.SyntaxError
	switch {
	case errors.As(err, &verrs):
		return outputValidationErrors(formatter, path, verrs)
	case errors.As(err, &serr):
		verrs = definition.ValidationErrors{{Path: "", Code: CodeLoad, Message: serr.Message, Pos: serr.Pos}}
		return outputValidationErrors(formatter, path, verrs)
	case err != nil:
		return commandError(formatter, CodeLoad, "failed to load definition", err)
	}

	formatter.VerboseLog("Loaded %s", doc.Name)
	result := ValidationResult{File: path, Valid: true, Machines: len(doc.Machines), Sagas: len(doc.Sagas)}
	if formatter.IsJSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %s valid: %d machine(s), %d saga(s)\n", path, result.Machines, result.Sagas)
	return nil
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, path string, errs definition.ValidationErrors) error {
	msg := fmt.Sprintf("validation failed with %d error(s)", len(errs))
	if formatter.IsJSON() {
		return formatter.Failure(ValidationResult{File: path, Errors: errs}, errs[0].Code, msg)
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range errs {
		if e.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s\n", e.Pos)
		}
		if e.Path != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s (%s)\n\n", e.Code, e.Message, e.Path)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", e.Code, e.Message)
		}
	}
	return NewExitError(ExitFailure, msg)
}
