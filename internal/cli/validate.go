package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sqlfwd/internal/progfile"
	"github.com/roach88/sqlfwd/internal/program"
)

// ValidationResult is the output of validate.
type ValidationResult struct {
	Valid       bool                     `json:"valid"`
	Steps       int                      `json:"steps"`
	Fingerprint string                   `json:"fingerprint,omitempty"`
	Error       *program.ValidationError `json:"error,omitempty"`
}

func (r ValidationResult) String() string {
	if !r.Valid {
		return fmt.Sprintf("invalid: %s", r.Error.Error())
	}
	return fmt.Sprintf("valid: %d step(s), fingerprint %s", r.Steps, r.Fingerprint)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <program-file>",
		Short: "Check a program file without sending it",
		Long: `Parse a program file and check that every guard refers to an earlier
step. Prints the program's fingerprint, which the primary logs for the
same program.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	p, err := progfile.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load program", err)
	}
	formatter.VerboseLog("Loaded %d step(s) from %s", len(p.Steps), path)

	result := ValidationResult{Steps: len(p.Steps)}
	if err := program.Validate(p); err != nil {
		var verr *program.ValidationError
		if !errors.As(err, &verr) {
			return WrapExitError(ExitCommandError, "validation failed", err)
		}
		result.Error = verr
		if err := formatter.Success(result); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "invalid program", err)
	}

	result.Valid = true
	result.Fingerprint, err = program.Fingerprint(p)
	if err != nil {
		return WrapExitError(ExitCommandError, "fingerprint failed", err)
	}
	return formatter.Success(result)
}
