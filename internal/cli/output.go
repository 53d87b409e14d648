package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/roach88/sqlfwd/internal/executor"
	"github.com/roach88/sqlfwd/internal/value"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // A step failed or the program was rejected
	ExitCommandError = 2 // Command error (bad flags, unreachable primary, unreadable files)
)

// ExitError is an error that carries the process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without an underlying error.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; defaults to Writer
	Verbose   bool
}

// Response is the JSON envelope of every command's output.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError is the error part of a Response.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes reported in ResponseError.Code.
const (
	ErrCodeInvalidProgram = "invalid_program"
	ErrCodeRPC            = "rpc_error"
)

// Success writes data. In text mode data is printed with its String
// method or %v.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return f.encode(Response{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes a failure report.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return f.encode(Response{
			Status: "error",
			Error:  &ResponseError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

func (f *OutputFormatter) encode(r Response) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetEscapeHTML(false)
	return enc.Encode(r)
}

// VerboseLog writes a diagnostic line when verbose output is on. It goes
// to ErrWriter so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// ResultsView is the printable form of executor.Results.
type ResultsView struct {
	ClientID string     `json:"client_id"`
	State    string     `json:"state"`
	FrameNo  uint64     `json:"frame_no"`
	Steps    []StepView `json:"steps"`
}

// StepView is the printable form of one step result. Step is the step's
// position in the program when the results carry it.
type StepView struct {
	Step             *int           `json:"step,omitempty"`
	Columns          []string       `json:"columns,omitempty"`
	Decltypes        []*string      `json:"decltypes,omitempty"`
	Rows             [][]any        `json:"rows,omitempty"`
	AffectedRowCount uint64         `json:"affected_row_count"`
	LastInsertRowid  *int64         `json:"last_insert_rowid,omitempty"`
	Error            *ResponseError `json:"error,omitempty"`
}

// NewResultsView converts res.
func NewResultsView(clientID string, res *executor.Results) ResultsView {
	v := ResultsView{
		ClientID: clientID,
		State:    res.State.String(),
		FrameNo:  res.FrameNo,
		Steps:    make([]StepView, len(res.Steps)),
	}
	for i, s := range res.Steps {
		s := s
		var sv StepView
		if s.Step >= 0 {
			sv.Step = &s.Step
		}
		if s.Err != nil {
			sv.Error = &ResponseError{Code: s.Err.Code.String(), Message: s.Err.Message}
		}
		if s.Rows != nil {
			for _, c := range s.Rows.Columns {
				sv.Columns = append(sv.Columns, c.Name)
				sv.Decltypes = append(sv.Decltypes, c.Decltype)
			}
			for _, row := range s.Rows.Rows {
				out := make([]any, len(row))
				for j, val := range row {
					out[j] = value.Native(val)
				}
				sv.Rows = append(sv.Rows, out)
			}
			sv.AffectedRowCount = s.Rows.AffectedRowCount
			sv.LastInsertRowid = s.Rows.LastInsertRowid
		}
		v.Steps[i] = sv
	}
	return v
}

// Failed reports whether any step failed.
func (v ResultsView) Failed() bool {
	for _, s := range v.Steps {
		if s.Error != nil {
			return true
		}
	}
	return false
}

func (v ResultsView) writeText(w io.Writer) error {
	var b strings.Builder
	for i, s := range v.Steps {
		if s.Step != nil {
			fmt.Fprintf(&b, "step %d: ", *s.Step)
		} else {
			fmt.Fprintf(&b, "result %d: ", i)
		}
		if s.Error != nil {
			fmt.Fprintf(&b, "%s: %s\n", s.Error.Code, s.Error.Message)
			continue
		}
		fmt.Fprintf(&b, "ok, %d row(s) affected", s.AffectedRowCount)
		if s.LastInsertRowid != nil {
			fmt.Fprintf(&b, ", last insert rowid %d", *s.LastInsertRowid)
		}
		b.WriteString("\n")
		if len(s.Columns) == 0 {
			continue
		}

		tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  "+strings.Join(s.Columns, "\t"))
		for _, row := range s.Rows {
			cells := make([]string, len(row))
			for j, cell := range row {
				cells[j] = formatCell(cell)
			}
			fmt.Fprintln(tw, "  "+strings.Join(cells, "\t"))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	fmt.Fprintf(&b, "state: %s, frame: %d\n", v.State, v.FrameNo)
	_, err := io.WriteString(w, b.String())
	return err
}

// String renders the results as text.
func (v ResultsView) String() string {
	var b strings.Builder
	v.writeText(&b)
	return strings.TrimSuffix(b.String(), "\n")
}

func formatCell(cell any) string {
	switch c := cell.(type) {
	case nil:
		return "NULL"
	case map[string]any:
		return fmt.Sprintf("blob(%v)", c["blob"])
	default:
		return fmt.Sprint(c)
	}
}
