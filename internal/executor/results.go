package executor

import "github.com/roach88/sqlfwd/internal/value"

// State is the transaction state of a session after a program.
type State int

const (
	// StateInit means no explicit transaction is open.
	StateInit State = iota
	// StateTxn means an explicit transaction is open.
	StateTxn
	// StateInvalid means a fatal error occurred; the session must be reset.
	StateInvalid
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateTxn:
		return "txn"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Column describes a result column. Decltype is nil when the column is an
// expression rather than a table column.
type Column struct {
	Name     string
	Decltype *string
}

// Rows is the successful result of one step.
type Rows struct {
	Columns []Column

	// Rows is empty when the query asked to skip rows.
	Rows [][]value.Value

	// AffectedRowCount is the number of rows the statement changed.
	AffectedRowCount uint64

	// LastInsertRowid is set for INSERT and REPLACE statements.
	LastInsertRowid *int64
}

// StepResult is the outcome of one executed step. Exactly one of Rows and
// Err is set.
type StepResult struct {
	// Step is the index of the step in the program.
	Step int
	Rows *Rows
	Err  *StepError
}

// Results is what a program produced: one entry per executed step in
// program order (skipped steps have no entry), the session's transaction
// state afterwards, and the replication frame number observed after the
// last step.
type Results struct {
	Steps   []StepResult
	State   State
	FrameNo uint64
}

// ValueSize returns the number of bytes v contributes to a response.
func ValueSize(v value.Value) int {
	switch val := v.(type) {
	case value.Integer, value.Real:
		return 12
	case value.Text:
		return 12 + len(val)
	case value.Blob:
		return 12 + len(val)
	default:
		return 4
	}
}

// Size returns the approximate encoded size of the row data in r.
func (r *Rows) Size() int {
	n := 0
	for _, row := range r.Rows {
		for _, v := range row {
			n += ValueSize(v)
		}
	}
	return n
}
