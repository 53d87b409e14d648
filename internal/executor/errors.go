package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrorCode classifies a failed step. The numeric values are part of the
// wire contract.
type ErrorCode int

const (
	// SQLError is an ordinary statement failure: syntax, constraint, type
	// mismatch, and similar. The session stays usable.
	SQLError ErrorCode = 0

	// TxBusy means the statement lost a lock conflict without waiting.
	TxBusy ErrorCode = 1

	// TxTimeout means waiting for a lock, or the statement itself, ran out of time.
	TxTimeout ErrorCode = 2

	// Internal is a fatal engine failure. The program becomes invalid and
	// the session connection is reset.
	Internal ErrorCode = 3
)

// String returns the wire name of the code.
func (c ErrorCode) String() string {
	switch c {
	case SQLError:
		return "SQLError"
	case TxBusy:
		return "TxBusy"
	case TxTimeout:
		return "TxTimeout"
	case Internal:
		return "Internal"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Fatal reports whether the code poisons the rest of the program.
func (c ErrorCode) Fatal() bool {
	return c == Internal
}

// StepError is the classified failure of one step.
//
// Engines may return a *StepError directly for failures they detect
// themselves (blocked writes, oversized responses); Classify passes it
// through unchanged.
type StepError struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewSQLError creates a StepError with code SQLError.
func NewSQLError(format string, args ...any) *StepError {
	return &StepError{Code: SQLError, Message: fmt.Sprintf(format, args...)}
}

// ErrResponseTooLarge is reported when a step's rows exceed the remaining
// response budget of the program.
var ErrResponseTooLarge = &StepError{Code: SQLError, Message: "response is too large"}

// Classify maps an engine error to a StepError. It never returns nil for a
// non-nil err.
func Classify(err error) *StepError {
	if err == nil {
		return nil
	}

	var se *StepError
	if errors.As(err, &se) {
		return se
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return &StepError{
			Code:    ClassifyCode(sqliteErr.Code, sqliteErr.ExtendedCode),
			Message: sqliteErr.Error(),
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &StepError{Code: TxTimeout, Message: err.Error()}
	}

	// Anything the engine did not report as a SQL error (driver failures,
	// broken connections) leaves the session in an unknown state.
	return &StepError{Code: Internal, Message: err.Error()}
}

// busyTimeout is SQLITE_BUSY_TIMEOUT, which go-sqlite3 does not name.
var busyTimeout = sqlite3.ErrBusy.Extend(3)

// ClassifyCode maps a native SQLite result code to an ErrorCode.
//
// A plain SQLITE_BUSY only surfaces after the connection's busy timeout
// has expired, so it is a timeout. The extended BUSY codes report
// conflicts that waiting cannot resolve, and are busy errors like LOCKED.
func ClassifyCode(code sqlite3.ErrNo, ext sqlite3.ErrNoExtended) ErrorCode {
	switch code {
	case sqlite3.ErrBusy:
		if ext == 0 || ext == sqlite3.ErrNoExtended(sqlite3.ErrBusy) || ext == busyTimeout {
			return TxTimeout
		}
		return TxBusy
	case sqlite3.ErrLocked:
		return TxBusy
	case sqlite3.ErrInterrupt:
		return TxTimeout
	case sqlite3.ErrNomem,
		sqlite3.ErrIoErr,
		sqlite3.ErrCorrupt,
		sqlite3.ErrFull,
		sqlite3.ErrInternal,
		sqlite3.ErrNotADB,
		sqlite3.ErrCantOpen,
		sqlite3.ErrProtocol,
		sqlite3.ErrMisuse,
		sqlite3.ErrNoLFS:
		return Internal
	default:
		return SQLError
	}
}
