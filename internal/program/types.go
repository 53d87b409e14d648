package program

import "github.com/roach88/sqlfwd/internal/value"

// Params is a sealed interface for query parameter bindings.
// Only Positional and Named implement it. A nil Params binds nothing.
type Params interface {
	params() // Sealed
}

// Positional binds values to ?-style placeholders in order.
type Positional struct {
	Values []value.Value
}

func (Positional) params() {}

// Named binds values by parameter name. Names[i] pairs with Values[i].
// Names may carry their SQLite prefix (":id", "@id", "$id") or omit it.
type Named struct {
	Names  []string
	Values []value.Value
}

func (Named) params() {}

// Query is a single SQL statement with its bindings.
type Query struct {
	Stmt   string
	Params Params

	// SkipRows suppresses row data in the result. Side effects, column
	// descriptions, and counts are still produced.
	SkipRows bool
}

// Cond is a sealed interface for step guards.
// Only Ok, Err, Not, And, Or, and IsAutocommit implement it.
type Cond interface {
	cond() // Sealed
}

// Ok holds when the referenced step executed successfully.
type Ok struct {
	Step int
}

func (Ok) cond() {}

// Err holds when the referenced step executed and failed.
type Err struct {
	Step int
}

func (Err) cond() {}

// Not negates its operand.
type Not struct {
	Cond Cond
}

func (Not) cond() {}

// And holds when every operand holds. An empty And holds.
type And struct {
	Conds []Cond
}

func (And) cond() {}

// Or holds when any operand holds. An empty Or does not hold.
type Or struct {
	Conds []Cond
}

func (Or) cond() {}

// IsAutocommit holds when the session has no explicit transaction open.
type IsAutocommit struct{}

func (IsAutocommit) cond() {}

// Unwrap returns the value form of c. Pointers to conditions also satisfy
// Cond; a nil pointer unwraps to a nil Cond.
func Unwrap(c Cond) Cond {
	switch cond := c.(type) {
	case *Ok:
		if cond != nil {
			return *cond
		}
	case *Err:
		if cond != nil {
			return *cond
		}
	case *Not:
		if cond != nil {
			return *cond
		}
	case *And:
		if cond != nil {
			return *cond
		}
	case *Or:
		if cond != nil {
			return *cond
		}
	case *IsAutocommit:
		if cond != nil {
			return *cond
		}
	default:
		return c
	}
	return nil
}

// Step is one guarded query. A nil Cond always runs.
type Step struct {
	Cond  Cond
	Query Query
}

// Program is an ordered list of steps, executed left to right.
type Program struct {
	Steps []Step
}

// Outcome is what happened to a step during execution.
type Outcome int

const (
	// OutcomeSkipped means the step did not run: its guard was false or the
	// program had already become invalid.
	OutcomeSkipped Outcome = iota
	// OutcomeOk means the step ran and succeeded.
	OutcomeOk
	// OutcomeErr means the step ran and produced a classified error.
	OutcomeErr
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeErr:
		return "err"
	default:
		return "skipped"
	}
}
