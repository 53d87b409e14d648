package program

import (
	"errors"
	"fmt"
)

// MaxCondDepth bounds guard nesting. Guards arrive over the network, so the
// evaluator's recursion must be bounded before execution starts.
const MaxCondDepth = 64

// ValidationErrorCode categorizes program validation failures.
type ValidationErrorCode string

const (
	// ErrCodeForwardReference indicates a guard references its own step or a later one.
	ErrCodeForwardReference ValidationErrorCode = "FORWARD_REFERENCE"

	// ErrCodeNegativeReference indicates a guard references a negative step index.
	ErrCodeNegativeReference ValidationErrorCode = "NEGATIVE_REFERENCE"

	// ErrCodeNilCondition indicates a nil operand or a nil condition pointer.
	ErrCodeNilCondition ValidationErrorCode = "NIL_CONDITION"

	// ErrCodeUnknownCondition indicates a Cond implementation the evaluator does not know.
	ErrCodeUnknownCondition ValidationErrorCode = "UNKNOWN_CONDITION"

	// ErrCodeDepthExceeded indicates guard nesting deeper than MaxCondDepth.
	ErrCodeDepthExceeded ValidationErrorCode = "DEPTH_EXCEEDED"

	// ErrCodeParamMismatch indicates named parameters with unequal name and value counts.
	ErrCodeParamMismatch ValidationErrorCode = "PARAM_MISMATCH"

	// ErrCodeDuplicateParam indicates a parameter name bound twice in one query.
	ErrCodeDuplicateParam ValidationErrorCode = "DUPLICATE_PARAM"

	// ErrCodeEmptyParamName indicates a named parameter with no name.
	ErrCodeEmptyParamName ValidationErrorCode = "EMPTY_PARAM_NAME"
)

// ValidationError reports why a program was rejected. A rejected program
// is never partially executed.
type ValidationError struct {
	// Code identifies the failure category.
	Code ValidationErrorCode

	// Step is the index of the offending step.
	Step int

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: step %d: %s", e.Code, e.Step, e.Message)
}

// IsValidationError returns true if err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the structural rules a program must satisfy before
// execution. It returns the first violation found, in step order.
func Validate(p Program) error {
	for i, step := range p.Steps {
		v := &validator{step: i}
		if step.Cond != nil {
			v.validateCond(step.Cond, 1)
		}
		if v.err == nil {
			v.validateParams(step.Query.Params)
		}
		if v.err != nil {
			return v.err
		}
	}
	return nil
}

// validator records the first failure while walking one step.
type validator struct {
	step int
	err  *ValidationError
}

func (v *validator) fail(code ValidationErrorCode, format string, args ...any) {
	if v.err != nil {
		return
	}
	v.err = &ValidationError{
		Code:    code,
		Step:    v.step,
		Message: fmt.Sprintf(format, args...),
	}
}

func (v *validator) validateCond(c Cond, depth int) {
	if v.err != nil {
		return
	}
	if depth > MaxCondDepth {
		v.fail(ErrCodeDepthExceeded, "condition nesting exceeds %d", MaxCondDepth)
		return
	}

	switch cond := Unwrap(c).(type) {
	case nil:
		v.fail(ErrCodeNilCondition, "nil condition operand")
	case Ok:
		v.validateRef(cond.Step)
	case Err:
		v.validateRef(cond.Step)
	case Not:
		v.validateCond(cond.Cond, depth+1)
	case And:
		v.validateConds(cond.Conds, depth)
	case Or:
		v.validateConds(cond.Conds, depth)
	case IsAutocommit:
	default:
		v.fail(ErrCodeUnknownCondition, "unknown condition type %T", c)
	}
}

func (v *validator) validateConds(conds []Cond, depth int) {
	for _, c := range conds {
		v.validateCond(c, depth+1)
	}
}

func (v *validator) validateRef(ref int) {
	switch {
	case ref < 0:
		v.fail(ErrCodeNegativeReference, "condition references step %d", ref)
	case ref >= v.step:
		v.fail(ErrCodeForwardReference, "condition references step %d, only steps before %d may be referenced", ref, v.step)
	}
}

func (v *validator) validateParams(p Params) {
	named, ok := p.(Named)
	if !ok {
		if ptr, isPtr := p.(*Named); isPtr && ptr != nil {
			named, ok = *ptr, true
		}
	}
	if !ok {
		return
	}

	if len(named.Names) != len(named.Values) {
		v.fail(ErrCodeParamMismatch, "%d parameter names for %d values", len(named.Names), len(named.Values))
		return
	}
	seen := make(map[string]struct{}, len(named.Names))
	for _, name := range named.Names {
		if name == "" {
			v.fail(ErrCodeEmptyParamName, "empty parameter name")
			return
		}
		if _, dup := seen[name]; dup {
			v.fail(ErrCodeDuplicateParam, "parameter %q bound more than once", name)
			return
		}
		seen[name] = struct{}{}
	}
}
