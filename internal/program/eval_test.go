package program

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEval_Leaves(t *testing.T) {
	outcomes := []Outcome{OutcomeOk, OutcomeErr, OutcomeSkipped}

	tests := []struct {
		name string
		cond Cond
		want bool
	}{
		{"nil guard", nil, true},
		{"ok of success", Ok{Step: 0}, true},
		{"ok of error", Ok{Step: 1}, false},
		{"ok of skipped", Ok{Step: 2}, false},
		{"err of success", Err{Step: 0}, false},
		{"err of error", Err{Step: 1}, true},
		{"err of skipped", Err{Step: 2}, false},
		{"ok out of range", Ok{Step: 3}, false},
		{"err negative", Err{Step: -1}, false},
		{"pointer ok", &Ok{Step: 0}, true},
		{"pointer err", &Err{Step: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eval(tt.cond, outcomes, true))
		})
	}
}

func TestEval_Combinators(t *testing.T) {
	outcomes := []Outcome{OutcomeOk, OutcomeErr}

	tests := []struct {
		name string
		cond Cond
		want bool
	}{
		{"not true", Not{Cond: Ok{Step: 0}}, false},
		{"not false", Not{Cond: Ok{Step: 1}}, true},
		{"empty and", And{}, true},
		{"empty or", Or{}, false},
		{"and all true", And{Conds: []Cond{Ok{Step: 0}, Err{Step: 1}}}, true},
		{"and one false", And{Conds: []Cond{Ok{Step: 0}, Ok{Step: 1}}}, false},
		{"or one true", Or{Conds: []Cond{Ok{Step: 1}, Err{Step: 1}}}, true},
		{"or all false", Or{Conds: []Cond{Ok{Step: 1}, Err{Step: 0}}}, false},
		{"nested", Not{Cond: And{Conds: []Cond{Ok{Step: 0}, Not{Cond: Err{Step: 1}}}}}, true},
		{"pointer combinators", &Or{Conds: []Cond{&Not{Cond: &Ok{Step: 1}}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eval(tt.cond, outcomes, true))
		})
	}
}

func TestEval_IsAutocommit(t *testing.T) {
	assert.True(t, Eval(IsAutocommit{}, nil, true))
	assert.False(t, Eval(IsAutocommit{}, nil, false))
	assert.True(t, Eval(Not{Cond: &IsAutocommit{}}, nil, false))
}

func TestEval_PointerConditions(t *testing.T) {
	outcomes := []Outcome{OutcomeOk, OutcomeErr}

	assert.True(t, Eval(&Ok{Step: 0}, outcomes, true))
	assert.True(t, Eval(&And{Conds: []Cond{&Err{Step: 1}, &Not{Cond: &Ok{Step: 1}}}}, outcomes, true))
	assert.False(t, Eval(&Or{Conds: []Cond{&Err{Step: 0}}}, outcomes, true))

	// A nil pointer behaves like a nil Cond instead of panicking.
	assert.True(t, Eval((*Or)(nil), outcomes, true))
	assert.False(t, Eval(Not{Cond: (*Ok)(nil)}, outcomes, true))
}

func TestUnwrap(t *testing.T) {
	assert.Equal(t, Ok{Step: 2}, Unwrap(&Ok{Step: 2}))
	assert.Equal(t, IsAutocommit{}, Unwrap(&IsAutocommit{}))
	assert.Equal(t, Err{Step: 1}, Unwrap(Err{Step: 1}))
	assert.Nil(t, Unwrap((*And)(nil)))
	assert.Nil(t, Unwrap(nil))
}

// The outcomes a guard reads must not change as a side effect of
// evaluating it, and repeated evaluation must agree.
func TestEval_Pure(t *testing.T) {
	outcomes := []Outcome{OutcomeOk, OutcomeErr, OutcomeSkipped}
	snapshot := append([]Outcome(nil), outcomes...)
	cond := Or{Conds: []Cond{And{Conds: []Cond{Ok{Step: 0}, Err{Step: 2}}}, Not{Cond: Ok{Step: 1}}}}

	first := Eval(cond, outcomes, false)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Eval(cond, outcomes, false))
	}
	assert.Equal(t, snapshot, outcomes)
}

// An And whose first operand is false decides the result without
// consulting later operands, even ones that reference unexecuted steps.
func TestEval_ShortCircuit(t *testing.T) {
	outcomes := []Outcome{OutcomeErr}

	assert.False(t, Eval(And{Conds: []Cond{Ok{Step: 0}, Not{Cond: Ok{Step: 99}}}}, outcomes, true))
	assert.True(t, Eval(Or{Conds: []Cond{Err{Step: 0}, Ok{Step: 99}}}, outcomes, true))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "ok", OutcomeOk.String())
	assert.Equal(t, "err", OutcomeErr.String())
	assert.Equal(t, "skipped", OutcomeSkipped.String())
}
