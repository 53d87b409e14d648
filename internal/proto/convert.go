package proto

import (
	"errors"
	"fmt"

	"github.com/roach88/sqlfwd/internal/executor"
	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/value"
)

// ErrMalformedProgram is returned when a wire program cannot be expressed
// as a program at all. Programs that convert but break program rules are
// reported by program.Validate instead.
var ErrMalformedProgram = errors.New("malformed program")

// EncodeValue wraps the encoded form of v.
func EncodeValue(v value.Value) (*Value, error) {
	data, err := value.Encode(v)
	if err != nil {
		return nil, err
	}
	return &Value{Data: data}, nil
}

// DecodeValue unwraps a value. A nil message decodes as Null.
func DecodeValue(m *Value) (value.Value, error) {
	if m == nil {
		return value.Null{}, nil
	}
	return value.Decode(m.Data)
}

func encodeValues(vals []value.Value) ([]*Value, error) {
	out := make([]*Value, len(vals))
	for i, v := range vals {
		m, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = m
	}
	return out, nil
}

func decodeValues(msgs []*Value) ([]value.Value, error) {
	out := make([]value.Value, len(msgs))
	for i, m := range msgs {
		v, err := DecodeValue(m)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// FromProgram converts p to its wire form.
func FromProgram(p program.Program) (*Program, error) {
	out := &Program{Steps: make([]*Step, len(p.Steps))}
	for i, s := range p.Steps {
		q, err := fromQuery(s.Query)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		step := &Step{Query: q}
		if s.Cond != nil {
			c, err := fromCond(s.Cond)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			step.Cond = c
		}
		out.Steps[i] = step
	}
	return out, nil
}

func fromQuery(q program.Query) (*Query, error) {
	out := &Query{Stmt: q.Stmt, SkipRows: q.SkipRows}
	switch params := q.Params.(type) {
	case nil:
	case program.Positional:
		vals, err := encodeValues(params.Values)
		if err != nil {
			return nil, err
		}
		out.Positional = &Positional{Values: vals}
	case *program.Positional:
		return fromQuery(program.Query{Stmt: q.Stmt, Params: *params, SkipRows: q.SkipRows})
	case program.Named:
		vals, err := encodeValues(params.Values)
		if err != nil {
			return nil, err
		}
		out.Named = &Named{Names: append([]string(nil), params.Names...), Values: vals}
	case *program.Named:
		return fromQuery(program.Query{Stmt: q.Stmt, Params: *params, SkipRows: q.SkipRows})
	default:
		return nil, fmt.Errorf("unsupported parameters %T", q.Params)
	}
	return out, nil
}

func fromCond(c program.Cond) (*Cond, error) {
	switch cond := program.Unwrap(c).(type) {
	case nil:
		return nil, errors.New("nil condition")
	case program.Ok:
		return &Cond{Ok: &OkCond{Step: int64(cond.Step)}}, nil
	case program.Err:
		return &Cond{Err: &ErrCond{Step: int64(cond.Step)}}, nil
	case program.Not:
		inner, err := fromCond(cond.Cond)
		if err != nil {
			return nil, err
		}
		return &Cond{Not: &NotCond{Cond: inner}}, nil
	case program.And:
		conds, err := fromConds(cond.Conds)
		if err != nil {
			return nil, err
		}
		return &Cond{And: &AndCond{Conds: conds}}, nil
	case program.Or:
		conds, err := fromConds(cond.Conds)
		if err != nil {
			return nil, err
		}
		return &Cond{Or: &OrCond{Conds: conds}}, nil
	case program.IsAutocommit:
		return &Cond{IsAutocommit: &IsAutocommitCond{}}, nil
	default:
		return nil, fmt.Errorf("unsupported condition %T", c)
	}
}

func fromConds(conds []program.Cond) ([]*Cond, error) {
	out := make([]*Cond, len(conds))
	for i, c := range conds {
		m, err := fromCond(c)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// ToProgram converts a wire program. A nil message is the empty program.
func ToProgram(m *Program) (program.Program, error) {
	if m == nil {
		return program.Program{}, nil
	}
	p := program.Program{Steps: make([]program.Step, len(m.Steps))}
	for i, s := range m.Steps {
		if s == nil || s.Query == nil {
			return program.Program{}, fmt.Errorf("%w: step %d has no query", ErrMalformedProgram, i)
		}
		q, err := toQuery(s.Query)
		if err != nil {
			return program.Program{}, fmt.Errorf("%w: step %d: %v", ErrMalformedProgram, i, err)
		}
		p.Steps[i].Query = q
		if s.Cond != nil {
			c, err := toCond(s.Cond)
			if err != nil {
				return program.Program{}, fmt.Errorf("%w: step %d: %v", ErrMalformedProgram, i, err)
			}
			p.Steps[i].Cond = c
		}
	}
	return p, nil
}

func toQuery(m *Query) (program.Query, error) {
	q := program.Query{Stmt: m.Stmt, SkipRows: m.SkipRows}
	switch {
	case m.Positional != nil:
		vals, err := decodeValues(m.Positional.Values)
		if err != nil {
			return q, err
		}
		q.Params = program.Positional{Values: vals}
	case m.Named != nil:
		vals, err := decodeValues(m.Named.Values)
		if err != nil {
			return q, err
		}
		q.Params = program.Named{Names: m.Named.Names, Values: vals}
	}
	return q, nil
}

// toCond converts a condition. A Cond with no variant set inside a
// combinator becomes a nil operand, which validation rejects.
func toCond(m *Cond) (program.Cond, error) {
	switch {
	case m == nil:
		return nil, nil
	case m.Ok != nil:
		return program.Ok{Step: int(m.Ok.Step)}, nil
	case m.Err != nil:
		return program.Err{Step: int(m.Err.Step)}, nil
	case m.Not != nil:
		inner, err := toCond(m.Not.Cond)
		if err != nil {
			return nil, err
		}
		return program.Not{Cond: inner}, nil
	case m.And != nil:
		conds, err := toConds(m.And.Conds)
		return program.And{Conds: conds}, err
	case m.Or != nil:
		conds, err := toConds(m.Or.Conds)
		return program.Or{Conds: conds}, err
	case m.IsAutocommit != nil:
		return program.IsAutocommit{}, nil
	default:
		return nil, errors.New("condition has no variant")
	}
}

func toConds(msgs []*Cond) ([]program.Cond, error) {
	out := make([]program.Cond, len(msgs))
	for i, m := range msgs {
		if m != nil && *m == (Cond{}) {
			continue
		}
		c, err := toCond(m)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// FromResults converts executor results to their wire form.
func FromResults(res *executor.Results) (*ExecuteResults, error) {
	out := &ExecuteResults{
		Results:        make([]*QueryResult, len(res.Steps)),
		State:          fromState(res.State),
		CurrentFrameNo: res.FrameNo,
	}
	for i, step := range res.Steps {
		if step.Err != nil {
			out.Results[i] = &QueryResult{Error: &Error{
				Code:    ErrorCode(step.Err.Code),
				Message: step.Err.Message,
			}}
			continue
		}
		rows, err := fromRows(step.Rows)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step.Step, err)
		}
		out.Results[i] = &QueryResult{Row: rows}
	}
	return out, nil
}

func fromRows(r *executor.Rows) (*ResultRows, error) {
	if r == nil {
		return &ResultRows{}, nil
	}
	out := &ResultRows{
		ColumnDescriptions: make([]*Column, len(r.Columns)),
		Rows:               make([]*Row, len(r.Rows)),
		AffectedRowCount:   r.AffectedRowCount,
		LastInsertRowid:    r.LastInsertRowid,
	}
	for i, c := range r.Columns {
		out.ColumnDescriptions[i] = &Column{Name: c.Name, Decltype: c.Decltype}
	}
	for i, row := range r.Rows {
		vals, err := encodeValues(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out.Rows[i] = &Row{Values: vals}
	}
	return out, nil
}

// ToResults converts wire results. The wire form does not say which
// program step produced each result, so every StepResult.Step is -1.
func ToResults(m *ExecuteResults) (*executor.Results, error) {
	state, err := toState(m.State)
	if err != nil {
		return nil, err
	}
	res := &executor.Results{
		Steps:   make([]executor.StepResult, len(m.Results)),
		State:   state,
		FrameNo: m.CurrentFrameNo,
	}
	for i, qr := range m.Results {
		res.Steps[i].Step = -1
		switch {
		case qr == nil:
			return nil, fmt.Errorf("result %d is empty", i)
		case qr.Error != nil:
			res.Steps[i].Err = &executor.StepError{
				Code:    executor.ErrorCode(qr.Error.Code),
				Message: qr.Error.Message,
			}
		case qr.Row != nil:
			rows, err := toRows(qr.Row)
			if err != nil {
				return nil, fmt.Errorf("result %d: %w", i, err)
			}
			res.Steps[i].Rows = rows
		default:
			return nil, fmt.Errorf("result %d is empty", i)
		}
	}
	return res, nil
}

func toRows(m *ResultRows) (*executor.Rows, error) {
	out := &executor.Rows{
		Columns:          make([]executor.Column, len(m.ColumnDescriptions)),
		AffectedRowCount: m.AffectedRowCount,
		LastInsertRowid:  m.LastInsertRowid,
	}
	for i, c := range m.ColumnDescriptions {
		if c == nil {
			continue
		}
		out.Columns[i] = executor.Column{Name: c.Name, Decltype: c.Decltype}
	}
	for i, row := range m.Rows {
		if row == nil {
			out.Rows = append(out.Rows, nil)
			continue
		}
		vals, err := decodeValues(row.Values)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out.Rows = append(out.Rows, vals)
	}
	return out, nil
}

func fromState(s executor.State) State {
	switch s {
	case executor.StateTxn:
		return StateTxn
	case executor.StateInvalid:
		return StateInvalid
	default:
		return StateInit
	}
}

func toState(s State) (executor.State, error) {
	switch s {
	case StateInit:
		return executor.StateInit, nil
	case StateTxn:
		return executor.StateTxn, nil
	case StateInvalid:
		return executor.StateInvalid, nil
	default:
		return 0, fmt.Errorf("unknown state %d", s)
	}
}
