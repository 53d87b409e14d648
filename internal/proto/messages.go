package proto

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrorCode mirrors proxy.Error.ErrorCode.
type ErrorCode int32

const (
	ErrorCodeSQLError  ErrorCode = 0
	ErrorCodeTxBusy    ErrorCode = 1
	ErrorCodeTxTimeout ErrorCode = 2
	ErrorCodeInternal  ErrorCode = 3
)

// State mirrors proxy.ExecuteResults.State. The numbering is part of the
// wire contract and differs from declaration order on purpose.
type State int32

const (
	StateInit    State = 0
	StateInvalid State = 1
	StateTxn     State = 2
)

// Value carries one encoded value.Value.
type Value struct {
	Data []byte
}

func (m *Value) AppendWire(b []byte) []byte {
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	return b
}

func (m *Value) UnmarshalWire(b []byte) error {
	*m = Value{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		m.Data = append([]byte{}, v...)
		return n, nil
	})
}

// Positional holds positional parameter values.
type Positional struct {
	Values []*Value
}

func (m *Positional) AppendWire(b []byte) []byte {
	for _, v := range m.Values {
		b = appendMessage(b, 1, v)
	}
	return b
}

func (m *Positional) UnmarshalWire(b []byte) error {
	*m = Positional{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v := &Value{}
		n, err := consumeMessage(typ, b, v)
		m.Values = append(m.Values, v)
		return n, err
	})
}

// Named holds parameter names and values as parallel lists.
type Named struct {
	Names  []string
	Values []*Value
}

func (m *Named) AppendWire(b []byte) []byte {
	for _, name := range m.Names {
		b = appendString(b, 1, name)
	}
	for _, v := range m.Values {
		b = appendMessage(b, 2, v)
	}
	return b
}

func (m *Named) UnmarshalWire(b []byte) error {
	*m = Named{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(typ, b)
			m.Names = append(m.Names, s)
			return n, err
		case 2:
			v := &Value{}
			n, err := consumeMessage(typ, b, v)
			m.Values = append(m.Values, v)
			return n, err
		}
		return 0, nil
	})
}

// Query is one statement with its parameters. At most one of Positional
// and Named is set.
type Query struct {
	Stmt       string
	Positional *Positional
	Named      *Named
	SkipRows   bool
}

func (m *Query) AppendWire(b []byte) []byte {
	if m.Stmt != "" {
		b = appendString(b, 1, m.Stmt)
	}
	switch {
	case m.Positional != nil:
		b = appendMessage(b, 2, m.Positional)
	case m.Named != nil:
		b = appendMessage(b, 3, m.Named)
	}
	if m.SkipRows {
		b = appendVarint(b, 4, 1)
	}
	return b
}

func (m *Query) UnmarshalWire(b []byte) error {
	*m = Query{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(typ, b)
			m.Stmt = s
			return n, err
		case 2:
			m.Named = nil
			m.Positional = &Positional{}
			return consumeMessage(typ, b, m.Positional)
		case 3:
			m.Positional = nil
			m.Named = &Named{}
			return consumeMessage(typ, b, m.Named)
		case 4:
			v, n, err := consumeVarint(typ, b)
			m.SkipRows = v != 0
			return n, err
		}
		return 0, nil
	})
}

// Error is a classified step failure.
type Error struct {
	Code    ErrorCode
	Message string
}

func (m *Error) AppendWire(b []byte) []byte {
	if m.Code != 0 {
		b = appendVarint(b, 1, uint64(m.Code))
	}
	if m.Message != "" {
		b = appendString(b, 2, m.Message)
	}
	return b
}

func (m *Error) UnmarshalWire(b []byte) error {
	*m = Error{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Code = ErrorCode(int32(v))
			return n, err
		case 2:
			s, n, err := consumeString(typ, b)
			m.Message = s
			return n, err
		}
		return 0, nil
	})
}

// Column describes one result column. Decltype is nil for expressions.
type Column struct {
	Name     string
	Decltype *string
}

func (m *Column) AppendWire(b []byte) []byte {
	if m.Name != "" {
		b = appendString(b, 1, m.Name)
	}
	if m.Decltype != nil {
		b = appendString(b, 3, *m.Decltype)
	}
	return b
}

func (m *Column) UnmarshalWire(b []byte) error {
	*m = Column{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(typ, b)
			m.Name = s
			return n, err
		case 3:
			s, n, err := consumeString(typ, b)
			m.Decltype = &s
			return n, err
		}
		return 0, nil
	})
}

// Row is one result row.
type Row struct {
	Values []*Value
}

func (m *Row) AppendWire(b []byte) []byte {
	for _, v := range m.Values {
		b = appendMessage(b, 1, v)
	}
	return b
}

func (m *Row) UnmarshalWire(b []byte) error {
	*m = Row{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v := &Value{}
		n, err := consumeMessage(typ, b, v)
		m.Values = append(m.Values, v)
		return n, err
	})
}

// ResultRows is the successful result of one step.
type ResultRows struct {
	ColumnDescriptions []*Column
	Rows               []*Row
	AffectedRowCount   uint64
	LastInsertRowid    *int64
}

func (m *ResultRows) AppendWire(b []byte) []byte {
	for _, c := range m.ColumnDescriptions {
		b = appendMessage(b, 1, c)
	}
	for _, r := range m.Rows {
		b = appendMessage(b, 2, r)
	}
	if m.AffectedRowCount != 0 {
		b = appendVarint(b, 3, m.AffectedRowCount)
	}
	if m.LastInsertRowid != nil {
		b = appendVarint(b, 4, uint64(*m.LastInsertRowid))
	}
	return b
}

func (m *ResultRows) UnmarshalWire(b []byte) error {
	*m = ResultRows{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			c := &Column{}
			n, err := consumeMessage(typ, b, c)
			m.ColumnDescriptions = append(m.ColumnDescriptions, c)
			return n, err
		case 2:
			r := &Row{}
			n, err := consumeMessage(typ, b, r)
			m.Rows = append(m.Rows, r)
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			m.AffectedRowCount = v
			return n, err
		case 4:
			v, n, err := consumeVarint(typ, b)
			id := int64(v)
			m.LastInsertRowid = &id
			return n, err
		}
		return 0, nil
	})
}

// QueryResult is the outcome of one executed step. Exactly one of Error
// and Row is set.
type QueryResult struct {
	Error *Error
	Row   *ResultRows
}

func (m *QueryResult) AppendWire(b []byte) []byte {
	switch {
	case m.Error != nil:
		b = appendMessage(b, 1, m.Error)
	case m.Row != nil:
		b = appendMessage(b, 2, m.Row)
	}
	return b
}

func (m *QueryResult) UnmarshalWire(b []byte) error {
	*m = QueryResult{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			m.Row = nil
			m.Error = &Error{}
			return consumeMessage(typ, b, m.Error)
		case 2:
			m.Error = nil
			m.Row = &ResultRows{}
			return consumeMessage(typ, b, m.Row)
		}
		return 0, nil
	})
}

// ExecuteResults is the response to Execute.
type ExecuteResults struct {
	Results        []*QueryResult
	State          State
	CurrentFrameNo uint64
}

func (m *ExecuteResults) AppendWire(b []byte) []byte {
	for _, r := range m.Results {
		b = appendMessage(b, 1, r)
	}
	if m.State != 0 {
		b = appendVarint(b, 2, uint64(m.State))
	}
	if m.CurrentFrameNo != 0 {
		b = appendVarint(b, 3, m.CurrentFrameNo)
	}
	return b
}

func (m *ExecuteResults) UnmarshalWire(b []byte) error {
	*m = ExecuteResults{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			r := &QueryResult{}
			n, err := consumeMessage(typ, b, r)
			m.Results = append(m.Results, r)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			m.State = State(int32(v))
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			m.CurrentFrameNo = v
			return n, err
		}
		return 0, nil
	})
}

// Cond is a step guard. Exactly one variant is set.
type Cond struct {
	Ok           *OkCond
	Err          *ErrCond
	Not          *NotCond
	And          *AndCond
	Or           *OrCond
	IsAutocommit *IsAutocommitCond
}

// OkCond holds when the referenced step succeeded.
type OkCond struct{ Step int64 }

// ErrCond holds when the referenced step failed.
type ErrCond struct{ Step int64 }

// NotCond negates Cond.
type NotCond struct{ Cond *Cond }

// AndCond holds when all Conds hold.
type AndCond struct{ Conds []*Cond }

// OrCond holds when any of Conds holds.
type OrCond struct{ Conds []*Cond }

// IsAutocommitCond holds outside explicit transactions.
type IsAutocommitCond struct{}

// maxCondWireDepth bounds decoder recursion on hostile input. It is looser
// than program.MaxCondDepth so validation reports the precise error for
// moderately deep guards.
const maxCondWireDepth = 128

var errCondTooDeep = errors.New("condition nesting too deep")

func (m *Cond) AppendWire(b []byte) []byte {
	switch {
	case m.Ok != nil:
		b = appendMessage(b, 1, m.Ok)
	case m.Err != nil:
		b = appendMessage(b, 2, m.Err)
	case m.Not != nil:
		b = appendMessage(b, 3, m.Not)
	case m.And != nil:
		b = appendMessage(b, 4, m.And)
	case m.Or != nil:
		b = appendMessage(b, 5, m.Or)
	case m.IsAutocommit != nil:
		b = appendMessage(b, 6, m.IsAutocommit)
	}
	return b
}

func (m *Cond) UnmarshalWire(b []byte) error {
	return m.unmarshal(b, 0)
}

func (m *Cond) unmarshal(b []byte, depth int) error {
	if depth > maxCondWireDepth {
		return errCondTooDeep
	}
	*m = Cond{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		// Later oneof members replace earlier ones.
		switch num {
		case 1:
			*m = Cond{Ok: &OkCond{}}
			return consumeMessage(typ, b, m.Ok)
		case 2:
			*m = Cond{Err: &ErrCond{}}
			return consumeMessage(typ, b, m.Err)
		case 3:
			*m = Cond{Not: &NotCond{}}
			return consumeNested(typ, b, func(v []byte) error { return m.Not.unmarshal(v, depth+1) })
		case 4:
			*m = Cond{And: &AndCond{}}
			return consumeNested(typ, b, func(v []byte) (err error) {
				m.And.Conds, err = decodeConds(v, depth+1)
				return err
			})
		case 5:
			*m = Cond{Or: &OrCond{}}
			return consumeNested(typ, b, func(v []byte) (err error) {
				m.Or.Conds, err = decodeConds(v, depth+1)
				return err
			})
		case 6:
			*m = Cond{IsAutocommit: &IsAutocommitCond{}}
			return consumeMessage(typ, b, m.IsAutocommit)
		}
		return 0, nil
	})
}

func (m *OkCond) AppendWire(b []byte) []byte {
	if m.Step != 0 {
		b = appendVarint(b, 1, uint64(m.Step))
	}
	return b
}

func (m *OkCond) UnmarshalWire(b []byte) error {
	*m = OkCond{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeVarint(typ, b)
		m.Step = int64(v)
		return n, err
	})
}

func (m *ErrCond) AppendWire(b []byte) []byte {
	if m.Step != 0 {
		b = appendVarint(b, 1, uint64(m.Step))
	}
	return b
}

func (m *ErrCond) UnmarshalWire(b []byte) error {
	*m = ErrCond{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeVarint(typ, b)
		m.Step = int64(v)
		return n, err
	})
}

func (m *NotCond) AppendWire(b []byte) []byte {
	if m.Cond != nil {
		b = appendMessage(b, 1, m.Cond)
	}
	return b
}

func (m *NotCond) UnmarshalWire(b []byte) error {
	return m.unmarshal(b, 0)
}

func (m *NotCond) unmarshal(b []byte, depth int) error {
	*m = NotCond{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		m.Cond = &Cond{}
		return consumeNested(typ, b, func(v []byte) error { return m.Cond.unmarshal(v, depth) })
	})
}

func (m *AndCond) AppendWire(b []byte) []byte {
	return appendConds(b, m.Conds)
}

func (m *AndCond) UnmarshalWire(b []byte) error {
	*m = AndCond{}
	conds, err := decodeConds(b, 0)
	m.Conds = conds
	return err
}

func (m *OrCond) AppendWire(b []byte) []byte {
	return appendConds(b, m.Conds)
}

func (m *OrCond) UnmarshalWire(b []byte) error {
	*m = OrCond{}
	conds, err := decodeConds(b, 0)
	m.Conds = conds
	return err
}

func (m *IsAutocommitCond) AppendWire(b []byte) []byte { return b }

func (m *IsAutocommitCond) UnmarshalWire(b []byte) error {
	return decodeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) {
		return 0, nil
	})
}

func appendConds(b []byte, conds []*Cond) []byte {
	for _, c := range conds {
		b = appendMessage(b, 1, c)
	}
	return b
}

func decodeConds(b []byte, depth int) ([]*Cond, error) {
	var conds []*Cond
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		c := &Cond{}
		conds = append(conds, c)
		return consumeNested(typ, b, func(v []byte) error { return c.unmarshal(v, depth) })
	})
	return conds, err
}

// Step is one guarded query.
type Step struct {
	Cond  *Cond
	Query *Query
}

func (m *Step) AppendWire(b []byte) []byte {
	if m.Cond != nil {
		b = appendMessage(b, 1, m.Cond)
	}
	if m.Query != nil {
		b = appendMessage(b, 2, m.Query)
	}
	return b
}

func (m *Step) UnmarshalWire(b []byte) error {
	*m = Step{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			m.Cond = &Cond{}
			return consumeMessage(typ, b, m.Cond)
		case 2:
			m.Query = &Query{}
			return consumeMessage(typ, b, m.Query)
		}
		return 0, nil
	})
}

// Program is an ordered list of steps.
type Program struct {
	Steps []*Step
}

func (m *Program) AppendWire(b []byte) []byte {
	for _, s := range m.Steps {
		b = appendMessage(b, 1, s)
	}
	return b
}

func (m *Program) UnmarshalWire(b []byte) error {
	*m = Program{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		s := &Step{}
		n, err := consumeMessage(typ, b, s)
		m.Steps = append(m.Steps, s)
		return n, err
	})
}

// ProgramReq is the request of Execute.
type ProgramReq struct {
	ClientID string
	Pgm      *Program
}

func (m *ProgramReq) AppendWire(b []byte) []byte {
	if m.ClientID != "" {
		b = appendString(b, 1, m.ClientID)
	}
	if m.Pgm != nil {
		b = appendMessage(b, 2, m.Pgm)
	}
	return b
}

func (m *ProgramReq) UnmarshalWire(b []byte) error {
	*m = ProgramReq{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(typ, b)
			m.ClientID = s
			return n, err
		case 2:
			m.Pgm = &Program{}
			return consumeMessage(typ, b, m.Pgm)
		}
		return 0, nil
	})
}

// DisconnectMessage is the request of Disconnect.
type DisconnectMessage struct {
	ClientID string
}

func (m *DisconnectMessage) AppendWire(b []byte) []byte {
	if m.ClientID != "" {
		b = appendString(b, 1, m.ClientID)
	}
	return b
}

func (m *DisconnectMessage) UnmarshalWire(b []byte) error {
	*m = DisconnectMessage{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		s, n, err := consumeString(typ, b)
		m.ClientID = s
		return n, err
	})
}

// Ack is the empty response of Disconnect.
type Ack struct{}

func (m *Ack) AppendWire(b []byte) []byte { return b }

func (m *Ack) UnmarshalWire(b []byte) error {
	return decodeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) {
		return 0, nil
	})
}
