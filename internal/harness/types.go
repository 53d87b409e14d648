package harness

// Trace event call kinds.
const (
	CallExecute    = "execute"
	CallDisconnect = "disconnect"
	CallAdvance    = "advance"
)

// TraceEvent records one flow step as the primary answered it.
type TraceEvent struct {
	Seq     int         `json:"seq"`
	Call    string      `json:"call"`
	Client  string      `json:"client,omitempty"`
	Error   string      `json:"error,omitempty"`
	State   string      `json:"state,omitempty"`
	Results []StepTrace `json:"results,omitempty"`
	Evicted int         `json:"evicted,omitempty"`
}

// StepTrace is the outcome of one executed step. Outcome is "ok" or an
// error code name.
type StepTrace struct {
	Outcome  string  `json:"outcome"`
	Affected uint64  `json:"affected,omitempty"`
	Rows     [][]any `json:"rows,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains every flow step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// FrameNo is the replication position after the flow.
	FrameNo uint64 `json:"frame_no"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
