package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/sqlfwd/internal/program"
)

// Conn is a session's connection to the SQL engine.
type Conn interface {
	// Execute runs one query. maxBytes bounds the size of the returned rows
	// (0 means unbounded); exceeding it returns ErrResponseTooLarge.
	Execute(ctx context.Context, q program.Query, maxBytes int) (*Rows, error)

	// IsAutocommit reports whether no explicit transaction is open.
	IsAutocommit(ctx context.Context) (bool, error)
}

// FrameSource reports the replication position of the primary.
type FrameSource interface {
	CurrentFrameNo() uint64
}

// Observer receives execution events, typically for metrics.
type Observer interface {
	ObserveStep(outcome string)
	ObserveProgram(state State, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveStep(string)                  {}
func (nopObserver) ObserveProgram(State, time.Duration) {}

// Step outcome labels passed to Observer.ObserveStep.
const (
	OutcomeOk      = "ok"
	OutcomeSkipped = "skipped"
)

// Executor runs programs against session connections.
//
// An Executor holds no per-session state and is safe for concurrent use;
// callers guarantee that a given Conn runs one program at a time.
type Executor struct {
	frames          FrameSource
	logger          *slog.Logger
	observer        Observer
	stepTimeout     time.Duration
	maxResponseSize int
	now             func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithObserver sets the execution observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

// WithStepTimeout bounds the run time of each statement. A statement that
// exceeds it fails with TxTimeout. Zero disables the bound.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.stepTimeout = d
	}
}

// WithMaxResponseSize bounds the total row data of one program. A step
// whose rows would exceed the remaining budget fails with SQLError.
// Zero disables the bound.
func WithMaxResponseSize(n int) Option {
	return func(e *Executor) {
		e.maxResponseSize = n
	}
}

// New creates an Executor that stamps results with frames.CurrentFrameNo.
func New(frames FrameSource, opts ...Option) *Executor {
	e := &Executor{
		frames:   frames,
		logger:   slog.Default(),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run validates p and executes it on conn.
//
// Step failures are recorded in the results and never abort the program,
// except Internal failures, which make the state Invalid and skip every
// remaining step. A validation failure returns an error before any step
// runs.
//
// Statements run detached from ctx's cancellation so a statement is never
// torn down halfway. ctx is checked between steps; if it is done, the
// remaining steps are skipped, the state becomes Invalid so the caller
// rolls the session back, and ctx's error is returned with the results.
func (e *Executor) Run(ctx context.Context, conn Conn, p program.Program) (*Results, error) {
	if err := program.Validate(p); err != nil {
		return nil, err
	}

	start := e.now()
	res := &Results{Steps: make([]StepResult, 0, len(p.Steps))}
	outcomes := make([]program.Outcome, 0, len(p.Steps))
	stmtCtx := context.WithoutCancel(ctx)
	invalid := false
	used := 0
	var cancelErr error

	for i, step := range p.Steps {
		if !invalid && ctx.Err() != nil {
			cancelErr = ctx.Err()
			invalid = true
			e.logger.Warn("program cancelled between steps", "step", i, "error", cancelErr)
		}
		if invalid {
			outcomes = append(outcomes, program.OutcomeSkipped)
			e.observer.ObserveStep(OutcomeSkipped)
			continue
		}

		run, err := e.guard(stmtCtx, conn, step.Cond, outcomes)
		if err != nil {
			se := Classify(err)
			res.Steps = append(res.Steps, StepResult{Step: i, Err: &StepError{Code: Internal, Message: se.Message}})
			outcomes = append(outcomes, program.OutcomeErr)
			e.observer.ObserveStep(Internal.String())
			invalid = true
			continue
		}
		if !run {
			outcomes = append(outcomes, program.OutcomeSkipped)
			e.observer.ObserveStep(OutcomeSkipped)
			continue
		}

		budget := 0
		if e.maxResponseSize > 0 {
			// Keep the budget positive so an exhausted budget still admits
			// statements that return no rows.
			budget = max(e.maxResponseSize-used, 1)
		}

		rows, err := e.execute(stmtCtx, conn, step.Query, budget)
		if err != nil {
			se := Classify(err)
			res.Steps = append(res.Steps, StepResult{Step: i, Err: se})
			outcomes = append(outcomes, program.OutcomeErr)
			e.observer.ObserveStep(se.Code.String())
			if se.Code.Fatal() {
				invalid = true
				e.logger.Error("fatal step error", "step", i, "error", se.Message)
			}
			continue
		}

		used += rows.Size()
		res.Steps = append(res.Steps, StepResult{Step: i, Rows: rows})
		outcomes = append(outcomes, program.OutcomeOk)
		e.observer.ObserveStep(OutcomeOk)
	}

	res.State = e.finalState(stmtCtx, conn, invalid)
	// Read after the last step so a replica at this frame sees every
	// write the program committed.
	res.FrameNo = e.frames.CurrentFrameNo()

	elapsed := e.now().Sub(start)
	e.observer.ObserveProgram(res.State, elapsed)
	if e.logger.Enabled(ctx, slog.LevelDebug) {
		fp, _ := program.Fingerprint(p)
		e.logger.Debug("program executed",
			"fingerprint", fp,
			"steps", len(p.Steps),
			"executed", len(res.Steps),
			"state", res.State.String(),
			"frame_no", res.FrameNo,
			"elapsed", elapsed,
		)
	}

	return res, cancelErr
}

// guard evaluates a step's condition. Only IsAutocommit needs the
// connection, so the check is skipped for guards that cannot use it.
func (e *Executor) guard(ctx context.Context, conn Conn, c program.Cond, outcomes []program.Outcome) (bool, error) {
	if c == nil {
		return true, nil
	}
	autocommit := true
	if usesAutocommit(c) {
		ac, err := conn.IsAutocommit(ctx)
		if err != nil {
			return false, fmt.Errorf("check autocommit: %w", err)
		}
		autocommit = ac
	}
	return program.Eval(c, outcomes, autocommit), nil
}

func (e *Executor) execute(ctx context.Context, conn Conn, q program.Query, budget int) (*Rows, error) {
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	return conn.Execute(ctx, q, budget)
}

func (e *Executor) finalState(ctx context.Context, conn Conn, invalid bool) State {
	if invalid {
		return StateInvalid
	}
	autocommit, err := conn.IsAutocommit(ctx)
	if err != nil {
		e.logger.Error("check autocommit after program", "error", err)
		return StateInvalid
	}
	if autocommit {
		return StateInit
	}
	return StateTxn
}

func usesAutocommit(c program.Cond) bool {
	switch cond := program.Unwrap(c).(type) {
	case program.IsAutocommit:
		return true
	case program.Not:
		return usesAutocommit(cond.Cond)
	case program.And:
		return anyUsesAutocommit(cond.Conds)
	case program.Or:
		return anyUsesAutocommit(cond.Conds)
	default:
		return false
	}
}

func anyUsesAutocommit(conds []program.Cond) bool {
	for _, c := range conds {
		if usesAutocommit(c) {
			return true
		}
	}
	return false
}
