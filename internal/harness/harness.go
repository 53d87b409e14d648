package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc/status"

	"github.com/roach88/sqlfwd/internal/executor"
	"github.com/roach88/sqlfwd/internal/meta"
	"github.com/roach88/sqlfwd/internal/progfile"
	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/proto"
	"github.com/roach88/sqlfwd/internal/replication"
	"github.com/roach88/sqlfwd/internal/server"
	"github.com/roach88/sqlfwd/internal/session"
	"github.com/roach88/sqlfwd/internal/sqlite"
	"github.com/roach88/sqlfwd/internal/testutil"
	"github.com/roach88/sqlfwd/internal/value"
)

// SetupClient is the client id setup programs run as.
const SetupClient = "harness-setup"

// errInjected is what a faulted statement fails with. It is not an engine
// error, so the executor classifies it as Internal.
var errInjected = errors.New("injected connection failure")

// Harness is the test execution engine.
// It runs one scenario against its own primary: a SQLite database in a
// temp dir, an in-memory frame log, and a session registry driven by a
// manual clock.
type Harness struct {
	db       *sqlite.DB
	frames   *replication.FrameLog
	registry *session.Registry
	svc      *server.Service
	clock    *testutil.ManualClock
	faults   map[string]bool
	logger   *slog.Logger
	frameNo  uint64
}

// Option configures a scenario run.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger the primary stack logs to. By default logs
// are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// faultConn fails the scenario's fault statements and passes the rest
// through.
type faultConn struct {
	*sqlite.Conn
	faults map[string]bool
}

func (c faultConn) Execute(ctx context.Context, q program.Query, maxBytes int) (*executor.Rows, error) {
	if c.faults[q.Stmt] {
		return nil, errInjected
	}
	return c.Conn.Execute(ctx, q, maxBytes)
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh database for isolation.
//
// Execution flow:
// 1. Open a database, frame log, session registry, and service
// 2. Execute the setup program
// 3. Execute flow steps with expect validation
// 4. Evaluate assertions against the final state
// 5. Return result with pass/fail, trace, and errors
//
// A returned error means the scenario could not run at all; expectation
// mismatches are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	dir, err := os.MkdirTemp("", "sqlfwd-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	marks, err := meta.OpenInMemory()
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}
	defer marks.Close()

	frames, err := replication.Open(marks, 0)
	if err != nil {
		return nil, err
	}
	defer frames.Close()

	db, err := sqlite.Open(filepath.Join(dir, "data.sqlite"), sqlite.Options{
		Commits: frames,
		Logger:  o.logger,
	})
	if err != nil {
		return nil, err
	}
	defer db.Close()

	h := &Harness{
		db:     db,
		frames: frames,
		clock:  testutil.NewManualClock(time.Time{}),
		faults: make(map[string]bool, len(scenario.Faults)),
		logger: o.logger,
	}
	for _, stmt := range scenario.Faults {
		h.faults[stmt] = true
	}
	h.registry = session.NewRegistry(h.open, session.Config{},
		session.WithLogger(o.logger),
		session.WithClock(h.clock),
	)
	defer h.registry.Close(context.Background())
	h.svc = server.NewService(h.registry, executor.New(frames, executor.WithLogger(o.logger)), o.logger)

	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}
	result.FrameNo = frames.CurrentFrameNo()

	for _, errMsg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(errMsg)
	}

	return result, nil
}

func (h *Harness) open(ctx context.Context) (session.Conn, error) {
	c, err := h.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return faultConn{Conn: c, faults: h.faults}, nil
}

// executeSetup runs the setup steps as one program. Any failed step, or a
// transaction left open, aborts the scenario.
func (h *Harness) executeSetup(ctx context.Context, steps []progfile.Step) error {
	if len(steps) == 0 {
		return nil
	}
	res, err := h.execute(ctx, SetupClient, steps)
	if err != nil {
		return err
	}
	for _, sr := range res.Steps {
		if sr.Err != nil {
			return fmt.Errorf("setup: %v", sr.Err)
		}
	}
	if res.State != executor.StateInit {
		return fmt.Errorf("setup left the session in state %s", res.State)
	}
	return h.registry.Disconnect(ctx, SetupClient)
}

// executeFlow runs all flow steps and validates expect clauses.
//
// Each step:
// 1. Makes the call through the service, exactly as the gRPC server would
// 2. Records the answer in the trace
// 3. Checks that the replication position never moves backwards
// 4. Validates the expect clause, if any
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		event := TraceEvent{Seq: i + 1, Client: step.Client}

		switch {
		case step.Advance > 0:
			event.Call = CallAdvance
			h.clock.Advance(step.Advance)
			event.Evicted = h.registry.Sweep()
			result.Trace = append(result.Trace, event)
			continue

		case step.Disconnect:
			event.Call = CallDisconnect
			_, err := h.svc.Disconnect(ctx, &proto.DisconnectMessage{ClientID: step.Client})
			if err != nil {
				event.Error = callErrorCode(err)
			}

		default:
			event.Call = CallExecute
			res, err := h.execute(ctx, step.Client, step.Steps)
			if err != nil {
				if _, ok := status.FromError(err); !ok {
					return fmt.Errorf("flow step %d: %w", i, err)
				}
				event.Error = callErrorCode(err)
				break
			}
			event.State = res.State.String()
			event.Results = traceSteps(res)
			if res.FrameNo < h.frameNo {
				result.AddError(fmt.Sprintf("flow[%d]: frame number went backwards: %d after %d", i, res.FrameNo, h.frameNo))
			}
			h.frameNo = res.FrameNo
		}

		result.Trace = append(result.Trace, event)
		if step.Expect != nil {
			for _, msg := range checkExpect(i, step.Expect, event) {
				result.AddError(msg)
			}
		} else if event.Error != "" {
			result.AddError(fmt.Sprintf("flow[%d]: unexpected call error %s", i, event.Error))
		}

		h.logger.Debug("flow step completed",
			"step", i,
			"client_id", step.Client,
			"call", event.Call,
			"state", event.State,
		)
	}
	return nil
}

// execute sends a program through the service and its wire conversion.
// Programs are not validated here; the service rejects invalid ones.
func (h *Harness) execute(ctx context.Context, clientID string, steps []progfile.Step) (*executor.Results, error) {
	pgm, err := progfile.File{Steps: steps}.Program()
	if err != nil {
		return nil, err
	}
	msg, err := proto.FromProgram(pgm)
	if err != nil {
		return nil, err
	}
	out, err := h.svc.Execute(ctx, &proto.ProgramReq{ClientID: clientID, Pgm: msg})
	if err != nil {
		return nil, err
	}
	return proto.ToResults(out)
}

func callErrorCode(err error) string {
	return status.Code(err).String()
}

func traceSteps(res *executor.Results) []StepTrace {
	steps := make([]StepTrace, 0, len(res.Steps))
	for _, sr := range res.Steps {
		st := StepTrace{Outcome: executor.OutcomeOk}
		if sr.Err != nil {
			st.Outcome = sr.Err.Code.String()
		}
		if sr.Rows != nil {
			st.Affected = sr.Rows.AffectedRowCount
			st.Rows = nativeRows(sr.Rows.Rows)
		}
		steps = append(steps, st)
	}
	return steps
}

func nativeRows(rows [][]value.Value) [][]any {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = make([]any, len(row))
		for j, v := range row {
			out[i][j] = value.Native(v)
		}
	}
	return out
}
