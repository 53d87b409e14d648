package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/value"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the harness's final
// state and returns one message per failure.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertQuery:
			err = assertQuery(ctx, h, a)
		case AssertSessions:
			err = assertSessions(h, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// assertQuery runs the statement on a connection outside every session, so
// it sees only committed state.
func assertQuery(ctx context.Context, h *Harness, a Assertion) error {
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Execute(ctx, program.Query{Stmt: a.SQL}, 0)
	if err != nil {
		return &AssertionError{
			Type:     AssertQuery,
			Expected: fmt.Sprintf("%s to succeed", a.SQL),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	if err := matchRows(rows.Rows, a.Expect); err != nil {
		return &AssertionError{
			Type:     AssertQuery,
			Expected: fmt.Sprintf("%s to return %v", a.SQL, a.Expect),
			Actual:   err.Error(),
		}
	}
	return nil
}

func assertSessions(h *Harness, a Assertion) error {
	if n := h.registry.Len(); n != a.Count {
		return &AssertionError{
			Type:     AssertSessions,
			Expected: fmt.Sprintf("%d open session(s)", a.Count),
			Actual:   fmt.Sprintf("%d open session(s)", n),
		}
	}
	return nil
}

// checkExpect compares a traced call with its expect clause.
func checkExpect(index int, exp *ExpectClause, event TraceEvent) []string {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf("flow[%d]: ", index)+fmt.Sprintf(format, args...))
	}

	if exp.Error != "" || event.Error != "" {
		if exp.Error != event.Error {
			fail("expected call error %q, got %q", exp.Error, event.Error)
		}
		return errs
	}

	if exp.State != "" && exp.State != event.State {
		fail("expected state %s, got %s", exp.State, event.State)
	}

	if exp.Results == nil {
		return errs
	}
	if len(exp.Results) != len(event.Results) {
		fail("expected %d result(s), got %d: %s", len(exp.Results), len(event.Results), outcomes(event.Results))
		return errs
	}
	for i, want := range exp.Results {
		got := event.Results[i]
		if want.Outcome != got.Outcome {
			fail("result %d: expected %s, got %s", i, want.Outcome, got.Outcome)
			continue
		}
		if want.Affected != nil && *want.Affected != got.Affected {
			fail("result %d: expected %d affected row(s), got %d", i, *want.Affected, got.Affected)
		}
		if want.Rows != nil {
			if err := matchNativeRows(got.Rows, want.Rows); err != nil {
				fail("result %d: %v", i, err)
			}
		}
	}
	return errs
}

func outcomes(results []StepTrace) string {
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.Outcome
	}
	return "[" + strings.Join(names, " ") + "]"
}

// matchRows compares result rows with expected rows written as YAML
// scalars. Integers and reals are distinct, as they are in SQLite.
func matchRows(got [][]value.Value, want [][]any) error {
	if len(got) != len(want) {
		return fmt.Errorf("expected %d row(s), got %d", len(want), len(got))
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			return fmt.Errorf("row %d: expected %d column(s), got %d", i, len(want[i]), len(got[i]))
		}
		for j, raw := range want[i] {
			exp, err := value.FromNative(raw)
			if err != nil {
				return fmt.Errorf("row %d column %d: %w", i, j, err)
			}
			if !value.Equal(exp, got[i][j]) {
				return fmt.Errorf("row %d column %d: expected %s, got %s", i, j, value.Format(exp), value.Format(got[i][j]))
			}
		}
	}
	return nil
}

func matchNativeRows(got [][]any, want [][]any) error {
	rows := make([][]value.Value, len(got))
	for i, row := range got {
		rows[i] = make([]value.Value, len(row))
		for j, raw := range row {
			v, err := value.FromNative(raw)
			if err != nil {
				return fmt.Errorf("row %d column %d: %w", i, j, err)
			}
			rows[i][j] = v
		}
	}
	return matchRows(rows, want)
}
