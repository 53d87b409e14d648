package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/sqlfwd/internal/progfile"
)

// Scenario defines a conformance test scenario.
// A scenario drives one or more clients through a sequence of calls against
// a fresh primary and asserts on the results and the final database state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Setup runs as a single program before the flow. Every setup step
	// must succeed and leave the setup session outside a transaction.
	Setup []progfile.Step `yaml:"setup,omitempty"`

	// Faults lists statements the session connections fail with an
	// internal error instead of running them.
	Faults []string `yaml:"faults,omitempty"`

	// Flow contains the calls, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final state.
	// Supported types: query, sessions
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is one call made by a client, or a clock advance.
type FlowStep struct {
	// Client is the client id the call is made for.
	Client string `yaml:"client,omitempty"`

	// Steps is the program to execute.
	Steps []progfile.Step `yaml:"steps,omitempty"`

	// Disconnect ends the client's session instead of executing.
	Disconnect bool `yaml:"disconnect,omitempty"`

	// Advance moves the session clock forward and sweeps expired sessions.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Expect specifies the expected outcome.
	// If nil, the call only has to return without error.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a call.
type ExpectClause struct {
	// Error is the expected gRPC status code name (e.g. "InvalidArgument").
	// When set, the call must fail with it.
	Error string `yaml:"error,omitempty"`

	// State is the expected session state: init, txn, or invalid.
	State string `yaml:"state,omitempty"`

	// Results lists the expected step results in order. Steps that were
	// skipped have no entry. If nil, results are not checked.
	Results []ResultExpect `yaml:"results,omitempty"`
}

// ResultExpect is the expected result of one executed step. Results are
// matched in order; skipped steps produce none.
type ResultExpect struct {
	// Outcome is "ok" or the expected error code (SQLError, TxBusy,
	// TxTimeout, Internal).
	Outcome string `yaml:"outcome"`

	// Rows are the expected result rows. Checked only when set.
	Rows [][]any `yaml:"rows,omitempty"`

	// Affected is the expected affected row count. Checked only when set.
	Affected *uint64 `yaml:"affected,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "query": Run SQL on a fresh session and compare the rows
	// - "sessions": Check the number of open sessions
	Type string `yaml:"type"`

	// SQL is the statement to run (used by query).
	SQL string `yaml:"sql,omitempty"`

	// Expect contains the expected rows (used by query).
	Expect [][]any `yaml:"expect,omitempty"`

	// Count is the expected number of sessions (used by sessions).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertQuery    = "query"
	AssertSessions = "sessions"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Unknown fields are rejected so typos like "assertion:" surface.
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Setup) > 0 {
		if _, err := (progfile.File{Steps: s.Setup}).Program(); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}

	for i, step := range s.Flow {
		if err := validateFlowStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateFlowStep(index int, f *FlowStep) error {
	if f.Advance < 0 {
		return fmt.Errorf("flow[%d]: advance must be non-negative", index)
	}
	if f.Advance > 0 {
		if f.Client != "" || f.Disconnect || len(f.Steps) > 0 || f.Expect != nil {
			return fmt.Errorf("flow[%d]: advance cannot be combined with a call", index)
		}
		return nil
	}

	if f.Client == "" {
		return fmt.Errorf("flow[%d]: client is required", index)
	}
	if f.Disconnect && len(f.Steps) > 0 {
		return fmt.Errorf("flow[%d]: disconnect takes no steps", index)
	}
	if f.Disconnect && f.Expect != nil && (f.Expect.State != "" || f.Expect.Results != nil) {
		return fmt.Errorf("flow[%d].expect: disconnect has no results", index)
	}
	if len(f.Steps) > 0 {
		// Invalid programs are allowed here; they are how scenarios check
		// that the primary rejects them.
		if _, err := (progfile.File{Steps: f.Steps}).Program(); err != nil {
			return fmt.Errorf("flow[%d]: %w", index, err)
		}
	}
	if f.Expect == nil {
		return nil
	}
	if f.Expect.Error != "" && (f.Expect.State != "" || f.Expect.Results != nil) {
		return fmt.Errorf("flow[%d].expect: error cannot be combined with state or results", index)
	}
	if f.Expect.State != "" && !slices.Contains(validStates, f.Expect.State) {
		return fmt.Errorf("flow[%d].expect: unknown state %q", index, f.Expect.State)
	}
	for j, r := range f.Expect.Results {
		if !slices.Contains(validOutcomes, r.Outcome) {
			return fmt.Errorf("flow[%d].expect.results[%d]: unknown outcome %q", index, j, r.Outcome)
		}
	}
	return nil
}

var (
	validStates   = []string{"init", "txn", "invalid"}
	validOutcomes = []string{"ok", "SQLError", "TxBusy", "TxTimeout", "Internal"}
)

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertQuery:
		if a.SQL == "" {
			return fmt.Errorf("assertions[%d]: sql is required for query", index)
		}
	case AssertSessions:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for sessions", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
