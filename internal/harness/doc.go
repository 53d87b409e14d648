// Package harness runs conformance scenarios against a primary.
//
// Each scenario gets a fresh primary: a SQLite database, a frame log, a
// session registry on a manual clock, and the proxy service. Calls go
// through the service and the wire conversion exactly as a gRPC client's
// would, so results are what a remote client sees: skipped steps have no
// result.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	setup:
//	  - query: "CREATE TABLE t (id INTEGER PRIMARY KEY)"
//	faults:
//	  - "SELECT 'fail'"
//	flow:
//	  - client: a
//	    steps:
//	      - query: "INSERT INTO t VALUES (1)"
//	      - query: "DELETE FROM t"
//	        when: {err: 0}
//	    expect:
//	      state: init
//	      results:
//	        - {outcome: ok, affected: 1}
//	  - advance: 10s
//	  - client: a
//	    disconnect: true
//	assertions:
//	  - type: query
//	    sql: "SELECT count(*) FROM t"
//	    expect: [[1]]
//	  - type: sessions
//	    count: 0
//
// Steps use the program file syntax of package progfile. Statements listed
// under faults fail with an internal error. An advance step moves the
// session clock and sweeps expired sessions.
//
// # Assertion Types
//
//   - query: Runs SQL on a connection outside every session and compares
//     the rows
//   - sessions: Verifies the number of open sessions
package harness
