package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/sqlfwd/internal/executor"
	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/value"
)

// Conn is a session's dedicated connection. It is not safe for concurrent
// use; the session registry serializes access.
type Conn struct {
	conn *sql.Conn
	db   *DB
}

var _ executor.Conn = (*Conn)(nil)

// Execute runs a single statement and collects its result.
func (c *Conn) Execute(ctx context.Context, q program.Query, maxBytes int) (*executor.Rows, error) {
	switch n := CountStatements(q.Stmt); {
	case n == 0:
		return nil, executor.NewSQLError("empty statement")
	case n > 1:
		return nil, executor.NewSQLError("expected a single statement, got %d", n)
	}
	kind := ClassifyStatement(q.Stmt)
	if err := c.checkPolicy(kind); err != nil {
		return nil, err
	}

	// SQLite prepares a bare separator as an empty statement.
	text := strings.TrimLeft(q.Stmt, "; \t\r\n")

	var result *executor.Rows
	err := rawConn(c.conn, func(sc *sqlite3.SQLiteConn) error {
		var err error
		result, err = run(ctx, sc, text, q, maxBytes)
		c.db.settle(sc, err == nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	if kind.ReportsChanges() {
		var changes, rowid int64
		err := c.conn.QueryRowContext(ctx, "SELECT changes(), last_insert_rowid()").Scan(&changes, &rowid)
		if err != nil {
			return nil, fmt.Errorf("read change counters: %w", err)
		}
		result.AffectedRowCount = uint64(changes)
		if kind.ReportsRowid() {
			result.LastInsertRowid = &rowid
		}
	}
	return result, nil
}

func run(ctx context.Context, sc *sqlite3.SQLiteConn, text string, q program.Query, maxBytes int) (*executor.Rows, error) {
	stmt, err := sc.PrepareContext(ctx, text)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	args, err := bindArgs(text, stmt.NumInput(), q.Params)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.(*sqlite3.SQLiteStmt).QueryContext(ctx, args)
	if err != nil {
		return nil, err
	}
	return collect(rows.(*sqlite3.SQLiteRows), q.SkipRows, maxBytes)
}

// collect drains rows. The statement only runs to completion when rows are
// stepped, so skipped rows are still read and discarded.
func collect(rows *sqlite3.SQLiteRows, skipRows bool, maxBytes int) (*executor.Rows, error) {
	defer rows.Close()

	names := rows.Columns()
	result := &executor.Rows{Columns: make([]executor.Column, len(names))}
	for i, name := range names {
		result.Columns[i] = executor.Column{Name: name}
		if decl := rows.ColumnTypeDatabaseTypeName(i); decl != "" {
			result.Columns[i].Decltype = &decl
		}
	}

	// The driver turns cells of columns declared DATE, DATETIME, TIMESTAMP
	// or BOOLEAN into time.Time and bool. Blanking its cached declared
	// types before the first step keeps every cell in its storage class.
	decl := rows.DeclTypes()
	for i := range decl {
		decl[i] = ""
	}

	dest := make([]driver.Value, len(names))
	size := 0
	for {
		err := rows.Next(dest)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if skipRows {
			continue
		}
		row := make([]value.Value, len(dest))
		for i, src := range dest {
			v, err := value.FromDriver(src)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", result.Columns[i].Name, err)
			}
			row[i] = v
			size += executor.ValueSize(v)
		}
		if maxBytes > 0 && size > maxBytes {
			return nil, executor.ErrResponseTooLarge
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Conn) checkPolicy(kind StatementKind) error {
	cfg := c.db.Policy()
	switch {
	case cfg.BlockWrites && kind.IsMutation():
		return blockedError("writes", cfg.BlockReason)
	case cfg.BlockReads && kind.IsReadOnly():
		return blockedError("reads", cfg.BlockReason)
	}
	return nil
}

func blockedError(what, reason string) *executor.StepError {
	if reason == "" {
		return executor.NewSQLError("%s are blocked", what)
	}
	return executor.NewSQLError("%s are blocked: %s", what, reason)
}

// IsAutocommit reports whether no explicit transaction is open.
func (c *Conn) IsAutocommit(context.Context) (bool, error) {
	var autocommit bool
	err := rawConn(c.conn, func(sc *sqlite3.SQLiteConn) error {
		autocommit = sc.AutoCommit()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("autocommit: %w", err)
	}
	return autocommit, nil
}

// Rollback aborts the open transaction, if any.
func (c *Conn) Rollback(ctx context.Context) error {
	autocommit, err := c.IsAutocommit(ctx)
	if err != nil {
		return err
	}
	if autocommit {
		return nil
	}
	if _, err := c.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// Close discards the connection. Connection-scoped state such as temp
// tables and pragmas never leaks to another session.
func (c *Conn) Close() error {
	err := rawConn(c.conn, func(sc *sqlite3.SQLiteConn) error {
		c.db.settle(sc, false)
		return errDiscard
	})
	if err != nil && !errors.Is(err, errDiscard) {
		return err
	}
	return nil
}

// bindArgs converts query parameters into driver arguments bound by
// index. numInput is the number of parameters SQLite found in stmt.
func bindArgs(stmt string, numInput int, p program.Params) ([]driver.NamedValue, error) {
	switch params := p.(type) {
	case nil:
		return positionalArgs(numInput, nil)
	case program.Positional:
		return positionalArgs(numInput, params.Values)
	case *program.Positional:
		return positionalArgs(numInput, params.Values)
	case program.Named:
		return namedArgs(stmt, numInput, params.Names, params.Values)
	case *program.Named:
		return namedArgs(stmt, numInput, params.Names, params.Values)
	default:
		return nil, executor.NewSQLError("unsupported parameters %T", p)
	}
}

func positionalArgs(numInput int, values []value.Value) ([]driver.NamedValue, error) {
	if len(values) != numInput {
		return nil, executor.NewSQLError("expected %d parameter(s), got %d", numInput, len(values))
	}
	args := make([]driver.NamedValue, len(values))
	for i, v := range values {
		dv, err := value.ToDriver(v)
		if err != nil {
			return nil, executor.NewSQLError("parameter %d: %v", i+1, err)
		}
		args[i] = driver.NamedValue{Ordinal: i + 1, Value: dv}
	}
	return args, nil
}

// namedArgs binds each name to exactly one parameter index. A name with a
// prefix, "?NNN" included, matches only that spelling; a bare name matches the first of
// ":name", "@name" and "$name" the statement uses. Names the statement
// does not use are ignored, and parameters no name reaches stay NULL.
func namedArgs(stmt string, numInput int, names []string, values []value.Value) ([]driver.NamedValue, error) {
	if len(names) != len(values) {
		return nil, executor.NewSQLError("%d parameter names for %d values", len(names), len(values))
	}
	params := parameters(stmt)
	if len(params) != numInput {
		return nil, executor.NewSQLError("cannot resolve the statement's %d parameter(s)", numInput)
	}
	index := make(map[string]int, len(params))
	for i, name := range params {
		if name != "" {
			index[name] = i + 1
		}
	}

	bound := make(map[int]string, len(names))
	args := make([]driver.NamedValue, 0, len(values))
	for i, name := range names {
		ordinal := parameterIndex(index, name)
		if ordinal == 0 {
			continue
		}
		if prev, dup := bound[ordinal]; dup {
			return nil, executor.NewSQLError("parameters %q and %q bind the same placeholder", prev, name)
		}
		bound[ordinal] = name
		dv, err := value.ToDriver(values[i])
		if err != nil {
			return nil, executor.NewSQLError("parameter %q: %v", name, err)
		}
		args = append(args, driver.NamedValue{Ordinal: ordinal, Value: dv})
	}
	return args, nil
}

func parameterIndex(index map[string]int, name string) int {
	if name != "" && strings.IndexByte("?:@$", name[0]) >= 0 {
		return index[name]
	}
	for _, prefix := range []string{":", "@", "$"} {
		if n, ok := index[prefix+name]; ok {
			return n
		}
	}
	return 0
}
