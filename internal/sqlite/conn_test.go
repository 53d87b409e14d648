package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlfwd/internal/executor"
	"github.com/roach88/sqlfwd/internal/meta"
	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/replication"
	"github.com/roach88/sqlfwd/internal/value"
)

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testConn(t *testing.T, db *DB) *Conn {
	t.Helper()
	c, err := db.Conn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func mustExec(t *testing.T, c *Conn, stmt string, params program.Params) *executor.Rows {
	t.Helper()
	rows, err := c.Execute(context.Background(), program.Query{Stmt: stmt, Params: params}, 0)
	require.NoError(t, err, stmt)
	return rows
}

func stepError(t *testing.T, err error) *executor.StepError {
	t.Helper()
	require.Error(t, err)
	se := executor.Classify(err)
	require.NotNil(t, se)
	return se
}

func TestOpen_Pragmas(t *testing.T) {
	db := openTestDB(t, Options{BusyTimeout: 1500 * time.Millisecond})
	c := testConn(t, db)

	tests := []struct {
		pragma string
		want   value.Value
	}{
		{"PRAGMA journal_mode", value.Text("wal")},
		{"PRAGMA synchronous", value.Integer(1)},
		{"PRAGMA busy_timeout", value.Integer(1500)},
		{"PRAGMA foreign_keys", value.Integer(1)},
	}
	for _, tt := range tests {
		rows := mustExec(t, c, tt.pragma, nil)
		require.Len(t, rows.Rows, 1, tt.pragma)
		assert.Equal(t, tt.want, rows.Rows[0][0], tt.pragma)
	}
}

func TestExecute_SelectColumns(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)

	mustExec(t, c, "CREATE TABLE t (id INTEGER PRIMARY KEY, name text, data BLOB, score REAL)", nil)
	mustExec(t, c, "INSERT INTO t (name, data, score) VALUES (?, ?, ?)",
		program.Positional{Values: []value.Value{value.Text("a"), value.Blob{1, 2}, value.Real(1.5)}})
	mustExec(t, c, "INSERT INTO t (name) VALUES (NULL)", nil)

	rows := mustExec(t, c, "SELECT id, name, data, score, id + 1 AS next FROM t ORDER BY id", nil)
	require.Len(t, rows.Columns, 5)

	assert.Equal(t, "id", rows.Columns[0].Name)
	require.NotNil(t, rows.Columns[0].Decltype)
	assert.Equal(t, "INTEGER", *rows.Columns[0].Decltype)
	require.NotNil(t, rows.Columns[1].Decltype)
	assert.Equal(t, "text", *rows.Columns[1].Decltype, "reported as declared")
	assert.Equal(t, "next", rows.Columns[4].Name)
	assert.Nil(t, rows.Columns[4].Decltype, "expressions have no declared type")

	assert.Equal(t, [][]value.Value{
		{value.Integer(1), value.Text("a"), value.Blob{1, 2}, value.Real(1.5), value.Integer(2)},
		{value.Integer(2), value.Null{}, value.Null{}, value.Null{}, value.Integer(3)},
	}, rows.Rows)
	assert.Zero(t, rows.AffectedRowCount)
	assert.Nil(t, rows.LastInsertRowid)
}

func TestExecute_ChangeCounters(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)
	mustExec(t, c, "CREATE TABLE t (id INTEGER PRIMARY KEY, n INTEGER)", nil)

	rows := mustExec(t, c, "INSERT INTO t (n) VALUES (1), (2), (3)", nil)
	assert.Equal(t, uint64(3), rows.AffectedRowCount)
	require.NotNil(t, rows.LastInsertRowid)
	assert.Equal(t, int64(3), *rows.LastInsertRowid)

	rows = mustExec(t, c, "UPDATE t SET n = n * 10 WHERE n > 1", nil)
	assert.Equal(t, uint64(2), rows.AffectedRowCount)
	assert.Nil(t, rows.LastInsertRowid)

	rows = mustExec(t, c, "DELETE FROM t", nil)
	assert.Equal(t, uint64(3), rows.AffectedRowCount)

	rows = mustExec(t, c, "SELECT count(*) FROM t", nil)
	assert.Zero(t, rows.AffectedRowCount, "reads report no changes")
}

func TestExecute_SkipRows(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)
	mustExec(t, c, "CREATE TABLE t (id INTEGER PRIMARY KEY, n INTEGER)", nil)

	q := program.Query{Stmt: "INSERT INTO t (n) VALUES (7), (8) RETURNING id, n", SkipRows: true}
	rows, err := c.Execute(context.Background(), q, 0)
	require.NoError(t, err)
	assert.Len(t, rows.Columns, 2)
	assert.Empty(t, rows.Rows)
	assert.Equal(t, uint64(2), rows.AffectedRowCount)

	// The statement ran to completion even though its rows were dropped.
	got := mustExec(t, c, "SELECT count(*) FROM t", nil)
	assert.Equal(t, value.Integer(2), got.Rows[0][0])
}

func TestExecute_NamedParams(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)

	rows := mustExec(t, c, "SELECT :a, @b, $c", program.Named{
		Names:  []string{":a", "b", "$c"},
		Values: []value.Value{value.Integer(1), value.Text("two"), value.Null{}},
	})
	assert.Equal(t, []value.Value{value.Integer(1), value.Text("two"), value.Null{}}, rows.Rows[0])
}

func TestExecute_NamedParamsBindExactSpelling(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)

	rows := mustExec(t, c, "SELECT :a, $a, @a", program.Named{
		Names:  []string{":a", "$a"},
		Values: []value.Value{value.Integer(1), value.Integer(2)},
	})
	assert.Equal(t, []value.Value{value.Integer(1), value.Integer(2), value.Null{}}, rows.Rows[0])

	rows = mustExec(t, c, "SELECT $a, :a", program.Named{
		Names:  []string{"a"},
		Values: []value.Value{value.Integer(7)},
	})
	assert.Equal(t, []value.Value{value.Null{}, value.Integer(7)}, rows.Rows[0],
		"a bare name binds the colon spelling first")

	rows = mustExec(t, c, "SELECT $a", program.Named{
		Names:  []string{"a"},
		Values: []value.Value{value.Integer(8)},
	})
	assert.Equal(t, []value.Value{value.Integer(8)}, rows.Rows[0])

	rows = mustExec(t, c, "SELECT ?, :x, ?, :x, ?5", program.Named{
		Names:  []string{":x", "?5", "unused"},
		Values: []value.Value{value.Text("x"), value.Integer(5), value.Integer(0)},
	})
	assert.Equal(t, []value.Value{value.Null{}, value.Text("x"), value.Null{}, value.Text("x"), value.Integer(5)}, rows.Rows[0])

	rows = mustExec(t, c, "SELECT ':a', :_a -- :b", program.Named{
		Names:  []string{"_a", ":b"},
		Values: []value.Value{value.Integer(3), value.Integer(4)},
	})
	assert.Equal(t, []value.Value{value.Text(":a"), value.Integer(3)}, rows.Rows[0])
}

func TestExecute_DeclaredTypesDoNotRewriteCells(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)

	mustExec(t, c, "CREATE TABLE t (d DATE, ts DATETIME, stamp TIMESTAMP, b BOOLEAN)", nil)
	mustExec(t, c, "INSERT INTO t VALUES ('tomorrow', 1700000000, 1700000000123, 5)", nil)
	mustExec(t, c, "INSERT INTO t VALUES ('2024-01-01', '2024-01-01 10:00:00', 'now', 0)", nil)
	mustExec(t, c, "INSERT INTO t VALUES (20240101, 1.5, NULL, 'yes')", nil)

	rows := mustExec(t, c, "SELECT d, ts, stamp, b FROM t ORDER BY rowid", nil)
	assert.Equal(t, [][]value.Value{
		{value.Text("tomorrow"), value.Integer(1700000000), value.Integer(1700000000123), value.Integer(5)},
		{value.Text("2024-01-01"), value.Text("2024-01-01 10:00:00"), value.Text("now"), value.Integer(0)},
		{value.Integer(20240101), value.Real(1.5), value.Null{}, value.Text("yes")},
	}, rows.Rows)

	require.Len(t, rows.Columns, 4)
	for i, want := range []string{"DATE", "DATETIME", "TIMESTAMP", "BOOLEAN"} {
		require.NotNil(t, rows.Columns[i].Decltype)
		assert.Equal(t, want, *rows.Columns[i].Decltype)
	}

	rows = mustExec(t, c, "UPDATE t SET b = b + 1 WHERE d = 'tomorrow' RETURNING d, b", nil)
	assert.Equal(t, [][]value.Value{{value.Text("tomorrow"), value.Integer(6)}}, rows.Rows)
}

func TestExecute_LeadingSeparator(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)

	rows := mustExec(t, c, " ; SELECT 1", nil)
	assert.Equal(t, [][]value.Value{{value.Integer(1)}}, rows.Rows)
}

func TestExecute_EmptyBlobIsNotNull(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)

	rows := mustExec(t, c, "SELECT typeof(?)", program.Positional{Values: []value.Value{value.Blob(nil)}})
	assert.Equal(t, value.Text("blob"), rows.Rows[0][0])
}

func TestExecute_SQLErrors(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)
	mustExec(t, c, "CREATE TABLE t (id INTEGER PRIMARY KEY, u TEXT UNIQUE)", nil)
	mustExec(t, c, "INSERT INTO t (u) VALUES ('x')", nil)

	tests := []struct {
		name string
		q    program.Query
	}{
		{"syntax", program.Query{Stmt: "SELEKT 1"}},
		{"missing table", program.Query{Stmt: "SELECT * FROM nope"}},
		{"unique constraint", program.Query{Stmt: "INSERT INTO t (u) VALUES ('x')"}},
		{"empty", program.Query{Stmt: "  ;  "}},
		{"multiple statements", program.Query{Stmt: "SELECT 1; SELECT 2"}},
		{"missing argument", program.Query{Stmt: "SELECT ?, ?", Params: program.Positional{Values: []value.Value{value.Integer(1)}}}},
		{"extra argument", program.Query{Stmt: "SELECT ?", Params: program.Positional{Values: []value.Value{value.Integer(1), value.Integer(2)}}}},
		{"colliding names", program.Query{Stmt: "SELECT :a", Params: program.Named{Names: []string{"a", ":a"}, Values: []value.Value{value.Integer(1), value.Integer(2)}}}},
		{"mismatched names", program.Query{Stmt: "SELECT :a", Params: program.Named{Names: []string{"a", "b"}, Values: []value.Value{value.Integer(1)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Execute(context.Background(), tt.q, 0)
			assert.Equal(t, executor.SQLError, stepError(t, err).Code)
		})
	}

	// None of the failures disturbed the connection.
	rows := mustExec(t, c, "SELECT count(*) FROM t", nil)
	assert.Equal(t, value.Integer(1), rows.Rows[0][0])
}

func TestExecute_ResponseBudget(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)

	q := program.Query{Stmt: "SELECT 'abcdefgh' UNION ALL SELECT 'ijklmnop'"}

	// Each row is 12+8 bytes.
	_, err := c.Execute(context.Background(), q, 39)
	assert.ErrorIs(t, err, executor.ErrResponseTooLarge)

	rows, err := c.Execute(context.Background(), q, 40)
	require.NoError(t, err)
	assert.Len(t, rows.Rows, 2)

	q.SkipRows = true
	_, err = c.Execute(context.Background(), q, 1)
	assert.NoError(t, err, "skipped rows do not count")
}

func TestExecute_Policy(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)
	mustExec(t, c, "CREATE TABLE t (a)", nil)

	db.SetPolicy(meta.DatabaseConfig{BlockWrites: true, BlockReason: "maintenance"})
	_, err := c.Execute(context.Background(), program.Query{Stmt: "INSERT INTO t VALUES (1)"}, 0)
	se := stepError(t, err)
	assert.Equal(t, executor.SQLError, se.Code)
	assert.Equal(t, "writes are blocked: maintenance", se.Message)
	mustExec(t, c, "SELECT * FROM t", nil)

	db.SetPolicy(meta.DatabaseConfig{BlockReads: true})
	_, err = c.Execute(context.Background(), program.Query{Stmt: "SELECT * FROM t"}, 0)
	assert.Equal(t, "reads are blocked", stepError(t, err).Message)
	mustExec(t, c, "INSERT INTO t VALUES (1)", nil)

	db.SetPolicy(meta.DatabaseConfig{})
	mustExec(t, c, "SELECT * FROM t", nil)
}

func TestConn_AutocommitAndRollback(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)
	ctx := context.Background()
	mustExec(t, c, "CREATE TABLE t (a)", nil)

	ac, err := c.IsAutocommit(ctx)
	require.NoError(t, err)
	assert.True(t, ac)

	mustExec(t, c, "BEGIN", nil)
	mustExec(t, c, "INSERT INTO t VALUES (1)", nil)
	ac, err = c.IsAutocommit(ctx)
	require.NoError(t, err)
	assert.False(t, ac)

	require.NoError(t, c.Rollback(ctx))
	ac, err = c.IsAutocommit(ctx)
	require.NoError(t, err)
	assert.True(t, ac)

	rows := mustExec(t, c, "SELECT count(*) FROM t", nil)
	assert.Equal(t, value.Integer(0), rows.Rows[0][0])

	require.NoError(t, c.Rollback(ctx), "rollback without a transaction is a no-op")
}

func TestConn_CloseDiscardsConnectionState(t *testing.T) {
	db := openTestDB(t, Options{})

	c, err := db.Conn(context.Background())
	require.NoError(t, err)
	mustExec(t, c, "CREATE TEMP TABLE scratch (a)", nil)
	mustExec(t, c, "BEGIN", nil)
	mustExec(t, c, "INSERT INTO scratch VALUES (1)", nil)
	require.NoError(t, c.Close())

	c2 := testConn(t, db)
	_, err = c2.Execute(context.Background(), program.Query{Stmt: "SELECT * FROM scratch"}, 0)
	assert.Equal(t, executor.SQLError, stepError(t, err).Code)

	ac, err := c2.IsAutocommit(context.Background())
	require.NoError(t, err)
	assert.True(t, ac)
}

// commitLog records how the database numbers its commits.
type commitLog struct {
	mu     sync.Mutex
	fail   bool
	next   uint64
	events []string
}

func (l *commitLog) Reserve() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return 0, errors.New("lease unavailable")
	}
	l.next++
	l.events = append(l.events, fmt.Sprintf("reserve %d", l.next))
	return l.next, nil
}

func (l *commitLog) Publish(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf("publish %d", n))
}

func (l *commitLog) setFail(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}

// take returns the events recorded since the last call.
func (l *commitLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.events
	l.events = nil
	return events
}

func TestCommits(t *testing.T) {
	log := &commitLog{}
	db := openTestDB(t, Options{Commits: log})
	c := testConn(t, db)

	mustExec(t, c, "CREATE TABLE t (a)", nil)
	assert.Equal(t, []string{"reserve 1", "publish 1"}, log.take())

	mustExec(t, c, "INSERT INTO t VALUES (1)", nil)
	assert.Equal(t, []string{"reserve 2", "publish 2"}, log.take())

	mustExec(t, c, "SELECT * FROM t", nil)
	assert.Empty(t, log.take(), "reads do not commit")

	mustExec(t, c, "BEGIN", nil)
	mustExec(t, c, "INSERT INTO t VALUES (2)", nil)
	mustExec(t, c, "INSERT INTO t VALUES (3)", nil)
	assert.Empty(t, log.take(), "nothing commits inside a transaction")
	mustExec(t, c, "COMMIT", nil)
	assert.Equal(t, []string{"reserve 3", "publish 3"}, log.take())
}

func TestCommits_ReserveErrorAbortsCommit(t *testing.T) {
	log := &commitLog{}
	db := openTestDB(t, Options{Commits: log})
	c := testConn(t, db)
	mustExec(t, c, "CREATE TABLE t (a)", nil)
	log.take()

	log.setFail(true)
	_, err := c.Execute(context.Background(), program.Query{Stmt: "INSERT INTO t VALUES (1)"}, 0)
	require.Error(t, err)
	assert.Empty(t, log.take())

	log.setFail(false)
	rows := mustExec(t, c, "SELECT count(*) FROM t", nil)
	assert.Equal(t, value.Integer(0), rows.Rows[0][0])
}

func TestCommits_PublishOnlyAfterCleanStatement(t *testing.T) {
	log := &commitLog{}
	db := openTestDB(t, Options{Commits: log})

	// The commit hook fires before SQLite finishes committing; a
	// reservation is held until the statement's outcome is known.
	sc := &sqlite3.SQLiteConn{}
	n, err := log.Reserve()
	require.NoError(t, err)
	db.pending[sc] = n
	db.settle(sc, false)
	assert.Equal(t, []string{"reserve 1"}, log.take(), "failed statement must not publish")
	assert.Empty(t, db.pending)

	n, err = log.Reserve()
	require.NoError(t, err)
	db.pending[sc] = n
	db.settle(sc, true)
	assert.Equal(t, []string{"reserve 2", "publish 2"}, log.take())

	db.settle(sc, true)
	assert.Empty(t, log.take(), "nothing reserved, nothing published")
}

func TestCommits_FrameLogLagsUntilStatementReturns(t *testing.T) {
	marks, err := meta.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { marks.Close() })
	frames, err := replication.Open(marks, 0)
	require.NoError(t, err)

	var seen atomic.Uint64
	db := openTestDB(t, Options{Commits: observedLog{frames, &seen}})
	c := testConn(t, db)

	mustExec(t, c, "CREATE TABLE t (a)", nil)
	assert.Zero(t, seen.Load(), "the reserving commit is not visible from its own hook")
	assert.Equal(t, uint64(1), frames.CurrentFrameNo())

	mustExec(t, c, "INSERT INTO t VALUES (1)", nil)
	assert.Equal(t, uint64(1), seen.Load())
	assert.Equal(t, uint64(2), frames.CurrentFrameNo())
}

// observedLog records the current frame as each commit reserves.
type observedLog struct {
	*replication.FrameLog
	seen *atomic.Uint64
}

func (l observedLog) Reserve() (uint64, error) {
	l.seen.Store(l.CurrentFrameNo())
	return l.FrameLog.Reserve()
}

func TestExecute_LockContention(t *testing.T) {
	db := openTestDB(t, Options{BusyTimeout: 50 * time.Millisecond})
	holder := testConn(t, db)
	waiter := testConn(t, db)

	mustExec(t, holder, "CREATE TABLE t (a)", nil)
	mustExec(t, holder, "BEGIN IMMEDIATE", nil)
	mustExec(t, holder, "INSERT INTO t VALUES (1)", nil)

	_, err := waiter.Execute(context.Background(), program.Query{Stmt: "INSERT INTO t VALUES (2)"}, 0)
	se := stepError(t, err)
	assert.Contains(t, []executor.ErrorCode{executor.TxTimeout, executor.TxBusy}, se.Code)

	// Readers are not blocked by the writer in WAL mode.
	rows := mustExec(t, waiter, "SELECT count(*) FROM t", nil)
	assert.Equal(t, value.Integer(0), rows.Rows[0][0])
}

func TestCheckpoint(t *testing.T) {
	db := openTestDB(t, Options{})
	c := testConn(t, db)
	mustExec(t, c, "CREATE TABLE t (a)", nil)
	mustExec(t, c, "INSERT INTO t VALUES (1)", nil)

	require.NoError(t, db.Checkpoint(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		db.RunCheckpoints(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checkpoint loop did not stop")
	}
}
