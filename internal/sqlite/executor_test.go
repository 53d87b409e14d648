package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlfwd/internal/executor"
	"github.com/roach88/sqlfwd/internal/meta"
	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/replication"
	"github.com/roach88/sqlfwd/internal/value"
)

// framedDB wires a database to a frame log the way the server does.
func framedDB(t *testing.T) (*DB, *replication.FrameLog) {
	t.Helper()
	marks, err := meta.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { marks.Close() })

	frames, err := replication.Open(marks, 0)
	require.NoError(t, err)

	db := openTestDB(t, Options{Commits: frames})
	return db, frames
}

func TestProgram_CompensatingStep(t *testing.T) {
	db, frames := framedDB(t)
	c := testConn(t, db)
	mustExec(t, c, "CREATE TABLE t (k TEXT PRIMARY KEY)", nil)
	mustExec(t, c, "INSERT INTO t VALUES ('dup')", nil)

	exec := executor.New(frames)
	res, err := exec.Run(context.Background(), c, program.Program{Steps: []program.Step{
		{Query: program.Query{Stmt: "INSERT INTO t VALUES ('dup')"}},
		{Cond: program.Err{Step: 0}, Query: program.Query{Stmt: "DELETE FROM t WHERE k = 'dup'"}},
	}})
	require.NoError(t, err)

	require.Len(t, res.Steps, 2)
	require.NotNil(t, res.Steps[0].Err)
	assert.Equal(t, executor.SQLError, res.Steps[0].Err.Code)
	require.NotNil(t, res.Steps[1].Rows)
	assert.Equal(t, uint64(1), res.Steps[1].Rows.AffectedRowCount)
	assert.Equal(t, executor.StateInit, res.State)
	assert.Equal(t, frames.CurrentFrameNo(), res.FrameNo)
}

func TestProgram_TransactionSpansPrograms(t *testing.T) {
	db, frames := framedDB(t)
	c := testConn(t, db)
	mustExec(t, c, "CREATE TABLE t (a INTEGER)", nil)
	exec := executor.New(frames)
	ctx := context.Background()

	res, err := exec.Run(ctx, c, program.Batch(
		program.Query{Stmt: "BEGIN"},
		program.Query{Stmt: "INSERT INTO t VALUES (1)"},
	))
	require.NoError(t, err)
	assert.Equal(t, executor.StateTxn, res.State)
	before := res.FrameNo

	res, err = exec.Run(ctx, c, program.Program{Steps: []program.Step{
		{Cond: program.Not{Cond: program.IsAutocommit{}}, Query: program.Query{Stmt: "COMMIT"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, executor.StateInit, res.State)
	assert.Greater(t, res.FrameNo, before, "commit advances the frame log")

	res, err = exec.Run(ctx, c, program.Program{Steps: []program.Step{
		{Query: program.Query{Stmt: "SELECT count(*) FROM t"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, value.Integer(1), res.Steps[0].Rows.Rows[0][0])
}

func TestProgram_BatchOrRollback(t *testing.T) {
	db, frames := framedDB(t)
	c := testConn(t, db)
	mustExec(t, c, "CREATE TABLE t (a INTEGER NOT NULL)", nil)
	exec := executor.New(frames)
	ctx := context.Background()

	res, err := exec.Run(ctx, c, program.BatchOrRollback(
		program.Query{Stmt: "BEGIN"},
		program.Query{Stmt: "INSERT INTO t VALUES (1)"},
		program.Query{Stmt: "INSERT INTO t VALUES (NULL)"},
		program.Query{Stmt: "COMMIT"},
	))
	require.NoError(t, err)

	// BEGIN, both INSERTs, and the ROLLBACK ran; COMMIT was skipped.
	require.Len(t, res.Steps, 4)
	assert.Equal(t, 2, res.Steps[2].Step)
	assert.NotNil(t, res.Steps[2].Err)
	assert.Equal(t, 4, res.Steps[3].Step)
	assert.Nil(t, res.Steps[3].Err)
	assert.Equal(t, executor.StateInit, res.State)

	rows := mustExec(t, c, "SELECT count(*) FROM t", nil)
	assert.Equal(t, value.Integer(0), rows.Rows[0][0])
}

func TestProgram_SkipRowsMatchesFullRun(t *testing.T) {
	db, frames := framedDB(t)
	c := testConn(t, db)
	mustExec(t, c, "CREATE TABLE t (a INTEGER)", nil)
	exec := executor.New(frames)
	ctx := context.Background()

	run := func(skip bool) *executor.Results {
		res, err := exec.Run(ctx, c, program.Program{Steps: []program.Step{
			{Query: program.Query{Stmt: "INSERT INTO t VALUES (1) RETURNING a", SkipRows: skip}},
			{Query: program.Query{Stmt: "SELECT count(*) FROM t", SkipRows: skip}},
		}})
		require.NoError(t, err)
		return res
	}

	full := run(false)
	skipped := run(true)

	require.Len(t, skipped.Steps, len(full.Steps))
	for i := range full.Steps {
		assert.Equal(t, full.Steps[i].Rows.Columns, skipped.Steps[i].Rows.Columns)
		assert.Equal(t, full.Steps[i].Rows.AffectedRowCount, skipped.Steps[i].Rows.AffectedRowCount)
		assert.Empty(t, skipped.Steps[i].Rows.Rows)
	}
	assert.Equal(t, full.State, skipped.State)
}
