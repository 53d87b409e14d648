// Package sqlite adapts a SQLite database to the executor's connection
// interface. Every session gets a dedicated connection so transactions
// span programs.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/sqlfwd/internal/meta"
)

var driverSeq atomic.Int64

// CommitLog numbers committed write transactions.
type CommitLog interface {
	// Reserve runs inside SQLite's commit hook, before the commit has
	// completed. A non-nil error turns the commit into a rollback.
	Reserve() (uint64, error)
	// Publish receives a reserved number once the statement that
	// committed it has finished without error.
	Publish(n uint64)
}

// Options configures a DB.
type Options struct {
	// BusyTimeout is how long a statement waits on a locked database
	// before failing with SQLITE_BUSY. Default: 5s.
	BusyTimeout time.Duration

	// MaxConns bounds open connections. Default: 64.
	MaxConns int

	// Commits, if set, numbers every committed write transaction.
	Commits CommitLog

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DB is a SQLite database shared by all sessions.
type DB struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	policy atomic.Pointer[meta.DatabaseConfig]

	commits CommitLog
	mu      sync.Mutex
	pending map[*sqlite3.SQLiteConn]uint64 // reserved, not yet published
}

// Open opens or creates the database at path.
//
// Each connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - the configured busy timeout
//   - foreign key enforcement
func Open(path string, opts Options) (*DB, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &DB{
		path:    path,
		logger:  opts.Logger,
		commits: opts.Commits,
		pending: make(map[*sqlite3.SQLiteConn]uint64),
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}

	// The commit hook has to be installed on each raw connection, which
	// needs a driver of our own.
	name := fmt.Sprintf("sqlfwd_sqlite3_%d", driverSeq.Add(1))
	sql.Register(name, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range pragmas {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return fmt.Errorf("failed to execute %q: %w", pragma, err)
				}
			}
			if d.commits != nil {
				conn.RegisterCommitHook(func() int {
					n, err := d.commits.Reserve()
					if err != nil {
						d.logger.Error("commit aborted", "error", err)
						return 1
					}
					d.mu.Lock()
					d.pending[conn] = n
					d.mu.Unlock()
					return 0
				})
			}
			return nil
		},
	})

	db, err := sql.Open(name, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxConns)
	// Session connections are discarded when the session ends, so idle
	// connections are only ever used for maintenance.
	db.SetMaxIdleConns(1)

	d.db = db
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// SetPolicy replaces the access policy applied to client statements.
func (d *DB) SetPolicy(cfg meta.DatabaseConfig) {
	d.policy.Store(&cfg)
}

// Policy returns the current access policy.
func (d *DB) Policy() meta.DatabaseConfig {
	if p := d.policy.Load(); p != nil {
		return *p
	}
	return meta.DatabaseConfig{}
}

// Conn reserves a dedicated connection for a session.
func (d *DB) Conn(ctx context.Context) (*Conn, error) {
	c, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Conn{conn: c, db: d}, nil
}

// Checkpoint copies the WAL back into the database file and truncates it.
func (d *DB) Checkpoint(ctx context.Context) error {
	var busy, logFrames, checkpointed int
	row := d.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err := row.Scan(&busy, &logFrames, &checkpointed); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if busy != 0 {
		d.logger.Debug("checkpoint incomplete, readers active",
			"wal_frames", logFrames, "checkpointed", checkpointed)
	}
	return nil
}

// RunCheckpoints checkpoints every interval until ctx is done.
func (d *DB) RunCheckpoints(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("periodic checkpoint failed", "error", err)
			}
		}
	}
}

// settle publishes the commit sc reserved while running a statement, or
// drops it when the statement failed. The commit hook fires before SQLite
// has finished committing, so only a statement that returned cleanly
// proves the commit completed.
func (d *DB) settle(sc *sqlite3.SQLiteConn, ok bool) {
	if d.commits == nil {
		return
	}
	d.mu.Lock()
	n, reserved := d.pending[sc]
	delete(d.pending, sc)
	d.mu.Unlock()
	if reserved && ok {
		d.commits.Publish(n)
	}
}

// rawConn runs f with the driver connection underneath c.
func rawConn(c *sql.Conn, f func(*sqlite3.SQLiteConn) error) error {
	return c.Raw(func(dc any) error {
		sc, ok := dc.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", dc)
		}
		return f(sc)
	})
}

// errDiscard makes database/sql close the connection instead of
// returning it to the pool.
var errDiscard = driver.ErrBadConn
