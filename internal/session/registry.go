// Package session maps client ids to dedicated database connections.
//
// A session is created on a client's first request and lives until the
// client disconnects, it sits idle too long, or the registry closes. At
// most one program runs on a session at a time; further requests for the
// same client queue behind it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/sqlfwd/internal/executor"
)

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("session registry is closed")

	// ErrTooManyRequests is returned when too many callers are already
	// waiting for a connection.
	ErrTooManyRequests = errors.New("too many requests waiting for a connection")

	// ErrCreateTimeout is returned when no connection became available
	// within the create timeout.
	ErrCreateTimeout = errors.New("timed out waiting for a connection")
)

// Conn is the connection a session owns.
type Conn interface {
	executor.Conn
	Rollback(ctx context.Context) error
	Close() error
}

// OpenFunc opens a new session connection.
type OpenFunc func(ctx context.Context) (Conn, error)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Observer receives session lifecycle events, typically for metrics.
type Observer interface {
	ObserveActiveSessions(n int)
	ObserveEviction(reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveActiveSessions(int) {}
func (nopObserver) ObserveEviction(string)    {}

// Eviction reasons passed to Observer.ObserveEviction.
const (
	EvictIdle       = "idle"
	EvictTxnTimeout = "txn_timeout"
)

// Config bounds session lifetimes and connection creation.
type Config struct {
	// IdleTimeout evicts sessions unused for this long.
	IdleTimeout time.Duration
	// TxnTimeout evicts sessions left idle inside an open transaction.
	TxnTimeout time.Duration
	// SweepInterval is how often Run looks for sessions to evict.
	SweepInterval time.Duration
	// MaxSessions bounds open connections.
	MaxSessions int
	// CreateTimeout bounds the wait for a connection slot.
	CreateTimeout time.Duration
	// MaxWaiters bounds callers waiting for a connection slot.
	MaxWaiters int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   5 * time.Minute,
		TxnTimeout:    5 * time.Second,
		SweepInterval: time.Second,
		MaxSessions:   128,
		CreateTimeout: 5 * time.Second,
		MaxWaiters:    128,
	}
}

// Registry owns every live session.
type Registry struct {
	open     OpenFunc
	cfg      Config
	logger   *slog.Logger
	clock    Clock
	observer Observer

	slots   *semaphore.Weighted
	waiters atomic.Int64
	active  atomic.Int64

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// session is guarded by lock; every field below it is only touched by the
// holder of lock.
type session struct {
	id   string
	lock *semaphore.Weighted

	conn     Conn
	inTxn    bool
	lastUsed time.Time
	removed  bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithClock sets the time source used for idle accounting.
func WithClock(c Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// NewRegistry creates a registry that opens connections with open.
// Zero fields in cfg take their DefaultConfig values.
func NewRegistry(open OpenFunc, cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.TxnTimeout <= 0 {
		cfg.TxnTimeout = def.TxnTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = def.CreateTimeout
	}
	if cfg.MaxWaiters <= 0 {
		cfg.MaxWaiters = def.MaxWaiters
	}

	r := &Registry{
		open:     open,
		cfg:      cfg,
		logger:   slog.Default(),
		clock:    systemClock{},
		observer: nopObserver{},
		slots:    semaphore.NewWeighted(int64(cfg.MaxSessions)),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle is exclusive access to one session. It must be released exactly
// once.
type Handle struct {
	r        *Registry
	s        *session
	released bool
}

// ClientID returns the id of the session's client.
func (h *Handle) ClientID() string {
	return h.s.id
}

// Conn returns the session's connection.
func (h *Handle) Conn() Conn {
	return h.s.conn
}

// Acquire returns exclusive access to clientID's session, creating it on
// first use. If a program is already running on the session, Acquire
// waits for it to finish or for ctx to be done.
func (r *Registry) Acquire(ctx context.Context, clientID string) (*Handle, error) {
	for {
		s, err := r.lookup(clientID)
		if err != nil {
			return nil, err
		}
		if err := s.lock.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		if s.removed {
			// Disconnected or evicted while we waited; start over.
			s.lock.Release(1)
			continue
		}
		if s.conn == nil {
			if err := r.connect(ctx, s); err != nil {
				r.remove(s)
				s.lock.Release(1)
				return nil, err
			}
		}
		return &Handle{r: r, s: s}, nil
	}
}

func (r *Registry) lookup(clientID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	s, ok := r.sessions[clientID]
	if !ok {
		s = &session{
			id:       clientID,
			lock:     semaphore.NewWeighted(1),
			lastUsed: r.clock.Now(),
		}
		r.sessions[clientID] = s
	}
	return s, nil
}

// connect opens a connection for s, waiting for a free slot if every
// connection is in use.
func (r *Registry) connect(ctx context.Context, s *session) error {
	if n := r.waiters.Add(1); n > int64(r.cfg.MaxWaiters) {
		r.waiters.Add(-1)
		return ErrTooManyRequests
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.CreateTimeout)
	err := r.slots.Acquire(waitCtx, 1)
	cancel()
	r.waiters.Add(-1)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrCreateTimeout
	}

	conn, err := r.open(ctx)
	if err != nil {
		r.slots.Release(1)
		return fmt.Errorf("open session connection: %w", err)
	}
	s.conn = conn
	s.inTxn = false
	s.lastUsed = r.clock.Now()
	r.observer.ObserveActiveSessions(int(r.active.Add(1)))
	r.logger.Debug("session opened", "client_id", s.id)
	return nil
}

// Release returns the session. res is the outcome of the program that ran
// on it, or nil if nothing ran. A session left Invalid is reset: its
// connection is rolled back and discarded, and the next Acquire opens a
// fresh one.
func (h *Handle) Release(res *executor.Results) {
	if h.released {
		return
	}
	h.released = true

	r, s := h.r, h.s
	s.lastUsed = r.clock.Now()
	if res != nil {
		switch res.State {
		case executor.StateInvalid:
			if err := r.closeConn(s); err != nil {
				r.logger.Warn("session reset failed", "client_id", s.id, "error", err)
			} else {
				r.logger.Info("session reset", "client_id", s.id)
			}
		case executor.StateTxn:
			s.inTxn = true
		default:
			s.inTxn = false
		}
	}
	s.lock.Release(1)
}

// Disconnect ends clientID's session, rolling back any open transaction.
// It waits for a running program to finish. Disconnecting an unknown
// client succeeds.
func (r *Registry) Disconnect(ctx context.Context, clientID string) error {
	r.mu.Lock()
	s, ok := r.sessions[clientID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lock.Release(1)
	if s.removed {
		return nil
	}
	r.remove(s)
	err := r.closeConn(s)
	r.logger.Info("session disconnected", "client_id", clientID)
	return err
}

// Sweep evicts sessions idle past their timeout and returns how many were
// evicted. Sessions running a program are skipped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	candidates := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	now := r.clock.Now()
	evicted := 0
	for _, s := range candidates {
		if !s.lock.TryAcquire(1) {
			continue
		}
		if reason := r.evictReason(s, now); reason != "" {
			r.remove(s)
			if err := r.closeConn(s); err != nil {
				r.logger.Warn("closing evicted session", "client_id", s.id, "error", err)
			}
			r.observer.ObserveEviction(reason)
			r.logger.Info("session evicted",
				"client_id", s.id,
				"reason", reason,
				"idle", now.Sub(s.lastUsed),
			)
			evicted++
		}
		s.lock.Release(1)
	}
	return evicted
}

func (r *Registry) evictReason(s *session, now time.Time) string {
	if s.removed {
		return ""
	}
	idle := now.Sub(s.lastUsed)
	switch {
	case s.inTxn && idle > r.cfg.TxnTimeout:
		return EvictTxnTimeout
	case idle > r.cfg.IdleTimeout:
		return EvictIdle
	}
	return ""
}

// Run sweeps every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close ends every session, waiting for running programs to finish or
// ctx to be done. Acquire fails with ErrClosed afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.lock.Acquire(ctx, 1); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
			continue
		}
		s.removed = true
		if err := r.closeConn(s); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
		}
		s.lock.Release(1)
	}
	return errors.Join(errs...)
}

// remove marks s removed and drops it from the map. The caller holds s.lock.
func (r *Registry) remove(s *session) {
	s.removed = true
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// closeConn rolls back and closes s's connection and frees its slot. The
// caller holds s.lock.
func (r *Registry) closeConn(s *session) error {
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.inTxn = false

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TxnTimeout)
	defer cancel()
	err := errors.Join(conn.Rollback(ctx), conn.Close())

	r.slots.Release(1)
	r.observer.ObserveActiveSessions(int(r.active.Add(-1)))
	return err
}
