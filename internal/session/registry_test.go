package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlfwd/internal/executor"
	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/testutil"
)

type fakeConn struct {
	id        int
	mu        sync.Mutex
	inTxn     bool
	rollbacks int
	closed    bool
}

func (c *fakeConn) Execute(context.Context, program.Query, int) (*executor.Rows, error) {
	return &executor.Rows{}, nil
}

func (c *fakeConn) IsAutocommit(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.inTxn, nil
}

func (c *fakeConn) Rollback(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks++
	c.inTxn = false
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeOpener struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (o *fakeOpener) open(context.Context) (Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	c := &fakeConn{id: len(o.conns) + 1}
	o.conns = append(o.conns, c)
	return c, nil
}

func (o *fakeOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.conns)
}

type recordingObserver struct {
	mu        sync.Mutex
	active    int
	evictions []string
}

func (o *recordingObserver) ObserveActiveSessions(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = n
}

func (o *recordingObserver) ObserveEviction(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evictions = append(o.evictions, reason)
}

func newTestRegistry(t *testing.T, cfg Config, opts ...Option) (*Registry, *fakeOpener, *testutil.ManualClock) {
	t.Helper()
	opener := &fakeOpener{}
	clock := testutil.NewManualClock(time.Time{})
	opts = append([]Option{WithClock(clock)}, opts...)
	r := NewRegistry(opener.open, cfg, opts...)
	t.Cleanup(func() { r.Close(context.Background()) })
	return r, opener, clock
}

func results(state executor.State) *executor.Results {
	return &executor.Results{State: state}
}

func TestAcquire_CreatesOnFirstUse(t *testing.T) {
	r, opener, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	h, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", h.ClientID())
	first := h.Conn()
	h.Release(results(executor.StateInit))

	h, err = r.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, first, h.Conn(), "same client reuses its connection")
	h.Release(nil)

	h, err = r.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.NotSame(t, first, h.Conn())
	h.Release(nil)

	assert.Equal(t, 2, opener.opened())
	assert.Equal(t, 2, r.Len())
}

func TestAcquire_QueuesSameClient(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	h, err := r.Acquire(ctx, "a")
	require.NoError(t, err)

	acquired := make(chan *Handle)
	go func() {
		h2, err := r.Acquire(ctx, "a")
		assert.NoError(t, err)
		acquired <- h2
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must wait for the first release")
	case <-time.After(50 * time.Millisecond):
	}

	// A different client is not blocked.
	other, err := r.Acquire(ctx, "b")
	require.NoError(t, err)
	other.Release(nil)

	h.Release(results(executor.StateTxn))
	select {
	case h2 := <-acquired:
		h2.Release(nil)
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded")
	}
}

func TestAcquire_WaitHonorsContext(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	h, err := r.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer h.Release(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelease_InvalidResetsConnection(t *testing.T) {
	r, opener, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	h, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	first := h.Conn().(*fakeConn)
	first.inTxn = true
	h.Release(results(executor.StateInvalid))

	assert.True(t, first.isClosed())
	assert.Equal(t, 1, first.rollbacks)

	h, err = r.Acquire(ctx, "a")
	require.NoError(t, err)
	defer h.Release(nil)
	fresh := h.Conn().(*fakeConn)
	assert.NotSame(t, first, fresh)
	ac, err := fresh.IsAutocommit(ctx)
	require.NoError(t, err)
	assert.True(t, ac, "a reset session starts outside any transaction")
	assert.Equal(t, 2, opener.opened())
}

func TestRelease_Twice(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})
	h, err := r.Acquire(context.Background(), "a")
	require.NoError(t, err)
	h.Release(nil)
	h.Release(nil)

	h, err = r.Acquire(context.Background(), "a")
	require.NoError(t, err)
	h.Release(nil)
}

func TestDisconnect(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	h, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	conn := h.Conn().(*fakeConn)
	conn.inTxn = true
	h.Release(results(executor.StateTxn))

	require.NoError(t, r.Disconnect(ctx, "a"))
	assert.True(t, conn.isClosed())
	assert.Equal(t, 1, conn.rollbacks)
	assert.Zero(t, r.Len())

	// Idempotent, and unknown clients are fine.
	require.NoError(t, r.Disconnect(ctx, "a"))
	require.NoError(t, r.Disconnect(ctx, "never-seen"))
}

func TestDisconnect_WaitsForRunningProgram(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	h, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	conn := h.Conn().(*fakeConn)

	done := make(chan error)
	go func() { done <- r.Disconnect(ctx, "a") }()

	select {
	case <-done:
		t.Fatal("disconnect must wait for the running program")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, conn.isClosed())

	h.Release(results(executor.StateInit))
	require.NoError(t, <-done)
	assert.True(t, conn.isClosed())
}

func TestAcquire_AfterDisconnectWhileQueued(t *testing.T) {
	r, opener, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	h, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	old := h.Conn()

	disconnected := make(chan error)
	go func() { disconnected <- r.Disconnect(ctx, "a") }()
	time.Sleep(20 * time.Millisecond)

	acquired := make(chan *Handle)
	go func() {
		h2, err := r.Acquire(ctx, "a")
		assert.NoError(t, err)
		acquired <- h2
	}()
	time.Sleep(20 * time.Millisecond)

	h.Release(nil)
	require.NoError(t, <-disconnected)

	h2 := <-acquired
	defer h2.Release(nil)
	assert.NotSame(t, old, h2.Conn(), "a disconnected session is never handed out")
	assert.Equal(t, 2, opener.opened())
}

func TestSweep_IdleAndTxnTimeouts(t *testing.T) {
	obs := &recordingObserver{}
	r, _, clock := newTestRegistry(t, Config{
		IdleTimeout: time.Minute,
		TxnTimeout:  5 * time.Second,
	}, WithObserver(obs))
	ctx := context.Background()

	h, err := r.Acquire(ctx, "idle")
	require.NoError(t, err)
	idleConn := h.Conn().(*fakeConn)
	h.Release(results(executor.StateInit))

	h, err = r.Acquire(ctx, "txn")
	require.NoError(t, err)
	txnConn := h.Conn().(*fakeConn)
	txnConn.inTxn = true
	h.Release(results(executor.StateTxn))

	clock.Advance(4 * time.Second)
	assert.Zero(t, r.Sweep())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, r.Sweep())
	assert.True(t, txnConn.isClosed())
	assert.Equal(t, 1, txnConn.rollbacks)
	assert.False(t, idleConn.isClosed())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, r.Sweep())
	assert.True(t, idleConn.isClosed())
	assert.Zero(t, r.Len())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{EvictTxnTimeout, EvictIdle}, obs.evictions)
	assert.Zero(t, obs.active)
}

func TestSweep_SkipsBusySessions(t *testing.T) {
	r, _, clock := newTestRegistry(t, Config{IdleTimeout: time.Second})
	h, err := r.Acquire(context.Background(), "busy")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Zero(t, r.Sweep())
	assert.False(t, h.Conn().(*fakeConn).isClosed())

	h.Release(nil)
	// Release counts as use.
	assert.Zero(t, r.Sweep())
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, r.Sweep())
}

func TestThrottle_CreateTimeout(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{MaxSessions: 1, CreateTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	h, err := r.Acquire(ctx, "a")
	require.NoError(t, err)

	_, err = r.Acquire(ctx, "b")
	assert.ErrorIs(t, err, ErrCreateTimeout)
	assert.Equal(t, 1, r.Len(), "failed session is not registered")

	// Freeing the slot lets the next client in.
	h.Release(nil)
	require.NoError(t, r.Disconnect(ctx, "a"))
	h, err = r.Acquire(ctx, "b")
	require.NoError(t, err)
	h.Release(nil)
}

func TestThrottle_TooManyWaiters(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{MaxSessions: 1, MaxWaiters: 1, CreateTimeout: time.Second})
	ctx := context.Background()

	h, err := r.Acquire(ctx, "a")
	require.NoError(t, err)

	waiterErr := make(chan error)
	go func() {
		h2, err := r.Acquire(ctx, "b")
		if err == nil {
			h2.Release(nil)
		}
		waiterErr <- err
	}()
	require.Eventually(t, func() bool { return r.waiters.Load() == 1 }, time.Second, time.Millisecond)

	_, err = r.Acquire(ctx, "c")
	assert.ErrorIs(t, err, ErrTooManyRequests)

	h.Release(nil)
	require.NoError(t, r.Disconnect(ctx, "a"))
	require.NoError(t, <-waiterErr)
}

func TestAcquire_OpenFailure(t *testing.T) {
	r, opener, _ := newTestRegistry(t, Config{MaxSessions: 1})
	opener.err = errors.New("disk on fire")

	_, err := r.Acquire(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Zero(t, r.Len())

	// The slot was returned.
	opener.mu.Lock()
	opener.err = nil
	opener.mu.Unlock()
	h, err := r.Acquire(context.Background(), "a")
	require.NoError(t, err)
	h.Release(nil)
}

func TestClose(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	h, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	conn := h.Conn().(*fakeConn)
	h.Release(nil)

	require.NoError(t, r.Close(ctx))
	assert.True(t, conn.isClosed())

	_, err = r.Acquire(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRun_StopsWithContext(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not stop")
	}
}
