// Package replication tracks the primary's replication position.
package replication

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultLeaseSize is how many frame numbers are reserved per durable write.
const DefaultLeaseSize = 1024

// MarkStore persists the frame high-water mark.
type MarkStore interface {
	FrameNo() (uint64, error)
	SetFrameNo(uint64) error
}

// FrameLog is a monotonic counter of committed write transactions. A
// replica that has applied frame N has observed every commit numbered N or
// lower.
//
// A commit takes its number with Reserve while SQLite is still committing
// and hands it to Publish once the commit has completed. CurrentFrameNo
// only reports published numbers. A reserved number whose commit fails is
// never published and leaves a gap.
//
// Frame numbers are leased from the MarkStore in blocks: before a number
// beyond the persisted mark is handed out, the mark is moved ahead by the
// lease size. After a crash the log resumes from the persisted mark, so a
// number is never issued twice. A clean Close persists the exact position.
//
// FrameLog is safe for concurrent use.
type FrameLog struct {
	published atomic.Uint64
	lease     uint64

	mu       sync.Mutex // guards issued and lease extension
	issued   uint64
	reserved uint64
	store    MarkStore
}

// Open resumes a frame log from the mark in store.
func Open(store MarkStore, leaseSize uint64) (*FrameLog, error) {
	if leaseSize == 0 {
		leaseSize = DefaultLeaseSize
	}
	start, err := store.FrameNo()
	if err != nil {
		return nil, fmt.Errorf("load frame mark: %w", err)
	}
	l := &FrameLog{lease: leaseSize, issued: start, reserved: start, store: store}
	l.published.Store(start)
	return l, nil
}

// Reserve hands out the frame number of a commit in progress. It fails
// only when a new lease cannot be persisted, in which case the commit must
// not proceed.
func (l *FrameLog) Reserve() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.issued + 1
	if next > l.reserved {
		mark := next + l.lease - 1
		if err := l.store.SetFrameNo(mark); err != nil {
			return 0, fmt.Errorf("extend frame lease: %w", err)
		}
		l.reserved = mark
	}
	l.issued = next
	return next, nil
}

// Publish marks frame n as committed. The current frame never moves
// backwards, so publishing out of order is harmless.
func (l *FrameLog) Publish(n uint64) {
	for {
		cur := l.published.Load()
		if n <= cur || l.published.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Advance reserves and publishes the next frame in one step.
func (l *FrameLog) Advance() (uint64, error) {
	n, err := l.Reserve()
	if err != nil {
		return 0, err
	}
	l.Publish(n)
	return n, nil
}

// CurrentFrameNo returns the number of the latest committed frame.
func (l *FrameLog) CurrentFrameNo() uint64 {
	return l.published.Load()
}

// Close persists the exact position. Numbers reserved but never published
// stay consumed.
func (l *FrameLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.SetFrameNo(l.issued); err != nil {
		return fmt.Errorf("persist frame mark: %w", err)
	}
	l.reserved = l.issued
	return nil
}
