package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates client ids "<prefix>-1", "<prefix>-2", ...
//
// The same test with a fresh SequentialIDs produces the same ids, which
// keeps logs and golden output stable.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix becomes "client".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "client"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
