// Package idgen allocates evaluation ids: monotonic, lexicographically
// sortable so recent ids sort near the end of an index scan, and
// collision-resistant across concurrent allocators without coordination.
package idgen

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// Generator allocates ULIDs. The zero value is not usable; build one with
// New.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New builds a Generator seeded from the current time.
func New() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// NewEvaluationID allocates one id. Safe for concurrent use.
func (g *Generator) NewEvaluationID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return id.String()
}
