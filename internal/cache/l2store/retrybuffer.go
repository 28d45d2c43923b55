package l2store

import (
	"sync"

	"github.com/quantpine/featurestore/internal/core/observability"
)

// retryBuffer queues rows that could not reach L2. Bounded; oldest rows
// are dropped on overflow with a counter increment.
type retryBuffer struct {
	mu   sync.Mutex
	rows []Row
	max  int
}

func newRetryBuffer(max int) *retryBuffer {
	if max <= 0 {
		max = 10000
	}
	return &retryBuffer{max: max}
}

func (b *retryBuffer) push(rs []Row) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = append(b.rows, rs...)
	if over := len(b.rows) - b.max; over > 0 {
		b.rows = b.rows[over:]
		dropped = over
		for range over {
			observability.IncL2RetryDropped()
		}
	}
	return dropped
}

func (b *retryBuffer) drain() []Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.rows
	b.rows = nil
	return out
}

func (b *retryBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}
