package queue

import (
	"fmt"
	"sync"
)

const defaultGuardWindow = 4096

// sequenceGuard remembers the most recently returned sequence numbers per
// queue. Seeing the same (queue, sequence) twice means a backend handed one
// entry to two dequeuers.
type sequenceGuard struct {
	mu     sync.Mutex
	window int
	seen   map[string]*seqRing
}

type seqRing struct {
	order []int64
	next  int
	set   map[int64]struct{}
}

func newSequenceGuard(window int) *sequenceGuard {
	if window <= 0 {
		window = defaultGuardWindow
	}
	return &sequenceGuard{window: window, seen: make(map[string]*seqRing)}
}

// observe records seq for queueName and returns an error wrapping
// ErrInvariantViolation if it was already recorded.
func (g *sequenceGuard) observe(queueName string, seq int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.seen[queueName]
	if r == nil {
		r = &seqRing{order: make([]int64, 0, g.window), set: make(map[int64]struct{}, g.window)}
		g.seen[queueName] = r
	}
	if _, dup := r.set[seq]; dup {
		return fmt.Errorf("%w: queue %q returned sequence %d twice", ErrInvariantViolation, queueName, seq)
	}
	if len(r.order) < g.window {
		r.order = append(r.order, seq)
	} else {
		delete(r.set, r.order[r.next])
		r.order[r.next] = seq
		r.next = (r.next + 1) % g.window
	}
	r.set[seq] = struct{}{}
	return nil
}

// forget drops the window for queueName; purge makes old sequences
// unreachable so there is nothing left to compare against.
func (g *sequenceGuard) forget(queueName string) {
	g.mu.Lock()
	delete(g.seen, queueName)
	g.mu.Unlock()
}
