// Package gpusync decides when a BO is safe to reuse or free given
// outstanding GPU work, in either of the two modes a Device Backend may
// support: fence-based (ask the backend to block until idle) or event-slot
// (compare locally-tracked per-queue usage against backend-held progress
// counters without a syscall).
package gpusync

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/bocache/backend"
)

// State is a BO's GPU-access state machine: IDLE <-> ReadPending <-> WritePending.
// Submission transitions forward; a confirmed Wait transitions back to Idle.
type State int

const (
	Idle State = iota
	ReadPending
	WritePending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case ReadPending:
		return "READ_PENDING"
	case WritePending:
		return "WRITE_PENDING"
	default:
		return "UNKNOWN"
	}
}

// Usage records a single pending GPU submission against a BO.
type Usage struct {
	Queue  int
	Seqnum uint64
	Write  bool
}

// Gate tracks one BO's GPU access state and pending usage list. It is
// embedded in the BO record and guards its state with its own mutex, so
// callers need no outer lock to use it.
type Gate struct {
	mu     sync.Mutex
	state  State
	usage  []Usage
}

// Submit records a new GPU submission and advances the access state
// forward. For shared BOs these transitions are advisory only; the gate
// always re-consults the backend on Wait for such BOs (see Wait).
func (g *Gate) Submit(queue int, seqnum uint64, write bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage = append(g.usage, Usage{Queue: queue, Seqnum: seqnum, Write: write})
	if write {
		g.state = WritePending
	} else if g.state == Idle {
		g.state = ReadPending
	}
}

// State returns the current locally-tracked access state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Wait blocks until handle is confirmed idle with respect to includeReaders,
// or until ctx's deadline elapses, returning whether the BO is idle. shared
// BOs must always consult the backend: the local gpu_access shortcut is
// never trusted for shared BOs, since another process may be using the BO
// without this gate's knowledge.
func (g *Gate) Wait(ctx context.Context, be backend.Backend, handle backend.Handle, timeout time.Duration, includeReaders, shared bool) bool {
	if !shared {
		g.mu.Lock()
		idle := g.state == Idle || (g.state == ReadPending && !includeReaders)
		g.mu.Unlock()
		if idle {
			return true
		}
	}

	if esb, ok := be.(backend.EventSlotBackend); ok && !shared {
		if g.waitEventSlots(ctx, esb, timeout, includeReaders) {
			g.clear()
			return true
		}
		return false
	}

	result := be.Wait(ctx, handle, timeout, includeReaders)
	if result.Ready {
		g.clear()
	}
	return result.Ready
}

// waitEventSlots polls per-queue (last_submitted, last_completed) counters
// until every tracked usage has retired or the deadline elapses.
func (g *Gate) waitEventSlots(ctx context.Context, esb backend.EventSlotBackend, timeout time.Duration, includeReaders bool) bool {
	deadline := time.Now().Add(timeout)
	const pollInterval = 100 * time.Microsecond

	for {
		g.mu.Lock()
		pending := make([]Usage, 0, len(g.usage))
		for _, u := range g.usage {
			if u.Write || includeReaders {
				pending = append(pending, u)
			}
		}
		g.mu.Unlock()

		if allRetired(esb, pending) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		default:
		}
		if timeout == 0 || time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

func allRetired(esb backend.EventSlotBackend, usages []Usage) bool {
	for _, u := range usages {
		_, lastCompleted := esb.QueueProgress(u.Queue)
		if lastCompleted < u.Seqnum {
			return false
		}
	}
	return true
}

// clear drops all tracked usage and resets the access state to Idle. Called
// once a Wait confirms idleness.
func (g *Gate) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage = g.usage[:0]
	g.state = Idle
}

// Reset forcibly clears the gate, used when a record is reinitialized for
// reuse (cache hit or import revival).
func (g *Gate) Reset() {
	g.clear()
}
