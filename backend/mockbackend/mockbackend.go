// Package mockbackend provides a deterministic, single-goroutine fence-based
// Backend for unit tests, grounded on the common MockBackend test-double
// pattern: an in-memory stand-in that
// tracks method call counts for verification and lets tests inject
// failures on demand.
package mockbackend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ehrlich-b/bocache/backend"
)

// Backend is a fully in-process Backend implementation. Every BO is "ready"
// (idle) by default; tests call MarkBusy/MarkReady to model outstanding GPU
// work, and SetAllocateFailures/SetNextAllocateErr to model exhaustion.
type Backend struct {
	mu sync.Mutex

	nextHandle backend.Handle
	allocated  map[backend.Handle]uint64
	busy       map[backend.Handle]bool
	retained   map[backend.Handle]bool // false => Mark should report "already reclaimed"
	importedFD map[int]backend.Handle

	allocateCalls   int
	freeCalls       int
	waitCalls       int
	markCalls       int
	invalidateCalls int
	cleanCalls      int

	allocateFailuresRemaining int
	nextAllocateErr           error
	nextExportErr             error
}

// New creates an empty mock backend.
func New() *Backend {
	return &Backend{
		allocated:  make(map[backend.Handle]uint64),
		busy:       make(map[backend.Handle]bool),
		retained:   make(map[backend.Handle]bool),
		importedFD: make(map[int]backend.Handle),
	}
}

// ErrExhausted is returned by Allocate when a test has configured a
// failure for the current attempt.
var ErrExhausted = errors.New("mockbackend: allocator exhausted")

func (b *Backend) Allocate(ctx context.Context, size uint64, flags backend.Flags) (backend.Allocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allocateCalls++

	if b.allocateFailuresRemaining > 0 {
		b.allocateFailuresRemaining--
		return backend.Allocation{}, ErrExhausted
	}
	if b.nextAllocateErr != nil {
		err := b.nextAllocateErr
		b.nextAllocateErr = nil
		return backend.Allocation{}, err
	}

	b.nextHandle++
	h := b.nextHandle
	b.allocated[h] = size
	b.retained[h] = true

	return backend.Allocation{
		Handle:  h,
		GPUAddr: uint64(h) << 32,
		CPUAddr: uintptr(h) << 16,
	}, nil
}

func (b *Backend) Free(h backend.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freeCalls++
	delete(b.allocated, h)
	delete(b.busy, h)
	delete(b.retained, h)
}

func (b *Backend) Wait(ctx context.Context, h backend.Handle, timeout time.Duration, includeReaders bool) backend.WaitResult {
	b.mu.Lock()
	b.waitCalls++
	busy := b.busy[h]
	b.mu.Unlock()

	if !busy {
		return backend.WaitResult{Ready: true}
	}
	if timeout <= 0 {
		return backend.WaitResult{Ready: false, TimedOut: true}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		busy = b.busy[h]
		b.mu.Unlock()
		if !busy {
			return backend.WaitResult{Ready: true}
		}
		select {
		case <-ctx.Done():
			return backend.WaitResult{Ready: false, TimedOut: true}
		case <-time.After(time.Millisecond):
		}
	}
	return backend.WaitResult{Ready: false, TimedOut: true}
}

func (b *Backend) Mark(h backend.Handle, advice backend.Advice) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markCalls++
	retained, ok := b.retained[h]
	if !ok {
		return false
	}
	return retained
}

func (b *Backend) ImportFD(fd int) (backend.Handle, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.importedFD[fd]; ok {
		return h, b.allocated[h], nil
	}

	b.nextHandle++
	h := b.nextHandle
	size := uint64(4096)
	b.allocated[h] = size
	b.retained[h] = true
	b.importedFD[fd] = h
	return h, size, nil
}

func (b *Backend) ExportFD(h backend.Handle) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nextExportErr != nil {
		err := b.nextExportErr
		b.nextExportErr = nil
		return -1, err
	}
	return int(h) + 1000, nil
}

func (b *Backend) Map(h backend.Handle) (uintptr, error) {
	return uintptr(h) << 16, nil
}

func (b *Backend) Unmap(addr uintptr, size uint64) {}

func (b *Backend) Alignment() uint64 { return 4096 }

// InvalidateRange implements backend.CacheMaintainer, just counting calls:
// this mock has no real CPU mapping to flush.
func (b *Backend) InvalidateRange(h backend.Handle, offset, length uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidateCalls++
}

// CleanRange implements backend.CacheMaintainer, just counting calls.
func (b *Backend) CleanRange(h backend.Handle, offset, length uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanCalls++
}

// MarkBusy flags h as having outstanding GPU work, making Wait block until
// MarkReady is called or the timeout elapses.
func (b *Backend) MarkBusy(h backend.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.busy[h] = true
}

// MarkReady clears the busy flag set by MarkBusy.
func (b *Backend) MarkReady(h backend.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.busy[h] = false
}

// SetReclaimed makes every later Mark(h, ...) call report retained=false,
// as if the kernel had already reclaimed h's backing pages.
func (b *Backend) SetReclaimed(h backend.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retained[h] = false
}

// SetAllocateFailures makes the next n Allocate calls fail with ErrExhausted.
func (b *Backend) SetAllocateFailures(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allocateFailuresRemaining = n
}

// SetNextAllocateErr makes the very next Allocate call fail with err.
func (b *Backend) SetNextAllocateErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextAllocateErr = err
}

// SetNextExportErr makes the very next ExportFD call fail with err.
func (b *Backend) SetNextExportErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextExportErr = err
}

// CallCounts returns (allocate, free, wait, mark) call counts, for tests
// asserting on retry behavior.
func (b *Backend) CallCounts() (allocate, free, wait, mark int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocateCalls, b.freeCalls, b.waitCalls, b.markCalls
}

// CacheMaintCalls returns (invalidate, clean) call counts, for tests
// asserting on Record.Invalidate/Clean's CACHEABLE gating.
func (b *Backend) CacheMaintCalls() (invalidate, clean int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalidateCalls, b.cleanCalls
}

// Reset clears all state and counters, in the usual MockBackend
// testing-utility style.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextHandle = 0
	b.allocated = make(map[backend.Handle]uint64)
	b.busy = make(map[backend.Handle]bool)
	b.retained = make(map[backend.Handle]bool)
	b.importedFD = make(map[int]backend.Handle)
	b.allocateCalls, b.freeCalls, b.waitCalls, b.markCalls = 0, 0, 0, 0
	b.invalidateCalls, b.cleanCalls = 0, 0
	b.allocateFailuresRemaining = 0
	b.nextAllocateErr = nil
	b.nextExportErr = nil
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.CacheMaintainer = (*Backend)(nil)
