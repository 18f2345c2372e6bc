// Package simbackend is a realistic Backend implementation for local
// testing and the CLI demo: actual anonymous memory via unix.Mmap/Munmap
// (grounded on the raw mmap calls in internal/uring, generalized from
// ring-buffer pages to arbitrary-sized BOs), unix.Madvise for the
// willneed/dontneed advisory, and a background goroutine simulating a GPU
// scheduler that retires queued submissions after a short delay so
// event-slot and async-reclaim paths have something real to exercise.
package simbackend

import (
	"context"
	"errors"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/bocache/backend"
)

// defaultCompletionDelay drives the simulated GPU's rate of progress: on
// every tick of this period the completion loop retires every queue's
// outstanding submissions and fires every pending OnAllQueuesIdle hold.
const defaultCompletionDelay = 2 * time.Millisecond

// ErrAllocatorExhausted is returned by Allocate when injected failures are
// configured and remain outstanding.
var ErrAllocatorExhausted = errors.New("simbackend: allocator exhausted")

type allocation struct {
	mapped  []byte // nil for Invisible allocations, which have no CPU mapping
	addr    uintptr
	size    uint64
	gpuAddr uint64
}

type queueState struct {
	lastSubmitted uint64
	lastCompleted uint64
}

type pendingHold struct {
	handle   backend.Handle
	gpuRef   *int32
	callback func()
}

// Backend simulates a GPU device's memory and command-submission surface
// entirely in userspace, backed by real anonymous mmap'd pages.
type Backend struct {
	mu sync.Mutex

	allocs     map[backend.Handle]*allocation
	nextHandle backend.Handle
	nextGPU    uint64

	queues map[int]*queueState

	holds []pendingHold

	completionDelay         time.Duration
	allocateFailuresRemain  int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New starts a simulated backend with its completion-driving goroutine
// running. Call Close to stop it.
func New() *Backend {
	b := &Backend{
		allocs:          make(map[backend.Handle]*allocation),
		queues:          make(map[int]*queueState),
		completionDelay: defaultCompletionDelay,
		stopCh:          make(chan struct{}),
	}
	b.wg.Add(1)
	go b.completionLoop()
	return b
}

// Close stops the background completion goroutine. Does not free any
// outstanding allocations; callers should evict/close the Device first.
func (b *Backend) Close() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Backend) completionLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.completionDelay)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.advanceAllQueues()
		}
	}
}

// advanceAllQueues retires every queue's outstanding submissions and fires
// any holds whose tracked handle has gone idle.
func (b *Backend) advanceAllQueues() {
	b.mu.Lock()
	for _, q := range b.queues {
		q.lastCompleted = q.lastSubmitted
	}
	fired := b.drainSatisfiedHoldsLocked()
	b.mu.Unlock()

	for _, cb := range fired {
		cb()
	}
}

// drainSatisfiedHoldsLocked must be called with b.mu held. It does not
// actually know which queues a given hold depends on (the simulated
// backend retires everything together), so every outstanding hold fires
// once advanceAllQueues runs.
func (b *Backend) drainSatisfiedHoldsLocked() []func() {
	if len(b.holds) == 0 {
		return nil
	}
	var callbacks []func()
	for _, h := range b.holds {
		callbacks = append(callbacks, h.callback)
	}
	b.holds = nil
	return callbacks
}

func (b *Backend) Allocate(ctx context.Context, size uint64, flags backend.Flags) (backend.Allocation, error) {
	b.mu.Lock()
	if b.allocateFailuresRemain > 0 {
		b.allocateFailuresRemain--
		b.mu.Unlock()
		return backend.Allocation{}, ErrAllocatorExhausted
	}
	b.mu.Unlock()

	var mapped []byte
	var addr uintptr
	if !flags.Has(backend.Invisible) {
		m, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return backend.Allocation{}, err
		}
		mapped = m
		addr = uintptr(unsafe.Pointer(&m[0]))
	}

	b.mu.Lock()
	b.nextHandle++
	h := b.nextHandle
	b.nextGPU += size
	gpuAddr := b.nextGPU
	b.allocs[h] = &allocation{mapped: mapped, addr: addr, size: size, gpuAddr: gpuAddr}
	b.mu.Unlock()

	return backend.Allocation{Handle: h, GPUAddr: gpuAddr, CPUAddr: addr}, nil
}

func (b *Backend) Free(h backend.Handle) {
	b.mu.Lock()
	a, ok := b.allocs[h]
	if ok {
		delete(b.allocs, h)
	}
	b.mu.Unlock()

	if ok && a.mapped != nil {
		_ = unix.Munmap(a.mapped)
	}
}

func (b *Backend) Wait(ctx context.Context, h backend.Handle, timeout time.Duration, includeReaders bool) backend.WaitResult {
	// The simulated backend has no per-handle fence tracking beyond the
	// queue-progress counters used by QueueProgress; fence-mode callers
	// simply wait out the completion delay once.
	if timeout <= 0 {
		return backend.WaitResult{Ready: true}
	}
	select {
	case <-time.After(b.completionDelay):
		return backend.WaitResult{Ready: true}
	case <-ctx.Done():
		return backend.WaitResult{Ready: false, TimedOut: true}
	case <-time.After(timeout):
		return backend.WaitResult{Ready: false, TimedOut: true}
	}
}

func (b *Backend) Mark(h backend.Handle, advice backend.Advice) bool {
	b.mu.Lock()
	a, ok := b.allocs[h]
	b.mu.Unlock()
	if !ok || a.mapped == nil {
		return ok
	}

	kadvice := unix.MADV_WILLNEED
	if advice == backend.DontNeed {
		kadvice = unix.MADV_DONTNEED
	}
	_ = unix.Madvise(a.mapped, kadvice)
	return true
}

func (b *Backend) ImportFD(fd int) (backend.Handle, uint64, error) {
	// The simulated backend has no real dmabuf subsystem to hand off to;
	// it treats any fd as describing a page-sized anonymous region so the
	// import path has something concrete to exercise end to end.
	const simulatedSize = 4096
	b.mu.Lock()
	b.nextHandle++
	h := b.nextHandle
	b.nextGPU += simulatedSize
	b.allocs[h] = &allocation{size: simulatedSize, gpuAddr: b.nextGPU}
	b.mu.Unlock()
	return h, simulatedSize, nil
}

func (b *Backend) ExportFD(h backend.Handle) (int, error) {
	b.mu.Lock()
	_, ok := b.allocs[h]
	b.mu.Unlock()
	if !ok {
		return -1, errors.New("simbackend: unknown handle")
	}
	return int(h) + 100000, nil
}

func (b *Backend) Map(h backend.Handle) (uintptr, error) {
	b.mu.Lock()
	a, ok := b.allocs[h]
	b.mu.Unlock()
	if !ok {
		return 0, errors.New("simbackend: unknown handle")
	}
	return a.addr, nil
}

// Unmap is a no-op here: this backend only ever hands out one mapping per
// handle (created at Allocate time) and tears it down in Free.
func (b *Backend) Unmap(addr uintptr, size uint64) {}

func (b *Backend) Alignment() uint64 { return 4096 }

// QueueProgress implements backend.EventSlotBackend.
func (b *Backend) QueueProgress(queue int) (lastSubmitted, lastCompleted uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	if q == nil {
		return 0, 0
	}
	return q.lastSubmitted, q.lastCompleted
}

// Submit records a new submission on queue, for tests driving the
// event-slot gate path without going through a real command submission
// API (this backend has none).
func (b *Backend) Submit(queue int, seqnum uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	if q == nil {
		q = &queueState{}
		b.queues[queue] = q
	}
	if seqnum > q.lastSubmitted {
		q.lastSubmitted = seqnum
	}
}

// OnAllQueuesIdle implements backend.AsyncReclaimBackend. This simulated
// backend cannot tell which queues a given handle actually used, so it
// conservatively waits for the next full completion tick before firing.
func (b *Backend) OnAllQueuesIdle(h backend.Handle, gpuRefcnt *int32, callback func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holds = append(b.holds, pendingHold{handle: h, gpuRef: gpuRefcnt, callback: callback})
	return true
}

// SetAllocateFailures makes the next n Allocate calls fail, for exercising
// the cache-flush-and-retry ladder in Device.Create.
func (b *Backend) SetAllocateFailures(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allocateFailuresRemain = n
}

// InvalidateRange implements backend.CacheMaintainer by calling
// unix.Msync with MS_INVALIDATE over the requested sub-range, discarding
// any stale cached pages so the next CPU read re-faults them in.
func (b *Backend) InvalidateRange(h backend.Handle, offset, length uint64) {
	region, ok := b.rangeLocked(h, offset, length)
	if !ok {
		return
	}
	_ = unix.Msync(region, unix.MS_INVALIDATE)
}

// CleanRange implements backend.CacheMaintainer by calling unix.Msync with
// MS_SYNC over the requested sub-range, writing back any dirty pages.
func (b *Backend) CleanRange(h backend.Handle, offset, length uint64) {
	region, ok := b.rangeLocked(h, offset, length)
	if !ok {
		return
	}
	_ = unix.Msync(region, unix.MS_SYNC)
}

// rangeLocked returns the mapped sub-slice [offset, offset+length) for h,
// clamped to the allocation's bounds, or ok=false if h has no CPU mapping.
func (b *Backend) rangeLocked(h backend.Handle, offset, length uint64) ([]byte, bool) {
	b.mu.Lock()
	a, ok := b.allocs[h]
	b.mu.Unlock()
	if !ok || a.mapped == nil {
		return nil, false
	}
	if offset >= uint64(len(a.mapped)) {
		return nil, false
	}
	end := offset + length
	if end > uint64(len(a.mapped)) {
		end = uint64(len(a.mapped))
	}
	return a.mapped[offset:end], true
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.EventSlotBackend = (*Backend)(nil)
var _ backend.AsyncReclaimBackend = (*Backend)(nil)
var _ backend.CacheMaintainer = (*Backend)(nil)
