package bocache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/bocache/backend"
	"github.com/ehrlich-b/bocache/cache"
	"github.com/ehrlich-b/bocache/gpusync"
)

var _ cache.Entry = (*Record)(nil)

// dmabufFD is the sentinel stored in Record.fd when the BO has never been
// exported and has no borrowed descriptor to release on Free.
const dmabufFD = -1

// Record is a single buffer object: the unit the registry indexes, the
// cache parks, and the lifecycle operations mutate. Reference counting is
// split in two, mirroring the design note that a BO must not vanish out
// from under in-flight GPU work even after every CPU-side reference drops
// it: refcnt tracks live CPU references, gpuRefcnt is the counter cell
// handed to the backend with a deferred async-reclaim hold, taken when a
// zero-refcnt BO still has outstanding GPU usage.
type Record struct {
	handle backend.Handle
	size   uint64
	flags  backend.Flags

	cpuAddr uintptr
	gpuAddr uint64
	fd      int

	refcnt atomic.Int32
	// gpuRefcnt is a plain int32 manipulated through sync/atomic functions
	// (not atomic.Int32) because AsyncReclaimBackend.OnAllQueuesIdle
	// receives it as a raw *int32 (see gpuRefcntPtr).
	gpuRefcnt int32

	gate gpusync.Gate

	mu       sync.Mutex
	lastUsed time.Time
	label    string

	be backend.Backend
}

func newRecord(handle backend.Handle, size uint64, flags backend.Flags, alloc backend.Allocation, be backend.Backend) *Record {
	r := &Record{
		handle:  handle,
		size:    size,
		flags:   flags,
		cpuAddr: alloc.CPUAddr,
		gpuAddr: alloc.GPUAddr,
		fd:      dmabufFD,
		be:      be,
	}
	r.refcnt.Store(1)
	return r
}

// Handle returns the backend handle identifying this BO.
func (r *Record) Handle() backend.Handle { return r.handle }

// Size returns the allocation-rounded byte size.
func (r *Record) Size() uint64 { return r.size }

// EntryFlags returns the BO's creation flags; satisfies cache.Entry.
func (r *Record) EntryFlags() backend.Flags { return r.flags }

// CPUAddr returns the mapped CPU virtual address, or 0 if never mapped.
func (r *Record) CPUAddr() uintptr { return r.cpuAddr }

// GPUAddr returns the GPU virtual address assigned at allocation time.
func (r *Record) GPUAddr() uint64 { return r.gpuAddr }

// Label returns the caller-assigned debug label, empty if none was set.
func (r *Record) Label() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.label
}

// SetLabel assigns a caller-visible debug label, surfaced in activity log lines.
func (r *Record) SetLabel(label string) {
	r.mu.Lock()
	r.label = label
	r.mu.Unlock()
}

// Ref returns the current live CPU reference count.
func (r *Record) Ref() int32 { return r.refcnt.Load() }

// addRef increments the CPU reference count and returns the new value.
func (r *Record) addRef() int32 { return r.refcnt.Add(1) }

// dropRef decrements the CPU reference count and returns the new value.
func (r *Record) dropRef() int32 { return r.refcnt.Add(-1) }

// Submit records a pending GPU submission against this BO's access gate.
func (r *Record) Submit(queue int, seqnum uint64, write bool) {
	r.gate.Submit(queue, seqnum, write)
}

// WaitIdle blocks (bounded by timeout, or polls once if timeout is 0) until
// this BO's outstanding GPU work has retired. Satisfies cache.Entry.
func (r *Record) WaitIdle(ctx context.Context, timeout time.Duration) bool {
	return r.Wait(ctx, timeout, true)
}

// Wait blocks (bounded by timeout, or polls once if timeout is 0) until this
// BO's outstanding GPU work has retired, optionally excluding pending reads
// from the wait. Shared (exported/imported) BOs always consult the backend
// regardless of includeReaders, since their usage is tracked outside this
// process.
func (r *Record) Wait(ctx context.Context, timeout time.Duration, includeReaders bool) bool {
	shared := r.flags.Has(backend.Shared)
	return r.gate.Wait(ctx, r.be, r.handle, timeout, includeReaders, shared)
}

// Invalidate discards CPU cache lines covering [offset, offset+length) of
// this BO's mapping, so a subsequent CPU read observes prior GPU writes.
// A no-op for non-CACHEABLE BOs (write-combined mappings are always
// coherent) and for backends that implement no cache maintenance.
func (r *Record) Invalidate(offset, length uint64) {
	if !r.flags.Has(backend.Cacheable) {
		return
	}
	if cm, ok := r.be.(backend.CacheMaintainer); ok {
		cm.InvalidateRange(r.handle, offset, length)
	}
}

// Clean writes back dirty CPU cache lines covering [offset, offset+length)
// of this BO's mapping, so a subsequent GPU read observes prior CPU writes.
// A no-op for non-CACHEABLE BOs and for backends with no cache maintenance.
func (r *Record) Clean(offset, length uint64) {
	if !r.flags.Has(backend.Cacheable) {
		return
	}
	if cm, ok := r.be.(backend.CacheMaintainer); ok {
		cm.CleanRange(r.handle, offset, length)
	}
}

// MarkDontNeed advises the backend this BO's pages may be reclaimed while
// idle in the cache. Returns false if the kernel reports the pages are
// already gone, in which case the record must be discarded. Satisfies
// cache.Entry.
func (r *Record) MarkDontNeed() bool {
	return r.be.Mark(r.handle, backend.DontNeed)
}

// MarkWillNeed advises the backend the pages must be retained again,
// called when reviving a record from the cache. Satisfies cache.Entry.
func (r *Record) MarkWillNeed() bool {
	return r.be.Mark(r.handle, backend.WillNeed)
}

// Free releases this BO's backend resources permanently. Satisfies
// cache.Entry. Idempotent only at the Device/Lifecycle layer: Free itself
// assumes it is called exactly once per live allocation.
func (r *Record) Free() {
	// Exported descriptors are owned by whoever holds them; freeing the
	// backend allocation only releases the GPU-side resource.
	r.be.Free(r.handle)
}

// SetLastUsed stamps the cache-insertion time. Satisfies cache.Entry.
func (r *Record) SetLastUsed(t time.Time) {
	r.mu.Lock()
	r.lastUsed = t
	r.mu.Unlock()
}

// LastUsed returns the most recent cache-insertion timestamp. Satisfies
// cache.Entry.
func (r *Record) LastUsed() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsed
}

// gpuRefcntPtr exposes the record's gpuRefcnt cell to
// AsyncReclaimBackend.OnAllQueuesIdle. The Device never reads or updates
// the counter and finalizes whenever the registered callback fires;
// simbackend stores the pointer but does not touch the counter either.
func (r *Record) gpuRefcntPtr() *int32 {
	return &r.gpuRefcnt
}
