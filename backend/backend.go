// Package backend defines the Device Backend capability consumed by the
// bocache core: the narrow set of kernel-facing operations (allocate, free,
// wait, advise, import/export, map/unmap) that the BO cache treats as an
// opaque collaborator. The core never interprets backend-specific opcodes;
// it only calls these methods and inspects the optional capability
// interfaces below.
package backend

import (
	"context"
	"time"
)

// Flags is a bitset of BO creation/behavior flags, stable across backends.
// Concrete bit values are an implementation detail; callers should only
// ever compare against the named constants.
type Flags uint32

const (
	// Shared marks a BO as exported to, or imported from, another process
	// via file-descriptor handoff. Once set it is never cleared, and a BO
	// with this bit set is never inserted into the cache.
	Shared Flags = 1 << iota

	// Executable marks a BO as holding GPU-executable code (shaders).
	Executable

	// Growable marks a heap-like BO that is never mmapped.
	Growable

	// Invisible marks a BO with no CPU mapping.
	Invisible

	// Cacheable marks a BO as CPU-cached (as opposed to write-combined).
	Cacheable

	// DelayMmap defers the CPU mapping until first touch instead of at
	// create time.
	DelayMmap

	// Event marks a BO used for GPU/CPU event signaling.
	Event
)

// Has reports whether all bits in mask are set in f.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// String renders a human-readable flag list for logging.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		bit  Flags
		name string
	}{
		{Shared, "SHARED"},
		{Executable, "EXECUTABLE"},
		{Growable, "GROWABLE"},
		{Invisible, "INVISIBLE"},
		{Cacheable, "CACHEABLE"},
		{DelayMmap, "DELAY_MMAP"},
		{Event, "EVENT"},
	}
	out := ""
	for _, n := range names {
		if f.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "unknown"
	}
	return out
}

// Handle is an opaque kernel-side BO identifier, unique within a backend
// instance.
type Handle int64

// Advice is the argument to Mark, modeling the kernel madvise willneed/dontneed distinction.
type Advice int

const (
	WillNeed Advice = iota
	DontNeed
)

// Allocation is the result of a successful Allocate call.
type Allocation struct {
	Handle  Handle
	GPUAddr uint64
	CPUAddr uintptr // 0 if the BO has no CPU mapping (e.g. Invisible)
}

// WaitResult reports the outcome of a Wait call.
type WaitResult struct {
	Ready     bool // true if the BO was confirmed idle
	TimedOut  bool // true if the deadline elapsed before idleness was confirmed
}

// Backend is the capability every Device is opened against. Implementations
// must be safe for concurrent use by multiple goroutines; the core never
// holds the registry or cache lock while calling a Backend method, except
// for Mark, which must be non-blocking.
type Backend interface {
	// Allocate requests size bytes (already rounded to this backend's
	// alignment) with the given flags. Returns a failure error if the
	// kernel-side allocator is exhausted.
	Allocate(ctx context.Context, size uint64, flags Flags) (Allocation, error)

	// Free releases a handle's kernel-side resources. The core guarantees
	// handles passed here are valid; backends tolerate invalid handles only
	// by logging.
	Free(handle Handle)

	// Wait blocks (up to timeout, 0 meaning poll-once) for the BO to become
	// idle. includeReaders controls whether pending reads, not just writes,
	// must complete.
	Wait(ctx context.Context, handle Handle, timeout time.Duration, includeReaders bool) WaitResult

	// Mark issues an advisory willneed/dontneed hint. retained is false
	// after a WillNeed call if the kernel already reclaimed the backing
	// pages, in which case the caller must discard its record of handle.
	Mark(handle Handle, advice Advice) (retained bool)

	// ImportFD translates a dmabuf file descriptor into a handle, or
	// returns an error if the fd cannot be imported. size is the
	// backend-determined byte length of the underlying object; callers
	// must treat size == 0 as "unknown".
	ImportFD(fd int) (handle Handle, size uint64, err error)

	// ExportFD produces a duplicated dmabuf file descriptor for handle, or
	// an error if this backend cannot export.
	ExportFD(handle Handle) (fd int, err error)

	// Map returns the CPU address for handle, mapping it if necessary.
	Map(handle Handle) (uintptr, error)

	// Unmap releases a CPU mapping previously returned by Allocate or Map.
	Unmap(addr uintptr, size uint64)

	// Alignment is the allocation-rounding granularity this backend
	// requires (4KiB or 16KiB in the reference backends).
	Alignment() uint64
}

// AsyncReclaimBackend is implemented by backends that can defer BO reclaim
// until all outstanding GPU submissions against it have retired, firing a
// callback from a completion thread rather than requiring the caller to
// busy-wait. gpuRefcnt points at the record's deferred-reclaim counter and
// is passed through for the backend's own bookkeeping: the Device neither
// reads nor updates it, and finalizes reclaim each time a registered
// callback fires.
type AsyncReclaimBackend interface {
	Backend

	// OnAllQueuesIdle registers callback to fire (possibly on another
	// goroutine) once every queue that had pending work against handle has
	// advanced past it. Returns added=false if the backend has no
	// outstanding work to track, in which case the caller should finalize
	// immediately instead of waiting for a callback.
	OnAllQueuesIdle(handle Handle, gpuRefcnt *int32, callback func()) (added bool)
}

// EventSlotBackend is implemented by backends that track GPU completion via
// per-queue (last_submitted, last_completed) counters instead of a single
// idle/busy fence, allowing the gate to poll without a syscall per check.
type EventSlotBackend interface {
	Backend

	// QueueProgress reports the last submitted and completed sequence
	// numbers for queue, guarded by the backend's own internal lock.
	QueueProgress(queue int) (lastSubmitted, lastCompleted uint64)
}

// CacheMaintainer is implemented by backends that can perform CPU cache
// maintenance on a BO's mapped range. Only CACHEABLE BOs need this: a
// write-combined (non-cacheable) mapping is always coherent with the GPU,
// so invalidate/clean on it is a no-op that never reaches the backend.
type CacheMaintainer interface {
	Backend

	// InvalidateRange discards any CPU cache lines covering [offset,
	// offset+length) of handle's mapping, so a subsequent CPU read observes
	// GPU writes made before the BO's last wait.
	InvalidateRange(handle Handle, offset, length uint64)

	// CleanRange writes back any dirty CPU cache lines covering [offset,
	// offset+length) of handle's mapping, so a subsequent GPU read observes
	// CPU writes made before the call.
	CleanRange(handle Handle, offset, length uint64)
}
