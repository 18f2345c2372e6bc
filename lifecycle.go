package bocache

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/bocache/backend"
	"github.com/ehrlich-b/bocache/gpusync"
)

// roundUp aligns size up to the backend's reported alignment.
func roundUp(size, align uint64) uint64 {
	if align == 0 {
		return size
	}
	return (size + align - 1) &^ (align - 1)
}

// Create allocates a new BO of at least size bytes with the given flags,
// first attempting to satisfy the request from the cache. label is purely
// diagnostic and appears in activity log lines.
//
// Allocation follows a bounded retry ladder: a cache hit short-circuits
// everything else; a cache miss tries the backend directly; backend
// exhaustion retries the cache with an unbounded wait for idleness; if that
// still comes up empty, every cached BO is evicted and the backend is
// retried a handful more times with a short quadratic backoff between
// attempts. Exhausting the ladder returns ErrCodeAllocationExhausted and
// leaves nothing partially initialized.
func (d *Device) Create(ctx context.Context, size uint64, flags backend.Flags, label string) (*Record, error) {
	if d.isClosed() {
		return nil, newError("Create", -1, ErrCodeDeviceClosed, "device is closed")
	}
	if size == 0 {
		return nil, newError("Create", -1, ErrCodeInvalidParameters, "size must be non-zero")
	}

	size = roundUp(size, d.backend.Alignment())

	if entry, ok := d.store.Fetch(ctx, size, flags, true); ok {
		r := entry.(*Record)
		d.observer.ObserveCacheHit(size)
		r.addRef()
		r.SetLabel(label)
		d.logBO(r.handle, "cache hit, size=%d flags=%s label=%q", size, flags, label)
		d.logActivity("create", r)
		return r, nil
	}
	d.observer.ObserveCacheMiss(size)

	r, err := d.tryAllocate(ctx, size, flags, label)
	if err == nil {
		d.observer.ObserveAllocation(0, nil)
		d.logBO(r.handle, "allocated, size=%d flags=%s label=%q", size, flags, label)
		d.logActivity("create", r)
		return r, nil
	}

	// Backend exhausted: give cached entries a real chance to drain,
	// waiting for idleness this time instead of a poll.
	if entry, ok := d.store.Fetch(ctx, size, flags, false); ok {
		r := entry.(*Record)
		d.observer.ObserveCacheHit(size)
		r.addRef()
		r.SetLabel(label)
		d.logBO(r.handle, "cache hit after backend exhaustion, size=%d flags=%s label=%q", size, flags, label)
		d.logActivity("create", r)
		return r, nil
	}

	// Last resort: evict everything and retry a bounded number of times
	// with a short quadratic backoff.
	if d.logger != nil {
		d.logger.Warnf("allocation exhausted for size=%d flags=%s, evicting cache and retrying", size, flags)
	}
	d.store.EvictAll()
	var lastErr error
	for i := 0; i < MaxAllocAttempts; i++ {
		r, err = d.tryAllocate(ctx, size, flags, label)
		if err == nil {
			d.observer.ObserveAllocation(i+1, nil)
			d.logBO(r.handle, "allocated on retry %d, size=%d flags=%s label=%q", i+1, size, flags, label)
			d.logActivity("create", r)
			return r, nil
		}
		lastErr = err
		if i < MaxAllocAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, wrapError("Create", -1, ctx.Err())
			case <-time.After(backoffDelay(i + 1)):
			}
		}
	}

	d.observer.ObserveAllocation(MaxAllocAttempts, lastErr)
	return nil, &Error{Op: "Create", Handle: -1, Code: ErrCodeAllocationExhausted, Msg: "backend allocation exhausted after cache flush and retry", Inner: lastErr}
}

// tryAllocate performs exactly one backend allocation attempt and, on
// success, registers the resulting record.
func (d *Device) tryAllocate(ctx context.Context, size uint64, flags backend.Flags, label string) (*Record, error) {
	alloc, err := d.backend.Allocate(ctx, size, flags)
	if err != nil {
		return nil, wrapError("Create", -1, err)
	}
	r := newRecord(alloc.Handle, size, flags, alloc, d.backend)
	r.SetLabel(label)
	d.reg.insert(r)
	return r, nil
}

// Reference increments r's live reference count. The prior count must be
// non-zero; a zero prior count means the caller held a reference to a BO
// that was already mid-reclaim, which is a contract violation on the
// caller's part and aborts rather than silently reviving the record.
func (r *Record) Reference() {
	prior := r.addRef() - 1
	if prior <= 0 {
		violatef("Reference", "handle %d: reference() observed non-positive prior refcnt %d", r.handle, prior)
	}
}

// Unreference decrements r's live reference count. When the count reaches
// zero, r is handed to the owning Device's reclaim path: parked in the
// cache if eligible, deferred if GPU work is still outstanding on a backend
// that supports asynchronous completion hooks, or freed immediately
// otherwise.
func (d *Device) Unreference(r *Record) {
	if r.dropRef() > 0 {
		return
	}

	if r2, ok := d.reg.lookup(r.handle); !ok || r2 != r {
		// Already reclaimed and possibly reused under a new handle.
		return
	}
	if r.Ref() != 0 {
		// A concurrent Reference (e.g. from Import) revived it.
		return
	}

	if !r.flags.Has(backend.Event) {
		if addr := r.CPUAddr(); addr != 0 && !r.flags.Has(backend.Invisible) {
			d.backend.Unmap(addr, r.size)
		}
	}

	if arb, ok := d.backend.(backend.AsyncReclaimBackend); ok && r.gate.State() != gpusync.Idle {
		added := arb.OnAllQueuesIdle(r.handle, r.gpuRefcntPtr(), func() {
			d.finalize(r)
		})
		if added {
			return
		}
		// Backend had nothing to track by the time it checked; finalize now.
	}

	d.finalize(r)
}

// finalize parks r in the cache if eligible, else frees it through the
// backend and drops it from the registry.
func (d *Device) finalize(r *Record) {
	if d.store.Put(r) {
		d.logBO(r.handle, "parked in cache")
		d.logActivity("park", r)
		return
	}
	r.Free()
	d.reg.remove(r.handle)
	d.metrics.BackendFrees.Add(1)
	d.logBO(r.handle, "freed")
	d.logActivity("evict", r)
}

// Import resolves fd to a Record, creating one on first import of a given
// kernel object and sharing it across subsequent imports of the same fd.
// Imported BOs always carry Shared and are never inserted into the cache.
func (d *Device) Import(ctx context.Context, fd int) (*Record, error) {
	if d.isClosed() {
		return nil, newError("Import", -1, ErrCodeDeviceClosed, "device is closed")
	}

	if existing, ok := d.reg.findImported(fd); ok {
		if existing.Ref() == 0 {
			existing.refcnt.Store(1)
		} else {
			existing.addRef()
		}
		d.observer.ObserveImport(true)
		d.logBO(existing.handle, "import of fd %d resolved to existing record", fd)
		d.logActivity("import", existing)
		return existing, nil
	}

	handle, size, err := d.backend.ImportFD(fd)
	if err != nil {
		return nil, wrapError("Import", -1, err)
	}
	if size == 0 {
		return nil, newError("Import", int64(handle), ErrCodeImportSizeUnknown, "backend reported zero size for imported fd")
	}

	if existing, ok := d.reg.lookup(handle); ok {
		if existing.Ref() == 0 {
			existing.refcnt.Store(1)
		} else {
			existing.addRef()
		}
		d.reg.rememberImport(fd, existing)
		d.observer.ObserveImport(true)
		d.logBO(existing.handle, "import of fd %d resolved to existing handle", fd)
		d.logActivity("import", existing)
		return existing, nil
	}

	r := newRecord(handle, size, backend.Shared, backend.Allocation{Handle: handle}, d.backend)
	d.reg.insert(r)
	d.reg.rememberImport(fd, r)
	d.observer.ObserveImport(false)
	d.logBO(r.handle, "imported fd %d, size=%d", fd, size)
	d.logActivity("import", r)
	return r, nil
}

// Export returns a dmabuf file descriptor naming r's backing memory,
// recording the export in the device's metrics and activity log. r must
// belong to this device.
func (d *Device) Export(r *Record) (int, error) {
	fd, err := r.export(d.backend)
	if err != nil {
		return -1, err
	}
	d.observer.ObserveExport()
	d.logBO(r.handle, "exported fd %d", fd)
	d.logActivity("export", r)
	return fd, nil
}

// export returns a dmabuf file descriptor naming r's backing memory,
// duplicating a previously cached descriptor when available. Exporting
// permanently sets Shared on the record, after which every subsequent
// Unreference must bypass the cache.
func (r *Record) export(be backend.Backend) (int, error) {
	if r.fd != dmabufFD {
		dup, err := unix.Dup(r.fd)
		if err != nil {
			return -1, wrapError("Export", int64(r.handle), err)
		}
		return dup, nil
	}
	fd, err := be.ExportFD(r.handle)
	if err != nil {
		return -1, &Error{Op: "Export", Handle: int64(r.handle), Code: ErrCodeExportUnsupported, Msg: err.Error(), Inner: err}
	}
	r.fd = fd
	r.flags |= backend.Shared
	return fd, nil
}
