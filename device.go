// Package bocache implements a buffer-object allocator and reuse cache for
// a GPU driver's userspace-facing memory management layer: BO create,
// reference-counted lifecycle, dmabuf import/export, and a size-bucketed
// LRU cache that recycles freed allocations instead of returning them to
// the backend immediately.
package bocache

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/ehrlich-b/bocache/backend"
	"github.com/ehrlich-b/bocache/bolog"
	"github.com/ehrlich-b/bocache/cache"
	"github.com/ehrlich-b/bocache/internal/logging"
)

// Device owns one Backend and the registry/cache/metrics built on top of
// it. All BO lifecycle operations are methods on Device.
type Device struct {
	id      uuid.UUID
	backend backend.Backend

	reg   *registry
	store *cache.Store

	metrics  *Metrics
	observer Observer
	logger   Logger
	activity io.Writer

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    bool
	closedMu  sync.Mutex
}

// Open creates a Device backed by be. The returned Device must be closed
// with Close when no longer needed, which evicts and frees every cached and
// live BO.
func Open(be backend.Backend, opts Options) (*Device, error) {
	if be == nil {
		return nil, newError("Open", -1, ErrCodeInvalidParameters, "backend is nil")
	}
	opts = opts.resolve()

	metrics := NewMetrics()
	observer := opts.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	ctx, cancel := context.WithCancel(opts.Context)

	id := uuid.New()
	d := &Device{
		id:       id,
		backend:  be,
		reg:      newRegistry(),
		store:    cache.New(cache.Options{Enabled: opts.CacheEnabled, Clock: opts.Clock}),
		metrics:  metrics,
		observer: observer,
		logger:   deviceScopedLogger(opts.Logger, id),
		activity: opts.ActivityLog,
		ctx:      ctx,
		cancel:   cancel,
	}

	if d.logger != nil {
		d.logger.Infof("opened, cache_enabled=%v", opts.CacheEnabled)
	}
	return d, nil
}

// deviceScopedLogger wraps base so every line it emits carries this
// device's id as structured context, the way internal/queue's runner
// carries deviceID/queueID into every log line it emits. Callers supplying
// a custom Logger implementation (not *logging.Logger) get base back
// unchanged; they're responsible for their own context.
func deviceScopedLogger(base Logger, id uuid.UUID) Logger {
	if base == nil {
		return nil
	}
	if concrete, ok := base.(*logging.Logger); ok {
		return concrete.With("device", id)
	}
	return base
}

// ID returns this device's session identifier, stable for the device's
// lifetime and distinct across process restarts. It is embedded in every
// activity log line so logs from concurrently running instances can be
// told apart.
func (d *Device) ID() uuid.UUID { return d.id }

// Metrics returns the device's metrics, usable directly or wrapped by a
// custom Observer for export (see the promexport package).
func (d *Device) Metrics() *Metrics { return d.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the device's metrics.
func (d *Device) MetricsSnapshot() MetricsSnapshot { return d.metrics.Snapshot() }

// LiveRecords returns the number of BOs currently tracked by the registry,
// whether parked in the cache or referenced by a caller.
func (d *Device) LiveRecords() int { return d.reg.len() }

// EvictAll drops and backend-frees every BO currently parked in the cache,
// independent of closing the device. Idempotent: a second call with
// nothing cached is a no-op. Live (referenced) BOs and the device itself
// are untouched.
func (d *Device) EvictAll() {
	d.store.EvictAll()
}

// CacheStats returns a point-in-time snapshot of the cache's own counters,
// which overlap but are not identical to Metrics: Metrics counts
// device-level events, CacheStats reports the Store's internal bookkeeping
// (size_bytes, in particular, has no Metrics equivalent).
func (d *Device) CacheStats() cache.Stats { return d.store.Stats() }

// isClosed reports whether Close has already run.
func (d *Device) isClosed() bool {
	d.closedMu.Lock()
	defer d.closedMu.Unlock()
	return d.closed
}

// Close evicts and frees every cached BO, then frees every BO still live in
// the registry regardless of outstanding reference count — Close is the
// device-teardown path, not a graceful per-BO drain. Safe to call more than
// once; only the first call does work.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closedMu.Lock()
		d.closed = true
		d.closedMu.Unlock()

		d.cancel()
		d.store.EvictAll()

		for _, r := range d.reg.snapshot() {
			r.Free()
			d.reg.remove(r.handle)
			d.metrics.BackendFrees.Add(1)
		}

		if d.logger != nil {
			d.logger.Infof("closed")
		}
	})
	return err
}

// logBO emits a debug line scoped to a single BO handle, attaching it as
// structured context when the configured Logger supports it and falling
// back to inline interpolation otherwise.
func (d *Device) logBO(handle backend.Handle, format string, args ...any) {
	if d.logger == nil {
		return
	}
	if concrete, ok := d.logger.(*logging.Logger); ok {
		concrete.With("handle", int64(handle)).Debugf(format, args...)
		return
	}
	d.logger.Debugf("handle=%d: "+format, append([]any{int64(handle)}, args...)...)
}

func (d *Device) logActivity(op string, r *Record) {
	if d.activity == nil {
		return
	}
	line := bolog.Format(bolog.Event{
		DeviceID: d.id,
		Op:       op,
		GPUAddr:  r.GPUAddr(),
		Size:     r.Size(),
		Label:    r.Label(),
		CPUAddr:  r.CPUAddr(),
		Handle:   int64(r.Handle()),
		FD:       r.fd,
	})
	fmt.Fprintln(d.activity, line)
}
