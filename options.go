package bocache

import (
	"context"
	"io"

	"github.com/ehrlich-b/bocache/cache"
	"github.com/ehrlich-b/bocache/internal/logging"
)

// Logger is satisfied by *logging.Logger; declared here so callers can
// supply their own implementation without importing internal/logging.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Options configures Open. All fields are optional.
type Options struct {
	// Context bounds the Device's lifetime and any blocking backend waits
	// that don't receive their own per-call context.
	Context context.Context

	// Logger receives structured debug/info/warn/error lines. Defaults to
	// no logging (nil Logger is checked before every call).
	Logger Logger

	// Observer receives lifecycle events for metrics collection. Defaults
	// to a MetricsObserver wrapping a fresh Metrics if nil.
	Observer Observer

	// ActivityLog, if non-nil, receives one formatted line per BO lifecycle
	// transition (create, park, evict, import, export).
	ActivityLog io.Writer

	// Clock is the time source used for cache aging. Defaults to the real
	// clock; tests inject a cache.FakeClock.
	Clock cache.Clock

	// CacheEnabled controls whether freed BOs are parked for reuse at all.
	// Defaults to true.
	CacheEnabled bool

	// cacheEnabledSet distinguishes "false because unset" from "explicitly
	// disabled"; Open treats CacheEnabled as true unless this is set and
	// CacheEnabled is false. Most callers should just use DefaultOptions.
	cacheEnabledSet bool
}

// DefaultOptions returns an Options with caching enabled and every other
// field left at its nil/zero default.
func DefaultOptions() Options {
	o := Options{CacheEnabled: true}
	o.cacheEnabledSet = true
	return o
}

// WithCacheDisabled returns a copy of o with caching turned off, for
// callers who want every Unreference to free immediately.
func (o Options) WithCacheDisabled() Options {
	o.CacheEnabled = false
	o.cacheEnabledSet = true
	return o
}

func (o Options) resolve() Options {
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Clock == nil {
		o.Clock = cache.NewRealClock()
	}
	if !o.cacheEnabledSet {
		o.CacheEnabled = true
	}
	return o
}

var _ Logger = (*logging.Logger)(nil)
