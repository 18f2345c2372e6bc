package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/bocache/backend"
)

// fakeEntry is a minimal Entry implementation for exercising the Store in
// isolation from the BO record and any backend.
type fakeEntry struct {
	size       uint64
	flags      backend.Flags
	handle     backend.Handle
	idle       bool
	retained   bool
	lastUsed   time.Time
	freed      bool
	willNeeded int
	dontNeeded int
}

func newFakeEntry(size uint64, flags backend.Flags) *fakeEntry {
	return &fakeEntry{size: size, flags: flags, idle: true, retained: true}
}

func (e *fakeEntry) Size() uint64               { return e.size }
func (e *fakeEntry) EntryFlags() backend.Flags  { return e.flags }
func (e *fakeEntry) Handle() backend.Handle     { return e.handle }
func (e *fakeEntry) WaitIdle(context.Context, time.Duration) bool { return e.idle }
func (e *fakeEntry) MarkDontNeed() bool         { e.dontNeeded++; return e.retained }
func (e *fakeEntry) MarkWillNeed() bool         { e.willNeeded++; return e.retained }
func (e *fakeEntry) Free()                      { e.freed = true }
func (e *fakeEntry) SetLastUsed(t time.Time)    { e.lastUsed = t }
func (e *fakeEntry) LastUsed() time.Time        { return e.lastUsed }

func TestBucketMonotonicAndBoundary(t *testing.T) {
	require.Equal(t, Bucket(1<<12), Bucket((1<<13)-1), "bucket is constant across [2^n, 2^(n+1))")
	require.Less(t, Bucket(1<<12), Bucket(1<<13), "bucket increases at a power-of-two boundary")
	require.Equal(t, 0, Bucket(1), "undersized requests clamp to the smallest bucket")
	require.Equal(t, NumBuckets-1, Bucket(1<<40), "oversized requests clamp to the largest bucket")
}

func TestStoreCacheHit(t *testing.T) {
	clock := NewFakeClock()
	s := New(Options{Enabled: true, Clock: clock})

	e := newFakeEntry(8192, backend.Cacheable)
	require.True(t, s.Put(e))
	require.Equal(t, 1, e.dontNeeded)

	got, ok := s.Fetch(context.Background(), 8192, backend.Cacheable, true)
	require.True(t, ok)
	require.Same(t, e, got)
	require.Equal(t, 1, e.willNeeded)
	require.Equal(t, 0, s.Len())

	stats := s.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(0), stats.Misses)
}

func TestStoreFlagMismatchIsAMiss(t *testing.T) {
	clock := NewFakeClock()
	s := New(Options{Enabled: true, Clock: clock})

	e := newFakeEntry(8192, backend.Cacheable)
	require.True(t, s.Put(e))

	_, ok := s.Fetch(context.Background(), 8192, backend.Cacheable|backend.Executable, true)
	require.False(t, ok)

	stats := s.Stats()
	require.Equal(t, uint64(0), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}

func TestStoreSizeTooSmallIsAMiss(t *testing.T) {
	clock := NewFakeClock()
	s := New(Options{Enabled: true, Clock: clock})

	e := newFakeEntry(4096, backend.Cacheable)
	require.True(t, s.Put(e))

	_, ok := s.Fetch(context.Background(), 8192, backend.Cacheable, true)
	require.False(t, ok)
}

func TestStorePutRefusesSharedEntries(t *testing.T) {
	clock := NewFakeClock()
	s := New(Options{Enabled: true, Clock: clock})

	e := newFakeEntry(4096, backend.Shared)
	require.False(t, s.Put(e))
	require.Equal(t, 0, s.Len())
}

func TestStorePutRefusedWhenDisabled(t *testing.T) {
	s := New(Options{Enabled: false, Clock: NewFakeClock()})
	e := newFakeEntry(4096, backend.Cacheable)
	require.False(t, s.Put(e))
}

func TestStorePutDiscardsWhenBackendReclaimedPages(t *testing.T) {
	clock := NewFakeClock()
	s := New(Options{Enabled: true, Clock: clock})

	e := newFakeEntry(4096, backend.Cacheable)
	e.retained = false
	require.False(t, s.Put(e))
	require.False(t, e.freed, "a refused entry is freed by the caller, not by Put")
}

func TestStoreStaleEvictionAfterWholeSecond(t *testing.T) {
	clock := NewFakeClock()
	s := New(Options{Enabled: true, Clock: clock})

	e1 := newFakeEntry(4096, backend.Cacheable)
	require.True(t, s.Put(e1))

	// A whole-second difference of 1 (here 1.5s of real age) does not
	// exceed the threshold, so nothing is evicted.
	clock.Advance(1500 * time.Millisecond)
	e2 := newFakeEntry(4096, backend.Cacheable)
	require.True(t, s.Put(e2))
	require.Equal(t, 2, s.Len())
	require.False(t, e1.freed)

	// Once e1's whole-second difference reaches 2 it is evicted on the next
	// Put; e2's difference is still 1, so it stays.
	clock.Advance(600 * time.Millisecond)
	e3 := newFakeEntry(4096, backend.Cacheable)
	require.True(t, s.Put(e3))

	require.True(t, e1.freed, "entry older than the stale threshold must be evicted")
	require.Equal(t, uint64(1), s.Stats().Evictions)
}

func TestStoreEvictAllIsIdempotent(t *testing.T) {
	clock := NewFakeClock()
	s := New(Options{Enabled: true, Clock: clock})

	e1 := newFakeEntry(4096, backend.Cacheable)
	e2 := newFakeEntry(1 << 20, backend.Cacheable)
	require.True(t, s.Put(e1))
	require.True(t, s.Put(e2))

	s.EvictAll()
	require.True(t, e1.freed)
	require.True(t, e2.freed)
	require.Equal(t, 0, s.Len())

	s.EvictAll() // second call is a no-op, not a panic or double free
	require.Equal(t, 0, s.Len())
}

func TestStoreFetchSkipsBusyEntryWithDontwait(t *testing.T) {
	clock := NewFakeClock()
	s := New(Options{Enabled: true, Clock: clock})

	busy := newFakeEntry(4096, backend.Cacheable)
	busy.idle = false
	require.True(t, s.Put(busy))

	_, ok := s.Fetch(context.Background(), 4096, backend.Cacheable, true)
	require.False(t, ok, "a busy entry must not be returned when the caller asked not to wait")
	require.Equal(t, 1, s.Len(), "the busy entry stays parked for a future fetch")
}

func TestStoreSizeBytesAccounting(t *testing.T) {
	clock := NewFakeClock()
	s := New(Options{Enabled: true, Clock: clock})

	e := newFakeEntry(8192, backend.Cacheable)
	require.True(t, s.Put(e))
	require.Equal(t, uint64(8192), s.Stats().SizeBytes)

	_, ok := s.Fetch(context.Background(), 8192, backend.Cacheable, true)
	require.True(t, ok)
	require.Equal(t, uint64(0), s.Stats().SizeBytes)
}
