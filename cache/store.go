// Package cache implements the Cache Store: a size-bucketed free list plus
// a global LRU, both protected by a single lock, with a whole-seconds
// stale-eviction policy. It is the direct generalization of a
// sync.Pool-based buffer recycling scheme (internal/queue/pool.go) to a
// size-and-flag-aware, explicitly-linked policy that a plain sync.Pool
// cannot express: a sync.Pool hands back *any* pooled item of the matching
// type, but Fetch here must find an idle entry of a specific size class and
// flag combination (the first one in its bucket at least as large as the
// request), so the pool is an explicit bucketed structure
// with its own locking instead.
package cache

import (
	"container/list"
	"context"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/bocache/backend"
	"github.com/ehrlich-b/bocache/internal/constants"
)

// Entry is anything the cache can park and reclaim. The BO record type
// implements this; the cache package never depends on the record's
// concrete type so that it has no import-cycle back to the core package.
type Entry interface {
	// Size is the allocation-rounded byte size.
	Size() uint64
	// EntryFlags are the BO's creation flags.
	EntryFlags() backend.Flags
	// Handle is the backend handle, used for logging only.
	Handle() backend.Handle
	// WaitIdle blocks (up to timeout) until the entry's outstanding GPU
	// work has retired, returning whether it is idle. timeout == 0 means
	// poll-once.
	WaitIdle(ctx context.Context, timeout time.Duration) bool
	// MarkDontNeed advises the backend the entry's pages are not needed;
	// retained is false if the kernel already reclaimed them, in which case
	// the entry must be discarded rather than cached.
	MarkDontNeed() (retained bool)
	// MarkWillNeed is the inverse advisory, issued when reclaiming from the
	// cache; retained is false under the same discard rule.
	MarkWillNeed() (retained bool)
	// Free releases the entry's backend resources permanently.
	Free()
	// SetLastUsed stamps the monotonic insertion time.
	SetLastUsed(t time.Time)
	// LastUsed returns the most recently stamped insertion time.
	LastUsed() time.Time
}

// Bucket returns clamp(floor(log2(size)), MinBucketExp, MaxBucketExp) - MinBucketExp.
// Allocations larger than 2^MaxBucketExp all share the top bucket.
func Bucket(size uint64) int {
	if size == 0 {
		return 0
	}
	exp := bits.Len64(size) - 1
	if exp < constants.MinBucketExp {
		exp = constants.MinBucketExp
	}
	if exp > constants.MaxBucketExp {
		exp = constants.MaxBucketExp
	}
	return exp - constants.MinBucketExp
}

// NumBuckets is the total bucket count, MaxBucketExp-MinBucketExp+1.
const NumBuckets = constants.MaxBucketExp - constants.MinBucketExp + 1

type link struct {
	entry    Entry
	bucketEl *list.Element
	lruEl    *list.Element
	bucket   int
}

// Stats holds the cache's cumulative counters, snapshot atomically.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	SizeBytes uint64
}

// Store is the guarded structure owning both the bucket lists and the LRU
// list; buckets and LRU are never exposed independently so that the two
// indices can never be updated out of sync with each other.
type Store struct {
	mu      sync.Mutex
	buckets [NumBuckets]*list.List
	lru     *list.List
	links   map[Entry]*link
	enabled bool
	clock   Clock

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	sizeBytes atomic.Uint64
}

// Options configures a new Store.
type Options struct {
	// Enabled controls whether Put ever parks entries; when false, Put
	// always refuses and the caller must free the BO immediately.
	Enabled bool
	// Clock is the time source for LRU aging; defaults to the real clock.
	Clock Clock
}

// New creates an empty Store.
func New(opts Options) *Store {
	s := &Store{
		lru:     list.New(),
		links:   make(map[Entry]*link),
		enabled: opts.Enabled,
		clock:   opts.Clock,
	}
	if s.clock == nil {
		s.clock = NewRealClock()
	}
	for i := range s.buckets {
		s.buckets[i] = list.New()
	}
	return s
}

// Fetch scans the target bucket for the first entry whose size is at least
// size and whose flags exactly match, that also passes a GPU-idleness check.
// When dontwait is true, the idleness check uses a zero timeout and a busy
// candidate causes the whole bucket scan to stop early (older entries are
// assumed no fresher, so continuing would not help). On success the entry
// is unlinked from both indices and re-marked willneed; if the backend
// reports the pages were already reclaimed, the entry is discarded and the
// scan continues.
func (s *Store) Fetch(ctx context.Context, size uint64, flags backend.Flags, dontwait bool) (Entry, bool) {
	b := Bucket(size)

	s.mu.Lock()
	bucket := s.buckets[b]
	var next *list.Element
	for el := bucket.Front(); el != nil; el = next {
		next = el.Next()
		l := el.Value.(*link)
		if l.entry.Size() < size || l.entry.EntryFlags() != flags {
			continue
		}

		// Idleness check happens without holding the cache lock: the
		// record's own Wait may block, and no backend ioctl should run
		// under this lock except the advisory, non-blocking mark calls.
		s.mu.Unlock()
		timeout := time.Duration(0)
		if !dontwait {
			timeout = -1 // unbounded, see Entry.WaitIdle semantics below
		}
		idle := l.entry.WaitIdle(ctx, unboundedOr(timeout))
		s.mu.Lock()

		if !idle {
			if dontwait {
				break // abandon the bucket; older entries are no fresher
			}
			continue
		}

		// Re-validate the link is still present (another Fetch could have
		// raced us while the lock was released).
		if _, stillLinked := s.links[l.entry]; !stillLinked {
			continue
		}

		s.unlinkLocked(l)
		s.mu.Unlock()

		if !l.entry.MarkWillNeed() {
			// Kernel reclaimed the pages while parked; discard and keep
			// scanning for another candidate.
			l.entry.Free()
			s.mu.Lock()
			continue
		}

		s.hits.Add(1)
		return l.entry, true
	}
	s.mu.Unlock()

	s.misses.Add(1)
	return nil, false
}

// unboundedOr returns a very large duration standing in for "unbounded" when
// requested, else timeout unchanged. A real deadline is always preferable
// to a sentinel, but Entry.WaitIdle's contract only distinguishes 0 (poll)
// from non-zero (bounded) durations, so the cache uses a coarse stand-in.
func unboundedOr(timeout time.Duration) time.Duration {
	if timeout < 0 {
		return 24 * time.Hour
	}
	return timeout
}

// Put parks bo at the tail of its bucket and the LRU, provided caching is
// enabled and the entry is not Shared. It stamps LastUsed from the Store's
// clock and opportunistically runs stale eviction before releasing the
// lock. Returns false if the entry was refused (caller must free it).
func (s *Store) Put(e Entry) bool {
	if !s.enabled || e.EntryFlags().Has(backend.Shared) {
		return false
	}

	if !e.MarkDontNeed() {
		// Policy, not error: the kernel may already have reclaimed the
		// pages; either way the entry is no longer usable, so it is
		// refused and the caller frees it like any other refused entry.
		return false
	}

	s.mu.Lock()
	b := Bucket(e.Size())
	e.SetLastUsed(s.clock.Now())

	l := &link{entry: e, bucket: b}
	l.bucketEl = s.buckets[b].PushBack(l)
	l.lruEl = s.lru.PushBack(l)
	s.links[e] = l
	s.sizeBytes.Add(e.Size())

	evicted := s.staleEvictLocked()
	s.mu.Unlock()

	for _, victim := range evicted {
		victim.Free()
	}
	return true
}

// staleEvictLocked walks the LRU head-first and unlinks (but does not yet
// free) every entry whose age in whole seconds (the difference of the two
// timestamps' whole-second parts) exceeds StaleThreshold. The
// caller must free the returned entries after releasing the lock, since
// backend.Free may block and must never run under the cache lock.
func (s *Store) staleEvictLocked() []Entry {
	var victims []Entry
	now := s.clock.Now()
	threshold := int64(constants.StaleThreshold / time.Second)
	var next *list.Element
	for el := s.lru.Front(); el != nil; el = next {
		next = el.Next()
		l := el.Value.(*link)
		age := now.Unix() - l.entry.LastUsed().Unix()
		if age <= threshold {
			break
		}
		s.unlinkLocked(l)
		victims = append(victims, l.entry)
	}
	if n := len(victims); n > 0 {
		s.evictions.Add(uint64(n))
	}
	return victims
}

// unlinkLocked removes l from both indices and the size accounting. Callers
// must hold s.mu.
func (s *Store) unlinkLocked(l *link) {
	s.buckets[l.bucket].Remove(l.bucketEl)
	s.lru.Remove(l.lruEl)
	delete(s.links, l.entry)
	s.sizeBytes.Add(^(l.entry.Size() - 1)) // atomic subtract
}

// EvictAll unlinks and backend-frees every cached entry. Invoked on device
// close and as a last-resort reclaimer when allocation fails. Idempotent: a
// second call with nothing cached is a no-op.
func (s *Store) EvictAll() {
	s.mu.Lock()
	var victims []Entry
	for i := range s.buckets {
		for el := s.buckets[i].Front(); el != nil; el = el.Next() {
			victims = append(victims, el.Value.(*link).entry)
		}
		s.buckets[i].Init()
	}
	s.lru.Init()
	s.links = make(map[Entry]*link)
	s.sizeBytes.Store(0)
	s.mu.Unlock()

	if n := len(victims); n > 0 {
		s.evictions.Add(uint64(n))
	}
	for _, e := range victims {
		e.Free()
	}
}

// Stats returns a point-in-time snapshot of the cache's counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
		SizeBytes: s.sizeBytes.Load(),
	}
}

// Len returns the number of entries currently cached, for tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// BucketLen returns the number of entries in a specific bucket, for tests.
func (s *Store) BucketLen(b int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[b].Len()
}
