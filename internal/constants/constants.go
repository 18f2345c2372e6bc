package constants

import "time"

// Size-rounding alignments applied to every BO at create time. The value
// used depends on which backend a Device is opened against.
const (
	// Align4K is the allocation-rounding alignment used by backends that
	// allocate in native page-sized units.
	Align4K = 4 * 1024

	// Align16K is the allocation-rounding alignment used by backends whose
	// kernel-side allocator works in larger granules.
	Align16K = 16 * 1024
)

// Cache bucket configuration. Buckets are keyed by clamp(floor(log2(size)), MinBucket, MaxBucket) - MinBucket,
// giving MaxBucket-MinBucket+1 buckets total; allocations above 2^MaxBucket all land in the top bucket.
const (
	MinBucketExp = 12 // 4KiB
	MaxBucketExp = 28 // 256MiB
)

// StaleThreshold is the whole-seconds aging threshold used by the cache's
// stale-eviction pass. Because the comparison truncates to whole seconds,
// a parked BO's effective lifetime is in (StaleThreshold, 2*StaleThreshold].
const StaleThreshold = 1 * time.Second

// Allocation retry backoff schedule for the final create() retry loop:
// sleep BackoffBaseMillis*i^2 milliseconds before attempt i (i = 0..MaxAllocAttempts-1).
// Treated as an implementation hint, not a contract callers can depend on.
const (
	BackoffBaseMillis = 20
	MaxAllocAttempts  = 5
)
