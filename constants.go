package bocache

import (
	"time"

	"github.com/ehrlich-b/bocache/internal/constants"
)

// Re-exported tunables. See internal/constants for the authoritative values.
const (
	Align4K       = constants.Align4K
	Align16K      = constants.Align16K
	MinBucketExp  = constants.MinBucketExp
	MaxBucketExp  = constants.MaxBucketExp
	NumBuckets    = constants.MaxBucketExp - constants.MinBucketExp + 1
	StaleThreshold = constants.StaleThreshold

	BackoffBaseMillis = constants.BackoffBaseMillis
	MaxAllocAttempts  = constants.MaxAllocAttempts
)

// backoffDelay returns the sleep duration before retry attempt i of the
// final allocation loop in Create: 20*i^2 ms, growing quadratically with attempt.
func backoffDelay(i int) time.Duration {
	return time.Duration(BackoffBaseMillis*i*i) * time.Millisecond
}
