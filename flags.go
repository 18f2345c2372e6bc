package bocache

import "github.com/ehrlich-b/bocache/backend"

// Flags is the BO creation/behavior bitset. It is an alias of backend.Flags
// so that Device Backend implementations and callers of this package share
// exactly one representation.
type Flags = backend.Flags

const (
	Shared     = backend.Shared
	Executable = backend.Executable
	Growable   = backend.Growable
	Invisible  = backend.Invisible
	Cacheable  = backend.Cacheable
	DelayMmap  = backend.DelayMmap
	Event      = backend.Event
)
