package bocache

import (
	"sync"

	"github.com/ehrlich-b/bocache/backend"
)

// registry is the sparse handle -> *Record index every Device owns. It is
// the single source of truth for "does this handle exist"; the cache only
// ever indexes records already present here.
//
// Lock ordering: registry lock is acquired before the cache lock, which is
// acquired before any record's own gate lock. Backend calls that may block
// never happen while the registry lock is held.
type registry struct {
	mu      sync.RWMutex
	records map[backend.Handle]*Record

	// importedByFD lets Import recognize an fd that already names a record
	// this device imported earlier, returning the same *Record rather than
	// creating a duplicate.
	importedByFD map[int]*Record
}

func newRegistry() *registry {
	return &registry{
		records:      make(map[backend.Handle]*Record),
		importedByFD: make(map[int]*Record),
	}
}

// insert adds a freshly allocated record under its own handle. The handle
// is assumed unique; a collision indicates a backend contract violation.
func (reg *registry) insert(r *Record) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.records[r.handle]; exists {
		violatef("insert", "backend issued handle %d that is already registered", r.handle)
	}
	reg.records[r.handle] = r
}

// lookup returns the record for handle, or nil and false if the handle is
// unknown. An unknown handle is not a violation here: Import treats a miss
// as the first import of that handle, and Unreference treats it as a
// record that was already reclaimed.
func (reg *registry) lookup(h backend.Handle) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.records[h]
	return r, ok
}

// remove drops handle from the registry, together with any import-dedup
// entry naming the removed record. Called once the record's backend
// resources are freed.
func (reg *registry) remove(h backend.Handle) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r := reg.records[h]
	delete(reg.records, h)
	for fd, imported := range reg.importedByFD {
		if imported == r {
			delete(reg.importedByFD, fd)
		}
	}
}

// findImported returns the record previously imported from fd, if any.
func (reg *registry) findImported(fd int) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.importedByFD[fd]
	return r, ok
}

// rememberImport records that fd now names r, so a later Import of the same
// fd resolves to the same record instead of double-importing it.
func (reg *registry) rememberImport(fd int, r *Record) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.importedByFD[fd] = r
}

// forgetImport drops fd's import-dedup entry, if any.
func (reg *registry) forgetImport(fd int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.importedByFD, fd)
}

// snapshot returns every live record, used by EvictAll-adjacent Close logic
// and by diagnostics. The returned slice is a copy; mutating it does not
// affect the registry.
func (reg *registry) snapshot() []*Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Record, 0, len(reg.records))
	for _, r := range reg.records {
		out = append(out, r)
	}
	return out
}

// len reports the number of live records, for tests and diagnostics.
func (reg *registry) len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.records)
}
