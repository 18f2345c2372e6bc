package bocache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/bocache/backend"
)

func newTestRecord(h backend.Handle) *Record {
	return newRecord(h, 4096, 0, backend.Allocation{Handle: h}, nil)
}

func TestRegistryInsertAndLookup(t *testing.T) {
	reg := newRegistry()
	r := newTestRecord(1)
	reg.insert(r)

	got, ok := reg.lookup(1)
	require.True(t, ok)
	require.Same(t, r, got)
}

func TestRegistryLookupMissing(t *testing.T) {
	reg := newRegistry()
	_, ok := reg.lookup(42)
	require.False(t, ok)
}

func TestRegistryInsertCollisionPanics(t *testing.T) {
	reg := newRegistry()
	reg.insert(newTestRecord(1))
	require.Panics(t, func() {
		reg.insert(newTestRecord(1))
	})
}

func TestRegistryRemove(t *testing.T) {
	reg := newRegistry()
	r := newTestRecord(1)
	reg.insert(r)
	reg.remove(1)

	_, ok := reg.lookup(1)
	require.False(t, ok)
}

func TestRegistryImportTracking(t *testing.T) {
	reg := newRegistry()
	r := newTestRecord(1)
	reg.insert(r)
	reg.rememberImport(7, r)

	got, ok := reg.findImported(7)
	require.True(t, ok)
	require.Same(t, r, got)

	reg.forgetImport(7)
	_, ok = reg.findImported(7)
	require.False(t, ok)
}

func TestRegistrySnapshotAndLen(t *testing.T) {
	reg := newRegistry()
	reg.insert(newTestRecord(1))
	reg.insert(newTestRecord(2))

	require.Equal(t, 2, reg.len())
	require.Len(t, reg.snapshot(), 2)
}
