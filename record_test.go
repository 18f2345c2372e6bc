package bocache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/bocache/backend"
	"github.com/ehrlich-b/bocache/backend/mockbackend"
)

func TestRecordRefCounting(t *testing.T) {
	be := mockbackend.New()
	alloc, err := be.Allocate(context.Background(), 4096, 0)
	require.NoError(t, err)

	r := newRecord(alloc.Handle, 4096, 0, alloc, be)
	require.EqualValues(t, 1, r.Ref())

	require.EqualValues(t, 2, r.addRef())
	require.EqualValues(t, 1, r.dropRef())
}

func TestRecordLabel(t *testing.T) {
	be := mockbackend.New()
	alloc, _ := be.Allocate(context.Background(), 4096, 0)
	r := newRecord(alloc.Handle, 4096, 0, alloc, be)

	require.Empty(t, r.Label())
	r.SetLabel("scratch-buffer")
	require.Equal(t, "scratch-buffer", r.Label())
}

func TestRecordMarkDelegatesToBackend(t *testing.T) {
	be := mockbackend.New()
	alloc, _ := be.Allocate(context.Background(), 4096, 0)
	r := newRecord(alloc.Handle, 4096, 0, alloc, be)

	require.True(t, r.MarkDontNeed())
	require.True(t, r.MarkWillNeed())

	be.SetReclaimed(alloc.Handle)
	require.False(t, r.MarkWillNeed())
}

func TestRecordWaitIdleUsesGate(t *testing.T) {
	be := mockbackend.New()
	alloc, _ := be.Allocate(context.Background(), 4096, 0)
	r := newRecord(alloc.Handle, 4096, 0, alloc, be)

	require.True(t, r.WaitIdle(context.Background(), 0))
}

func TestRecordWaitPubliclyControlsIncludeReaders(t *testing.T) {
	be := mockbackend.New()
	alloc, _ := be.Allocate(context.Background(), 4096, 0)
	r := newRecord(alloc.Handle, 4096, 0, alloc, be)

	r.Submit(0, 1, false) // reader-only submission
	require.True(t, r.Wait(context.Background(), 0, false), "excluding readers should see this BO idle immediately")
}

func TestRecordInvalidateAndCleanAreNoOpsWithoutCacheable(t *testing.T) {
	be := mockbackend.New()
	alloc, _ := be.Allocate(context.Background(), 4096, 0)
	r := newRecord(alloc.Handle, 4096, 0, alloc, be)

	r.Invalidate(0, 4096)
	r.Clean(0, 4096)

	invalidate, clean := be.CacheMaintCalls()
	require.Zero(t, invalidate)
	require.Zero(t, clean)
}

func TestRecordInvalidateAndCleanDelegateForCacheableBO(t *testing.T) {
	be := mockbackend.New()
	alloc, _ := be.Allocate(context.Background(), 4096, backend.Cacheable)
	r := newRecord(alloc.Handle, 4096, backend.Cacheable, alloc, be)

	r.Invalidate(0, 2048)
	r.Clean(2048, 2048)

	invalidate, clean := be.CacheMaintCalls()
	require.Equal(t, 1, invalidate)
	require.Equal(t, 1, clean)
}

func TestRecordFreeCallsBackend(t *testing.T) {
	be := mockbackend.New()
	alloc, _ := be.Allocate(context.Background(), 4096, 0)
	r := newRecord(alloc.Handle, 4096, 0, alloc, be)

	r.Free()
	_, free, _, _ := be.CallCounts()
	require.Equal(t, 1, free)
}

func TestRecordImplementsCacheEntry(t *testing.T) {
	be := mockbackend.New()
	alloc, _ := be.Allocate(context.Background(), 4096, backend.Cacheable)
	r := newRecord(alloc.Handle, 4096, backend.Cacheable, alloc, be)

	require.Equal(t, uint64(4096), r.Size())
	require.Equal(t, backend.Cacheable, r.EntryFlags())
}
