package simbackend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/bocache/backend"
)

func TestAllocateMapsRealMemory(t *testing.T) {
	b := New()
	defer b.Close()

	a, err := b.Allocate(context.Background(), 4096, backend.Cacheable)
	require.NoError(t, err)
	require.NotZero(t, a.CPUAddr)

	addr, err := b.Map(a.Handle)
	require.NoError(t, err)
	require.Equal(t, a.CPUAddr, addr)

	b.Free(a.Handle)
}

func TestAllocateInvisibleHasNoCPUMapping(t *testing.T) {
	b := New()
	defer b.Close()

	a, err := b.Allocate(context.Background(), 4096, backend.Invisible)
	require.NoError(t, err)
	require.Zero(t, a.CPUAddr)
}

func TestAllocateFailureInjection(t *testing.T) {
	b := New()
	defer b.Close()
	b.SetAllocateFailures(1)

	_, err := b.Allocate(context.Background(), 4096, 0)
	require.ErrorIs(t, err, ErrAllocatorExhausted)

	_, err = b.Allocate(context.Background(), 4096, 0)
	require.NoError(t, err)
}

func TestMarkAdvisesRealMapping(t *testing.T) {
	b := New()
	defer b.Close()

	a, err := b.Allocate(context.Background(), 4096, 0)
	require.NoError(t, err)

	require.True(t, b.Mark(a.Handle, backend.DontNeed))
	require.True(t, b.Mark(a.Handle, backend.WillNeed))
}

func TestQueueProgressAdvancesViaCompletionLoop(t *testing.T) {
	b := New()
	defer b.Close()

	b.Submit(0, 5)
	submitted, completed := b.QueueProgress(0)
	require.EqualValues(t, 5, submitted)
	require.Zero(t, completed)

	require.Eventually(t, func() bool {
		_, completed := b.QueueProgress(0)
		return completed == 5
	}, 100*time.Millisecond, time.Millisecond)
}

func TestOnAllQueuesIdleFiresCallback(t *testing.T) {
	b := New()
	defer b.Close()

	a, err := b.Allocate(context.Background(), 4096, 0)
	require.NoError(t, err)

	fired := make(chan struct{})
	var gpuRef int32
	added := b.OnAllQueuesIdle(a.Handle, &gpuRef, func() { close(fired) })
	require.True(t, added)

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("callback never fired")
	}
}

func TestImportFDRoundTrip(t *testing.T) {
	b := New()
	defer b.Close()

	h, size, err := b.ImportFD(17)
	require.NoError(t, err)
	require.NotZero(t, size)

	fd, err := b.ExportFD(h)
	require.NoError(t, err)
	require.NotEqual(t, -1, fd)
}

func TestExportFDRejectsUnknownHandle(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.ExportFD(backend.Handle(999))
	require.Error(t, err)
}

func TestAlignmentIsPageSized(t *testing.T) {
	b := New()
	defer b.Close()
	require.EqualValues(t, 4096, b.Alignment())
}

func TestCacheMaintenanceOnRealMapping(t *testing.T) {
	b := New()
	defer b.Close()

	a, err := b.Allocate(context.Background(), 4096, backend.Cacheable)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		b.InvalidateRange(a.Handle, 0, 4096)
		b.CleanRange(a.Handle, 0, 4096)
	})
}

func TestCacheMaintenanceIgnoresUnknownHandle(t *testing.T) {
	b := New()
	defer b.Close()

	require.NotPanics(t, func() {
		b.InvalidateRange(backend.Handle(999), 0, 4096)
		b.CleanRange(backend.Handle(999), 0, 4096)
	})
}

func TestCacheMaintenanceClampsOutOfBoundsRange(t *testing.T) {
	b := New()
	defer b.Close()

	a, err := b.Allocate(context.Background(), 4096, backend.Cacheable)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		b.CleanRange(a.Handle, 2048, 1<<20)
	})
}
