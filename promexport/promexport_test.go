package promexport

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/bocache"
	"github.com/ehrlich-b/bocache/backend"
	"github.com/ehrlich-b/bocache/backend/mockbackend"
)

func TestCollectorRegistersAndGathers(t *testing.T) {
	be := mockbackend.New()
	dev, err := bocache.Open(be, bocache.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	r, err := dev.Create(context.Background(), 4096, backend.Cacheable, "x")
	require.NoError(t, err)
	dev.Unreference(r)

	reg := prometheus.NewRegistry()
	collector := NewCollector(dev)
	require.NoError(t, collector.Register(reg))

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "bocache_cached_bytes")
	require.Contains(t, names, "bocache_live_records")
}
