package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisteredWithBackendLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWAL(reg, "memory")
	m.Appends.WithLabelValues("ok").Inc()
	m.OpenRegions.Set(2)

	n, err := testutil.GatherAndCount(reg, "strata_wal_appends_total", "strata_wal_open_regions")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Appends.WithLabelValues("ok")))
}

func TestNilRegistererStillCounts(t *testing.T) {
	m := NewIngest(nil)
	m.Rows.Add(3)
	require.Equal(t, 3.0, testutil.ToFloat64(m.Rows))
	NewQuery(nil).Reads.WithLabelValues("ok").Inc()
}
