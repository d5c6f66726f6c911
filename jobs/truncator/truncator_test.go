package truncator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"strata/catalog"
	"strata/domain/table"
	"strata/infra/codec"
	"strata/infra/memtable"
	"strata/infra/segstore"
	"strata/infra/wal"
	"strata/infra/wal/memwal"
	"strata/service"
)

var (
	cpu    = table.Identifier{Catalog: "strata", Schema: "public", Table: "cpu"}
	events = table.Identifier{Catalog: "strata", Schema: "public", Table: "events"}
	schema = table.Schema{Columns: []table.Column{{Name: "ts", Kind: table.KindTimestamp}}, TimestampIndex: 0}
	now    = time.UnixMilli(10 * time.Hour.Milliseconds())
)

func newService(t *testing.T) *service.Service {
	t.Helper()
	cat := catalog.New()
	ttl := table.DefaultOptions()
	ttl.TTL = time.Hour
	_, err := cat.Create(cpu, schema, ttl)
	require.NoError(t, err)
	keep := table.DefaultOptions()
	keep.TTLEnabled = false
	_, err = cat.Create(events, schema, keep)
	require.NoError(t, err)

	store, err := segstore.Open(segstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr := wal.NewManager(memwal.New(), wal.ManagerOptions{})
	_, err = mgr.RecoverAll(context.Background())
	require.NoError(t, err)
	return service.New(cat, mgr, memtable.New(0), store, service.Options{})
}

func write(t *testing.T, svc *service.Service, id table.Identifier, ts int64) {
	t.Helper()
	rg := table.NewRowGroup(schema, codec.VersionPlain, []table.Row{{table.Timestamp(ts)}})
	_, err := svc.HandleWrite(context.Background(), id, rg)
	require.NoError(t, err)
}

func TestExpireOnce(t *testing.T) {
	svc := newService(t)
	old := now.Add(-2 * time.Hour).UnixMilli()
	write(t, svc, cpu, old)
	write(t, svc, cpu, old+1)
	write(t, svc, cpu, now.UnixMilli())
	write(t, svc, events, old)

	tr := New(svc, Options{Now: func() time.Time { return now }})
	results, err := tr.ExpireOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1, "tables without TTL are skipped")
	require.Equal(t, cpu.String(), results[0].Table)
	require.Equal(t, wal.SequenceNumber(2), results[0].Truncated)

	status := map[string]service.RegionStatus{}
	for _, st := range svc.Regions() {
		status[st.Table] = st
	}
	require.Equal(t, uint64(2), status[cpu.String()].TruncatedBefore)
	require.Equal(t, int64(1), status[cpu.String()].BufferedRows)
	require.Equal(t, uint64(0), status[events.String()].TruncatedBefore)

	// Nothing new has expired.
	results, err = tr.ExpireOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, wal.SequenceNumber(0), results[0].Truncated)
}

func TestRunFlushes(t *testing.T) {
	svc := newService(t)
	write(t, svc, events, now.UnixMilli())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New(svc, Options{
		TruncateInterval: time.Hour,
		FlushInterval:    10 * time.Millisecond,
		Now:              func() time.Time { return now },
	})
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, st := range svc.Regions() {
			if st.Table == events.String() {
				return st.Flushed == 1 && st.BufferedRows == 0
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	svc := newService(t)
	tr := New(svc, Options{TruncateRate: 0.001, Now: func() time.Time { return now }})
	// The first call takes the only token.
	_, err := tr.ExpireOnce(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.ExpireOnce(ctx)
	require.Error(t, err)
}
