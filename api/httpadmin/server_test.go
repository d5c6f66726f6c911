package httpadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"strata/catalog"
	"strata/domain/table"
	"strata/infra/codec"
	"strata/infra/logging"
	"strata/infra/memtable"
	"strata/infra/metrics"
	"strata/infra/segstore"
	"strata/infra/wal"
	"strata/infra/wal/memwal"
	"strata/service"
)

var cpu = table.Identifier{Catalog: "strata", Schema: "public", Table: "cpu"}

func setup(t *testing.T, ready bool) (*service.Service, http.Handler) {
	t.Helper()
	schema := table.Schema{Columns: []table.Column{{Name: "ts", Kind: table.KindTimestamp}}, TimestampIndex: 0}
	cat := catalog.New()
	_, err := cat.Create(cpu, schema, table.DefaultOptions())
	require.NoError(t, err)

	store, err := segstore.Open(segstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	mgr := wal.NewManager(memwal.New(), wal.ManagerOptions{Metrics: metrics.NewWAL(reg, "memory")})
	if ready {
		_, err = mgr.RecoverAll(context.Background())
		require.NoError(t, err)
	}
	svc := service.New(cat, mgr, memtable.New(0), store, service.Options{IngestMetrics: metrics.NewIngest(reg)})
	return svc, New(svc, reg, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestReadiness(t *testing.T) {
	_, h := setup(t, false)
	rec, body := do(t, h, http.MethodGet, "/ready")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "not_ready", body["error"])

	_, body = do(t, h, http.MethodGet, "/")
	require.Equal(t, "recovering", body["status"])

	_, h = setup(t, true)
	rec, _ = do(t, h, http.MethodGet, "/ready")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestFlushRegionsAndMetrics(t *testing.T) {
	svc, h := setup(t, true)
	rg := table.NewRowGroup(svc.Catalog().List()[0].Schema, codec.VersionPlain, []table.Row{{table.Timestamp(1)}})
	_, err := svc.HandleWrite(context.Background(), cpu, rg)
	require.NoError(t, err)

	rec, _ := do(t, h, http.MethodGet, "/flush")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, body := do(t, h, http.MethodPost, "/flush?table=strata.public.cpu")
	require.Equal(t, http.StatusOK, rec.Code)
	flushed := body["flushed"].([]any)[0].(map[string]any)
	require.Equal(t, float64(1), flushed["rows"])

	_, body = do(t, h, http.MethodGet, "/regions")
	region := body["regions"].([]any)[0].(map[string]any)
	require.Equal(t, "READY", region["state"])
	require.Equal(t, float64(1), region["truncated_before"])

	rec, _ = do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `strata_wal_appends_total{backend="memory",result="ok"} 1`)
	require.Contains(t, rec.Body.String(), "strata_ingest_rows_total 1")
}

func TestDrop(t *testing.T) {
	_, h := setup(t, true)
	rec, _ := do(t, h, http.MethodPost, "/drop?table=bad")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/drop?table=strata.public.cpu")
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/drop?table=strata.public.cpu")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogLevelEndpoint(t *testing.T) {
	svc, plain := setup(t, true)
	rec, _ := do(t, plain, http.MethodGet, "/log_level")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var buf bytes.Buffer
	logger, levels := logging.NewLeveled(logging.Config{Level: "info"}, &buf)
	h := New(svc, prometheus.NewRegistry(), logger).WithLogLevel(levels).Handler()

	rec, body := do(t, h, http.MethodGet, "/log_level")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "info", body["level"])

	rec, _ = do(t, h, http.MethodGet, "/log_level/debug")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, body = do(t, h, http.MethodPut, "/log_level/debug")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "debug", body["level"])
	require.Equal(t, "debug", levels.Level())
	require.Contains(t, buf.String(), "msg=\"log level changed\"")

	rec, _ = do(t, h, http.MethodPost, "/log_level/shouty")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "debug", levels.Level())

	rec, body = do(t, h, http.MethodPost, "/log_level/error")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "error", body["level"])
}
