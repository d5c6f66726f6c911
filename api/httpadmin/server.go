// Package httpadmin serves the operator endpoints: status, readiness,
// prometheus metrics, region state, flush, table drop and the log level.
package httpadmin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"strata/domain/table"
	"strata/service"
)

// LevelSetter reads and changes the process log level.
type LevelSetter interface {
	Level() string
	SetLevel(lvl string) error
}

type Server struct {
	svc    *service.Service
	logger log.Logger
	levels LevelSetter
	srv    *http.Server
	lis    net.Listener
}

// New builds the admin server. gatherer backs /metrics; nil uses the
// default registry.
func New(svc *service.Service, gatherer prometheus.Gatherer, logger log.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	mux := http.NewServeMux()
	s := &Server{svc: svc, logger: log.With(logger, "component", "httpadmin"), srv: &http.Server{Handler: mux}}
	mux.HandleFunc("/", s.handleStatus)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/regions", s.handleRegions)
	mux.HandleFunc("/flush", s.handleFlush)
	mux.HandleFunc("/drop", s.handleDrop)
	mux.HandleFunc("/log_level", s.handleLogLevel)
	mux.HandleFunc("/log_level/", s.handleLogLevel)
	return s
}

// WithLogLevel enables /log_level backed by l.
func (s *Server) WithLogLevel(l LevelSetter) *Server {
	s.levels = l
	return s
}

func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	s.lis = l
	level.Info(s.logger).Log("msg", "admin http listening", "addr", l.Addr())
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

// -------------------- Handlers --------------------

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "no such endpoint")
		return
	}
	status := "ok"
	if !s.svc.Ready() {
		status = "recovering"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"tables": len(s.svc.Catalog().List()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Ready() {
		writeError(w, http.StatusServiceUnavailable, "not_ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"regions": s.svc.Regions()})
}

// handleFlush flushes ?table=catalog.schema.table, or every table.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	name := r.URL.Query().Get("table")
	if name == "" {
		results, err := s.svc.FlushAll(r.Context())
		if err != nil {
			level.Error(s.logger).Log("msg", "flush all", "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"flushed": results, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"flushed": results})
		return
	}
	id, ok := parseTable(name)
	if !ok {
		writeError(w, http.StatusBadRequest, "table must be catalog.schema.table")
		return
	}
	res, err := s.svc.Flush(r.Context(), id)
	if err != nil {
		s.fail(w, "flush", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flushed": []service.FlushResult{res}})
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	id, ok := parseTable(r.URL.Query().Get("table"))
	if !ok {
		writeError(w, http.StatusBadRequest, "table must be catalog.schema.table")
		return
	}
	if err := s.svc.DropTable(r.Context(), id); err != nil {
		s.fail(w, "drop", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dropped": id.String()})
}

// handleLogLevel reports the level on GET /log_level and changes it on
// PUT or POST /log_level/{level}.
func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	if s.levels == nil {
		writeError(w, http.StatusNotFound, "log level is not adjustable")
		return
	}
	lvl := strings.Trim(strings.TrimPrefix(r.URL.Path, "/log_level"), "/")
	if lvl == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "GET required")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"level": s.levels.Level()})
		return
	}
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "PUT or POST required")
		return
	}
	prev := s.levels.Level()
	if err := s.levels.SetLevel(lvl); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	level.Info(s.logger).Log("msg", "log level changed", "from", prev, "to", s.levels.Level())
	writeJSON(w, http.StatusOK, map[string]string{"level": s.levels.Level()})
}

func (s *Server) fail(w http.ResponseWriter, op string, id table.Identifier, err error) {
	if errors.Is(err, service.ErrUnknownTable) {
		writeError(w, http.StatusNotFound, "table not found")
		return
	}
	level.Error(s.logger).Log("msg", op+" failed", "table", id, "err", err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func parseTable(s string) (table.Identifier, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return table.Identifier{}, false
	}
	id := table.Identifier{Catalog: parts[0], Schema: parts[1], Table: parts[2]}
	return id, id.Valid()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
