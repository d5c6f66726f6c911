package wal

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"strata/infra/metrics"
)

type ManagerOptions struct {
	Logger  log.Logger
	Metrics *metrics.WAL
	// RecoverParallelism bounds concurrent region recoveries in RecoverAll.
	RecoverParallelism int
}

// Manager owns the region registry. The registry lock is held only for map
// operations; recovery, draining and backend calls happen outside it.
type Manager struct {
	backend     Backend
	logger      log.Logger
	metrics     *metrics.WAL
	parallelism int

	mu      sync.Mutex
	regions map[RegionID]*RegionLog
	// deleting holds regions between the start of DeleteRegion and the end
	// of the purge; OpenRegion refuses them.
	deleting map[RegionID]struct{}
	closed   bool

	ready atomic.Bool
}

func NewManager(backend Backend, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewWAL(nil, string(backend.Kind()))
	}
	p := opts.RecoverParallelism
	if p <= 0 {
		p = 8
	}
	return &Manager{
		backend:     backend,
		logger:      log.With(logger, "component", "wal-manager", "backend", backend.Kind()),
		metrics:     m,
		parallelism: p,
		regions:     make(map[RegionID]*RegionLog),
		deleting:    make(map[RegionID]struct{}),
	}
}

func (m *Manager) Backend() Backend { return m.backend }

// Ready reports whether RecoverAll has completed.
func (m *Manager) Ready() bool { return m.ready.Load() }

// OpenRegion returns the region's log, creating and recovering it on first
// use. Concurrent callers share one recovery and none of them gets the log
// before it has finished.
func (m *Manager) OpenRegion(ctx context.Context, id RegionID) (*RegionLog, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.Wrap(ErrRegionClosed, "wal manager closed")
	}
	if _, busy := m.deleting[id]; busy {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrRegionClosed, "region %s is being deleted", id)
	}
	r, ok := m.regions[id]
	if !ok {
		r = newRegionLog(id, m.backend, m.logger, m.metrics)
		m.regions[id] = r
		m.metrics.OpenRegions.Inc()
	}
	m.mu.Unlock()

	if !ok {
		r.recover(ctx)
	}
	if err := r.awaitRecovered(ctx); err != nil {
		if errors.Is(err, ErrBackendUnavailable) && r.recoveryFailed() {
			// Transient: let the next open retry from scratch.
			m.forget(id, r)
		}
		return nil, err
	}
	return r, nil
}

// Region looks up an open region without creating it.
func (m *Manager) Region(id RegionID) (*RegionLog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[id]
	return r, ok
}

// Regions lists registered regions in id order.
func (m *Manager) Regions() []*RegionLog {
	m.mu.Lock()
	out := make([]*RegionLog, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].id, out[j].id
		if a.TableID != b.TableID {
			return a.TableID < b.TableID
		}
		return a.Partition < b.Partition
	})
	return out
}

func (m *Manager) forget(id RegionID, r *RegionLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.regions[id]; ok && cur == r {
		delete(m.regions, id)
		m.metrics.OpenRegions.Dec()
	}
}

// CloseRegion drains in-flight operations and stops the region's writer.
// Persisted state is kept; a later OpenRegion recovers it again.
func (m *Manager) CloseRegion(ctx context.Context, id RegionID) error {
	r, ok := m.Region(id)
	if !ok {
		return errors.Wrapf(ErrRegionNotFound, "region %s", id)
	}
	if err := r.shutdown(ctx, StateClosed); err != nil {
		return err
	}
	m.forget(id, r)
	level.Info(m.logger).Log("msg", "region closed", "region", id)
	return nil
}

// DeleteRegion blocks new operations, waits for in-flight writers and
// readers, then irreversibly removes the region's backend state. Regions that
// are not open are purged directly. Until it returns, OpenRegion of the same
// id fails, so the purge cannot race a fresh recovery.
func (m *Manager) DeleteRegion(ctx context.Context, id RegionID) error {
	m.mu.Lock()
	if _, busy := m.deleting[id]; busy {
		m.mu.Unlock()
		return errors.Wrapf(ErrRegionClosed, "region %s is already being deleted", id)
	}
	m.deleting[id] = struct{}{}
	r, ok := m.regions[id]
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.deleting, id)
		m.mu.Unlock()
	}()

	if ok {
		if err := r.shutdown(ctx, StateClosed); err != nil {
			return err
		}
	}
	if err := m.backend.Purge(ctx, id); err != nil {
		if ok {
			m.forget(id, r)
		}
		return err
	}
	if ok {
		r.state.Store(int32(StateDeleted))
		m.forget(id, r)
	}
	level.Info(m.logger).Log("msg", "region deleted", "region", id)
	return nil
}

// RecoverAll recovers every region the backend knows about, in parallel,
// and marks the manager ready. A region that fails is reported in the
// returned map and does not stop the others.
func (m *Manager) RecoverAll(ctx context.Context) (map[RegionID]error, error) {
	start := time.Now()
	ids, err := m.backend.Regions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list regions for recovery")
	}

	var (
		mu       sync.Mutex
		failures = make(map[RegionID]error)
		g        errgroup.Group
	)
	g.SetLimit(m.parallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if _, err := m.OpenRegion(ctx, id); err != nil {
				mu.Lock()
				failures[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.ready.Store(true)
	level.Info(m.logger).Log(
		"msg", "recovery complete",
		"regions", len(ids),
		"failed", len(failures),
		"duration", time.Since(start),
	)
	return failures, nil
}

// Close closes every region and then the backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var errs error
	for _, r := range m.Regions() {
		if err := r.shutdown(context.Background(), StateClosed); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
		m.forget(r.id, r)
	}
	if err := m.backend.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}
