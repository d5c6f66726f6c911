package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"

	"strata/catalog"
	"strata/domain/table"
	"strata/infra/memtable"
	"strata/infra/metrics"
	"strata/infra/predicate"
	"strata/infra/segstore"
	"strata/infra/wal"
)

type Options struct {
	Retry                  RetryPolicy
	DefaultBatchSize       int
	DefaultReadParallelism int
	Evaluator              predicate.Evaluator
	IngestMetrics          *metrics.Ingest
	QueryMetrics           *metrics.Query
	Logger                 log.Logger
	// AwaitReplay keeps Ready false until the first ReplayAll finishes.
	AwaitReplay bool
}

/*
Service is the only write and read entry point.

Ordering on the write path:
  - append to the region log (durable)
  - apply to the buffer (best effort, repaired by replay)
*/
type Service struct {
	catalog *catalog.Catalog
	manager *wal.Manager
	buffer  *memtable.Buffer
	store   *segstore.Store

	retry     RetryPolicy
	batchSize int
	parallel  int
	evaluator predicate.Evaluator
	im        *metrics.Ingest
	qm        *metrics.Query
	logger    log.Logger

	// viewMu makes a flush's segment commit and buffer drop atomic to
	// readers taking their snapshots.
	viewMu  sync.RWMutex
	flushMu sync.Mutex

	replaying atomic.Bool

	// tableLocks serialise DropTable against operations that resolve a
	// table and then open its region.
	locksMu    sync.Mutex
	tableLocks map[wal.RegionID]*sync.RWMutex

	// sleep is swapped by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cat *catalog.Catalog, mgr *wal.Manager, buf *memtable.Buffer, store *segstore.Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Evaluator == nil {
		opts.Evaluator = predicate.CEL{}
	}
	if opts.IngestMetrics == nil {
		opts.IngestMetrics = metrics.NewIngest(nil)
	}
	if opts.QueryMetrics == nil {
		opts.QueryMetrics = metrics.NewQuery(nil)
	}
	if opts.DefaultBatchSize <= 0 {
		opts.DefaultBatchSize = 1024
	}
	if opts.DefaultReadParallelism <= 0 {
		opts.DefaultReadParallelism = 4
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	s := &Service{
		catalog:   cat,
		manager:   mgr,
		buffer:    buf,
		store:     store,
		retry:     opts.Retry,
		batchSize: opts.DefaultBatchSize,
		parallel:  opts.DefaultReadParallelism,
		evaluator: opts.Evaluator,
		im:        opts.IngestMetrics,
		qm:        opts.QueryMetrics,
		logger:    log.With(opts.Logger, "component", "service"),
		sleep:     sleepCtx,

		tableLocks: make(map[wal.RegionID]*sync.RWMutex),
	}
	s.replaying.Store(opts.AwaitReplay)
	return s
}

func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

func (s *Service) tableLock(region wal.RegionID) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.tableLocks[region]
	if !ok {
		l = new(sync.RWMutex)
		s.tableLocks[region] = l
	}
	return l
}

// pin resolves id and keeps DropTable of it waiting until unpin is called.
// A region opened while pinned cannot be recreated after the drop.
func (s *Service) pin(id table.Identifier) (t *catalog.Table, unpin func(), err error) {
	l := s.tableLock(wal.RegionFor(id, 0))
	l.RLock()
	t, err = s.catalog.Resolve(id)
	if err != nil {
		l.RUnlock()
		return nil, nil, err
	}
	return t, l.RUnlock, nil
}

// Ready reports whether startup recovery has finished and no ReplayAll is
// rebuilding the buffers.
func (s *Service) Ready() bool { return s.manager.Ready() && !s.replaying.Load() }

// -------------------- Status --------------------

type RegionStatus struct {
	Table           string `json:"table"`
	Region          string `json:"region"`
	State           string `json:"state"`
	Highest         uint64 `json:"highest"`
	TruncatedBefore uint64 `json:"truncated_before"`
	Flushed         uint64 `json:"flushed"`
	BufferedRows    int64  `json:"buffered_rows"`
	NeedsReload     bool   `json:"needs_reload"`
}

// Regions reports every catalog table's region. Tables whose region has not
// been opened yet show state "unopened".
func (s *Service) Regions() []RegionStatus {
	var out []RegionStatus
	for _, t := range s.catalog.List() {
		st := RegionStatus{
			Table:        t.Ident.String(),
			Region:       t.Region.String(),
			State:        "unopened",
			BufferedRows: s.buffer.Rows(t.Region),
			NeedsReload:  s.buffer.NeedsReload(t.Region),
		}
		if r, ok := s.manager.Region(t.Region); ok {
			st.State = r.State().String()
			st.Highest = uint64(r.Highest())
			st.TruncatedBefore = uint64(r.TruncatedBefore())
		}
		if f, err := s.store.FlushedSequence(t.Region); err == nil {
			st.Flushed = uint64(f)
		}
		out = append(out, st)
	}
	return out
}
