package service

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"strata/domain/table"
	"strata/infra/predicate"
)

type Predicate struct {
	Exprs     [][]byte
	TimeRange table.TimeRange
}

type ReadRequest struct {
	RequestID uint64
	// BatchSize caps rows per batch; 0 takes the service default.
	BatchSize int
	// ReadParallelism caps concurrently scanned shards; 0 takes the default.
	ReadParallelism int
	// Projection names the returned columns in order; empty returns all.
	Projection []string
	Predicate  Predicate
	Order      table.Order
}

// source is one read shard: the buffer snapshot or a persisted segment.
type source interface {
	Scan(ctx context.Context, tr table.TimeRange, order table.Order, emit func(table.Row) bool) error
}

// HandleRead starts a scan of the table and returns the stream of result
// batches. The stream pins the table's region until it is drained or
// closed.
func (s *Service) HandleRead(ctx context.Context, id table.Identifier, req ReadRequest) (*RowStream, error) {
	t, unpin, err := s.pin(id)
	if err != nil {
		s.qm.Reads.WithLabelValues(resultOf(err)).Inc()
		return nil, err
	}
	plan, err := s.plan(t.Schema, req)
	if err != nil {
		unpin()
		s.qm.Reads.WithLabelValues(resultOf(err)).Inc()
		return nil, err
	}

	// Once acquired, a drop drains the stream instead of racing it.
	region, err := s.manager.OpenRegion(ctx, t.Region)
	if err != nil {
		unpin()
		s.qm.Reads.WithLabelValues(resultOf(err)).Inc()
		return nil, err
	}
	release, err := region.Acquire()
	unpin()
	if err != nil {
		s.qm.Reads.WithLabelValues(resultOf(err)).Inc()
		return nil, err
	}

	s.viewMu.RLock()
	buffered := s.buffer.Snapshot(t.Region)
	persisted := s.store.Snapshot(t.Region, plan.timeRange)
	s.viewMu.RUnlock()

	sources := make([]source, 0, 1+len(persisted.Segments))
	sources = append(sources, buffered)
	for _, seg := range persisted.Segments {
		sources = append(sources, seg)
	}

	sctx, cancel := context.WithCancel(ctx)
	rs := &RowStream{
		Schema:  plan.schema,
		batches: make(chan batch),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		start := time.Now()
		defer func() {
			close(rs.batches)
			_ = persisted.Close()
			release()
			s.qm.Duration.Observe(time.Since(start).Seconds())
			close(rs.done)
		}()
		err := s.produce(sctx, plan, sources, rs.batches)
		switch {
		case err == nil:
			s.qm.Reads.WithLabelValues("ok").Inc()
		case sctx.Err() != nil:
			s.qm.Reads.WithLabelValues("canceled").Inc()
		default:
			s.qm.Reads.WithLabelValues(resultOf(err)).Inc()
			level.Warn(s.logger).Log("msg", "read failed", "table", id, "request_id", req.RequestID, "err", err)
			select {
			case rs.batches <- batch{err: err}:
			case <-sctx.Done():
			}
		}
	}()
	return rs, nil
}

type readPlan struct {
	full      table.Schema
	schema    table.Schema
	columns   []int
	filter    predicate.Filter
	timeRange table.TimeRange
	order     table.Order
	batchSize int
	parallel  int
}

func (s *Service) plan(schema table.Schema, req ReadRequest) (readPlan, error) {
	p := readPlan{
		full:      schema,
		timeRange: req.Predicate.TimeRange,
		order:     req.Order,
		batchSize: req.BatchSize,
		parallel:  req.ReadParallelism,
	}
	switch req.Order {
	case table.OrderNone, table.OrderAsc, table.OrderDesc:
	default:
		return p, invalid("unknown order %d", req.Order)
	}
	if p.batchSize < 0 || p.parallel < 0 {
		return p, invalid("batch_size and read_parallelism must not be negative")
	}
	if p.batchSize == 0 {
		p.batchSize = s.batchSize
	}
	if p.parallel == 0 {
		p.parallel = s.parallel
	}
	if p.timeRange.Start > p.timeRange.End {
		return p, invalid("time range [%d, %d] is empty", p.timeRange.Start, p.timeRange.End)
	}

	proj, cols, err := schema.Project(req.Projection)
	if err != nil {
		return p, errors.Mark(err, ErrInvalidArgument)
	}
	p.schema, p.columns = proj, cols

	filter, err := s.evaluator.Compile(schema, req.Predicate.Exprs)
	if err != nil {
		return p, errors.Mark(err, ErrInvalidArgument)
	}
	p.filter = filter
	return p, nil
}

// produce scans every source and sends result batches to out. Unordered
// reads stream rows as shards yield them; ordered reads merge the shards'
// sorted chunks as they arrive.
func (s *Service) produce(ctx context.Context, p readPlan, sources []source, out chan<- batch) error {
	sem := semaphore.NewWeighted(int64(p.parallel))
	g, gctx := errgroup.WithContext(ctx)

	b := newBatcher(ctx, p.batchSize, out)
	if p.order == table.OrderNone {
		rows := make(chan table.Row, p.batchSize)
		for _, src := range sources {
			src := src
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				return src.Scan(gctx, p.timeRange, p.order, func(r table.Row) bool {
					if !p.filter.Match(r) {
						return true
					}
					select {
					case rows <- r.Project(p.columns):
						return true
					case <-gctx.Done():
						return false
					}
				})
			})
		}
		go func() {
			_ = g.Wait()
			close(rows)
		}()
		for r := range rows {
			if !b.add(r) {
				break
			}
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return b.flush()
	}

	feeds := make([]*feed, len(sources))
	for i, src := range sources {
		src := src
		chunks := make(chan []stamped)
		feeds[i] = &feed{chunks: chunks, src: i}
		g.Go(func() error {
			defer close(chunks)
			return scanChunks(gctx, p, src, sem, chunks)
		})
	}
	mergeErr := mergeFeeds(gctx, feeds, p.order == table.OrderDesc, b.add)
	if err := g.Wait(); err != nil {
		return err
	}
	if mergeErr != nil {
		return mergeErr
	}
	return b.flush()
}

// scanChunks feeds one shard to the ordered merge in chunks of at most
// batchSize rows. A semaphore slot is held only while a chunk is being
// filled, so shards waiting on the merge never starve the others.
func scanChunks(ctx context.Context, p readPlan, src source, sem *semaphore.Weighted, out chan<- []stamped) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	held := true
	defer func() {
		if held {
			sem.Release(1)
		}
	}()

	var chunk []stamped
	send := func() bool {
		sem.Release(1)
		held = false
		select {
		case out <- chunk:
		case <-ctx.Done():
			return false
		}
		chunk = make([]stamped, 0, p.batchSize)
		if err := sem.Acquire(ctx, 1); err != nil {
			return false
		}
		held = true
		return true
	}
	err := src.Scan(ctx, p.timeRange, p.order, func(r table.Row) bool {
		if !p.filter.Match(r) {
			return true
		}
		chunk = append(chunk, stamped{ts: r.Timestamp(p.full), row: r.Project(p.columns)})
		return len(chunk) < p.batchSize || send()
	})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunk) > 0 {
		sem.Release(1)
		held = false
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ---------- Stream ----------

type batch struct {
	rows []table.Row
	err  error
}

// RowStream yields result batches of at most the requested size. It is not
// restartable.
type RowStream struct {
	// Schema describes the projected rows.
	Schema table.Schema

	batches chan batch
	cancel  context.CancelFunc
	done    chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

// Next returns the next batch, io.EOF after the last one, or the first
// error the scan hit. Errors are sticky.
func (rs *RowStream) Next(ctx context.Context) ([]table.Row, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.err != nil {
		return nil, rs.err
	}
	select {
	case b, ok := <-rs.batches:
		if !ok {
			rs.err = io.EOF
			return nil, io.EOF
		}
		if b.err != nil {
			rs.err = b.err
			return nil, b.err
		}
		return b.rows, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close abandons the scan and waits for its goroutines to stop.
func (rs *RowStream) Close() error {
	rs.once.Do(func() {
		rs.cancel()
		<-rs.done
	})
	return nil
}

type batcher struct {
	ctx  context.Context
	size int
	out  chan<- batch
	cur  []table.Row
}

func newBatcher(ctx context.Context, size int, out chan<- batch) *batcher {
	return &batcher{ctx: ctx, size: size, out: out}
}

// add buffers a row and ships a full batch; false means the reader is gone.
func (b *batcher) add(r table.Row) bool {
	b.cur = append(b.cur, r)
	if len(b.cur) < b.size {
		return true
	}
	return b.flush() == nil
}

func (b *batcher) flush() error {
	if len(b.cur) == 0 {
		return b.ctx.Err()
	}
	select {
	case b.out <- batch{rows: b.cur}:
		b.cur = make([]table.Row, 0, b.size)
		return nil
	case <-b.ctx.Done():
		return b.ctx.Err()
	}
}
