package wal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"strata/infra/metrics"
	"strata/infra/sequence"
)

type State int32

const (
	StateRecovering State = iota
	StateReady
	StateOffline
	StateClosing
	StateClosed
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateRecovering:
		return "RECOVERING"
	case StateReady:
		return "READY"
	case StateOffline:
		return "OFFLINE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

type appendRequest struct {
	ctx   context.Context
	entry Entry
	done  chan appendResult
}

type appendResult struct {
	seq SequenceNumber
	err error
}

// RegionLog is the per-region view over the shared backend. Appends are
// handed to a single writer goroutine through an unbuffered channel, so they
// reach the backend one at a time in arrival order. The highest confirmed
// sequence and the watermark are kept in memory for lock-free reads.
type RegionLog struct {
	id      RegionID
	backend Backend
	logger  log.Logger
	metrics *metrics.WAL

	seq       *sequence.Sequencer
	watermark atomic.Uint64
	state     atomic.Int32

	// mu guards lifecycle transitions and the in-flight group.
	mu         sync.Mutex
	closing    bool
	inflight   sync.WaitGroup
	offlineErr error

	recovered  chan struct{}
	recoverErr error

	appends    chan *appendRequest
	stop       chan struct{}
	writerDone chan struct{}
}

func newRegionLog(id RegionID, backend Backend, logger log.Logger, m *metrics.WAL) *RegionLog {
	r := &RegionLog{
		id:         id,
		backend:    backend,
		logger:     log.With(logger, "region", id),
		metrics:    m,
		seq:        sequence.New(0),
		recovered:  make(chan struct{}),
		appends:    make(chan *appendRequest),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	r.state.Store(int32(StateRecovering))
	return r
}

func (r *RegionLog) ID() RegionID { return r.id }

func (r *RegionLog) State() State { return State(r.state.Load()) }

// Highest is the last durably confirmed sequence.
func (r *RegionLog) Highest() SequenceNumber {
	return SequenceNumber(r.seq.Current())
}

func (r *RegionLog) TruncatedBefore() SequenceNumber {
	return SequenceNumber(r.watermark.Load())
}

// ---------- Recovery ----------

// recover runs exactly once, by whoever created the region log.
func (r *RegionLog) recover(ctx context.Context) {
	defer close(r.recovered)

	st, err := r.backend.Recover(ctx, r.id)
	if err != nil {
		r.metrics.Recoveries.WithLabelValues("error").Inc()
		r.recoverErr = err
		if errors.Is(err, ErrBackendCorrupt) {
			r.goOffline(err)
		}
		level.Error(r.logger).Log("msg", "region recovery failed", "err", err)
		return
	}

	r.seq.Reset(uint64(st.Highest))
	r.watermark.Store(uint64(st.TruncatedBefore))
	r.state.Store(int32(StateReady))
	go r.writeLoop()

	r.metrics.Recoveries.WithLabelValues("ok").Inc()
	level.Info(r.logger).Log("msg", "region ready", "highest", st.Highest, "watermark", st.TruncatedBefore)
}

func (r *RegionLog) awaitRecovered(ctx context.Context) error {
	select {
	case <-r.recovered:
	default:
		select {
		case <-r.recovered:
		case <-ctx.Done():
			return Unavailable(ctx.Err(), "wait for recovery of region %s", r.id)
		}
	}
	if r.recoverErr != nil {
		return r.recoverErr
	}
	return r.usable()
}

func (r *RegionLog) recoveryFailed() bool {
	select {
	case <-r.recovered:
		return r.recoverErr != nil
	default:
		return false
	}
}

// ---------- Lifecycle ----------

// Acquire registers an in-flight operation. Close and delete wait for every
// acquired handle to be released.
func (r *RegionLog) Acquire() (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return nil, errors.Wrapf(ErrRegionClosed, "region %s", r.id)
	}
	r.inflight.Add(1)
	var once sync.Once
	return func() { once.Do(r.inflight.Done) }, nil
}

// usable is checked after Acquire. A closing region still serves what was
// acquired before shutdown began; Acquire refuses everything after.
func (r *RegionLog) usable() error {
	switch r.State() {
	case StateReady, StateClosing:
		return nil
	case StateOffline:
		return r.offlineError()
	case StateRecovering:
		return RegionNotRecovered(r.id)
	default:
		return errors.Wrapf(ErrRegionClosed, "region %s", r.id)
	}
}

func (r *RegionLog) goOffline(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offlineErr != nil {
		return
	}
	r.offlineErr = cause
	r.state.Store(int32(StateOffline))
	level.Error(r.logger).Log("msg", "region taken offline", "err", cause)
}

func (r *RegionLog) offlineError() error {
	r.mu.Lock()
	cause := r.offlineErr
	r.mu.Unlock()
	if cause == nil {
		cause = ErrBackendCorrupt
	}
	return errors.Mark(errors.Wrapf(cause, "region %s offline", r.id), ErrRegionOffline)
}

// shutdown refuses new operations, waits for in-flight ones and stops the
// writer. It is safe to call more than once.
func (r *RegionLog) shutdown(ctx context.Context, final State) error {
	r.mu.Lock()
	first := !r.closing
	r.closing = true
	r.mu.Unlock()
	if first && r.State() != StateOffline {
		r.state.Store(int32(StateClosing))
	}

	drained := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return Unavailable(ctx.Err(), "drain region %s", r.id)
	}

	select {
	case <-r.recovered:
	case <-ctx.Done():
		return Unavailable(ctx.Err(), "drain region %s", r.id)
	}
	if r.recoverErr == nil {
		select {
		case <-r.stop:
		default:
			close(r.stop)
		}
		<-r.writerDone
	}
	r.state.Store(int32(final))
	return nil
}

// ---------- Writes ----------

// AppendRowGroup durably appends one serialized row group and returns its
// sequence. If ctx ends before the writer takes the request nothing is
// written and the context error is returned; once taken, the append runs to
// completion and its outcome is returned whatever happens to ctx.
func (r *RegionLog) AppendRowGroup(ctx context.Context, e Entry) (SequenceNumber, error) {
	release, err := r.Acquire()
	if err != nil {
		return 0, err
	}
	defer release()
	if err := r.usable(); err != nil {
		return 0, err
	}

	req := &appendRequest{ctx: ctx, entry: e, done: make(chan appendResult, 1)}
	select {
	case r.appends <- req:
	case <-ctx.Done():
		return 0, Canceled(ctx.Err(), "queue append to region %s", r.id)
	}
	res := <-req.done
	return res.seq, res.err
}

func (r *RegionLog) writeLoop() {
	defer close(r.writerDone)
	for {
		select {
		case <-r.stop:
			return
		case req := <-r.appends:
			seq, err := r.doAppend(req)
			req.done <- appendResult{seq: seq, err: err}
		}
	}
}

func (r *RegionLog) doAppend(req *appendRequest) (SequenceNumber, error) {
	if err := req.ctx.Err(); err != nil {
		return 0, Canceled(err, "append to region %s", r.id)
	}
	if err := r.usable(); err != nil {
		return 0, err
	}

	// The caller may give up from here on; the backend still finishes.
	start := time.Now()
	seq, err := r.backend.Append(context.WithoutCancel(req.ctx), r.id, req.entry)
	if err != nil {
		r.metrics.Appends.WithLabelValues("error").Inc()
		if errors.Is(err, ErrBackendCorrupt) {
			r.goOffline(err)
		}
		return 0, err
	}
	if err := r.seq.Confirm(uint64(seq)); err != nil {
		r.metrics.Appends.WithLabelValues("error").Inc()
		err = Corrupt(err, "region %s", r.id)
		r.goOffline(err)
		return 0, err
	}

	r.metrics.Appends.WithLabelValues("ok").Inc()
	r.metrics.AppendBytes.Add(float64(len(req.entry.Payload)))
	r.metrics.AppendLatency.Observe(time.Since(start).Seconds())
	return seq, nil
}

// ---------- Reads ----------

// Read iterates (cursor.Start, cursor.End], never past the highest confirmed
// sequence. The region cannot be closed or deleted until the iterator is
// closed.
func (r *RegionLog) Read(ctx context.Context, cursor ReadCursor) (Iterator, error) {
	release, err := r.Acquire()
	if err != nil {
		return nil, err
	}
	if err := r.usable(); err != nil {
		release()
		return nil, err
	}
	if wm := r.TruncatedBefore(); cursor.Start < wm {
		release()
		return nil, Truncated(r.id, cursor.Start, wm)
	}

	end := cursor.End
	if hi := r.Highest(); end > hi {
		end = hi
	}
	it, err := r.backend.ReadRange(ctx, r.id, cursor.Start, end)
	if err != nil {
		release()
		if errors.Is(err, ErrBackendCorrupt) {
			r.goOffline(err)
		}
		return nil, err
	}
	return &regionIterator{Iterator: it, region: r, release: release}, nil
}

type regionIterator struct {
	Iterator
	region  *RegionLog
	release func()
}

func (it *regionIterator) Err() error {
	err := it.Iterator.Err()
	if err != nil && errors.Is(err, ErrBackendCorrupt) {
		it.region.goOffline(err)
	}
	return err
}

func (it *regionIterator) Close() error {
	defer it.release()
	return it.Iterator.Close()
}

// ---------- Truncation ----------

// TruncateBefore discards records with seq <= the given sequence. Reads in
// flight that have not yet passed the new watermark fail.
func (r *RegionLog) TruncateBefore(ctx context.Context, seq SequenceNumber) error {
	release, err := r.Acquire()
	if err != nil {
		return err
	}
	defer release()
	if err := r.usable(); err != nil {
		return err
	}
	if hi := r.Highest(); seq > hi {
		seq = hi
	}
	if seq <= r.TruncatedBefore() {
		return nil
	}

	if err := r.backend.TruncateBefore(ctx, r.id, seq); err != nil {
		if errors.Is(err, ErrBackendCorrupt) {
			r.goOffline(err)
		}
		return err
	}
	for {
		cur := r.watermark.Load()
		if uint64(seq) <= cur || r.watermark.CompareAndSwap(cur, uint64(seq)) {
			break
		}
	}
	r.metrics.Truncations.Inc()
	level.Debug(r.logger).Log("msg", "truncated", "watermark", seq)
	return nil
}

// Recover blocks until the region's one-time recovery has finished and
// reports its outcome.
func (r *RegionLog) Recover(ctx context.Context) error {
	return r.awaitRecovered(ctx)
}
