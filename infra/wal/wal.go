package wal

import (
	"context"
	"sync"
)

type Kind string

const (
	KindEmbedded Kind = "embedded"
	KindQueue    Kind = "queue"
	KindMemory   Kind = "memory"
)

// Backend is the durable store behind every region log. One backend serves
// all regions of a process; implementations must be safe for concurrent use
// across regions. Per-region ordering is provided by RegionLog, which never
// issues two appends for the same region at once.
type Backend interface {
	Kind() Kind

	// Regions lists every region with persisted state.
	Regions(ctx context.Context) ([]RegionID, error)

	// Recover reconstructs the region's highest durable sequence and
	// truncation watermark from backend content alone. Appends, reads and
	// truncation of a region are only valid after it has been recovered.
	Recover(ctx context.Context, region RegionID) (RecoveryState, error)

	// Append durably stores e as the region's next record and returns its
	// sequence. On error nothing is visible and the sequence is not consumed.
	Append(ctx context.Context, region RegionID, e Entry) (SequenceNumber, error)

	// ReadRange yields records with start < seq <= end in ascending order.
	ReadRange(ctx context.Context, region RegionID, start, end SequenceNumber) (Iterator, error)

	// TruncateBefore discards every record with seq <= the given sequence.
	TruncateBefore(ctx context.Context, region RegionID, seq SequenceNumber) error

	// Purge removes all state of the region.
	Purge(ctx context.Context, region RegionID) error

	Close() error
}

// Iterator is a lazy, finite, ascending view of a region's records.
type Iterator interface {
	Next() bool
	Record() LogRecord
	Err() error
	Close() error
}

// ---------- Slice iterator ----------

type sliceIterator struct {
	recs []LogRecord
	pos  int
}

// NewSliceIterator iterates an already materialized, ascending slice.
func NewSliceIterator(recs []LogRecord) Iterator {
	return &sliceIterator{recs: recs, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.recs) {
		it.pos = len(it.recs)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Record() LogRecord { return it.recs[it.pos] }
func (it *sliceIterator) Err() error        { return nil }
func (it *sliceIterator) Close() error      { return nil }

// ---------- Truncation guard ----------

type guardedIterator struct {
	Iterator
	region    RegionID
	watermark func() SequenceNumber
	err       error
}

// GuardTruncation fails an iterator with ErrRangeTruncated as soon as it
// would yield a record at or below the region's current watermark.
func GuardTruncation(it Iterator, region RegionID, watermark func() SequenceNumber) Iterator {
	return &guardedIterator{Iterator: it, region: region, watermark: watermark}
}

func (g *guardedIterator) Next() bool {
	if g.err != nil || !g.Iterator.Next() {
		return false
	}
	seq := g.Iterator.Record().Sequence
	if wm := g.watermark(); seq <= wm {
		g.err = Truncated(g.region, seq-1, wm)
		return false
	}
	return true
}

func (g *guardedIterator) Err() error {
	if g.err != nil {
		return g.err
	}
	return g.Iterator.Err()
}

// ---------- Region state ----------

// Watermarks tracks per-region recovery state inside a backend.
type Watermarks struct {
	mu     sync.RWMutex
	states map[RegionID]RecoveryState
}

func NewWatermarks() *Watermarks {
	return &Watermarks{states: make(map[RegionID]RecoveryState)}
}

func (w *Watermarks) Get(region RegionID) (RecoveryState, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, ok := w.states[region]
	return st, ok
}

func (w *Watermarks) Set(region RegionID, st RecoveryState) {
	w.mu.Lock()
	w.states[region] = st
	w.mu.Unlock()
}

func (w *Watermarks) Delete(region RegionID) {
	w.mu.Lock()
	delete(w.states, region)
	w.mu.Unlock()
}

// Truncated returns the current watermark (0 when unknown).
func (w *Watermarks) Truncated(region RegionID) SequenceNumber {
	st, _ := w.Get(region)
	return st.TruncatedBefore
}

// CheckRead validates a read start and clamps end to the highest durable
// sequence.
func (w *Watermarks) CheckRead(region RegionID, start, end SequenceNumber) (SequenceNumber, error) {
	st, ok := w.Get(region)
	if !ok {
		return 0, RegionNotRecovered(region)
	}
	if start < st.TruncatedBefore {
		return 0, Truncated(region, start, st.TruncatedBefore)
	}
	if end > st.Highest {
		end = st.Highest
	}
	return end, nil
}

// ---------- Region locks ----------

// RegionLocks hands out one mutex per region so backends can serialize
// metadata updates of a region without a process-wide lock.
type RegionLocks struct {
	mu    sync.Mutex
	locks map[RegionID]*sync.Mutex
}

func NewRegionLocks() *RegionLocks {
	return &RegionLocks{locks: make(map[RegionID]*sync.Mutex)}
}

func (l *RegionLocks) Lock(region RegionID) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[region]
	if !ok {
		m = &sync.Mutex{}
		l.locks[region] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
