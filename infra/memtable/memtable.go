// Package memtable is the in-memory row buffer that durable row groups are
// applied to. Each region's entries live behind an atomic pointer and are
// replaced copy-on-write, so readers take a consistent view without locks
// and never block writers.
package memtable

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"strata/domain/table"
	"strata/infra/wal"
)

var ErrBufferFull = errors.New("memtable buffer full")

// Entry is one applied row group, tagged with its WAL sequence.
type Entry struct {
	Sequence wal.SequenceNumber
	Group    table.RowGroup
}

type regionBuffer struct {
	mu      sync.Mutex // writers only
	entries atomic.Pointer[[]Entry]
	rows    atomic.Int64
	reload  atomic.Bool
}

func (rb *regionBuffer) load() []Entry {
	if p := rb.entries.Load(); p != nil {
		return *p
	}
	return nil
}

type Buffer struct {
	// MaxRowsPerRegion bounds buffered rows; 0 means unbounded.
	maxRows int64

	mu      sync.RWMutex
	regions map[wal.RegionID]*regionBuffer
}

func New(maxRowsPerRegion int) *Buffer {
	return &Buffer{
		maxRows: int64(maxRowsPerRegion),
		regions: make(map[wal.RegionID]*regionBuffer),
	}
}

func (b *Buffer) region(id wal.RegionID, create bool) *regionBuffer {
	b.mu.RLock()
	rb, ok := b.regions[id]
	b.mu.RUnlock()
	if ok || !create {
		return rb
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if rb, ok = b.regions[id]; !ok {
		rb = &regionBuffer{}
		b.regions[id] = rb
	}
	return rb
}

// Apply inserts a row group at its sequence. Applying a sequence that is
// already present is a no-op, which makes WAL replay idempotent.
func (b *Buffer) Apply(id wal.RegionID, seq wal.SequenceNumber, rg table.RowGroup) error {
	rb := b.region(id, true)
	rb.mu.Lock()
	defer rb.mu.Unlock()

	cur := rb.load()
	i := sort.Search(len(cur), func(i int) bool { return cur[i].Sequence >= seq })
	if i < len(cur) && cur[i].Sequence == seq {
		return nil
	}
	if b.maxRows > 0 && rb.rows.Load()+int64(len(rg.Rows)) > b.maxRows {
		return errors.Wrapf(ErrBufferFull, "region %s holds %d rows", id, rb.rows.Load())
	}

	next := make([]Entry, 0, len(cur)+1)
	next = append(next, cur[:i]...)
	next = append(next, Entry{Sequence: seq, Group: rg})
	next = append(next, cur[i:]...)
	rb.entries.Store(&next)
	rb.rows.Add(int64(len(rg.Rows)))
	return nil
}

// Snapshot returns an immutable view of the region's entries.
func (b *Buffer) Snapshot(id wal.RegionID) View {
	rb := b.region(id, false)
	if rb == nil {
		return View{}
	}
	return View{Entries: rb.load()}
}

// AppliedSequence is the highest sequence present in the buffer.
func (b *Buffer) AppliedSequence(id wal.RegionID) wal.SequenceNumber {
	entries := b.Snapshot(id).Entries
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Sequence
}

// DropThrough removes entries with sequence <= seq and returns how many
// rows were released.
func (b *Buffer) DropThrough(id wal.RegionID, seq wal.SequenceNumber) int {
	rb := b.region(id, false)
	if rb == nil {
		return 0
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	cur := rb.load()
	i := sort.Search(len(cur), func(i int) bool { return cur[i].Sequence > seq })
	if i == 0 {
		return 0
	}
	dropped := 0
	for _, e := range cur[:i] {
		dropped += len(e.Group.Rows)
	}
	next := append([]Entry(nil), cur[i:]...)
	rb.entries.Store(&next)
	rb.rows.Add(-int64(dropped))
	return dropped
}

// Drop forgets the region entirely.
func (b *Buffer) Drop(id wal.RegionID) {
	b.mu.Lock()
	delete(b.regions, id)
	b.mu.Unlock()
}

// MarkReload flags a region whose buffer missed a durable row group.
func (b *Buffer) MarkReload(id wal.RegionID) {
	b.region(id, true).reload.Store(true)
}

func (b *Buffer) NeedsReload(id wal.RegionID) bool {
	rb := b.region(id, false)
	return rb != nil && rb.reload.Load()
}

func (b *Buffer) ClearReload(id wal.RegionID) {
	if rb := b.region(id, false); rb != nil {
		rb.reload.Store(false)
	}
}

func (b *Buffer) Rows(id wal.RegionID) int64 {
	if rb := b.region(id, false); rb != nil {
		return rb.rows.Load()
	}
	return 0
}

// ---------- View ----------

type View struct {
	Entries []Entry
}

func (v View) Len() int {
	n := 0
	for _, e := range v.Entries {
		n += len(e.Group.Rows)
	}
	return n
}

// Scan emits the view's rows inside tr. With OrderNone rows come in
// sequence order; otherwise they are sorted by timestamp (stable, so equal
// timestamps keep sequence order).
func (v View) Scan(ctx context.Context, tr table.TimeRange, order table.Order, emit func(table.Row) bool) error {
	type tsRow struct {
		ts  int64
		row table.Row
	}
	var rows []tsRow
	for _, e := range v.Entries {
		if !tr.Overlaps(e.Group.MinTimestamp, e.Group.MaxTimestamp) {
			continue
		}
		for _, r := range e.Group.Rows {
			ts := r.Timestamp(e.Group.Schema)
			if tr.Contains(ts) {
				rows = append(rows, tsRow{ts: ts, row: r})
			}
		}
	}
	switch order {
	case table.OrderAsc:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts < rows[j].ts })
	case table.OrderDesc:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts > rows[j].ts })
	}
	for i, r := range rows {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !emit(r.row) {
			return nil
		}
	}
	return nil
}
