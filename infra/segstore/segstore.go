package segstore

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"strata/domain/table"
	"strata/infra/codec"
	"strata/infra/wal"
)

type Options struct {
	// Dir holds the store. Empty keeps everything in memory.
	Dir    string
	NoSync bool
	Logger log.Logger
}

// Store persists flushed row groups per region.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    log.Logger

	mu       sync.RWMutex
	segments map[wal.RegionID][]span // sorted by start
}

type span struct{ start, end int64 }

// Group is one flushed row group with the WAL sequence it came from.
type Group struct {
	Sequence wal.SequenceNumber
	Group    table.RowGroup
}

func Open(opts Options) (*Store, error) {
	po := &pebble.Options{}
	if opts.Dir == "" {
		po.FS = vfs.NewMem()
	}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment store at %q", opts.Dir)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Store{
		db:        db,
		writeOpts: pebble.Sync,
		logger:    log.With(logger, "component", "segstore"),
		segments:  make(map[wal.RegionID][]span),
	}
	if opts.NoSync || opts.Dir == "" {
		s.writeOpts = pebble.NoSync
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// loadIndex rebuilds the in-memory segment list by skipping from segment to
// segment.
func (s *Store) loadIndex() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: segPrefix, UpperBound: prefixEnd(segPrefix)})
	if err != nil {
		return errors.Wrap(err, "scan segments")
	}
	defer iter.Close()

	n := 0
	for valid := iter.First(); valid; {
		k := iter.Key()
		start, end, ok := parseSegment(k)
		if !ok {
			return errors.Newf("malformed segment key %x", k)
		}
		region := wal.RegionID{
			TableID:   binary.BigEndian.Uint64(k[len(segPrefix):]),
			Partition: binary.BigEndian.Uint32(k[len(segPrefix)+8:]),
		}
		s.segments[region] = append(s.segments[region], span{start, end})
		n++
		valid = iter.SeekGE(prefixEnd(segmentKey(region, start, end)))
	}
	if err := iter.Error(); err != nil {
		return errors.Wrap(err, "scan segments")
	}
	level.Debug(s.logger).Log("msg", "segment index loaded", "segments", n)
	return nil
}

// Write buckets each group's rows into segments of width dur and commits
// them together with the new flushed-through sequence. Groups must come in
// ascending sequence order; groups at or below the current flushed sequence
// are skipped.
func (s *Store) Write(ctx context.Context, region wal.RegionID, dur time.Duration, groups []Group) error {
	if len(groups) == 0 {
		return nil
	}
	if dur <= 0 {
		return errors.Newf("segment duration %s", dur)
	}
	flushed, err := s.FlushedSequence(region)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	width := dur.Milliseconds()
	added := make(map[span]struct{})
	last := flushed
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if g.Sequence <= flushed {
			continue
		}
		for sp, rows := range bucket(g.Group, width) {
			part := table.NewRowGroup(g.Group.Schema, g.Group.Version, rows)
			payload, err := codec.Encode(part)
			if err != nil {
				return err
			}
			val := append([]byte{part.Version}, payload...)
			if err := batch.Set(groupKey(region, sp.start, sp.end, g.Sequence), val, nil); err != nil {
				return errors.Wrap(err, "stage segment write")
			}
			added[sp] = struct{}{}
		}
		last = g.Sequence
	}
	if last == flushed {
		return nil
	}
	if err := batch.Set(flushKey(region), binary.BigEndian.AppendUint64(nil, uint64(last)), nil); err != nil {
		return errors.Wrap(err, "stage flushed sequence")
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return errors.Wrapf(err, "commit flush of region %s", region)
	}

	s.mu.Lock()
	s.segments[region] = mergeSpans(s.segments[region], added)
	s.mu.Unlock()
	return nil
}

func bucket(rg table.RowGroup, width int64) map[span][]table.Row {
	out := make(map[span][]table.Row)
	for _, r := range rg.Rows {
		ts := r.Timestamp(rg.Schema)
		start := ts - mod(ts, width)
		sp := span{start: start, end: start + width - 1}
		out[sp] = append(out[sp], r)
	}
	return out
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func mergeSpans(cur []span, added map[span]struct{}) []span {
	seen := make(map[span]struct{}, len(cur))
	for _, sp := range cur {
		seen[sp] = struct{}{}
	}
	next := append([]span(nil), cur...)
	for sp := range added {
		if _, ok := seen[sp]; !ok {
			next = append(next, sp)
		}
	}
	sort.Slice(next, func(i, j int) bool {
		if next[i].start != next[j].start {
			return next[i].start < next[j].start
		}
		return next[i].end < next[j].end
	})
	return next
}

// FlushedSequence is the highest WAL sequence whose rows are in the store.
func (s *Store) FlushedSequence(region wal.RegionID) (wal.SequenceNumber, error) {
	v, closer, err := s.db.Get(flushKey(region))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read flushed sequence of %s", region)
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, errors.Newf("flushed sequence of %s is %d bytes", region, len(v))
	}
	return wal.SequenceNumber(binary.BigEndian.Uint64(v)), nil
}

// Shards returns the region's segments overlapping tr. Scans read the live
// store; use Snapshot for a point-in-time view.
func (s *Store) Shards(region wal.RegionID, tr table.TimeRange) []*Segment {
	return s.shards(s.db, region, tr)
}

func (s *Store) shards(r reader, region wal.RegionID, tr table.TimeRange) []*Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Segment
	for _, sp := range s.segments[region] {
		if tr.Overlaps(sp.start, sp.end) {
			out = append(out, &Segment{reader: r, region: region, Start: sp.start, End: sp.end})
		}
	}
	return out
}

// View pins the store at a point in time. Close releases it.
type View struct {
	Segments []*Segment
	snap     *pebble.Snapshot
}

func (s *Store) Snapshot(region wal.RegionID, tr table.TimeRange) *View {
	snap := s.db.NewSnapshot()
	return &View{Segments: s.shards(snap, region, tr), snap: snap}
}

func (v *View) Close() error {
	return v.snap.Close()
}

// ExpireBefore deletes segments whose every row is older than ts and
// returns how many were removed.
func (s *Store) ExpireBefore(ctx context.Context, region wal.RegionID, ts int64) (int, error) {
	s.mu.RLock()
	var expired []span
	for _, sp := range s.segments[region] {
		if sp.end < ts {
			expired = append(expired, sp)
		}
	}
	s.mu.RUnlock()
	if len(expired) == 0 {
		return 0, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, sp := range expired {
		p := segmentKey(region, sp.start, sp.end)
		if err := batch.DeleteRange(p, prefixEnd(p), nil); err != nil {
			return 0, errors.Wrap(err, "stage segment expiry")
		}
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return 0, errors.Wrapf(err, "expire segments of %s", region)
	}

	s.mu.Lock()
	gone := make(map[span]struct{}, len(expired))
	for _, sp := range expired {
		gone[sp] = struct{}{}
	}
	var keep []span
	for _, sp := range s.segments[region] {
		if _, ok := gone[sp]; !ok {
			keep = append(keep, sp)
		}
	}
	s.segments[region] = keep
	s.mu.Unlock()

	level.Info(s.logger).Log("msg", "segments expired", "region", region, "count", len(expired), "before", ts)
	return len(expired), nil
}

// Drop removes every segment of the region and its flushed sequence.
func (s *Store) Drop(ctx context.Context, region wal.RegionID) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	p := regionKey(region)
	if err := batch.DeleteRange(p, prefixEnd(p), nil); err != nil {
		return errors.Wrap(err, "stage drop")
	}
	if err := batch.Delete(flushKey(region), nil); err != nil {
		return errors.Wrap(err, "stage drop")
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return errors.Wrapf(err, "drop region %s", region)
	}
	s.mu.Lock()
	delete(s.segments, region)
	s.mu.Unlock()
	return nil
}

// ---------- Segment ----------

type reader interface {
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// Segment is one time bucket of a region. It is a handle; rows are read
// from the store on Scan.
type Segment struct {
	reader reader
	region wal.RegionID
	Start  int64
	End    int64
}

// Scan emits rows inside tr in the requested order. OrderNone yields rows in
// flush order.
func (seg *Segment) Scan(ctx context.Context, tr table.TimeRange, order table.Order, emit func(table.Row) bool) error {
	p := segmentKey(seg.region, seg.Start, seg.End)
	iter, err := seg.reader.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: prefixEnd(p)})
	if err != nil {
		return errors.Wrapf(err, "open segment %d of %s", seg.Start, seg.region)
	}
	defer iter.Close()

	type tsRow struct {
		ts  int64
		row table.Row
	}
	var rows []tsRow
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		v := iter.Value()
		if len(v) < 1 {
			return errors.Newf("empty segment value at %x", iter.Key())
		}
		rg, err := codec.Decode(v[0], v[1:])
		if err != nil {
			return errors.Wrapf(err, "segment %d of %s", seg.Start, seg.region)
		}
		if !tr.Overlaps(rg.MinTimestamp, rg.MaxTimestamp) {
			continue
		}
		for _, r := range rg.Rows {
			if ts := r.Timestamp(rg.Schema); tr.Contains(ts) {
				rows = append(rows, tsRow{ts, r})
			}
		}
	}
	if err := iter.Error(); err != nil {
		return errors.Wrapf(err, "scan segment %d of %s", seg.Start, seg.region)
	}

	switch order {
	case table.OrderAsc:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts < rows[j].ts })
	case table.OrderDesc:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts > rows[j].ts })
	}
	for _, r := range rows {
		if !emit(r.row) {
			return nil
		}
	}
	return ctx.Err()
}
