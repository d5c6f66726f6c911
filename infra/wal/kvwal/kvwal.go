// Package kvwal stores region logs in an embedded pebble database. Every
// append is one synced batch holding the record envelope and the region's
// meta key, so a record and the counter covering it become durable together.
package kvwal

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"strata/infra/wal"
)

type Options struct {
	Dir string
	// NoSync skips fsync on commit. Only tests set it.
	NoSync bool
	Logger log.Logger
}

type Backend struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    log.Logger

	states *wal.Watermarks
	locks  *wal.RegionLocks
}

var _ wal.Backend = (*Backend)(nil)

func Open(opts Options) (*Backend, error) {
	db, err := pebble.Open(opts.Dir, &pebble.Options{})
	if err != nil {
		return nil, wal.Unavailable(err, "open pebble at %s", opts.Dir)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	writeOpts := pebble.Sync
	if opts.NoSync {
		writeOpts = pebble.NoSync
	}
	return &Backend{
		db:        db,
		writeOpts: writeOpts,
		logger:    log.With(logger, "component", "kvwal"),
		states:    wal.NewWatermarks(),
		locks:     wal.NewRegionLocks(),
	}, nil
}

func (b *Backend) Kind() wal.Kind { return wal.KindEmbedded }

func (b *Backend) Close() error {
	return b.db.Close()
}

// -------------------- Regions --------------------

func (b *Backend) Regions(ctx context.Context) ([]wal.RegionID, error) {
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: keyspace,
		UpperBound: prefixEnd(keyspace),
	})
	if err != nil {
		return nil, wal.Unavailable(err, "list regions")
	}
	defer iter.Close()

	var out []wal.RegionID
	for valid := iter.First(); valid; {
		region, ok := parseRegion(iter.Key())
		if !ok {
			return nil, wal.Corrupt(errors.Newf("malformed key %x", iter.Key()), "list regions")
		}
		out = append(out, region)
		valid = iter.SeekGE(prefixEnd(regionPrefix(region)))
	}
	if err := iter.Error(); err != nil {
		return nil, wal.Unavailable(err, "list regions")
	}
	return out, nil
}

// -------------------- Recover --------------------

func (b *Backend) Recover(ctx context.Context, region wal.RegionID) (wal.RecoveryState, error) {
	unlock := b.locks.Lock(region)
	defer unlock()

	m, found, err := b.readMeta(region)
	if err != nil {
		return wal.RecoveryState{}, err
	}
	if !found {
		if err := b.db.Set(metaKey(region), encodeMeta(m), b.writeOpts); err != nil {
			return wal.RecoveryState{}, wal.Unavailable(err, "init meta of region %s", region)
		}
	}

	highest, err := b.lastValid(region, m)
	if err != nil {
		return wal.RecoveryState{}, err
	}
	if highest < m.watermark {
		highest = m.watermark
	}
	if highest != m.last {
		m.last = highest
		if err := b.db.Set(metaKey(region), encodeMeta(m), b.writeOpts); err != nil {
			return wal.RecoveryState{}, wal.Unavailable(err, "rewrite meta of region %s", region)
		}
	}

	st := wal.RecoveryState{Highest: highest, TruncatedBefore: m.watermark}
	b.states.Set(region, st)
	level.Debug(b.logger).Log("msg", "region recovered", "region", region, "highest", st.Highest, "watermark", st.TruncatedBefore)
	return st, nil
}

// lastValid returns the sequence of the last decodable record. A torn tail
// record never had its commit confirmed, so it is dropped.
func (b *Backend) lastValid(region wal.RegionID, m meta) (wal.SequenceNumber, error) {
	prefix := recordsPrefix(region)
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return 0, wal.Unavailable(err, "scan region %s", region)
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return 0, wal.Unavailable(err, "scan region %s", region)
		}
		return m.last, nil
	}

	seq, err := parseRecordKey(iter.Key())
	if err != nil {
		return 0, wal.Corrupt(err, "region %s", region)
	}
	env, err := wal.DecodeEnvelope(iter.Value())
	if err == nil && env.Record.Sequence == seq && env.Record.Region == region {
		return seq, nil
	}

	level.Warn(b.logger).Log("msg", "discarding torn tail record", "region", region, "seq", seq, "err", err)
	if err := b.db.Delete(recordKey(region, seq), b.writeOpts); err != nil {
		return 0, wal.Unavailable(err, "discard tail of region %s", region)
	}
	if !iter.Prev() {
		return m.watermark, iter.Error()
	}
	prev, err := parseRecordKey(iter.Key())
	if err != nil {
		return 0, wal.Corrupt(err, "region %s", region)
	}
	if _, err := wal.DecodeEnvelope(iter.Value()); err != nil {
		return 0, wal.Corrupt(err, "region %s record %d", region, prev)
	}
	return prev, nil
}

func (b *Backend) readMeta(region wal.RegionID) (meta, bool, error) {
	val, closer, err := b.db.Get(metaKey(region))
	if errors.Is(err, pebble.ErrNotFound) {
		return meta{}, false, nil
	}
	if err != nil {
		return meta{}, false, wal.Unavailable(err, "read meta of region %s", region)
	}
	defer closer.Close()

	m, err := decodeMeta(val)
	if err != nil {
		return meta{}, false, wal.Corrupt(err, "meta of region %s", region)
	}
	return m, true, nil
}

// -------------------- Append --------------------

func (b *Backend) Append(ctx context.Context, region wal.RegionID, e wal.Entry) (wal.SequenceNumber, error) {
	if err := ctx.Err(); err != nil {
		return 0, wal.Unavailable(err, "append to region %s", region)
	}
	unlock := b.locks.Lock(region)
	defer unlock()

	st, ok := b.states.Get(region)
	if !ok {
		return 0, wal.RegionNotRecovered(region)
	}
	seq := st.Highest + 1
	env := wal.EncodeEnvelope(wal.DataEnvelope(wal.NewRecord(region, seq, e)))

	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(recordKey(region, seq), env, nil); err != nil {
		return 0, wal.Unavailable(err, "append to region %s", region)
	}
	if err := batch.Set(metaKey(region), encodeMeta(meta{watermark: st.TruncatedBefore, last: seq}), nil); err != nil {
		return 0, wal.Unavailable(err, "append to region %s", region)
	}
	if err := batch.Commit(b.writeOpts); err != nil {
		return 0, wal.Unavailable(err, "commit append to region %s", region)
	}

	st.Highest = seq
	b.states.Set(region, st)
	return seq, nil
}

// -------------------- Read --------------------

func (b *Backend) ReadRange(ctx context.Context, region wal.RegionID, start, end wal.SequenceNumber) (wal.Iterator, error) {
	end, err := b.states.CheckRead(region, start, end)
	if err != nil {
		return nil, err
	}
	if end <= start {
		return wal.NewSliceIterator(nil), nil
	}
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: recordKey(region, start+1),
		UpperBound: recordKey(region, end+1),
	})
	if err != nil {
		return nil, wal.Unavailable(err, "read region %s", region)
	}
	it := &iterator{iter: iter, region: region}
	return wal.GuardTruncation(it, region, func() wal.SequenceNumber {
		if st, ok := b.states.Get(region); ok {
			return st.TruncatedBefore
		}
		return wal.Latest
	}), nil
}

type iterator struct {
	iter    *pebble.Iterator
	region  wal.RegionID
	started bool
	rec     wal.LogRecord
	err     error
}

func (it *iterator) Next() bool {
	if it.err != nil {
		return false
	}
	var valid bool
	if !it.started {
		valid = it.iter.First()
		it.started = true
	} else {
		valid = it.iter.Next()
	}
	if !valid {
		if err := it.iter.Error(); err != nil {
			it.err = wal.Unavailable(err, "read region %s", it.region)
		}
		return false
	}
	seq, err := parseRecordKey(it.iter.Key())
	if err != nil {
		it.err = wal.Corrupt(err, "region %s", it.region)
		return false
	}
	env, err := wal.DecodeEnvelope(it.iter.Value())
	if err != nil {
		it.err = wal.Corrupt(err, "region %s record %d", it.region, seq)
		return false
	}
	if env.Record.Sequence != seq {
		it.err = wal.Corrupt(errors.Newf("record key %d holds sequence %d", seq, env.Record.Sequence), "region %s", it.region)
		return false
	}
	rec := env.Record
	rec.Payload = bytes.Clone(rec.Payload)
	it.rec = rec
	return true
}

func (it *iterator) Record() wal.LogRecord { return it.rec }
func (it *iterator) Err() error            { return it.err }

func (it *iterator) Close() error {
	return it.iter.Close()
}

// -------------------- Truncate / Purge --------------------

func (b *Backend) TruncateBefore(ctx context.Context, region wal.RegionID, seq wal.SequenceNumber) error {
	unlock := b.locks.Lock(region)
	defer unlock()

	st, ok := b.states.Get(region)
	if !ok {
		return wal.RegionNotRecovered(region)
	}
	if seq > st.Highest {
		seq = st.Highest
	}
	if seq <= st.TruncatedBefore {
		return nil
	}

	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(recordKey(region, 0), recordKey(region, seq+1), nil); err != nil {
		return wal.Unavailable(err, "truncate region %s", region)
	}
	if err := batch.Set(metaKey(region), encodeMeta(meta{watermark: seq, last: st.Highest}), nil); err != nil {
		return wal.Unavailable(err, "truncate region %s", region)
	}
	if err := batch.Commit(b.writeOpts); err != nil {
		return wal.Unavailable(err, "commit truncation of region %s", region)
	}

	st.TruncatedBefore = seq
	b.states.Set(region, st)
	return nil
}

func (b *Backend) Purge(ctx context.Context, region wal.RegionID) error {
	unlock := b.locks.Lock(region)
	defer unlock()

	prefix := regionPrefix(region)
	if err := b.db.DeleteRange(prefix, prefixEnd(prefix), b.writeOpts); err != nil {
		return wal.Unavailable(err, "purge region %s", region)
	}
	b.states.Delete(region)
	return nil
}
