// Package queuewal keeps region logs in an external partitioned log service.
// Broker offsets are never exposed as sequence numbers: each record carries
// its sequence in the shared envelope, and the per-region counter and
// truncation watermark are rebuilt from envelopes on recovery.
package queuewal

import (
	"context"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"strata/infra/wal"
)

type Options struct {
	TopicPrefix string
	FetchBatch  int
	Logger      log.Logger
}

type Backend struct {
	broker Broker
	prefix string
	batch  int
	logger log.Logger

	states *wal.Watermarks
	locks  *wal.RegionLocks
}

var _ wal.Backend = (*Backend)(nil)

func New(broker Broker, opts Options) *Backend {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "strata-wal"
	}
	if opts.FetchBatch <= 0 {
		opts.FetchBatch = 512
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Backend{
		broker: broker,
		prefix: opts.TopicPrefix + ".",
		batch:  opts.FetchBatch,
		logger: log.With(logger, "component", "queuewal"),
		states: wal.NewWatermarks(),
		locks:  wal.NewRegionLocks(),
	}
}

func (b *Backend) Kind() wal.Kind { return wal.KindQueue }

func (b *Backend) Close() error {
	return b.broker.Close()
}

func (b *Backend) topic(region wal.RegionID) string {
	return b.prefix + region.String()
}

func (b *Backend) Regions(ctx context.Context) ([]wal.RegionID, error) {
	topics, err := b.broker.Topics(ctx)
	if err != nil {
		return nil, wal.Unavailable(err, "list topics")
	}
	var out []wal.RegionID
	for _, t := range topics {
		if !strings.HasPrefix(t, b.prefix) {
			continue
		}
		id, err := wal.ParseRegionID(strings.TrimPrefix(t, b.prefix))
		if err != nil {
			level.Warn(b.logger).Log("msg", "ignoring foreign topic", "topic", t, "err", err)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// -------------------- Recover --------------------

func (b *Backend) Recover(ctx context.Context, region wal.RegionID) (wal.RecoveryState, error) {
	unlock := b.locks.Lock(region)
	defer unlock()

	topic := b.topic(region)
	if err := b.broker.EnsureTopic(ctx, topic); err != nil {
		return wal.RecoveryState{}, wal.Unavailable(err, "ensure topic %s", topic)
	}

	var st wal.RecoveryState
	err := b.scan(ctx, region, func(off int64, env wal.Envelope) bool {
		switch env.Kind {
		case wal.EnvelopeData:
			if env.Record.Sequence > st.Highest {
				st.Highest = env.Record.Sequence
			}
		case wal.EnvelopeTruncate:
			if env.Record.Sequence > st.TruncatedBefore {
				st.TruncatedBefore = env.Record.Sequence
			}
			if h := env.MarkerHighest(); h > st.Highest {
				st.Highest = h
			}
		}
		return true
	})
	if err != nil {
		return wal.RecoveryState{}, err
	}
	if st.Highest < st.TruncatedBefore {
		st.Highest = st.TruncatedBefore
	}

	b.states.Set(region, st)
	level.Debug(b.logger).Log("msg", "region recovered", "region", region, "highest", st.Highest, "watermark", st.TruncatedBefore)
	return st, nil
}

// scan walks every retained envelope of the region's topic in offset order.
// Envelopes that fail to decode are writes that were never confirmed and are
// skipped.
func (b *Backend) scan(ctx context.Context, region wal.RegionID, fn func(off int64, env wal.Envelope) bool) error {
	topic := b.topic(region)
	low, high, err := b.broker.Watermarks(ctx, topic)
	if err != nil {
		return wal.Unavailable(err, "watermarks of %s", topic)
	}
	for next := low; next < high; {
		msgs, err := b.broker.Fetch(ctx, topic, next, b.batch)
		if err != nil {
			return wal.Unavailable(err, "fetch %s at %d", topic, next)
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, m := range msgs {
			next = m.Offset + 1
			env, ok := b.decode(region, m)
			if !ok {
				continue
			}
			if !fn(m.Offset, env) {
				return nil
			}
		}
	}
	return nil
}

func (b *Backend) decode(region wal.RegionID, m Message) (wal.Envelope, bool) {
	env, err := wal.DecodeEnvelope(m.Value)
	if err != nil {
		level.Warn(b.logger).Log("msg", "skipping undecodable envelope", "region", region, "offset", m.Offset, "err", err)
		return wal.Envelope{}, false
	}
	if env.Record.Region != region {
		level.Warn(b.logger).Log("msg", "skipping envelope of another region", "region", region, "offset", m.Offset, "found", env.Record.Region)
		return wal.Envelope{}, false
	}
	return env, true
}

// -------------------- Append --------------------

func (b *Backend) Append(ctx context.Context, region wal.RegionID, e wal.Entry) (wal.SequenceNumber, error) {
	unlock := b.locks.Lock(region)
	defer unlock()

	st, ok := b.states.Get(region)
	if !ok {
		return 0, wal.RegionNotRecovered(region)
	}
	seq := st.Highest + 1
	env := wal.EncodeEnvelope(wal.DataEnvelope(wal.NewRecord(region, seq, e)))
	if err := b.broker.Produce(ctx, b.topic(region), env); err != nil {
		return 0, wal.Unavailable(err, "produce to region %s", region)
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
	topic := b.topic(region)
	low, high, err := b.broker.Watermarks(ctx, topic)
	if err != nil {
		return nil, wal.Unavailable(err, "watermarks of %s", topic)
	}
	it := &iterator{
		ctx:     ctx,
		backend: b,
		region:  region,
		topic:   topic,
		next:    low,
		high:    high,
		start:   start,
		end:     end,
		emitted: start,
	}
	return wal.GuardTruncation(it, region, func() wal.SequenceNumber {
		if st, ok := b.states.Get(region); ok {
			return st.TruncatedBefore
		}
		return wal.Latest
	}), nil
}

// iterator de-duplicates redelivered envelopes. When a sequence appears more
// than once, the last occurrence before a higher sequence wins: an append
// retried after an unconfirmed attempt supersedes the earlier copy.
type iterator struct {
	ctx     context.Context
	backend *Backend
	region  wal.RegionID
	topic   string

	next, high int64
	buf        []Message
	done       bool

	start, end wal.SequenceNumber
	emitted    wal.SequenceNumber
	candidate  *wal.LogRecord

	rec wal.LogRecord
	err error
}

func (it *iterator) Next() bool {
	for it.err == nil {
		if len(it.buf) == 0 && !it.done {
			it.fill()
			continue
		}
		if len(it.buf) == 0 {
			return it.flush()
		}

		m := it.buf[0]
		it.buf = it.buf[1:]
		env, ok := it.backend.decode(it.region, m)
		if !ok || env.Kind != wal.EnvelopeData {
			continue
		}
		rec := env.Record
		switch {
		case rec.Sequence <= it.emitted:
			continue
		case rec.Sequence > it.end:
			it.done, it.buf = true, nil
			continue
		case it.candidate == nil || rec.Sequence == it.candidate.Sequence:
			it.candidate = &rec
		case rec.Sequence > it.candidate.Sequence:
			prev := it.candidate
			it.candidate = &rec
			it.emit(*prev)
			return true
		}
	}
	return false
}

func (it *iterator) fill() {
	if it.next >= it.high {
		it.done = true
		return
	}
	msgs, err := it.backend.broker.Fetch(it.ctx, it.topic, it.next, it.backend.batch)
	if err != nil {
		it.err = wal.Unavailable(err, "fetch %s at %d", it.topic, it.next)
		return
	}
	if len(msgs) == 0 {
		it.done = true
		return
	}
	it.next = msgs[len(msgs)-1].Offset + 1
	it.buf = msgs
}

func (it *iterator) flush() bool {
	if it.candidate == nil {
		return false
	}
	rec := *it.candidate
	it.candidate = nil
	it.emit(rec)
	return true
}

func (it *iterator) emit(rec wal.LogRecord) {
	it.rec = rec
	it.emitted = rec.Sequence
}

func (it *iterator) Record() wal.LogRecord { return it.rec }
func (it *iterator) Err() error            { return it.err }
func (it *iterator) Close() error          { return nil }

// -------------------- Truncate / Purge --------------------

// TruncateBefore persists the watermark as a marker envelope, then asks the
// broker to drop everything before the first record still needed. The marker
// itself always survives so the counter is never lost.
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

	topic := b.topic(region)
	marker := wal.EncodeEnvelope(wal.TruncateMarker(region, seq, st.Highest))
	if err := b.broker.Produce(ctx, topic, marker); err != nil {
		return wal.Unavailable(err, "produce truncate marker to %s", topic)
	}
	st.TruncatedBefore = seq
	b.states.Set(region, st)

	if err := b.compact(ctx, region, seq); err != nil {
		level.Warn(b.logger).Log("msg", "truncate marker written but records not deleted", "region", region, "watermark", seq, "err", err)
	}
	return nil
}

func (b *Backend) compact(ctx context.Context, region wal.RegionID, watermark wal.SequenceNumber) error {
	topic := b.topic(region)
	_, high, err := b.broker.Watermarks(ctx, topic)
	if err != nil {
		return err
	}
	// The marker was the last write to the topic.
	before := high - 1
	err = b.scan(ctx, region, func(off int64, env wal.Envelope) bool {
		if env.Kind == wal.EnvelopeData && env.Record.Sequence > watermark {
			if off < before {
				before = off
			}
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if before <= 0 {
		return nil
	}
	return b.broker.DeleteRecords(ctx, topic, before)
}

func (b *Backend) Purge(ctx context.Context, region wal.RegionID) error {
	unlock := b.locks.Lock(region)
	defer unlock()

	if err := b.broker.DeleteTopic(ctx, b.topic(region)); err != nil {
		return wal.Unavailable(err, "delete topic of region %s", region)
	}
	b.states.Delete(region)
	return nil
}
