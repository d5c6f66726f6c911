// Package memwal is a volatile Backend. State survives region close and
// reopen within one process but not a restart; it backs the "memory"
// deployment mode and the tests of the layers above the WAL.
package memwal

import (
	"context"
	"sort"
	"sync"

	"strata/infra/wal"
)

type regionLog struct {
	recs      []wal.LogRecord
	watermark wal.SequenceNumber
	highest   wal.SequenceNumber
	recovered bool
}

type Backend struct {
	mu      sync.RWMutex
	regions map[wal.RegionID]*regionLog
}

var _ wal.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{regions: make(map[wal.RegionID]*regionLog)}
}

func (b *Backend) Kind() wal.Kind { return wal.KindMemory }

func (b *Backend) Regions(ctx context.Context) ([]wal.RegionID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]wal.RegionID, 0, len(b.regions))
	for id := range b.regions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TableID != out[j].TableID {
			return out[i].TableID < out[j].TableID
		}
		return out[i].Partition < out[j].Partition
	})
	return out, nil
}

func (b *Backend) Recover(ctx context.Context, region wal.RegionID) (wal.RecoveryState, error) {
	if err := ctx.Err(); err != nil {
		return wal.RecoveryState{}, wal.Unavailable(err, "recover region %s", region)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.regions[region]
	if !ok {
		r = &regionLog{}
		b.regions[region] = r
	}
	r.recovered = true
	return wal.RecoveryState{Highest: r.highest, TruncatedBefore: r.watermark}, nil
}

func (b *Backend) Append(ctx context.Context, region wal.RegionID, e wal.Entry) (wal.SequenceNumber, error) {
	if err := ctx.Err(); err != nil {
		return 0, wal.Unavailable(err, "append to region %s", region)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.regions[region]
	if !ok || !r.recovered {
		return 0, wal.RegionNotRecovered(region)
	}
	seq := r.highest + 1
	e.Payload = append([]byte(nil), e.Payload...)
	r.recs = append(r.recs, wal.NewRecord(region, seq, e))
	r.highest = seq
	return seq, nil
}

func (b *Backend) ReadRange(ctx context.Context, region wal.RegionID, start, end wal.SequenceNumber) (wal.Iterator, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.regions[region]
	if !ok || !r.recovered {
		return nil, wal.RegionNotRecovered(region)
	}
	if start < r.watermark {
		return nil, wal.Truncated(region, start, r.watermark)
	}
	var out []wal.LogRecord
	for _, rec := range r.recs {
		if rec.Sequence > start && rec.Sequence <= end {
			out = append(out, rec)
		}
	}
	return wal.GuardTruncation(wal.NewSliceIterator(out), region, func() wal.SequenceNumber {
		return b.watermark(region)
	}), nil
}

func (b *Backend) watermark(region wal.RegionID) wal.SequenceNumber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.regions[region]; ok {
		return r.watermark
	}
	// Purged regions read as fully truncated.
	return wal.Latest
}

func (b *Backend) TruncateBefore(ctx context.Context, region wal.RegionID, seq wal.SequenceNumber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.regions[region]
	if !ok || !r.recovered {
		return wal.RegionNotRecovered(region)
	}
	if seq > r.highest {
		seq = r.highest
	}
	if seq <= r.watermark {
		return nil
	}
	i := sort.Search(len(r.recs), func(i int) bool { return r.recs[i].Sequence > seq })
	r.recs = append([]wal.LogRecord(nil), r.recs[i:]...)
	r.watermark = seq
	return nil
}

func (b *Backend) Purge(ctx context.Context, region wal.RegionID) error {
	b.mu.Lock()
	delete(b.regions, region)
	b.mu.Unlock()
	return nil
}

func (b *Backend) Close() error { return nil }
