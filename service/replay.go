package service

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"strata/catalog"
	"strata/infra/codec"
	"strata/infra/wal"
)

/*
ReplayRegion rebuilds a table's buffer from its WAL.

Records from the later of the truncation watermark and the flushed
sequence onward are decoded and applied; records already in the buffer are
skipped by the buffer itself. It runs for every table before the server
accepts traffic, and again for regions flagged after a failed apply.
*/
func (s *Service) ReplayRegion(ctx context.Context, t *catalog.Table) (int, error) {
	t, unpin, err := s.pin(t.Ident)
	if err != nil {
		return 0, err
	}
	defer unpin()
	region, err := s.manager.OpenRegion(ctx, t.Region)
	if err != nil {
		return 0, err
	}
	// A flush or TTL truncation may move the watermark under us; start over
	// from the new one.
	const attempts = 3
	for i := 1; ; i++ {
		n, err := s.replay(ctx, t, region)
		if err == nil {
			s.buffer.ClearReload(t.Region)
			level.Info(s.logger).Log("msg", "region replayed", "table", t.Ident, "applied", n, "highest", region.Highest())
			return n, nil
		}
		if !errors.Is(err, wal.ErrRangeTruncated) || i == attempts {
			return n, errors.Wrapf(err, "replay %s", t.Ident)
		}
	}
}

func (s *Service) replay(ctx context.Context, t *catalog.Table, region *wal.RegionLog) (int, error) {
	flushed, err := s.store.FlushedSequence(t.Region)
	if err != nil {
		return 0, err
	}
	start := max(flushed, region.TruncatedBefore())
	it, err := region.Read(ctx, wal.ReadCursor{Region: t.Region, Start: start, End: wal.Latest})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	applied := 0
	for it.Next() {
		rec := it.Record()
		rg, err := codec.Decode(rec.EncodingVersion, rec.Payload)
		if err != nil {
			// One undecodable record does not poison the region.
			level.Error(s.logger).Log("msg", "skipping undecodable record", "table", t.Ident, "seq", rec.Sequence, "err", err)
			continue
		}
		if err := s.buffer.Apply(t.Region, rec.Sequence, rg); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, it.Err()
}

// ReplayAll replays every catalog table. A table that fails is logged and
// reported; the rest still replay. Ready reports false while it runs.
func (s *Service) ReplayAll(ctx context.Context, parallelism int) map[string]error {
	s.replaying.Store(true)
	defer s.replaying.Store(false)
	if parallelism <= 0 {
		parallelism = 4
	}
	var (
		g      errgroup.Group
		failed = make(map[string]error)
		mu     sync.Mutex
	)
	g.SetLimit(parallelism)
	for _, t := range s.catalog.List() {
		t := t
		g.Go(func() error {
			if _, err := s.ReplayRegion(ctx, t); err != nil {
				level.Error(s.logger).Log("msg", "replay failed", "table", t.Ident, "err", err)
				mu.Lock()
				failed[t.Ident.String()] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// ReloadPending replays regions whose buffer missed a durable write.
func (s *Service) ReloadPending(ctx context.Context) error {
	var errs error
	for _, t := range s.catalog.List() {
		if !s.buffer.NeedsReload(t.Region) {
			continue
		}
		if _, err := s.ReplayRegion(ctx, t); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
