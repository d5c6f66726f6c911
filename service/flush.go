package service

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log/level"

	"strata/catalog"
	"strata/domain/table"
	"strata/infra/segstore"
	"strata/infra/wal"
)

type FlushResult struct {
	Table   string             `json:"table"`
	Through wal.SequenceNumber `json:"through"`
	Rows    int                `json:"rows"`
}

// Flush moves the table's buffered rows into the segment store and
// truncates the WAL through the last flushed sequence. Only the contiguous
// run of applied sequences is flushed; a gap waits for replay.
func (s *Service) Flush(ctx context.Context, id table.Identifier) (FlushResult, error) {
	return s.flushTable(ctx, id)
}

// FlushAll flushes every table and returns the per-table results.
func (s *Service) FlushAll(ctx context.Context) ([]FlushResult, error) {
	var (
		out  []FlushResult
		errs error
	)
	for _, t := range s.catalog.List() {
		res, err := s.flushTable(ctx, t.Ident)
		if errors.Is(err, ErrUnknownTable) {
			// Dropped during the pass.
			continue
		}
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "flush %s", t.Ident))
			continue
		}
		out = append(out, res)
	}
	return out, errs
}

func (s *Service) flushTable(ctx context.Context, id table.Identifier) (FlushResult, error) {
	res := FlushResult{Table: id.String()}
	t, unpin, err := s.pin(id)
	if err != nil {
		return res, err
	}
	defer unpin()
	region, err := s.manager.OpenRegion(ctx, t.Region)
	if err != nil {
		return res, err
	}
	release, err := region.Acquire()
	if err != nil {
		return res, err
	}
	defer release()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	flushed, err := s.store.FlushedSequence(t.Region)
	if err != nil {
		return res, err
	}
	base := max(flushed, region.TruncatedBefore())
	s.buffer.DropThrough(t.Region, base)

	var groups []segstore.Group
	next := base + 1
	for _, e := range s.buffer.Snapshot(t.Region).Entries {
		if e.Sequence != next {
			break
		}
		groups = append(groups, segstore.Group{Sequence: e.Sequence, Group: e.Group})
		next++
	}

	through := flushed
	if len(groups) > 0 {
		through = groups[len(groups)-1].Sequence
		s.viewMu.Lock()
		err := s.store.Write(ctx, t.Region, t.Options.SegmentDuration, groups)
		if err == nil {
			res.Rows = s.buffer.DropThrough(t.Region, through)
		}
		s.viewMu.Unlock()
		if err != nil {
			return res, err
		}
	}
	res.Through = through

	// Also covers a previous flush whose truncation failed.
	if through > region.TruncatedBefore() {
		if err := region.TruncateBefore(ctx, through); err != nil {
			return res, errors.Wrapf(err, "truncate %s after flush", t.Ident)
		}
	}
	if res.Rows > 0 {
		level.Info(s.logger).Log("msg", "flushed", "table", t.Ident, "through", through, "rows", res.Rows)
	}
	return res, nil
}

// -------------------- TTL --------------------

type ExpireResult struct {
	Table     string             `json:"table"`
	Truncated wal.SequenceNumber `json:"truncated"`
	Segments  int                `json:"segments"`
}

// ExpireTable applies the table's TTL at now: the longest WAL prefix whose
// records are all older than the cutoff is truncated and dropped from the
// buffer, and persisted segments past the cutoff are deleted. A table
// dropped since t was listed fails with ErrUnknownTable.
func (s *Service) ExpireTable(ctx context.Context, t *catalog.Table, now time.Time) (ExpireResult, error) {
	res := ExpireResult{Table: t.Ident.String()}
	t, unpin, err := s.pin(t.Ident)
	if err != nil {
		return res, err
	}
	defer unpin()
	cutoff, ok := t.Options.ExpiredBefore(now)
	if !ok {
		return res, nil
	}
	region, err := s.manager.OpenRegion(ctx, t.Region)
	if err != nil {
		return res, err
	}

	through, err := expiredPrefix(ctx, region, cutoff)
	if err != nil && !errors.Is(err, wal.ErrRangeTruncated) {
		return res, err
	}
	if through > 0 {
		if err := region.TruncateBefore(ctx, through); err != nil {
			return res, err
		}
		s.buffer.DropThrough(t.Region, through)
		res.Truncated = through
	}

	n, err := s.store.ExpireBefore(ctx, t.Region, cutoff)
	if err != nil {
		return res, err
	}
	res.Segments = n
	return res, nil
}

// expiredPrefix returns the last sequence of the run of records, starting
// at the watermark, whose max timestamp is below cutoff. Zero means none.
func expiredPrefix(ctx context.Context, region *wal.RegionLog, cutoff int64) (wal.SequenceNumber, error) {
	it, err := region.Read(ctx, wal.ReadCursor{Region: region.ID(), Start: region.TruncatedBefore(), End: wal.Latest})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	var through wal.SequenceNumber
	for it.Next() {
		rec := it.Record()
		if rec.MaxTimestamp >= cutoff {
			break
		}
		through = rec.Sequence
	}
	return through, it.Err()
}

// -------------------- Drop --------------------

// DropTable removes the table from the catalog and deletes its region,
// buffered rows and segments. Dropping an unknown table fails with
// ErrUnknownTable.
func (s *Service) DropTable(ctx context.Context, id table.Identifier) error {
	l := s.tableLock(wal.RegionFor(id, 0))
	l.Lock()
	defer l.Unlock()

	t, err := s.catalog.Drop(id)
	if err != nil {
		return err
	}
	if err := s.manager.DeleteRegion(ctx, t.Region); err != nil {
		if _, cerr := s.catalog.Create(t.Ident, t.Schema, t.Options); cerr != nil {
			level.Error(s.logger).Log("msg", "restore catalog entry", "table", id, "err", cerr)
		}
		return err
	}
	s.buffer.Drop(t.Region)
	if err := s.store.Drop(ctx, t.Region); err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "table dropped", "table", id, "region", t.Region)
	return nil
}
