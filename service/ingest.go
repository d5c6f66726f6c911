package service

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log/level"

	"strata/domain/table"
	"strata/infra/codec"
	"strata/infra/wal"
)

// HandleWrite makes rg durable in the table's region and applies it to the
// buffer. It returns the number of rows written. Once the append is
// confirmed the write succeeds even if the buffer rejects it; the region is
// then marked for reload and replayed from the WAL.
func (s *Service) HandleWrite(ctx context.Context, id table.Identifier, rg table.RowGroup) (int, error) {
	n, err := s.handleWrite(ctx, id, rg)
	if err != nil {
		s.im.Writes.WithLabelValues(resultOf(err)).Inc()
		return 0, err
	}
	s.im.Writes.WithLabelValues("ok").Inc()
	s.im.Rows.Add(float64(n))
	return n, nil
}

func (s *Service) handleWrite(ctx context.Context, id table.Identifier, rg table.RowGroup) (int, error) {
	t, unpin, err := s.pin(id)
	if err != nil {
		return 0, err
	}
	defer unpin()
	if len(rg.Schema.Columns) == 0 {
		rg.Schema = t.Schema
	} else if !rg.Schema.Equal(t.Schema) {
		return 0, invalid("row group schema does not match table %s", id)
	}
	if err := rg.Validate(); err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "table %s", id), ErrInvalidArgument)
	}
	payload, err := codec.Encode(rg)
	if err != nil {
		return 0, err
	}

	region, err := s.manager.OpenRegion(ctx, t.Region)
	if err != nil {
		return 0, err
	}
	entry := wal.Entry{
		Payload:         payload,
		MinTimestamp:    rg.MinTimestamp,
		MaxTimestamp:    rg.MaxTimestamp,
		EncodingVersion: rg.Version,
	}
	seq, err := s.appendWithRetry(ctx, region, entry)
	if err != nil {
		return 0, err
	}

	if err := s.buffer.Apply(t.Region, seq, rg); err != nil {
		s.im.ApplyFailures.Inc()
		s.buffer.MarkReload(t.Region)
		level.Warn(s.logger).Log("msg", "durable row group not applied to buffer", "table", id, "seq", seq, "err", err)
	}
	return len(rg.Rows), nil
}

func (s *Service) appendWithRetry(ctx context.Context, region *wal.RegionLog, e wal.Entry) (wal.SequenceNumber, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		seq, err := region.AppendRowGroup(ctx, e)
		if err == nil {
			return seq, nil
		}
		lastErr = err
		if !wal.IsRetryable(err) || attempt == s.retry.MaxAttempts {
			break
		}
		s.im.Retries.Inc()
		level.Debug(s.logger).Log("msg", "append retry", "region", region.ID(), "attempt", attempt, "err", err)
		if err := s.sleep(ctx, s.retry.backoff(attempt)); err != nil {
			return 0, errors.CombineErrors(lastErr, err)
		}
	}
	return 0, lastErr
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTable):
		return "unknown_table"
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrSerialization):
		return "invalid"
	case errors.Is(err, wal.ErrRangeTruncated):
		return "truncated"
	case errors.Is(err, wal.ErrBackendUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
