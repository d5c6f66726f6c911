// Package waltest holds the behavioural contract every wal.Backend must meet,
// run by each backend's own tests.
package waltest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/infra/wal"
)

// Opener returns a backend over the same persisted state every time it is
// called. Tests close the previous backend before reopening, which stands in
// for a process restart.
type Opener func(t *testing.T) wal.Backend

var (
	regionA = wal.RegionID{TableID: 0xa, Partition: 0}
	regionB = wal.RegionID{TableID: 0xb, Partition: 1}
)

func entry(i int) wal.Entry {
	return wal.Entry{
		Payload:         []byte(fmt.Sprintf("payload-%d", i)),
		MinTimestamp:    int64(i * 10),
		MaxTimestamp:    int64(i*10 + 9),
		EncodingVersion: 1,
	}
}

func appendN(t *testing.T, b wal.Backend, region wal.RegionID, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		seq, err := b.Append(context.Background(), region, entry(i))
		require.NoError(t, err)
		require.Equal(t, wal.SequenceNumber(i), seq)
	}
}

func readAll(t *testing.T, b wal.Backend, region wal.RegionID, start, end wal.SequenceNumber) []wal.LogRecord {
	t.Helper()
	it, err := b.ReadRange(context.Background(), region, start, end)
	require.NoError(t, err)
	defer it.Close()
	var out []wal.LogRecord
	for it.Next() {
		out = append(out, it.Record())
	}
	require.NoError(t, it.Err())
	return out
}

func sequences(recs []wal.LogRecord) []wal.SequenceNumber {
	out := make([]wal.SequenceNumber, len(recs))
	for i, r := range recs {
		out[i] = r.Sequence
	}
	return out
}

func seqRange(from, to int) []wal.SequenceNumber {
	var out []wal.SequenceNumber
	for i := from; i <= to; i++ {
		out = append(out, wal.SequenceNumber(i))
	}
	return out
}

func recoverRegion(t *testing.T, b wal.Backend, region wal.RegionID) wal.RecoveryState {
	t.Helper()
	st, err := b.Recover(context.Background(), region)
	require.NoError(t, err)
	return st
}

// Run executes the contract.
func Run(t *testing.T, open Opener) {
	t.Run("SequencesStartAtOneAndAreContiguous", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		require.Equal(t, wal.RecoveryState{}, recoverRegion(t, b, regionA))

		appendN(t, b, regionA, 1, 5)
		recs := readAll(t, b, regionA, 0, wal.Latest)
		require.Equal(t, seqRange(1, 5), sequences(recs))
		for i, r := range recs {
			require.Equal(t, entry(i+1).Payload, r.Payload)
			require.Equal(t, entry(i+1).MinTimestamp, r.MinTimestamp)
			require.Equal(t, entry(i+1).MaxTimestamp, r.MaxTimestamp)
			require.Equal(t, uint8(1), r.EncodingVersion)
			require.Equal(t, regionA, r.Region)
		}
	})

	t.Run("RegionsAreIndependent", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		recoverRegion(t, b, regionA)
		recoverRegion(t, b, regionB)

		var wg sync.WaitGroup
		for _, r := range []wal.RegionID{regionA, regionB} {
			wg.Add(1)
			go func(r wal.RegionID) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					_, err := b.Append(context.Background(), r, entry(i))
					assert.NoError(t, err)
				}
			}(r)
		}
		wg.Wait()

		require.Len(t, readAll(t, b, regionA, 0, wal.Latest), 20)
		require.Len(t, readAll(t, b, regionB, 0, wal.Latest), 20)

		regions, err := b.Regions(context.Background())
		require.NoError(t, err)
		require.ElementsMatch(t, []wal.RegionID{regionA, regionB}, regions)
	})

	t.Run("ReadRangeBounds", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		recoverRegion(t, b, regionA)
		appendN(t, b, regionA, 1, 10)

		require.Equal(t, seqRange(4, 7), sequences(readAll(t, b, regionA, 3, 7)))
		require.Equal(t, seqRange(9, 10), sequences(readAll(t, b, regionA, 8, wal.Latest)))
		require.Empty(t, readAll(t, b, regionA, 10, wal.Latest))
		require.Empty(t, readAll(t, b, regionA, 3, 3))

		// Same bounds, same records.
		require.Equal(t, readAll(t, b, regionA, 0, 5), readAll(t, b, regionA, 0, 5))
	})

	t.Run("TruncateBefore", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		recoverRegion(t, b, regionA)
		appendN(t, b, regionA, 1, 10)

		require.NoError(t, b.TruncateBefore(context.Background(), regionA, 5))

		_, err := b.ReadRange(context.Background(), regionA, 4, wal.Latest)
		require.ErrorIs(t, err, wal.ErrRangeTruncated)
		_, err = b.ReadRange(context.Background(), regionA, 0, wal.Latest)
		require.ErrorIs(t, err, wal.ErrRangeTruncated)

		require.Equal(t, seqRange(6, 10), sequences(readAll(t, b, regionA, 5, wal.Latest)))

		// Idempotent, and lower watermarks are no-ops.
		require.NoError(t, b.TruncateBefore(context.Background(), regionA, 5))
		require.NoError(t, b.TruncateBefore(context.Background(), regionA, 2))
		require.Equal(t, seqRange(6, 10), sequences(readAll(t, b, regionA, 5, wal.Latest)))

		// Appends continue after the tail.
		appendN(t, b, regionA, 11, 1)
	})

	t.Run("InFlightReadCrossingWatermarkFails", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		recoverRegion(t, b, regionA)
		appendN(t, b, regionA, 1, 10)

		it, err := b.ReadRange(context.Background(), regionA, 0, wal.Latest)
		require.NoError(t, err)
		defer it.Close()
		require.True(t, it.Next())
		require.True(t, it.Next())
		require.Equal(t, wal.SequenceNumber(2), it.Record().Sequence)

		require.NoError(t, b.TruncateBefore(context.Background(), regionA, 5))
		require.False(t, it.Next())
		require.ErrorIs(t, it.Err(), wal.ErrRangeTruncated)
	})

	t.Run("RecoverAfterRestart", func(t *testing.T) {
		b := open(t)
		recoverRegion(t, b, regionA)
		appendN(t, b, regionA, 1, 8)
		require.NoError(t, b.TruncateBefore(context.Background(), regionA, 3))
		require.NoError(t, b.Close())

		b = open(t)
		defer b.Close()
		regions, err := b.Regions(context.Background())
		require.NoError(t, err)
		require.Contains(t, regions, regionA)

		st := recoverRegion(t, b, regionA)
		require.Equal(t, wal.RecoveryState{Highest: 8, TruncatedBefore: 3}, st)
		require.Equal(t, seqRange(4, 8), sequences(readAll(t, b, regionA, 3, wal.Latest)))
		appendN(t, b, regionA, 9, 2)
	})

	t.Run("TruncateEverythingKeepsCounter", func(t *testing.T) {
		b := open(t)
		recoverRegion(t, b, regionA)
		appendN(t, b, regionA, 1, 4)
		// Above the tail clamps to the tail.
		require.NoError(t, b.TruncateBefore(context.Background(), regionA, 100))
		require.Empty(t, readAll(t, b, regionA, 4, wal.Latest))
		require.NoError(t, b.Close())

		b = open(t)
		defer b.Close()
		require.Equal(t, wal.RecoveryState{Highest: 4, TruncatedBefore: 4}, recoverRegion(t, b, regionA))
		appendN(t, b, regionA, 5, 1)
	})

	t.Run("RequiresRecover", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		_, err := b.Append(context.Background(), regionB, entry(1))
		require.ErrorIs(t, err, wal.ErrRegionNotRecovered)
		_, err = b.ReadRange(context.Background(), regionB, 0, wal.Latest)
		require.ErrorIs(t, err, wal.ErrRegionNotRecovered)
	})

	t.Run("Purge", func(t *testing.T) {
		b := open(t)
		recoverRegion(t, b, regionA)
		recoverRegion(t, b, regionB)
		appendN(t, b, regionA, 1, 3)
		appendN(t, b, regionB, 1, 3)
		require.NoError(t, b.Purge(context.Background(), regionA))
		require.NoError(t, b.Close())

		b = open(t)
		defer b.Close()
		regions, err := b.Regions(context.Background())
		require.NoError(t, err)
		require.NotContains(t, regions, regionA)
		require.Contains(t, regions, regionB)

		require.Equal(t, wal.RecoveryState{}, recoverRegion(t, b, regionA))
		appendN(t, b, regionA, 1, 1)
		require.Equal(t, seqRange(1, 3), sequences(readAll(t, b, regionB, 0, wal.Latest)))
	})
}
