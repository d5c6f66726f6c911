package segstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"strata/domain/table"
	"strata/infra/codec"
	"strata/infra/wal"
)

var (
	region = wal.RegionID{TableID: 9, Partition: 0}
	schema = table.Schema{
		Columns:        []table.Column{{Name: "ts", Kind: table.KindTimestamp}, {Name: "host", Kind: table.KindString, IsTag: true}},
		TimestampIndex: 0,
	}
)

func group(seq wal.SequenceNumber, ts ...int64) Group {
	rows := make([]table.Row, len(ts))
	for i, t := range ts {
		rows[i] = table.Row{table.Timestamp(t), table.String("a")}
	}
	return Group{Sequence: seq, Group: table.NewRowGroup(schema, codec.VersionZstd, rows)}
}

func scanAll(t *testing.T, s *Store, tr table.TimeRange, order table.Order) []int64 {
	t.Helper()
	var out []int64
	for _, seg := range s.Shards(region, tr) {
		require.NoError(t, seg.Scan(context.Background(), tr, order, func(r table.Row) bool {
			out = append(out, r.Timestamp(schema))
			return true
		}))
	}
	return out
}

func TestWriteBucketsBySegment(t *testing.T) {
	s, err := Open(Options{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, region, 10*time.Millisecond, []Group{
		group(1, 3, 12, -4),
		group(2, 15, 1),
	}))

	shards := s.Shards(region, table.AllTime())
	require.Len(t, shards, 3)
	require.Equal(t, int64(-10), shards[0].Start)
	require.Equal(t, int64(-1), shards[0].End)
	require.Equal(t, int64(0), shards[1].Start)
	require.Equal(t, int64(10), shards[2].Start)

	require.Equal(t, []int64{-4, 1, 3, 12, 15}, scanAll(t, s, table.AllTime(), table.OrderAsc))
	require.Equal(t, []int64{3, 1}, scanAll(t, s, table.TimeRange{Start: 0, End: 9}, table.OrderDesc))

	flushed, err := s.FlushedSequence(region)
	require.NoError(t, err)
	require.Equal(t, wal.SequenceNumber(2), flushed)
}

func TestWriteSkipsFlushedSequences(t *testing.T) {
	s, err := Open(Options{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, region, time.Second, []Group{group(1, 5)}))
	require.NoError(t, s.Write(ctx, region, time.Second, []Group{group(1, 5), group(2, 6)}))
	require.Equal(t, []int64{5, 6}, scanAll(t, s, table.AllTime(), table.OrderAsc))
}

func TestExpireAndDrop(t *testing.T) {
	s, err := Open(Options{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, region, 10*time.Millisecond, []Group{group(1, 1, 11, 21)}))

	n, err := s.ExpireBefore(ctx, region, 15)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []int64{11, 21}, scanAll(t, s, table.AllTime(), table.OrderAsc))

	require.NoError(t, s.Drop(ctx, region))
	require.Empty(t, s.Shards(region, table.AllTime()))
	flushed, err := s.FlushedSequence(region)
	require.NoError(t, err)
	require.Zero(t, flushed)
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, NoSync: true})
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), region, 10*time.Millisecond, []Group{group(1, 1, 25)}))
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir, NoSync: true})
	require.NoError(t, err)
	defer s.Close()
	require.Len(t, s.Shards(region, table.AllTime()), 2)
	require.Equal(t, []int64{1, 25}, scanAll(t, s, table.AllTime(), table.OrderAsc))
}

func TestSnapshotIgnoresLaterWrites(t *testing.T) {
	s, err := Open(Options{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, region, time.Second, []Group{group(1, 5)}))
	view := s.Snapshot(region, table.AllTime())
	defer view.Close()
	require.NoError(t, s.Write(ctx, region, time.Second, []Group{group(2, 6)}))

	require.Len(t, view.Segments, 1)
	var got []int64
	require.NoError(t, view.Segments[0].Scan(ctx, table.AllTime(), table.OrderAsc, func(r table.Row) bool {
		got = append(got, r.Timestamp(schema))
		return true
	}))
	require.Equal(t, []int64{5}, got)
	require.Equal(t, []int64{5, 6}, scanAll(t, s, table.AllTime(), table.OrderAsc))
}
