package kvwal

import (
	"bytes"
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/require"

	"strata/infra/wal"
	"strata/infra/wal/waltest"
)

func TestBackendContract(t *testing.T) {
	dirs := map[string]string{}
	waltest.Run(t, func(t *testing.T) wal.Backend {
		dir, ok := dirs[t.Name()]
		if !ok {
			dir = t.TempDir()
			dirs[t.Name()] = dir
		}
		b, err := Open(Options{Dir: dir})
		require.NoError(t, err)
		return b
	})
}

var region = wal.RegionID{TableID: 42, Partition: 3}

func openAndFill(t *testing.T, dir string, n int) *Backend {
	t.Helper()
	b, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	_, err = b.Recover(context.Background(), region)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := b.Append(context.Background(), region, wal.Entry{Payload: []byte("row"), EncodingVersion: 1})
		require.NoError(t, err)
	}
	return b
}

func TestRecoverDiscardsTornTail(t *testing.T) {
	dir := t.TempDir()
	b := openAndFill(t, dir, 3)

	// A record whose commit never completed: key present, envelope cut short.
	full := wal.EncodeEnvelope(wal.DataEnvelope(wal.NewRecord(region, 4, wal.Entry{Payload: []byte("lost")})))
	require.NoError(t, b.db.Set(recordKey(region, 4), full[:len(full)-3], pebble.Sync))
	require.NoError(t, b.Close())

	b, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer b.Close()

	st, err := b.Recover(context.Background(), region)
	require.NoError(t, err)
	require.Equal(t, wal.SequenceNumber(3), st.Highest)

	seq, err := b.Append(context.Background(), region, wal.Entry{Payload: []byte("next")})
	require.NoError(t, err)
	require.Equal(t, wal.SequenceNumber(4), seq)

	it, err := b.ReadRange(context.Background(), region, 3, wal.Latest)
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())
	require.Equal(t, []byte("next"), it.Record().Payload)
	require.False(t, it.Next())
	require.NoError(t, it.Err())
}

func TestCorruptRecordFailsRead(t *testing.T) {
	dir := t.TempDir()
	b := openAndFill(t, dir, 5)
	defer b.Close()

	require.NoError(t, b.db.Set(recordKey(region, 2), []byte("garbage"), pebble.Sync))

	it, err := b.ReadRange(context.Background(), region, 0, wal.Latest)
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())
	require.False(t, it.Next())
	require.ErrorIs(t, it.Err(), wal.ErrBackendCorrupt)
}

func TestKeysOrderNumerically(t *testing.T) {
	require.Negative(t, bytes.Compare(recordKey(region, 255), recordKey(region, 256)))
	require.Negative(t, bytes.Compare(recordKey(region, 1), recordKey(region, 1<<40)))

	seq, err := parseRecordKey(recordKey(region, 77))
	require.NoError(t, err)
	require.Equal(t, wal.SequenceNumber(77), seq)

	got, ok := parseRegion(metaKey(region))
	require.True(t, ok)
	require.Equal(t, region, got)
}
