package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"strata/domain/table"
)

func TestEnvelopeRejectsDamage(t *testing.T) {
	rec := NewRecord(RegionID{TableID: 9, Partition: 2}, 5, Entry{
		Payload:         []byte("rows"),
		MinTimestamp:    -10,
		MaxTimestamp:    10,
		EncodingVersion: 3,
	})
	buf := EncodeEnvelope(DataEnvelope(rec))

	env, err := DecodeEnvelope(buf)
	require.NoError(t, err)
	require.Equal(t, rec, env.Record)

	flipped := append([]byte(nil), buf...)
	flipped[20] ^= 0xff
	_, err = DecodeEnvelope(flipped)
	require.ErrorIs(t, err, ErrCorruptEnvelope)

	_, err = DecodeEnvelope(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrCorruptEnvelope)
	_, err = DecodeEnvelope(buf[:10])
	require.ErrorIs(t, err, ErrCorruptEnvelope)
}

func TestTruncateMarkerCarriesHighest(t *testing.T) {
	env, err := DecodeEnvelope(EncodeEnvelope(TruncateMarker(RegionID{TableID: 1}, 4, 9)))
	require.NoError(t, err)
	require.Equal(t, EnvelopeTruncate, env.Kind)
	require.Equal(t, SequenceNumber(4), env.Record.Sequence)
	require.Equal(t, SequenceNumber(9), env.MarkerHighest())
}

func TestRegionIDIsStableAndParses(t *testing.T) {
	id := table.Identifier{Catalog: "c", Schema: "s", Table: "t"}
	a := RegionFor(id, 0)
	require.Equal(t, a, RegionFor(id, 0))
	require.NotEqual(t, a, RegionFor(table.Identifier{Catalog: "c", Schema: "st", Table: ""}, 0))
	require.NotEqual(t, a, RegionFor(id, 1))

	parsed, err := ParseRegionID(a.String())
	require.NoError(t, err)
	require.Equal(t, a, parsed)

	_, err = ParseRegionID("nope")
	require.Error(t, err)
}

func TestGuardTruncation(t *testing.T) {
	recs := []LogRecord{{Sequence: 1}, {Sequence: 2}, {Sequence: 3}}
	var wm SequenceNumber
	it := GuardTruncation(NewSliceIterator(recs), RegionID{}, func() SequenceNumber { return wm })
	require.True(t, it.Next())
	wm = 2
	require.False(t, it.Next())
	require.ErrorIs(t, it.Err(), ErrRangeTruncated)
}
