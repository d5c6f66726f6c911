package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"strata/domain/table"
)

func sampleGroup(version uint8) table.RowGroup {
	schema := table.Schema{
		Columns: []table.Column{
			{Name: "host", Kind: table.KindString, IsTag: true},
			{Name: "ts", Kind: table.KindTimestamp},
			{Name: "usage", Kind: table.KindFloat64},
			{Name: "count", Kind: table.KindInt64},
			{Name: "ok", Kind: table.KindBool},
			{Name: "raw", Kind: table.KindBytes},
		},
		TimestampIndex: 1,
	}
	rows := []table.Row{
		{table.String("a"), table.Timestamp(1000), table.Float64(0.5), table.Int64(-3), table.Bool(true), table.Bytes([]byte{0, 1})},
		{table.String("b"), table.Timestamp(-5), table.Float64(math.Inf(1)), table.Int64(0), table.Bool(false), table.Null()},
		{table.Null(), table.Timestamp(2000), table.Null(), table.Int64(math.MaxInt64), table.Null(), table.Bytes(nil)},
	}
	return table.NewRowGroup(schema, version, rows)
}

func TestEncodeDecodeEveryVersion(t *testing.T) {
	for _, v := range []uint8{VersionPlain, VersionZstd, VersionLZ4} {
		rg := sampleGroup(v)
		payload, err := Encode(rg)
		require.NoError(t, err, "version %d", v)

		got, err := Decode(v, payload)
		require.NoError(t, err, "version %d", v)
		require.True(t, got.Schema.Equal(rg.Schema))
		require.Equal(t, int64(-5), got.MinTimestamp)
		require.Equal(t, int64(2000), got.MaxTimestamp)
		require.Equal(t, v, got.Version)
		require.Len(t, got.Rows, len(rg.Rows))
		for i := range rg.Rows {
			require.True(t, rg.Rows[i].Equal(got.Rows[i]), "version %d row %d: %v vs %v", v, i, rg.Rows[i], got.Rows[i])
		}
	}
}

func TestZeroValuesSurviveAsNonNull(t *testing.T) {
	rg := sampleGroup(VersionPlain)
	payload, err := Encode(rg)
	require.NoError(t, err)
	got, err := Decode(VersionPlain, payload)
	require.NoError(t, err)
	require.Equal(t, table.KindInt64, got.Rows[1][3].Kind)
	require.Equal(t, table.KindBool, got.Rows[1][4].Kind)
	require.True(t, got.Rows[1][5].IsNull())
}

func TestVersionMismatchAndGarbage(t *testing.T) {
	_, err := Encode(sampleGroup(9))
	require.ErrorIs(t, err, ErrSerialization)

	payload, err := Encode(sampleGroup(VersionZstd))
	require.NoError(t, err)
	_, err = Decode(VersionPlain, payload)
	require.ErrorIs(t, err, ErrSerialization)

	plain, err := Encode(sampleGroup(VersionPlain))
	require.NoError(t, err)
	_, err = Decode(VersionLZ4, plain)
	require.ErrorIs(t, err, ErrSerialization)

	_, err = Decode(VersionPlain, []byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrSerialization)
}
