package storagepb

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"

	"strata/domain/table"
	"strata/infra/codec"
)

func TestCodecRegistered(t *testing.T) {
	require.NotNil(t, encoding.GetCodec(CodecName))
	_, err := wireCodec{}.Marshal("not a message")
	require.Error(t, err)
}

func TestReadRequestWire(t *testing.T) {
	in := &ReadRequest{
		Table: TableIdentifier{Catalog: "c", Schema: "s", Table: "t"},
		Read: ReadSpec{
			RequestID:       7,
			Opts:            ReadOptions{BatchSize: 10, ReadParallelism: 2},
			ProjectedSchema: []string{"ts", "v"},
			Predicate: Predicate{
				Exprs:     [][]byte{[]byte("v > 1"), []byte("ts < 9")},
				TimeRange: &TimeRange{Start: -5, End: 100},
			},
			Order: OrderDesc,
		},
	}
	b, err := wireCodec{}.Marshal(in)
	require.NoError(t, err)
	out := new(ReadRequest)
	require.NoError(t, wireCodec{}.Unmarshal(b, out))
	require.Equal(t, in, out)

	// Absent time range stays absent.
	in.Read.Predicate.TimeRange = nil
	out = new(ReadRequest)
	require.NoError(t, out.UnmarshalWire(in.AppendWire(nil)))
	require.Nil(t, out.Read.Predicate.TimeRange)
}

func TestWriteRequestCarriesRowGroup(t *testing.T) {
	schema := table.Schema{
		Columns:        []table.Column{{Name: "ts", Kind: table.KindTimestamp}, {Name: "v", Kind: table.KindInt64}},
		TimestampIndex: 0,
	}
	rg := table.NewRowGroup(schema, codec.VersionLZ4, []table.Row{{table.Timestamp(3), table.Int64(-1)}})
	in := &WriteRequest{Table: TableIdentifier{Catalog: "c", Schema: "s", Table: "t"}, RowGroup: rg}

	out := new(WriteRequest)
	require.NoError(t, out.UnmarshalWire(in.AppendWire(nil)))
	require.Equal(t, in.Table, out.Table)
	require.True(t, out.RowGroup.Schema.Equal(schema))
	require.Equal(t, rg.Version, out.RowGroup.Version)
	require.Equal(t, int64(3), out.RowGroup.MaxTimestamp)
	require.True(t, out.RowGroup.Rows[0].Equal(rg.Rows[0]))
}

func TestResponsesWire(t *testing.T) {
	w := &WriteResponse{Header: Header{Code: CodeNotFound, Error: "unknown table"}, AffectedRows: 0}
	wo := new(WriteResponse)
	require.NoError(t, wo.UnmarshalWire(w.AppendWire(nil)))
	require.Equal(t, w, wo)

	r := &ReadResponse{Header: Header{}, Version: uint32(codec.VersionPlain)}
	ro := new(ReadResponse)
	require.NoError(t, ro.UnmarshalWire(r.AppendWire(nil)))
	rg, err := ro.DecodeRows()
	require.NoError(t, err)
	require.Empty(t, rg.Rows)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	require.Error(t, new(ReadRequest).UnmarshalWire([]byte{0x0a, 0x05, 0x01}))
}
