package grpcserver

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	pb "strata/api/storagepb"
	"strata/catalog"
	"strata/domain/table"
	"strata/infra/codec"
	"strata/infra/memtable"
	"strata/infra/segstore"
	"strata/infra/wal"
	"strata/infra/wal/memwal"
	"strata/service"
)

const bufSize = 1 << 20

var (
	cpu    = table.Identifier{Catalog: "strata", Schema: "public", Table: "cpu"}
	schema = table.Schema{
		Columns:        []table.Column{{Name: "ts", Kind: table.KindTimestamp}, {Name: "v", Kind: table.KindInt64}},
		TimestampIndex: 0,
	}
)

func dialer(s *grpc.Server) func(context.Context, string) (net.Conn, error) {
	lis := bufconn.Listen(bufSize)
	go func() { _ = s.Serve(lis) }()
	return func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
}

func setup(t *testing.T, ready bool) *grpc.ClientConn {
	t.Helper()
	store, err := segstore.Open(segstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cat := catalog.New()
	_, err = cat.Create(cpu, schema, table.DefaultOptions())
	require.NoError(t, err)

	mgr := wal.NewManager(memwal.New(), wal.ManagerOptions{})
	if ready {
		_, err = mgr.RecoverAll(context.Background())
		require.NoError(t, err)
	}
	svc := service.New(cat, mgr, memtable.New(0), store, service.Options{})

	srv := New(svc, Options{ResponseVersion: codec.VersionZstd})
	t.Cleanup(srv.Close)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer(srv.GRPC())),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func rows(ts ...int64) table.RowGroup {
	out := make([]table.Row, len(ts))
	for i, v := range ts {
		out[i] = table.Row{table.Timestamp(v), table.Int64(v * 2)}
	}
	return table.NewRowGroup(schema, codec.VersionPlain, out)
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWriteThenReadOverGRPC(t *testing.T) {
	c := NewClient(setup(t, true))
	ctx := ctxT(t)

	n, err := c.Write(ctx, cpu, rows(30, 10, 50))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	_, err = c.Write(ctx, cpu, rows(20, 40))
	require.NoError(t, err)

	stream, err := c.Read(ctx, cpu, service.ReadRequest{
		BatchSize:  2,
		Projection: []string{"v"},
		Predicate:  service.Predicate{TimeRange: table.AllTime()},
		Order:      table.OrderAsc,
	})
	require.NoError(t, err)

	var chunks [][]table.Row
	for {
		b, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.LessOrEqual(t, len(b), 2)
		chunks = append(chunks, b)
	}
	require.Len(t, chunks, 3)
	require.Equal(t, "v", stream.Schema.Columns[0].Name)

	var got []int64
	for _, ch := range chunks {
		for _, r := range ch {
			got = append(got, r[0].Int)
		}
	}
	require.Equal(t, []int64{20, 40, 60, 80, 100}, got)
}

func TestReadUnknownTableSendsOneErrorChunk(t *testing.T) {
	rpc := pb.NewStorageServiceClient(setup(t, true))
	ctx := ctxT(t)

	stream, err := rpc.Read(ctx, &pb.ReadRequest{Table: pb.TableIdentifier{Catalog: "no", Schema: "such", Table: "table"}})
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, pb.CodeNotFound, first.Header.Code)
	require.Contains(t, first.Header.Error, "table not found")
	require.Empty(t, first.Rows)

	_, err = stream.Recv()
	require.Equal(t, io.EOF, err)
}

func TestWriteErrorsCarryCodes(t *testing.T) {
	c := NewClient(setup(t, true))
	ctx := ctxT(t)

	_, err := c.Write(ctx, table.Identifier{Catalog: "a", Schema: "b", Table: "c"}, rows(1))
	var he *HeaderError
	require.ErrorAs(t, err, &he)
	require.Equal(t, pb.CodeNotFound, he.Code)

	bad := rows(1)
	bad.Version = 77
	_, err = c.Write(ctx, cpu, bad)
	require.ErrorAs(t, err, &he)
	require.Equal(t, pb.CodeInvalid, he.Code)
}

func TestReadInvalidPredicate(t *testing.T) {
	c := NewClient(setup(t, true))
	stream, err := c.Read(ctxT(t), cpu, service.ReadRequest{
		Predicate: service.Predicate{Exprs: [][]byte{[]byte("v >>> 1")}, TimeRange: table.AllTime()},
	})
	require.NoError(t, err)
	_, err = stream.All()
	var he *HeaderError
	require.ErrorAs(t, err, &he)
	require.Equal(t, pb.CodeInvalid, he.Code)
}

func TestNotReadyIsUnavailable(t *testing.T) {
	c := NewClient(setup(t, false))
	_, err := c.Write(ctxT(t), cpu, rows(1))
	var he *HeaderError
	require.ErrorAs(t, err, &he)
	require.Equal(t, pb.CodeUnavailable, he.Code)
}

func TestClassify(t *testing.T) {
	region := wal.RegionID{TableID: 1}
	cases := []struct {
		err  error
		code uint32
	}{
		{errors.Wrap(service.ErrUnknownTable, "x"), pb.CodeNotFound},
		{errors.Mark(errors.New("bad"), service.ErrInvalidArgument), pb.CodeInvalid},
		{errors.Wrap(codec.ErrSerialization, "x"), pb.CodeInvalid},
		{wal.Truncated(region, 1, 5), pb.CodeTruncated},
		{wal.Unavailable(errors.New("down"), "append"), pb.CodeUnavailable},
		{wal.Corrupt(errors.New("crc"), "read"), pb.CodeInternal},
		{errors.New("boom"), pb.CodeInternal},
	}
	for _, tc := range cases {
		code, _ := classify(tc.err)
		require.Equal(t, tc.code, code, "%v", tc.err)
	}
}
