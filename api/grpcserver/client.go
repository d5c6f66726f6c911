package grpcserver

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"

	pb "strata/api/storagepb"
	"strata/domain/table"
	"strata/service"
)

// HeaderError is a non-zero response header.
type HeaderError struct {
	Code    uint32
	Message string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

func headerErr(h pb.Header) error {
	if h.Code == pb.CodeOK {
		return nil
	}
	return &HeaderError{Code: h.Code, Message: h.Error}
}

// Client speaks strata.StorageService in domain types.
type Client struct {
	rpc *pb.StorageServiceClient
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{rpc: pb.NewStorageServiceClient(conn)}
}

func (c *Client) Write(ctx context.Context, id table.Identifier, rg table.RowGroup) (int, error) {
	resp, err := c.rpc.Write(ctx, &pb.WriteRequest{Table: pb.FromIdentifier(id), RowGroup: rg})
	if err != nil {
		return 0, err
	}
	if err := headerErr(resp.Header); err != nil {
		return 0, err
	}
	return int(resp.AffectedRows), nil
}

func (c *Client) Read(ctx context.Context, id table.Identifier, req service.ReadRequest) (*ReadStream, error) {
	spec := pb.ReadSpec{
		RequestID:       req.RequestID,
		Opts:            pb.ReadOptions{BatchSize: uint32(req.BatchSize), ReadParallelism: uint32(req.ReadParallelism)},
		ProjectedSchema: req.Projection,
		Predicate: pb.Predicate{
			Exprs:     req.Predicate.Exprs,
			TimeRange: &pb.TimeRange{Start: req.Predicate.TimeRange.Start, End: req.Predicate.TimeRange.End},
		},
		Order: fromOrder(req.Order),
	}
	stream, err := c.rpc.Read(ctx, &pb.ReadRequest{Table: pb.FromIdentifier(id), Read: spec})
	if err != nil {
		return nil, err
	}
	return &ReadStream{stream: stream}, nil
}

// ReadStream yields decoded chunks until io.EOF or the first header error.
type ReadStream struct {
	stream pb.ReadClient
	// Schema of the last chunk received.
	Schema table.Schema
}

func (s *ReadStream) Next() ([]table.Row, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return nil, err
	}
	if err := headerErr(resp.Header); err != nil {
		return nil, err
	}
	rg, err := resp.DecodeRows()
	if err != nil {
		return nil, err
	}
	s.Schema = rg.Schema
	return rg.Rows, nil
}

// All drains the stream.
func (s *ReadStream) All() ([]table.Row, error) {
	var out []table.Row
	for {
		rows, err := s.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rows...)
	}
}
