package storagepb

import (
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype carrying these messages.
const CodecName = "strata"

type wireCodec struct{}

func (wireCodec) Name() string { return CodecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, wrongType(v)
	}
	return m.AppendWire(nil), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return wrongType(v)
	}
	return m.UnmarshalWire(data)
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}
