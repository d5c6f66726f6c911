package storagepb

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"strata/domain/table"
	"strata/infra/codec"
)

// Header codes.
const (
	CodeOK          uint32 = 0
	CodeInvalid     uint32 = 400
	CodeNotFound    uint32 = 404
	CodeTruncated   uint32 = 410
	CodeInternal    uint32 = 500
	CodeUnavailable uint32 = 503
)

type Order uint32

const (
	OrderNone Order = 0
	OrderAsc  Order = 1
	OrderDesc Order = 2
)

// Message is implemented by every request and response.
type Message interface {
	AppendWire(b []byte) []byte
	UnmarshalWire(b []byte) error
}

// ---------- Header ----------

// message Header { uint32 code = 1; string error = 2; }
type Header struct {
	Code  uint32
	Error string
}

func (m *Header) AppendWire(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.Code))
	return appendString(b, 2, m.Error)
}

func (m *Header) UnmarshalWire(b []byte) error {
	return codec.Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			x, err := codec.Varint(v)
			m.Code = uint32(x)
			return err
		case 2:
			s, err := codec.BytesField(v)
			m.Error = string(s)
			return err
		}
		return nil
	})
}

// ---------- TableIdentifier ----------

// message TableIdentifier { string catalog = 1; string schema = 2; string table = 3; }
type TableIdentifier struct {
	Catalog string
	Schema  string
	Table   string
}

func FromIdentifier(id table.Identifier) TableIdentifier {
	return TableIdentifier{Catalog: id.Catalog, Schema: id.Schema, Table: id.Table}
}

func (m TableIdentifier) Identifier() table.Identifier {
	return table.Identifier{Catalog: m.Catalog, Schema: m.Schema, Table: m.Table}
}

func (m *TableIdentifier) AppendWire(b []byte) []byte {
	b = appendString(b, 1, m.Catalog)
	b = appendString(b, 2, m.Schema)
	return appendString(b, 3, m.Table)
}

func (m *TableIdentifier) UnmarshalWire(b []byte) error {
	return codec.Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num < 1 || num > 3 {
			return nil
		}
		s, err := codec.BytesField(v)
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.Catalog = string(s)
		case 2:
			m.Schema = string(s)
		case 3:
			m.Table = string(s)
		}
		return nil
	})
}

// ---------- Read ----------

// message TimeRange { sint64 start = 1; sint64 end = 2; }  // inclusive
type TimeRange struct {
	Start int64
	End   int64
}

func (m *TimeRange) AppendWire(b []byte) []byte {
	b = appendSint(b, 1, m.Start)
	return appendSint(b, 2, m.End)
}

func (m *TimeRange) UnmarshalWire(b []byte) error {
	return codec.Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != 1 && num != 2 {
			return nil
		}
		x, err := codec.Varint(v)
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.Start = protowire.DecodeZigZag(x)
		case 2:
			m.End = protowire.DecodeZigZag(x)
		}
		return nil
	})
}

// message Predicate { repeated bytes exprs = 1; TimeRange time_range = 2; }
//
// An absent time range means all time.
type Predicate struct {
	Exprs     [][]byte
	TimeRange *TimeRange
}

func (m *Predicate) AppendWire(b []byte) []byte {
	for _, e := range m.Exprs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	if m.TimeRange != nil {
		b = appendMessage(b, 2, m.TimeRange)
	}
	return b
}

func (m *Predicate) UnmarshalWire(b []byte) error {
	return codec.Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != 1 && num != 2 {
			return nil
		}
		raw, err := codec.BytesField(v)
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.Exprs = append(m.Exprs, append([]byte(nil), raw...))
		case 2:
			m.TimeRange = &TimeRange{}
			return m.TimeRange.UnmarshalWire(raw)
		}
		return nil
	})
}

// message ReadOptions { uint32 batch_size = 1; uint32 read_parallelism = 2; }
type ReadOptions struct {
	BatchSize       uint32
	ReadParallelism uint32
}

func (m *ReadOptions) AppendWire(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.BatchSize))
	return appendUint(b, 2, uint64(m.ReadParallelism))
}

func (m *ReadOptions) UnmarshalWire(b []byte) error {
	return codec.Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != 1 && num != 2 {
			return nil
		}
		x, err := codec.Varint(v)
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.BatchSize = uint32(x)
		case 2:
			m.ReadParallelism = uint32(x)
		}
		return nil
	})
}

//	message ReadSpec {
//	  uint64 request_id = 1; ReadOptions opts = 2; repeated string projected_schema = 3;
//	  Predicate predicate = 4; Order order = 5;
//	}
type ReadSpec struct {
	RequestID       uint64
	Opts            ReadOptions
	ProjectedSchema []string
	Predicate       Predicate
	Order           Order
}

func (m *ReadSpec) AppendWire(b []byte) []byte {
	b = appendUint(b, 1, m.RequestID)
	b = appendMessage(b, 2, &m.Opts)
	for _, c := range m.ProjectedSchema {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	b = appendMessage(b, 4, &m.Predicate)
	return appendUint(b, 5, uint64(m.Order))
}

func (m *ReadSpec) UnmarshalWire(b []byte) error {
	return codec.Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1, 5:
			x, err := codec.Varint(v)
			if num == 1 {
				m.RequestID = x
			} else {
				m.Order = Order(x)
			}
			return err
		case 2, 3, 4:
			raw, err := codec.BytesField(v)
			if err != nil {
				return err
			}
			switch num {
			case 2:
				return m.Opts.UnmarshalWire(raw)
			case 3:
				m.ProjectedSchema = append(m.ProjectedSchema, string(raw))
			default:
				return m.Predicate.UnmarshalWire(raw)
			}
		}
		return nil
	})
}

// message ReadRequest { TableIdentifier table_identifier = 1; ReadSpec read_request = 2; }
type ReadRequest struct {
	Table TableIdentifier
	Read  ReadSpec
}

func (m *ReadRequest) AppendWire(b []byte) []byte {
	b = appendMessage(b, 1, &m.Table)
	return appendMessage(b, 2, &m.Read)
}

func (m *ReadRequest) UnmarshalWire(b []byte) error {
	return codec.Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != 1 && num != 2 {
			return nil
		}
		raw, err := codec.BytesField(v)
		if err != nil {
			return err
		}
		switch num {
		case 1:
			return m.Table.UnmarshalWire(raw)
		case 2:
			return m.Read.UnmarshalWire(raw)
		}
		return nil
	})
}

// message ReadResponse { Header header = 1; uint32 version = 2; bytes rows = 3; }
//
// rows is a RowGroup of the projected schema encoded with version.
type ReadResponse struct {
	Header  Header
	Version uint32
	Rows    []byte
}

func (m *ReadResponse) AppendWire(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	b = appendUint(b, 2, uint64(m.Version))
	if len(m.Rows) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Rows)
	}
	return b
}

func (m *ReadResponse) UnmarshalWire(b []byte) error {
	return codec.Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			raw, err := codec.BytesField(v)
			if err != nil {
				return err
			}
			return m.Header.UnmarshalWire(raw)
		case 2:
			x, err := codec.Varint(v)
			m.Version = uint32(x)
			return err
		case 3:
			raw, err := codec.BytesField(v)
			m.Rows = append([]byte(nil), raw...)
			return err
		}
		return nil
	})
}

// DecodeRows decodes the chunk's rows; a chunk without rows yields none.
func (m *ReadResponse) DecodeRows() (table.RowGroup, error) {
	if len(m.Rows) == 0 {
		return table.RowGroup{}, nil
	}
	return codec.Decode(uint8(m.Version), m.Rows)
}

// ---------- Write ----------

// message WriteRequest { TableIdentifier table_identifier = 1; RowGroup row_group = 2; }
type WriteRequest struct {
	Table    TableIdentifier
	RowGroup table.RowGroup
}

func (m *WriteRequest) AppendWire(b []byte) []byte {
	b = appendMessage(b, 1, &m.Table)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, codec.AppendRowGroup(nil, m.RowGroup))
}

func (m *WriteRequest) UnmarshalWire(b []byte) error {
	return codec.Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != 1 && num != 2 {
			return nil
		}
		raw, err := codec.BytesField(v)
		if err != nil {
			return err
		}
		switch num {
		case 1:
			return m.Table.UnmarshalWire(raw)
		case 2:
			m.RowGroup, err = codec.ConsumeRowGroup(raw)
			return err
		}
		return nil
	})
}

// message WriteResponse { Header header = 1; uint32 affected_rows = 2; }
type WriteResponse struct {
	Header       Header
	AffectedRows uint32
}

func (m *WriteResponse) AppendWire(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	return appendUint(b, 2, uint64(m.AffectedRows))
}

func (m *WriteResponse) UnmarshalWire(b []byte) error {
	return codec.Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			raw, err := codec.BytesField(v)
			if err != nil {
				return err
			}
			return m.Header.UnmarshalWire(raw)
		case 2:
			x, err := codec.Varint(v)
			m.AffectedRows = uint32(x)
			return err
		}
		return nil
	})
}

// ---------- helpers ----------

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.AppendWire(nil))
}

func wrongType(v any) error {
	return errors.Newf("storagepb: %T is not a wire message", v)
}
