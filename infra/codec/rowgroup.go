package codec

import (
	"math"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"strata/domain/table"
)

// Row groups use protobuf wire format so the WAL payload and the RPC
// row_group field share one encoding:
//
//	message Column   { string name = 1; uint32 kind = 2; bool tag = 3; }
//	message Schema   { repeated Column columns = 1; uint32 timestamp_index = 2; }
//	message Datum    { oneof value { sint64 int = 1; double float = 2; string str = 3;
//	                                 bytes bytes = 4; bool bool = 5; sint64 ts = 6; } }
//	message Row      { repeated Datum values = 1; }
//	message RowGroup { Schema schema = 1; sint64 min_ts = 2; sint64 max_ts = 3;
//	                   uint32 version = 4; repeated Row rows = 5; }
//
// A Datum with no field set is null.

const (
	rgSchema  protowire.Number = 1
	rgMinTs   protowire.Number = 2
	rgMaxTs   protowire.Number = 3
	rgVersion protowire.Number = 4
	rgRows    protowire.Number = 5

	schemaColumns protowire.Number = 1
	schemaTsIndex protowire.Number = 2

	colName protowire.Number = 1
	colKind protowire.Number = 2
	colTag  protowire.Number = 3

	rowValues protowire.Number = 1

	datumInt   protowire.Number = 1
	datumFloat protowire.Number = 2
	datumStr   protowire.Number = 3
	datumBytes protowire.Number = 4
	datumBool  protowire.Number = 5
	datumTs    protowire.Number = 6
)

// ---------- Encode ----------

func AppendRowGroup(b []byte, rg table.RowGroup) []byte {
	b = protowire.AppendTag(b, rgSchema, protowire.BytesType)
	b = protowire.AppendBytes(b, AppendSchema(nil, rg.Schema))
	b = protowire.AppendTag(b, rgMinTs, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(rg.MinTimestamp))
	b = protowire.AppendTag(b, rgMaxTs, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(rg.MaxTimestamp))
	b = protowire.AppendTag(b, rgVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rg.Version))
	var scratch []byte
	for _, row := range rg.Rows {
		scratch = appendRow(scratch[:0], row)
		b = protowire.AppendTag(b, rgRows, protowire.BytesType)
		b = protowire.AppendBytes(b, scratch)
	}
	return b
}

func AppendSchema(b []byte, s table.Schema) []byte {
	var scratch []byte
	for _, c := range s.Columns {
		scratch = scratch[:0]
		scratch = protowire.AppendTag(scratch, colName, protowire.BytesType)
		scratch = protowire.AppendString(scratch, c.Name)
		scratch = protowire.AppendTag(scratch, colKind, protowire.VarintType)
		scratch = protowire.AppendVarint(scratch, uint64(c.Kind))
		if c.IsTag {
			scratch = protowire.AppendTag(scratch, colTag, protowire.VarintType)
			scratch = protowire.AppendVarint(scratch, 1)
		}
		b = protowire.AppendTag(b, schemaColumns, protowire.BytesType)
		b = protowire.AppendBytes(b, scratch)
	}
	b = protowire.AppendTag(b, schemaTsIndex, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(s.TimestampIndex))
}

func appendRow(b []byte, row table.Row) []byte {
	var scratch []byte
	for _, d := range row {
		scratch = appendDatum(scratch[:0], d)
		b = protowire.AppendTag(b, rowValues, protowire.BytesType)
		b = protowire.AppendBytes(b, scratch)
	}
	return b
}

func appendDatum(b []byte, d table.Datum) []byte {
	switch d.Kind {
	case table.KindInt64:
		b = protowire.AppendTag(b, datumInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(d.Int))
	case table.KindFloat64:
		b = protowire.AppendTag(b, datumFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(d.Float))
	case table.KindString:
		b = protowire.AppendTag(b, datumStr, protowire.BytesType)
		b = protowire.AppendString(b, d.Str)
	case table.KindBytes:
		b = protowire.AppendTag(b, datumBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Bytes)
	case table.KindBool:
		b = protowire.AppendTag(b, datumBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(d.Bool))
	case table.KindTimestamp:
		b = protowire.AppendTag(b, datumTs, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(d.Int))
	}
	return b
}

// ---------- Decode ----------

// Fields walks the top-level fields of a message. The RPC messages share it.
func Fields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := fn(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func Varint(v []byte) (uint64, error) {
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return x, nil
}

func BytesField(v []byte) ([]byte, error) {
	x, n := protowire.ConsumeBytes(v)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return x, nil
}

func wantType(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return errors.Newf("field %d: wire type %d, want %d", num, got, want)
	}
	return nil
}

func ConsumeRowGroup(b []byte) (table.RowGroup, error) {
	var rg table.RowGroup
	err := Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case rgSchema:
			if err := wantType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			raw, err := BytesField(v)
			if err != nil {
				return err
			}
			rg.Schema, err = ConsumeSchema(raw)
			return err
		case rgMinTs, rgMaxTs, rgVersion:
			if err := wantType(num, typ, protowire.VarintType); err != nil {
				return err
			}
			x, err := Varint(v)
			if err != nil {
				return err
			}
			switch num {
			case rgMinTs:
				rg.MinTimestamp = protowire.DecodeZigZag(x)
			case rgMaxTs:
				rg.MaxTimestamp = protowire.DecodeZigZag(x)
			default:
				rg.Version = uint8(x)
			}
		case rgRows:
			if err := wantType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			raw, err := BytesField(v)
			if err != nil {
				return err
			}
			row, err := consumeRow(raw)
			if err != nil {
				return err
			}
			rg.Rows = append(rg.Rows, row)
		}
		return nil
	})
	return rg, err
}

func ConsumeSchema(b []byte) (table.Schema, error) {
	var s table.Schema
	err := Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case schemaColumns:
			raw, err := BytesField(v)
			if err != nil {
				return err
			}
			c, err := consumeColumn(raw)
			if err != nil {
				return err
			}
			s.Columns = append(s.Columns, c)
		case schemaTsIndex:
			x, err := Varint(v)
			if err != nil {
				return err
			}
			s.TimestampIndex = int(x)
		}
		return nil
	})
	return s, err
}

func consumeColumn(b []byte) (table.Column, error) {
	var c table.Column
	err := Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case colName:
			raw, err := BytesField(v)
			if err != nil {
				return err
			}
			c.Name = string(raw)
		case colKind:
			x, err := Varint(v)
			if err != nil {
				return err
			}
			c.Kind = table.Kind(x)
		case colTag:
			x, err := Varint(v)
			if err != nil {
				return err
			}
			c.IsTag = protowire.DecodeBool(x)
		}
		return nil
	})
	return c, err
}

func consumeRow(b []byte) (table.Row, error) {
	var row table.Row
	err := Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != rowValues {
			return nil
		}
		raw, err := BytesField(v)
		if err != nil {
			return err
		}
		d, err := consumeDatum(raw)
		if err != nil {
			return err
		}
		row = append(row, d)
		return nil
	})
	return row, err
}

func consumeDatum(b []byte) (table.Datum, error) {
	var d table.Datum
	err := Fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case datumInt, datumTs, datumBool:
			x, err := Varint(v)
			if err != nil {
				return err
			}
			switch num {
			case datumInt:
				d = table.Int64(protowire.DecodeZigZag(x))
			case datumTs:
				d = table.Timestamp(protowire.DecodeZigZag(x))
			default:
				d = table.Bool(protowire.DecodeBool(x))
			}
		case datumFloat:
			x, n := protowire.ConsumeFixed64(v)
			if n < 0 {
				return protowire.ParseError(n)
			}
			d = table.Float64(math.Float64frombits(x))
		case datumStr:
			raw, err := BytesField(v)
			if err != nil {
				return err
			}
			d = table.String(string(raw))
		case datumBytes:
			raw, err := BytesField(v)
			if err != nil {
				return err
			}
			d = table.Bytes(append([]byte{}, raw...))
		}
		return nil
	})
	return d, err
}
