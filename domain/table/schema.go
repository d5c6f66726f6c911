package table

import (
	"fmt"
	"math"
	"strings"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindInt64
	KindFloat64
	KindString
	KindBytes
	KindBool
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "null":
		return KindNull, nil
	case "int64", "bigint":
		return KindInt64, nil
	case "float64", "double":
		return KindFloat64, nil
	case "string", "varchar":
		return KindString, nil
	case "bytes", "varbinary":
		return KindBytes, nil
	case "bool", "boolean":
		return KindBool, nil
	case "timestamp":
		return KindTimestamp, nil
	}
	return KindNull, fmt.Errorf("unknown column kind %q", s)
}

type Column struct {
	Name  string
	Kind  Kind
	IsTag bool
}

// Schema describes the columns of a row. TimestampIndex points at the
// column of kind KindTimestamp that orders rows.
type Schema struct {
	Columns        []Column
	TimestampIndex int
}

func (s Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	if s.TimestampIndex < 0 || s.TimestampIndex >= len(s.Columns) {
		return fmt.Errorf("timestamp index %d out of range", s.TimestampIndex)
	}
	if k := s.Columns[s.TimestampIndex].Kind; k != KindTimestamp {
		return fmt.Errorf("timestamp column %q has kind %s", s.Columns[s.TimestampIndex].Name, k)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("column with empty name")
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// Equal compares column layout; tags and names must line up.
func (s Schema) Equal(o Schema) bool {
	if s.TimestampIndex != o.TimestampIndex || len(s.Columns) != len(o.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != o.Columns[i] {
			return false
		}
	}
	return true
}

// Project returns the sub-schema for the named columns and the source index
// of each. An empty projection keeps every column.
func (s Schema) Project(names []string) (Schema, []int, error) {
	if len(names) == 0 {
		idx := make([]int, len(s.Columns))
		for i := range idx {
			idx[i] = i
		}
		return s, idx, nil
	}
	out := Schema{TimestampIndex: -1}
	idx := make([]int, 0, len(names))
	for _, n := range names {
		i := s.Index(n)
		if i < 0 {
			return Schema{}, nil, fmt.Errorf("projected column %q not in schema", n)
		}
		if i == s.TimestampIndex {
			out.TimestampIndex = len(out.Columns)
		}
		out.Columns = append(out.Columns, s.Columns[i])
		idx = append(idx, i)
	}
	return out, idx, nil
}

// ---------- Datum ----------

// Datum is a single typed cell. Only the field matching Kind is meaningful.
type Datum struct {
	Kind  Kind
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	Bool  bool
}

func Null() Datum                  { return Datum{} }
func Int64(v int64) Datum          { return Datum{Kind: KindInt64, Int: v} }
func Float64(v float64) Datum      { return Datum{Kind: KindFloat64, Float: v} }
func String(v string) Datum        { return Datum{Kind: KindString, Str: v} }
func Bytes(v []byte) Datum         { return Datum{Kind: KindBytes, Bytes: v} }
func Bool(v bool) Datum            { return Datum{Kind: KindBool, Bool: v} }
func Timestamp(millis int64) Datum { return Datum{Kind: KindTimestamp, Int: millis} }

func (d Datum) IsNull() bool { return d.Kind == KindNull }

func (d Datum) Equal(o Datum) bool {
	if d.Kind != o.Kind {
		return false
	}
	switch d.Kind {
	case KindInt64, KindTimestamp:
		return d.Int == o.Int
	case KindFloat64:
		return d.Float == o.Float || (math.IsNaN(d.Float) && math.IsNaN(o.Float))
	case KindString:
		return d.Str == o.Str
	case KindBytes:
		return string(d.Bytes) == string(o.Bytes)
	case KindBool:
		return d.Bool == o.Bool
	default:
		return true
	}
}

// Value returns the datum as a plain Go value (nil for null).
func (d Datum) Value() any {
	switch d.Kind {
	case KindInt64, KindTimestamp:
		return d.Int
	case KindFloat64:
		return d.Float
	case KindString:
		return d.Str
	case KindBytes:
		return d.Bytes
	case KindBool:
		return d.Bool
	default:
		return nil
	}
}

func (d Datum) String() string {
	if d.Kind == KindNull {
		return "NULL"
	}
	return fmt.Sprint(d.Value())
}
