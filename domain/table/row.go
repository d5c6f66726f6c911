package table

import "fmt"

type Row []Datum

// Timestamp reads the ordering column; rows are validated before they get
// here so a missing column is a programming error.
func (r Row) Timestamp(s Schema) int64 {
	return r[s.TimestampIndex].Int
}

func (r Row) Project(idx []int) Row {
	out := make(Row, len(idx))
	for i, j := range idx {
		out[i] = r[j]
	}
	return out
}

func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// RowGroup is the unit of a write: rows sharing one schema, tagged with the
// encoding version used to serialize them into the WAL.
type RowGroup struct {
	Schema       Schema
	MinTimestamp int64
	MaxTimestamp int64
	Version      uint8
	Rows         []Row
}

// NewRowGroup computes the timestamp bounds from the rows.
func NewRowGroup(schema Schema, version uint8, rows []Row) RowGroup {
	rg := RowGroup{Schema: schema, Version: version, Rows: rows}
	rg.MinTimestamp, rg.MaxTimestamp = rg.bounds()
	return rg
}

func (rg RowGroup) bounds() (int64, int64) {
	if len(rg.Rows) == 0 {
		return 0, 0
	}
	var min, max int64 = maxInt64, minInt64
	for _, r := range rg.Rows {
		ts := r.Timestamp(rg.Schema)
		if ts < min {
			min = ts
		}
		if ts > max {
			max = ts
		}
	}
	return min, max
}

// Validate checks the rows against the group's own schema and bounds.
func (rg RowGroup) Validate() error {
	if err := rg.Schema.Validate(); err != nil {
		return err
	}
	for i, r := range rg.Rows {
		if len(r) != len(rg.Schema.Columns) {
			return fmt.Errorf("row %d has %d values, schema has %d columns", i, len(r), len(rg.Schema.Columns))
		}
		for j, d := range r {
			if d.Kind != KindNull && d.Kind != rg.Schema.Columns[j].Kind {
				return fmt.Errorf("row %d column %q: got %s want %s", i, rg.Schema.Columns[j].Name, d.Kind, rg.Schema.Columns[j].Kind)
			}
		}
		if r[rg.Schema.TimestampIndex].Kind != KindTimestamp {
			return fmt.Errorf("row %d has null timestamp", i)
		}
	}
	if len(rg.Rows) > 0 {
		min, max := rg.bounds()
		if min < rg.MinTimestamp || max > rg.MaxTimestamp {
			return fmt.Errorf("rows span [%d,%d] outside declared [%d,%d]", min, max, rg.MinTimestamp, rg.MaxTimestamp)
		}
	}
	return nil
}
