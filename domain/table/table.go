package table

import (
	"fmt"
	"time"
)

// Identifier names a table in the catalog.
type Identifier struct {
	Catalog string
	Schema  string
	Table   string
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s.%s.%s", id.Catalog, id.Schema, id.Table)
}

func (id Identifier) Valid() bool {
	return id.Catalog != "" && id.Schema != "" && id.Table != ""
}

// ---------- Options ----------

type CompactionStrategy string

const (
	CompactionDefault    CompactionStrategy = "default"
	CompactionTimeWindow CompactionStrategy = "time_window"
	CompactionSizeTiered CompactionStrategy = "size_tiered"
)

// Options are per-table settings. The WAL only consults SegmentDuration and
// the TTL pair; the rest ride along for the storage layers.
type Options struct {
	SegmentDuration    time.Duration
	TTLEnabled         bool
	TTL                time.Duration
	CompactionStrategy CompactionStrategy
	StorageFormat      string
	Compression        string
	WriteBufferSize    int
}

func DefaultOptions() Options {
	return Options{
		SegmentDuration:    2 * time.Hour,
		TTLEnabled:         true,
		TTL:                7 * 24 * time.Hour,
		CompactionStrategy: CompactionDefault,
		StorageFormat:      "columnar",
		Compression:        "zstd",
		WriteBufferSize:    32 << 20,
	}
}

// ExpiredBefore returns the timestamp (unix millis) below which rows are past
// their TTL at now. ok is false when TTL is disabled.
func (o Options) ExpiredBefore(now time.Time) (int64, bool) {
	if !o.TTLEnabled || o.TTL <= 0 {
		return 0, false
	}
	return now.Add(-o.TTL).UnixMilli(), true
}

// ---------- Read shape ----------

// TimeRange is inclusive on both ends, in unix millis.
type TimeRange struct {
	Start int64
	End   int64
}

func AllTime() TimeRange {
	return TimeRange{Start: minInt64, End: maxInt64}
}

func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Start && ts <= r.End
}

func (r TimeRange) Overlaps(min, max int64) bool {
	return min <= r.End && max >= r.Start
}

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)

type Order uint8

const (
	OrderNone Order = iota
	OrderAsc
	OrderDesc
)

func (o Order) String() string {
	switch o {
	case OrderNone:
		return "NONE"
	case OrderAsc:
		return "ASC"
	case OrderDesc:
		return "DESC"
	default:
		return "UNKNOWN"
	}
}
