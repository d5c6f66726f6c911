package wal

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"strata/domain/table"
)

// SequenceNumber orders records within one region. The first record is 1;
// 0 means nothing has been appended.
type SequenceNumber uint64

// Latest marks an open-ended read.
const Latest SequenceNumber = math.MaxUint64

// RegionID is the unit of WAL ordering: one table partition.
type RegionID struct {
	TableID   uint64
	Partition uint32
}

// RegionFor derives the stable region id of a table partition.
func RegionFor(id table.Identifier, partition uint32) RegionID {
	h := xxhash.New()
	_, _ = h.WriteString(id.Catalog)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(id.Schema)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(id.Table)
	return RegionID{TableID: h.Sum64(), Partition: partition}
}

func (r RegionID) String() string {
	return fmt.Sprintf("%016x-%d", r.TableID, r.Partition)
}

func ParseRegionID(s string) (RegionID, error) {
	tbl, part, ok := strings.Cut(s, "-")
	if !ok || len(tbl) != 16 {
		return RegionID{}, fmt.Errorf("malformed region id %q", s)
	}
	t, err := strconv.ParseUint(tbl, 16, 64)
	if err != nil {
		return RegionID{}, fmt.Errorf("malformed region id %q: %w", s, err)
	}
	p, err := strconv.ParseUint(part, 10, 32)
	if err != nil {
		return RegionID{}, fmt.Errorf("malformed region id %q: %w", s, err)
	}
	return RegionID{TableID: t, Partition: uint32(p)}, nil
}

// Entry is what callers append; the backend assigns the sequence.
type Entry struct {
	Payload         []byte
	MinTimestamp    int64
	MaxTimestamp    int64
	EncodingVersion uint8
}

// LogRecord is an immutable, durably stored WAL entry.
type LogRecord struct {
	Region          RegionID
	Sequence        SequenceNumber
	Payload         []byte
	MinTimestamp    int64
	MaxTimestamp    int64
	EncodingVersion uint8
}

func NewRecord(region RegionID, seq SequenceNumber, e Entry) LogRecord {
	return LogRecord{
		Region:          region,
		Sequence:        seq,
		Payload:         e.Payload,
		MinTimestamp:    e.MinTimestamp,
		MaxTimestamp:    e.MaxTimestamp,
		EncodingVersion: e.EncodingVersion,
	}
}

// ReadCursor selects (Start, End] of a region's log. End may be Latest.
type ReadCursor struct {
	Region RegionID
	Start  SequenceNumber
	End    SequenceNumber
}

// RecoveryState is what a backend reconstructs for a region on restart.
type RecoveryState struct {
	Highest         SequenceNumber
	TruncatedBefore SequenceNumber
}
