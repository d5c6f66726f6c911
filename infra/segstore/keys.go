package segstore

import (
	"encoding/binary"

	"strata/infra/wal"
)

// Key layout:
//
//	s/{table:8}{part:4}/{start:8}{end:8}/{seq:8}  one row group of a segment
//	f/{table:8}{part:4}                           flushed-through sequence
//
// Segment bounds are stored sign-flipped so negative timestamps sort first.
var (
	segPrefix   = []byte("s/")
	flushPrefix = []byte("f/")
)

const regionSize = 8 + 4

func orderedTs(ts int64) uint64  { return uint64(ts) ^ (1 << 63) }
func unorderedTs(v uint64) int64 { return int64(v ^ (1 << 63)) }

func appendRegion(k []byte, region wal.RegionID) []byte {
	k = binary.BigEndian.AppendUint64(k, region.TableID)
	return binary.BigEndian.AppendUint32(k, region.Partition)
}

func regionKey(region wal.RegionID) []byte {
	return append(appendRegion(append([]byte(nil), segPrefix...), region), '/')
}

func segmentKey(region wal.RegionID, start, end int64) []byte {
	k := regionKey(region)
	k = binary.BigEndian.AppendUint64(k, orderedTs(start))
	k = binary.BigEndian.AppendUint64(k, orderedTs(end))
	return append(k, '/')
}

func groupKey(region wal.RegionID, start, end int64, seq wal.SequenceNumber) []byte {
	return binary.BigEndian.AppendUint64(segmentKey(region, start, end), uint64(seq))
}

func flushKey(region wal.RegionID) []byte {
	return appendRegion(append([]byte(nil), flushPrefix...), region)
}

// parseSegment extracts segment bounds from a key under regionKey.
func parseSegment(k []byte) (start, end int64, ok bool) {
	off := len(segPrefix) + regionSize + 1
	if len(k) < off+16 {
		return 0, 0, false
	}
	return unorderedTs(binary.BigEndian.Uint64(k[off:])), unorderedTs(binary.BigEndian.Uint64(k[off+8:])), true
}

func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
