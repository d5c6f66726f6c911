package kvwal

import (
	"encoding/binary"
	"fmt"

	"strata/infra/wal"
)

// Key layout:
//
//	r/{table:8}{part:4}/e/{seq:8}  record envelope
//	r/{table:8}{part:4}/m          meta: [watermark:8][last:8]
//
// All integers big-endian so byte order matches numeric order.
var (
	keyspace      = []byte("r/")
	recordsInfix  = []byte("/e/")
	metaSuffix    = []byte("/m")
	regionKeySize = len(keyspace) + 8 + 4
)

func regionPrefix(region wal.RegionID) []byte {
	k := make([]byte, 0, regionKeySize)
	k = append(k, keyspace...)
	k = binary.BigEndian.AppendUint64(k, region.TableID)
	k = binary.BigEndian.AppendUint32(k, region.Partition)
	return k
}

func recordsPrefix(region wal.RegionID) []byte {
	return append(regionPrefix(region), recordsInfix...)
}

func recordKey(region wal.RegionID, seq wal.SequenceNumber) []byte {
	return binary.BigEndian.AppendUint64(recordsPrefix(region), uint64(seq))
}

func metaKey(region wal.RegionID) []byte {
	return append(regionPrefix(region), metaSuffix...)
}

func parseRecordKey(k []byte) (wal.SequenceNumber, error) {
	want := regionKeySize + len(recordsInfix) + 8
	if len(k) != want {
		return 0, fmt.Errorf("record key of %d bytes, want %d", len(k), want)
	}
	return wal.SequenceNumber(binary.BigEndian.Uint64(k[want-8:])), nil
}

func parseRegion(k []byte) (wal.RegionID, bool) {
	if len(k) < regionKeySize {
		return wal.RegionID{}, false
	}
	return wal.RegionID{
		TableID:   binary.BigEndian.Uint64(k[len(keyspace):]),
		Partition: binary.BigEndian.Uint32(k[len(keyspace)+8:]),
	}, true
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

type meta struct {
	watermark wal.SequenceNumber
	last      wal.SequenceNumber
}

func encodeMeta(m meta) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(m.watermark))
	binary.BigEndian.PutUint64(buf[8:16], uint64(m.last))
	return buf
}

func decodeMeta(b []byte) (meta, error) {
	if len(b) != 16 {
		return meta{}, fmt.Errorf("invalid meta length %d", len(b))
	}
	return meta{
		watermark: wal.SequenceNumber(binary.BigEndian.Uint64(b[0:8])),
		last:      wal.SequenceNumber(binary.BigEndian.Uint64(b[8:16])),
	}, nil
}
