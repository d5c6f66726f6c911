package wal

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

type EnvelopeKind uint8

const (
	EnvelopeData EnvelopeKind = iota + 1
	// EnvelopeTruncate carries a watermark (Sequence) and the highest
	// sequence at the time of truncation (8-byte payload). Backends that
	// cannot rewrite their storage use it to persist truncation.
	EnvelopeTruncate
)

const envelopeVersion = 1

// Frame:
// [version:1][kind:1][table:8][part:4][seq:8][minTs:8][maxTs:8][enc:1][len:4][payload][crc:4]
const (
	envelopeHeader  = 1 + 1 + 8 + 4 + 8 + 8 + 8 + 1 + 4
	envelopeTrailer = 4
)

type Envelope struct {
	Kind   EnvelopeKind
	Record LogRecord
}

func DataEnvelope(rec LogRecord) Envelope {
	return Envelope{Kind: EnvelopeData, Record: rec}
}

func TruncateMarker(region RegionID, watermark, highest SequenceNumber) Envelope {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(highest))
	return Envelope{
		Kind: EnvelopeTruncate,
		Record: LogRecord{
			Region:   region,
			Sequence: watermark,
			Payload:  payload,
		},
	}
}

// MarkerHighest returns the highest sequence recorded by a truncate marker.
func (e Envelope) MarkerHighest() SequenceNumber {
	if e.Kind != EnvelopeTruncate || len(e.Record.Payload) != 8 {
		return 0
	}
	return SequenceNumber(binary.BigEndian.Uint64(e.Record.Payload))
}

func EncodeEnvelope(e Envelope) []byte {
	r := e.Record
	n := uint32(len(r.Payload))
	buf := make([]byte, envelopeHeader+int(n)+envelopeTrailer)

	buf[0] = envelopeVersion
	buf[1] = byte(e.Kind)
	binary.BigEndian.PutUint64(buf[2:10], r.Region.TableID)
	binary.BigEndian.PutUint32(buf[10:14], r.Region.Partition)
	binary.BigEndian.PutUint64(buf[14:22], uint64(r.Sequence))
	binary.BigEndian.PutUint64(buf[22:30], uint64(r.MinTimestamp))
	binary.BigEndian.PutUint64(buf[30:38], uint64(r.MaxTimestamp))
	buf[38] = r.EncodingVersion
	binary.BigEndian.PutUint32(buf[39:43], n)
	copy(buf[envelopeHeader:], r.Payload)

	end := envelopeHeader + int(n)
	binary.BigEndian.PutUint32(buf[end:], Checksum(buf[:end]))
	return buf
}

// DecodeEnvelope validates framing and checksum. The returned payload
// aliases b.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) < envelopeHeader+envelopeTrailer {
		return Envelope{}, errors.Mark(errors.Newf("envelope of %d bytes is too short", len(b)), ErrCorruptEnvelope)
	}
	if b[0] != envelopeVersion {
		return Envelope{}, errors.Mark(errors.Newf("unknown envelope version %d", b[0]), ErrCorruptEnvelope)
	}
	n := int(binary.BigEndian.Uint32(b[39:43]))
	if len(b) != envelopeHeader+n+envelopeTrailer {
		return Envelope{}, errors.Mark(errors.Newf("envelope length %d does not match payload length %d", len(b), n), ErrCorruptEnvelope)
	}
	end := envelopeHeader + n
	if !ChecksumValid(b[:end], binary.BigEndian.Uint32(b[end:])) {
		return Envelope{}, errors.Mark(errors.New("envelope crc mismatch"), ErrCorruptEnvelope)
	}
	kind := EnvelopeKind(b[1])
	if kind != EnvelopeData && kind != EnvelopeTruncate {
		return Envelope{}, errors.Mark(errors.Newf("unknown envelope kind %d", kind), ErrCorruptEnvelope)
	}
	return Envelope{
		Kind: kind,
		Record: LogRecord{
			Region: RegionID{
				TableID:   binary.BigEndian.Uint64(b[2:10]),
				Partition: binary.BigEndian.Uint32(b[10:14]),
			},
			Sequence:        SequenceNumber(binary.BigEndian.Uint64(b[14:22])),
			MinTimestamp:    int64(binary.BigEndian.Uint64(b[22:30])),
			MaxTimestamp:    int64(binary.BigEndian.Uint64(b[30:38])),
			EncodingVersion: b[38],
			Payload:         b[envelopeHeader:end],
		},
	}, nil
}
