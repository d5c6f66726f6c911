// Package codec serializes row groups into WAL payloads. The encoding
// version travels with every record so payloads written under an older
// version stay decodable.
package codec

import (
	"bytes"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"strata/domain/table"
	"strata/infra/memory"
)

const (
	VersionPlain uint8 = 1
	VersionZstd  uint8 = 2
	VersionLZ4   uint8 = 3

	DefaultVersion = VersionPlain
)

var ErrSerialization = errors.New("row group serialization failed")

func Supported(version uint8) bool {
	return version >= VersionPlain && version <= VersionLZ4
}

func serialization(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrSerialization)
}

// Encode serializes rg with the encoding named by rg.Version.
func Encode(rg table.RowGroup) ([]byte, error) {
	if !Supported(rg.Version) {
		return nil, errors.Mark(errors.Newf("unsupported encoding version %d", rg.Version), ErrSerialization)
	}
	raw := AppendRowGroup(nil, rg)
	switch rg.Version {
	case VersionZstd:
		return zstdEncoder().EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	case VersionLZ4:
		return lz4Compress(raw)
	default:
		return raw, nil
	}
}

// Decode reverses Encode for the given version.
func Decode(version uint8, payload []byte) (table.RowGroup, error) {
	var raw []byte
	switch version {
	case VersionPlain:
		raw = payload
	case VersionZstd:
		out, err := zstdDecoder().DecodeAll(payload, nil)
		if err != nil {
			return table.RowGroup{}, serialization(err, "zstd payload")
		}
		raw = out
	case VersionLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
		if err != nil {
			return table.RowGroup{}, serialization(err, "lz4 payload")
		}
		raw = out
	default:
		return table.RowGroup{}, errors.Mark(errors.Newf("unsupported encoding version %d", version), ErrSerialization)
	}
	rg, err := ConsumeRowGroup(raw)
	if err != nil {
		return table.RowGroup{}, serialization(err, "decode row group v%d", version)
	}
	if rg.Version != version {
		return table.RowGroup{}, errors.Mark(
			errors.Newf("payload declares version %d, record says %d", rg.Version, version),
			ErrSerialization,
		)
	}
	return rg, nil
}

// ---------- zstd ----------

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func initZstd() {
	// Neither constructor fails without options that can be invalid.
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDec, _ = zstd.NewReader(nil)
}

func zstdEncoder() *zstd.Encoder {
	zstdOnce.Do(initZstd)
	return zstdEnc
}

func zstdDecoder() *zstd.Decoder {
	zstdOnce.Do(initZstd)
	return zstdDec
}

// ---------- lz4 ----------

var lz4Buffers = memory.NewPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset)

func lz4Compress(raw []byte) ([]byte, error) {
	buf := lz4Buffers.Get()
	defer lz4Buffers.Put(buf)

	w := lz4.NewWriter(buf)
	if _, err := w.Write(raw); err != nil {
		return nil, serialization(err, "lz4 compress")
	}
	if err := w.Close(); err != nil {
		return nil, serialization(err, "lz4 compress")
	}
	return bytes.Clone(buf.Bytes()), nil
}
