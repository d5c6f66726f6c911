package wal

import "github.com/cockroachdb/errors"

var (
	// ErrBackendUnavailable is transient; callers may retry.
	ErrBackendUnavailable = errors.New("wal backend unavailable")
	// ErrBackendCorrupt takes the affected region offline.
	ErrBackendCorrupt = errors.New("wal backend corrupt")
	// ErrRangeTruncated is returned for reads at or below the truncation
	// watermark, including reads that were in flight when it moved.
	ErrRangeTruncated = errors.New("requested range truncated")

	ErrRegionNotFound     = errors.New("region not found")
	ErrRegionNotRecovered = errors.New("region not recovered")
	ErrRegionOffline      = errors.New("region offline")
	ErrRegionClosed       = errors.New("region closed")
	ErrCorruptEnvelope    = errors.New("corrupt record envelope")
	ErrNotReady           = errors.New("wal manager not ready")
)

// Unavailable wraps a backend I/O or transport failure.
func Unavailable(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrBackendUnavailable)
}

// Canceled wraps a context error from an operation that never reached the
// backend. It is not retryable.
func Canceled(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

// Corrupt wraps a failure that means persisted state cannot be trusted.
func Corrupt(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrBackendCorrupt)
}

func Truncated(region RegionID, start, watermark SequenceNumber) error {
	return errors.Mark(
		errors.Newf("region %s: read from %d below truncation watermark %d", region, start, watermark),
		ErrRangeTruncated,
	)
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

func RegionNotRecovered(region RegionID) error {
	return errors.Wrapf(ErrRegionNotRecovered, "region %s", region)
}
