package service

import (
	"github.com/cockroachdb/errors"

	"strata/catalog"
	"strata/infra/codec"
)

var (
	ErrUnknownTable    = catalog.ErrUnknownTable
	ErrSerialization   = codec.ErrSerialization
	ErrInvalidArgument = errors.New("invalid argument")
)

// ErrNotFound is an alias kept for transports that speak in NotFound terms.
var ErrNotFound = ErrUnknownTable

func invalid(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}
