// Package memory holds allocation helpers for hot paths: typed pools for
// scratch buffers reused across encodes.
package memory
