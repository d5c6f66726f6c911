// Package segstore is the persisted side of a table: row groups flushed out
// of the memory buffer, bucketed by timestamp into segments of the table's
// SegmentDuration. Each segment is an independent read shard and the unit
// of TTL expiry.
package segstore
