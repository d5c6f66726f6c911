package queuewal

import "context"

// Message is one record of a single-partition topic.
type Message struct {
	Offset int64
	Value  []byte
}

// Broker is the slice of a partitioned log service the backend relies on.
// Every region owns one topic with exactly one partition.
type Broker interface {
	EnsureTopic(ctx context.Context, topic string) error
	// Produce returns once the broker has acknowledged the write at the
	// configured durability level.
	Produce(ctx context.Context, topic string, value []byte) error
	// Fetch returns up to max messages with offset >= from that are below
	// the high watermark observed at call time.
	Fetch(ctx context.Context, topic string, from int64, max int) ([]Message, error)
	// Watermarks returns the first retained offset and the next offset to
	// be written.
	Watermarks(ctx context.Context, topic string) (low, high int64, err error)
	DeleteRecords(ctx context.Context, topic string, before int64) error
	DeleteTopic(ctx context.Context, topic string) error
	Topics(ctx context.Context) ([]string, error)
	Close() error
}
