package queuewal

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var errInjected = errors.New("injected broker failure")

type produceFault int

const (
	faultNone produceFault = iota
	// faultLost: the write never reaches the log.
	faultLost
	// faultTorn: a cut-short write lands but is never acknowledged.
	faultTorn
	// faultGhost: the full write lands but the acknowledgement is lost.
	faultGhost
	// faultDuplicate: the write lands twice and is acknowledged.
	faultDuplicate
)

type fakeTopic struct {
	low  int64
	msgs []Message
}

// fakeBroker is an in-memory single-partition log per topic.
type fakeBroker struct {
	mu     sync.Mutex
	topics map[string]*fakeTopic
	faults []produceFault
	closed bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{topics: make(map[string]*fakeTopic)}
}

func (f *fakeBroker) injectProduce(faults ...produceFault) {
	f.mu.Lock()
	f.faults = append(f.faults, faults...)
	f.mu.Unlock()
}

func (f *fakeBroker) EnsureTopic(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.topics[topic]; !ok {
		f.topics[topic] = &fakeTopic{}
	}
	return nil
}

func (f *fakeBroker) Produce(ctx context.Context, topic string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[topic]
	if !ok {
		return errors.New("unknown topic")
	}
	fault := faultNone
	if len(f.faults) > 0 {
		fault, f.faults = f.faults[0], f.faults[1:]
	}
	put := func(v []byte) {
		off := t.low + int64(len(t.msgs))
		t.msgs = append(t.msgs, Message{Offset: off, Value: append([]byte(nil), v...)})
	}
	switch fault {
	case faultLost:
		return errInjected
	case faultTorn:
		put(value[:len(value)/2])
		return errInjected
	case faultGhost:
		put(value)
		return errInjected
	case faultDuplicate:
		put(value)
		put(value)
	default:
		put(value)
	}
	return nil
}

func (f *fakeBroker) Fetch(ctx context.Context, topic string, from int64, max int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[topic]
	if !ok {
		return nil, errors.New("unknown topic")
	}
	if from < t.low {
		from = t.low
	}
	var out []Message
	for i := from - t.low; i < int64(len(t.msgs)) && len(out) < max; i++ {
		out = append(out, t.msgs[i])
	}
	return out, nil
}

func (f *fakeBroker) Watermarks(ctx context.Context, topic string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[topic]
	if !ok {
		return 0, 0, errors.New("unknown topic")
	}
	return t.low, t.low + int64(len(t.msgs)), nil
}

func (f *fakeBroker) DeleteRecords(ctx context.Context, topic string, before int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[topic]
	if !ok {
		return errors.New("unknown topic")
	}
	if before <= t.low {
		return nil
	}
	drop := before - t.low
	if drop > int64(len(t.msgs)) {
		drop = int64(len(t.msgs))
	}
	t.msgs = t.msgs[drop:]
	t.low += drop
	return nil
}

func (f *fakeBroker) DeleteTopic(ctx context.Context, topic string) error {
	f.mu.Lock()
	delete(f.topics, topic)
	f.mu.Unlock()
	return nil
}

func (f *fakeBroker) Topics(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.topics))
	for name := range f.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Close is a no-op so the same log can back a restarted backend.
func (f *fakeBroker) Close() error { return nil }

func (f *fakeBroker) retained(topic string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.topics[topic].msgs...)
}
