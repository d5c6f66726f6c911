package service

import (
	"container/heap"
	"context"

	"strata/domain/table"
)

type stamped struct {
	ts  int64
	row table.Row
}

// feed is one shard's sorted output, delivered in chunks. The merge holds
// at most one chunk per shard.
type feed struct {
	chunks <-chan []stamped
	cur    []stamped
	pos    int
	src    int
}

func (f *feed) head() stamped { return f.cur[f.pos] }

// advance moves to the next row, waiting for the next chunk when the current
// one is used up. It reports false once the shard is exhausted.
func (f *feed) advance(ctx context.Context) (bool, error) {
	f.pos++
	for f.pos >= len(f.cur) {
		select {
		case c, ok := <-f.chunks:
			if !ok {
				return false, nil
			}
			f.cur, f.pos = c, 0
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return true, nil
}

type feedHeap struct {
	feeds []*feed
	desc  bool
}

func (h *feedHeap) Len() int { return len(h.feeds) }

func (h *feedHeap) Less(i, j int) bool {
	a, b := h.feeds[i], h.feeds[j]
	ta, tb := a.head().ts, b.head().ts
	if ta != tb {
		if h.desc {
			return ta > tb
		}
		return ta < tb
	}
	return a.src < b.src
}

func (h *feedHeap) Swap(i, j int) { h.feeds[i], h.feeds[j] = h.feeds[j], h.feeds[i] }
func (h *feedHeap) Push(x any)    { h.feeds = append(h.feeds, x.(*feed)) }

func (h *feedHeap) Pop() any {
	n := len(h.feeds)
	f := h.feeds[n-1]
	h.feeds = h.feeds[:n-1]
	return f
}

// mergeFeeds k-way merges feeds that are each sorted in the requested
// direction. Ties go to the lower source index. emit returning false stops
// the merge.
func mergeFeeds(ctx context.Context, feeds []*feed, desc bool, emit func(table.Row) bool) error {
	h := &feedHeap{desc: desc}
	for _, f := range feeds {
		f.pos = -1
		ok, err := f.advance(ctx)
		if err != nil {
			return err
		}
		if ok {
			h.feeds = append(h.feeds, f)
		}
	}
	heap.Init(h)
	for h.Len() > 0 {
		f := h.feeds[0]
		if !emit(f.head().row) {
			return nil
		}
		ok, err := f.advance(ctx)
		if err != nil {
			return err
		}
		if ok {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}
	}
	return nil
}
