package alert

import (
	"container/heap"
	"time"
)

// Request is one queued alert.
//
// Ordering key is (-Priority, Seq): higher priority first, then the
// earlier submission. Seq is assigned by the queue under its lock so the
// tie-break never depends on clock resolution.
type Request struct {
	ID          string
	Text        string
	Priority    int
	DedupeKey   string
	SubmittedAt time.Time
	Seq         uint64

	index int // position in requestHeap, maintained by heap.Interface
}

// requestHeap implements heap.Interface as a max-heap on Priority with
// FIFO tie-break on Seq.
type requestHeap []*Request

var _ heap.Interface = (*requestHeap)(nil)

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*Request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

// minIndex returns the index of the eviction candidate: the lowest
// priority item, and among those the most recently submitted one so
// older equal-priority work keeps its place. Returns -1 when empty.
//
// Linear scan: capacity is small (tens of items) and the max-heap keeps
// no order among leaves.
func (h requestHeap) minIndex() int {
	if len(h) == 0 {
		return -1
	}
	idx := 0
	for i := 1; i < len(h); i++ {
		if h[i].Priority < h[idx].Priority ||
			(h[i].Priority == h[idx].Priority && h[i].Seq > h[idx].Seq) {
			idx = i
		}
	}
	return idx
}
