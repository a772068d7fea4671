package steamboat

// futureHeap is a container/heap-compatible min-heap of in-flight
// Executor-futures ordered by (deadline, id), backing the Cabin's
// deadline supervisor. Entries are not removed when their Future
// completes; the Cabin compacts the heap periodically and otherwise
// skips already-terminal entries on pop.
type futureHeap []*Future[any]

func (h futureHeap) Len() int { return len(h) }

func (h futureHeap) Less(i, j int) bool {
	di, _ := h[i].Deadline()
	dj, _ := h[j].Deadline()
	if !di.Equal(dj) {
		return di.Before(dj)
	}
	return h[i].ID() < h[j].ID()
}

func (h futureHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *futureHeap) Push(x interface{}) {
	*h = append(*h, x.(*Future[any]))
}

func (h *futureHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
