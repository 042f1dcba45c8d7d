package scheduler

import "container/heap"

// requestHeap implements container/heap.Interface ordered by priority bucket,
// then by arrival sequence.
type requestHeap []*QueuedRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	ri, rj := h[i].Request.Priority.rank(), h[j].Request.Priority.rank()
	if ri != rj {
		return ri < rj
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	req := x.(*QueuedRequest)
	req.index = len(*h)
	*h = append(*h, req)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*h = old[:n-1]
	return req
}

// Queue holds requests that have not been dispatched yet. It is not safe for
// concurrent use; the scheduler loop is its only user.
type Queue struct {
	heap    requestHeap
	byID    map[string]*QueuedRequest
	nextSeq uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{byID: make(map[string]*QueuedRequest)}
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	return len(q.heap)
}

// Push adds a request, stamping its arrival sequence.
func (q *Queue) Push(req *QueuedRequest) {
	q.nextSeq++
	req.seq = q.nextSeq
	heap.Push(&q.heap, req)
	q.byID[req.ID] = req
}

// Pop removes and returns the highest-priority, oldest request, or nil.
func (q *Queue) Pop() *QueuedRequest {
	if len(q.heap) == 0 {
		return nil
	}
	req := heap.Pop(&q.heap).(*QueuedRequest)
	delete(q.byID, req.ID)
	return req
}

// Peek returns the next request without removing it, or nil.
func (q *Queue) Peek() *QueuedRequest {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Remove takes a single request out of the queue and marks it cancelled.
func (q *Queue) Remove(id string) (*QueuedRequest, bool) {
	req, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.heap, req.index)
	delete(q.byID, id)
	req.cancelled = true
	return req, true
}

// Clear removes every queued request, marks each cancelled and returns them
// in dispatch order.
func (q *Queue) Clear() []*QueuedRequest {
	out := make([]*QueuedRequest, 0, len(q.heap))
	for len(q.heap) > 0 {
		req := heap.Pop(&q.heap).(*QueuedRequest)
		req.cancelled = true
		out = append(out, req)
	}
	q.byID = make(map[string]*QueuedRequest)
	return out
}
