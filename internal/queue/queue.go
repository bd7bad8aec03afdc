// Package queue provides the labeled request queue that drives a crawl lane.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
)

// Label names the kind of work a request performs.
type Label string

// Request labels, in processing order.
const (
	Login    Label = "LOGIN"
	Navigate Label = "NAVIGATE"
	Search   Label = "SEARCH"
	List     Label = "LIST"
	Detail   Label = "DETAIL"
)

// Rank returns the label's position in the processing order.
func (l Label) Rank() int {
	switch l {
	case Login:
		return 0
	case Navigate:
		return 1
	case Search:
		return 2
	case List:
		return 3
	case Detail:
		return 4
	default:
		return 5
	}
}

// Request is one unit of lane work.
type Request struct {
	Label    Label
	URL      string
	Page     int // target result page for LIST requests
	Attempts int
	// Payload carries label specific data (the list record for DETAIL).
	Payload  interface{}
	Enqueued time.Time

	seq uint64
}

// Key identifies a request for duplicate suppression.
func (r *Request) Key() string {
	return fmt.Sprintf("%s|%d|%s", r.Label, r.Page, r.URL)
}

type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if ri, rj := h[i].Label.Rank(), h[j].Label.Rank(); ri != rj {
		return ri < rj
	}
	if h[i].Page != h[j].Page {
		return h[i].Page < h[j].Page
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) { *h = append(*h, x.(*Request)) }

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a thread-safe priority queue ordered by label, then page, then
// insertion order.
type Queue struct {
	mu     sync.Mutex
	h      requestHeap
	keys   map[string]struct{}
	seq    uint64
	closed bool
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{keys: make(map[string]struct{})}
	heap.Init(&q.h)
	return q
}

// Push adds req. Requests already queued under the same key are ignored and
// Push reports false.
func (q *Queue) Push(req *Request) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrQueueClosed
	}

	key := req.Key()
	if _, exists := q.keys[key]; exists {
		return false, nil
	}
	q.seq++
	req.seq = q.seq
	if req.Enqueued.IsZero() {
		req.Enqueued = time.Now()
	}
	q.keys[key] = struct{}{}
	heap.Push(&q.h, req)
	return true, nil
}

// Pop removes and returns the next request.
func (q *Queue) Pop() (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(q.h) == 0 {
		return nil, ErrQueueEmpty
	}
	return q.popLocked(), nil
}

func (q *Queue) popLocked() *Request {
	req := heap.Pop(&q.h).(*Request)
	delete(q.keys, req.Key())
	return req
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// DropLabel removes every queued request with label l and returns them.
func (q *Queue) DropLabel(l Label) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []*Request
	kept := q.h[:0]
	for _, r := range q.h {
		if r.Label == l {
			dropped = append(dropped, r)
			delete(q.keys, r.Key())
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(q.h); i++ {
		q.h[i] = nil
	}
	q.h = kept
	heap.Init(&q.h)
	return dropped
}

// Clear removes all requests.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.h = q.h[:0]
	q.keys = make(map[string]struct{})
}

// Close closes the queue. Later Push and Pop calls fail with
// ErrQueueClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
