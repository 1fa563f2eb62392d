package downloader

import (
	"context"
	"sync"
)

// job is a single in-flight transport operation for one key,
// potentially servicing many waiters (see submit's coalescing rule).
type job struct {
	key      string
	url      string
	priority Priority
	attempt  uint32

	mu      sync.Mutex
	waiters []*waiter

	ctx    context.Context
	cancel context.CancelFunc
}

func newJob(key, url string, priority Priority, cancel context.CancelFunc) *job {
	return &job{key: key, url: url, priority: priority, cancel: cancel}
}

func (j *job) addWaiter(w *waiter) {
	j.mu.Lock()
	j.waiters = append(j.waiters, w)
	j.mu.Unlock()
}

func (j *job) snapshotWaiters() []*waiter {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*waiter, len(j.waiters))
	copy(out, j.waiters)
	return out
}

func (j *job) broadcastProgress(value float64) {
	for _, w := range j.snapshotWaiters() {
		if w.progress != nil {
			w.progress(value)
		}
	}
}

// pendingRequest is a job not yet started because the in-flight count
// is at the concurrency ceiling.
type pendingRequest struct {
	key      string
	url      string
	priority Priority
	waiter   *waiter
	seq      uint64 // tiebreaker: FIFO within a priority class
}

// pendingHeap is a heap.Interface implementation ordered by priority
// (High before Low), then by submission order within a class.
type pendingHeap []*pendingRequest

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // High (1) before Low (0)
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) {
	*h = append(*h, x.(*pendingRequest))
}
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
