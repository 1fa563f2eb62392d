package coordinator

import (
	"image"
	"sync"
	"time"

	"github.com/ductranprof99/Image-Downloader-sub000/imgerr"

	gnlog "gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/threadgroup"
)

// waiterEntry is one registered (caller, completion, progress) triple
// under a key in the WaiterRegistry.
type waiterEntry struct {
	handle     *CallerHandle
	completion CompletionFunc
	progress   ProgressFunc
}

// waiterRegistry is the `key -> []Waiter` mapping described in the
// spec. Insertion is serialized with draining under a single map
// lock; a dead-handle sweep runs on a fixed 30s cadence.
type waiterRegistry struct {
	mu      sync.Mutex
	buckets map[string][]waiterEntry

	tg  *threadgroup.ThreadGroup
	log *gnlog.Logger
}

func newWaiterRegistry(tg *threadgroup.ThreadGroup, log *gnlog.Logger) *waiterRegistry {
	r := &waiterRegistry{buckets: make(map[string][]waiterEntry), tg: tg, log: log}
	if err := tg.Add(); err == nil {
		go r.threadedReap()
	}
	return r
}

// register adds a waiter for key. Called while the Coordinator already
// knows a delivery for key is pending elsewhere (a Wait result from
// MemoryCache, or a race window between steps of request()).
func (r *waiterRegistry) register(key string, e waiterEntry) {
	r.mu.Lock()
	r.buckets[key] = append(r.buckets[key], e)
	r.mu.Unlock()
}

// progress fans a progress update out to every live waiter under key,
// without draining the bucket (the job is still running).
func (r *waiterRegistry) progress(key string, value float64) {
	r.mu.Lock()
	entries := append([]waiterEntry(nil), r.buckets[key]...)
	r.mu.Unlock()

	for _, e := range entries {
		if !e.handle.isAlive() || e.progress == nil {
			continue
		}
		e.progress(value)
	}
}

// drain atomically removes and returns every waiter registered under
// key, so the caller can invoke callbacks outside the lock. Dead
// handles are filtered out here too, opportunistically.
func (r *waiterRegistry) drain(key string) []waiterEntry {
	r.mu.Lock()
	entries := r.buckets[key]
	delete(r.buckets, key)
	r.mu.Unlock()

	live := entries[:0]
	for _, e := range entries {
		if e.handle.isAlive() {
			live = append(live, e)
		}
	}
	return live
}

// cancelOne removes the single waiter entry registered under key for
// handle, if any, and returns it so the caller can invoke its
// completion with Err(Cancelled) outside the lock. Used by the
// Coordinator's per-caller Cancel, distinct from a dead-handle reap:
// an explicitly cancelled waiter still receives exactly one terminal
// notification, per the spec. The second return reports whether key
// had a waiter to remove; the third reports whether the bucket is now
// empty (or was removed because it was already empty) - the
// Coordinator uses this to decide whether the underlying job itself
// must also be torn down, since cancelling the last waiter for a key
// is the one case that must behave like CancelAll.
func (r *waiterRegistry) cancelOne(key string, handle *CallerHandle) (entry waiterEntry, found bool, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.buckets[key]
	for i, e := range entries {
		if e.handle == handle {
			entries[i] = entries[len(entries)-1]
			entries = entries[:len(entries)-1]
			if len(entries) == 0 {
				delete(r.buckets, key)
			} else {
				r.buckets[key] = entries
			}
			return e, true, len(entries) == 0
		}
	}
	return waiterEntry{}, false, len(r.buckets[key]) == 0
}

// deliver drains key and invokes every live waiter's completion with
// (img, source, nil).
func (r *waiterRegistry) deliver(key string, img image.Image, source Source) {
	for _, e := range r.drain(key) {
		e.completion(img, source, nil)
	}
}

// fail drains key and invokes every live waiter's completion with the
// terminal error.
func (r *waiterRegistry) fail(key string, err *imgerr.Error) {
	for _, e := range r.drain(key) {
		e.completion(nil, 0, err)
	}
}

// threadedReap walks the registry every 30 seconds, dropping entries
// whose CallerHandle has died. Callbacks are never invoked for dead
// handles; this loop only performs cleanup so buckets don't grow
// unboundedly for callers who never arrive at a terminal delivery
// (e.g. they were cancelled out-of-band from the downloader's point of
// view and the coordinator itself never observed it).
func (r *waiterRegistry) threadedReap() {
	defer r.tg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.tg.StopChan():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *waiterRegistry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	reaped := 0
	for key, entries := range r.buckets {
		live := entries[:0]
		for _, e := range entries {
			if e.handle.isAlive() {
				live = append(live, e)
			} else {
				reaped++
			}
		}
		if len(live) == 0 {
			delete(r.buckets, key)
		} else {
			r.buckets[key] = live
		}
	}
	if reaped > 0 {
		r.log.Debugln("waiterRegistry: reaped", reaped, "dead waiters")
	}
}
