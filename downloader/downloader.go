// Package downloader implements the bounded-parallelism download
// scheduler: it enforces max-in-flight, queues excess work by
// priority, coalesces duplicate submissions for the same key, retries
// with exponential backoff, and emits progress to every subscriber of
// a job.
package downloader

import (
	"container/heap"
	"context"
	"io/ioutil"
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/ductranprof99/Image-Downloader-sub000/imgerr"

	"gitlab.com/NebulousLabs/errors"
	gnlog "gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/threadgroup"
)

// Config configures a Downloader.
type Config struct {
	MaxConcurrent  int
	Timeout        time.Duration
	RetryPolicy    RetryPolicy
	CustomHeaders  map[string]string
	AuthHook       AuthHook
	Transport      Transport
	Decoder        Decoder
	Clock          Clock
	Sleeper        Sleeper
	Log            *gnlog.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryPolicy == (RetryPolicy{}) {
		c.RetryPolicy = RetryDefault()
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Sleeper == nil {
		c.Sleeper = SystemSleeper()
	}
	if c.Log == nil {
		c.Log, _ = gnlog.NewLogger(ioutil.Discard)
	}
	return c
}

// Downloader is the bounded-parallelism scheduler described in the
// spec. Its in_flight map, pending deque and slot count are guarded by
// a single mutex that is never held across network I/O, decode, or
// disk access - the second of the two serializing boundaries required
// by the concurrency model.
type Downloader struct {
	cfg Config

	mu        sync.Mutex
	inFlight  map[string]*job
	pending   pendingHeap
	slotCount int
	seq       uint64

	tg  threadgroup.ThreadGroup
	lat *latencyTracker

	// started/retried/failed are cumulative counters backing the
	// diagnostics surface's download counters; incremented with
	// sync/atomic since they are touched from job goroutines outside
	// of mu's critical sections.
	started uint64
	retried uint64
	failed  uint64
}

// New constructs a Downloader. Transport and Decoder must be supplied;
// everything else has a sane default.
func New(cfg Config) (*Downloader, error) {
	cfg = cfg.withDefaults()
	if cfg.Transport == nil {
		return nil, errors.New("downloader: Transport is required")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("downloader: Decoder is required")
	}
	d := &Downloader{
		cfg:      cfg,
		inFlight: make(map[string]*job),
		lat:      newLatencyTracker(),
	}
	heap.Init(&d.pending)
	return d, nil
}

// Close stops accepting new work and waits for every job goroutine
// already started to return. It does not cancel running jobs.
func (d *Downloader) Close() error {
	return d.tg.Stop()
}

// Submit enqueues a request for key/url. If key is already in flight,
// this call only appends a waiter (request coalescing - no other
// state changes, no duplicate network fetch). If the concurrency
// ceiling has been reached, the request is queued by priority.
// Otherwise a job starts immediately.
func (d *Downloader) Submit(key, url string, priority Priority, progress ProgressFunc, completion CompletionFunc) error {
	if err := d.tg.Add(); err != nil {
		return errors.AddContext(err, "downloader is shutting down")
	}
	w := &waiter{progress: progress, completion: completion}

	d.mu.Lock()
	if existing, ok := d.inFlight[key]; ok {
		existing.addWaiter(w)
		d.mu.Unlock()
		d.tg.Done()
		return nil
	}
	if d.slotCount >= d.cfg.MaxConcurrent {
		d.seq++
		heap.Push(&d.pending, &pendingRequest{key: key, url: url, priority: priority, waiter: w, seq: d.seq})
		d.mu.Unlock()
		d.tg.Done()
		return nil
	}
	j := d.startJobLocked(key, url, priority, w)
	d.mu.Unlock()

	go func() {
		defer d.tg.Done()
		d.runJob(j)
	}()
	return nil
}

// startJobLocked must be called with mu held. It registers the job and
// increments slotCount but does not start the goroutine.
func (d *Downloader) startJobLocked(key, url string, priority Priority, w *waiter) *job {
	ctx, cancel := context.WithCancel(context.Background())
	j := newJob(key, url, priority, cancel)
	j.addWaiter(w)
	d.inFlight[key] = j
	d.slotCount++
	j.ctx = ctx
	return j
}

// Cancel tears down the job for key, if any: its transport is
// cancelled, it is removed from in_flight, every waiter receives
// Err(Cancelled) exactly once, the slot is released and the next
// pending request (if any) is promoted.
func (d *Downloader) Cancel(key string) {
	d.mu.Lock()
	j, ok := d.inFlight[key]
	if ok {
		delete(d.inFlight, key)
		d.slotCount--
	}
	next := d.promoteNextLocked()
	d.mu.Unlock()

	if ok {
		j.cancel()
		cancelledErr := imgerr.New(imgerr.Cancelled, errors.New("cancelled"))
		for _, w := range j.snapshotWaiters() {
			w.completion(nil, cancelledErr)
		}
	}
	d.maybeStart(next)
}

// CancelAll cancels every in-flight and pending job, used for a full
// shutdown or an explicit cancel-all-downloads request.
func (d *Downloader) CancelAll() {
	d.mu.Lock()
	jobs := make([]*job, 0, len(d.inFlight))
	for k, j := range d.inFlight {
		jobs = append(jobs, j)
		delete(d.inFlight, k)
	}
	d.slotCount -= len(jobs)
	pendingSnapshot := d.pending
	d.pending = nil
	heap.Init(&d.pending)
	d.mu.Unlock()

	cancelledErr := imgerr.New(imgerr.Cancelled, errors.New("cancelled"))
	for _, j := range jobs {
		j.cancel()
		for _, w := range j.snapshotWaiters() {
			w.completion(nil, cancelledErr)
		}
	}
	for _, p := range pendingSnapshot {
		p.waiter.completion(nil, cancelledErr)
	}
}

// promoteNextLocked pops the highest-priority pending request (if any)
// and prepares it to run. Must be called with mu held; returns the
// job to actually start (outside the lock) or nil.
func (d *Downloader) promoteNextLocked() *job {
	if d.pending.Len() == 0 {
		return nil
	}
	if d.slotCount >= d.cfg.MaxConcurrent {
		return nil
	}
	next := heap.Pop(&d.pending).(*pendingRequest)
	return d.startJobLocked(next.key, next.url, next.priority, next.waiter)
}

// maybeStart launches j's goroutine if non-nil. Used after releasing
// mu, since tg.Add must never be called while holding it.
func (d *Downloader) maybeStart(j *job) {
	if j == nil {
		return
	}
	if err := d.tg.Add(); err != nil {
		return
	}
	go func() {
		defer d.tg.Done()
		d.runJob(j)
	}()
}

// Stats is a diagnostics-only snapshot of scheduler occupancy and
// attempt latency.
type Stats struct {
	InFlight     int
	Pending      int
	SlotCapacity int
	P50Millis    float64
	P90Millis    float64

	// Started/Retried/Failed are cumulative counts of downloads begun,
	// retry attempts taken, and terminal failures since construction.
	Started, Retried, Failed uint64
}

// Stat returns a diagnostics snapshot.
func (d *Downloader) Stat() Stats {
	d.mu.Lock()
	s := Stats{
		InFlight:     len(d.inFlight),
		Pending:      d.pending.Len(),
		SlotCapacity: d.cfg.MaxConcurrent,
	}
	d.mu.Unlock()
	p50, p90 := d.lat.percentiles()
	s.P50Millis, s.P90Millis = p50, p90
	s.Started = atomic.LoadUint64(&d.started)
	s.Retried = atomic.LoadUint64(&d.retried)
	s.Failed = atomic.LoadUint64(&d.failed)
	return s
}

// latencyTracker keeps a bounded rolling window of attempt latencies
// and summarizes it with github.com/montanaflynn/stats, avoiding a
// hand-rolled percentile estimator for a diagnostics-only concern.
type latencyTracker struct {
	mu      sync.Mutex
	samples []float64
	cap     int
	next    int
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{cap: 256}
}

func (lt *latencyTracker) record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ms := float64(d.Milliseconds())
	if len(lt.samples) < lt.cap {
		lt.samples = append(lt.samples, ms)
		return
	}
	lt.samples[lt.next%lt.cap] = ms
	lt.next++
}

func (lt *latencyTracker) percentiles() (p50, p90 float64) {
	lt.mu.Lock()
	data := append([]float64(nil), lt.samples...)
	lt.mu.Unlock()
	if len(data) == 0 {
		return 0, 0
	}
	p50, _ = stats.Median(data)
	p90, _ = stats.Percentile(data, 90)
	return p50, p90
}
