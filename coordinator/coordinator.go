// Package coordinator implements the engine's orchestrator: it routes
// each request through MemoryCache -> DiskStore -> Downloader,
// maintains the WaiterRegistry for request coalescing, and fans
// results out to the registered Observers. It is the only component
// aware of all four of the others.
package coordinator

import (
	"context"
	"image"
	"io/ioutil"
	"sync"

	"github.com/ductranprof99/Image-Downloader-sub000/cache"
	"github.com/ductranprof99/Image-Downloader-sub000/downloader"
	"github.com/ductranprof99/Image-Downloader-sub000/imgerr"
	"github.com/ductranprof99/Image-Downloader-sub000/internal/resourceid"
	"github.com/ductranprof99/Image-Downloader-sub000/storage"

	"gitlab.com/NebulousLabs/errors"
	gnlog "gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/threadgroup"
)

// Config wires the Coordinator to its four collaborators plus the
// knobs it owns directly.
type Config struct {
	Cache      *cache.Cache
	Store      *storage.Store // nil iff storage is disabled
	Downloader *downloader.Downloader
	IDProvider resourceid.Provider

	StorageEnabled bool
	Log            *gnlog.Logger
}

func (c Config) withDefaults() Config {
	if c.IDProvider == nil {
		c.IDProvider = resourceid.MD5()
	}
	if c.Log == nil {
		c.Log, _ = gnlog.NewLogger(ioutil.Discard)
	}
	return c
}

// Coordinator is the orchestrator described in the spec. One instance
// normally backs one Manager (see the root package); RequestConfig
// fingerprinting for the shared()/instance_for() memoization lives
// there, not here.
type Coordinator struct {
	cfg Config

	registry *waiterRegistry
	tg       threadgroup.ThreadGroup

	obsMu     sync.Mutex
	observers []observerRegistration
}

// New constructs a Coordinator. Cache and Downloader are required;
// Store may be nil, in which case StorageEnabled must be false.
func New(cfg Config) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if cfg.Cache == nil {
		return nil, errors.New("coordinator: Cache is required")
	}
	if cfg.Downloader == nil {
		return nil, errors.New("coordinator: Downloader is required")
	}
	if cfg.StorageEnabled && cfg.Store == nil {
		return nil, errors.New("coordinator: StorageEnabled requires a Store")
	}
	co := &Coordinator{cfg: cfg}
	co.registry = newWaiterRegistry(&co.tg, cfg.Log)
	return co, nil
}

// Close stops the waiter-registry reaper and releases resources held
// directly by the Coordinator. Cache/Store/Downloader lifetimes are
// owned by whoever constructed them (the root Manager).
func (co *Coordinator) Close() error {
	return co.tg.Stop()
}

// AddObserver registers observer, held for as long as handle stays
// alive. Invocation order across observers is registration order, per
// the spec. Registration is idempotent per handle: a second
// AddObserver with a handle that already holds a registration is a
// no-op.
func (co *Coordinator) AddObserver(handle *CallerHandle, observer Observer) {
	co.obsMu.Lock()
	defer co.obsMu.Unlock()
	for _, r := range co.observers {
		if r.handle == handle {
			return
		}
	}
	co.observers = append(co.observers, observerRegistration{handle: handle, observer: observer})
}

// RemoveObserver unregisters every registration currently held for
// observer's handle. Equivalent to Release on the handle, from the
// Coordinator's point of view, but does not affect other
// registrations the same handle might hold.
func (co *Coordinator) RemoveObserver(handle *CallerHandle) {
	co.obsMu.Lock()
	defer co.obsMu.Unlock()
	kept := co.observers[:0]
	for _, r := range co.observers {
		if r.handle != handle {
			kept = append(kept, r)
		}
	}
	co.observers = kept
}

func (co *Coordinator) notifyStart(url string)      { co.fanOut(func(o Observer) { o.OnStart(url) }) }
func (co *Coordinator) notifyProgress(url string, v float64) {
	co.fanOut(func(o Observer) { o.OnProgress(url, v) })
}
func (co *Coordinator) notifySuccess(url string, src Source) {
	co.fanOut(func(o Observer) { o.OnSuccess(url, src) })
}
func (co *Coordinator) notifyFailure(url string, err *imgerr.Error) {
	co.fanOut(func(o Observer) { o.OnFailure(url, err) })
}

// fanOut invokes fn for every live observer, in registration order, on
// the calling goroutine. A panicking observer is isolated: it is
// logged and does not prevent the remaining observers from running.
func (co *Coordinator) fanOut(fn func(Observer)) {
	co.obsMu.Lock()
	regs := append([]observerRegistration(nil), co.observers...)
	co.obsMu.Unlock()

	for _, r := range regs {
		if !r.handle.isAlive() {
			continue
		}
		co.invokeObserverSafely(r.observer, fn)
	}
}

func (co *Coordinator) invokeObserverSafely(o Observer, fn func(Observer)) {
	defer func() {
		if rec := recover(); rec != nil {
			co.cfg.Log.Println("coordinator: observer panicked:", rec)
		}
	}()
	fn(o)
}

// Request implements the spec's request() operation. On a Hit or a
// DiskStore read, completion is invoked synchronously on the calling
// goroutine before Request returns. On a Wait or a Miss leading to a
// download, completion is invoked later, from the downloader's
// termination hook or a disk read race, on whatever goroutine drives
// that delivery - matching the "implementation-chosen but consistent"
// dispatch rule in the spec.
func (co *Coordinator) Request(ctx context.Context, rawURL string, hint LatencyHint, priority downloader.Priority, handle *CallerHandle, progress ProgressFunc, completion CompletionFunc) error {
	key, err := co.cfg.IDProvider.Key(rawURL)
	if err != nil {
		completion(nil, 0, imgerr.New(imgerr.InvalidURL, err))
		return nil
	}

	co.notifyStart(rawURL)

	result, cached := co.cfg.Cache.Lookup(key, hint.tier())
	switch result {
	case cache.Hit:
		img := cached.(image.Image)
		completion(img, FromMemoryCache, nil)
		co.notifySuccess(rawURL, FromMemoryCache)
		return nil
	case cache.Wait:
		co.registry.register(key, waiterEntry{handle: handle, completion: completion, progress: progress})
		return nil
	}

	// Miss: MemoryCache has installed Pending for key. Consult disk
	// before falling through to the downloader.
	if co.cfg.StorageEnabled {
		if img, ok := co.cfg.Store.Read(key); ok {
			co.cfg.Cache.Insert(key, img, hint.tier())
			completion(img, FromDiskStore, nil)
			co.notifySuccess(rawURL, FromDiskStore)
			// A concurrent miss+wait may have landed between the
			// Lookup above and this read; drain it too.
			co.registry.deliver(key, img, FromDiskStore)
			return nil
		}
	}

	return co.startDownload(ctx, key, rawURL, hint, priority, handle, progress, completion)
}

// startDownload invokes the Downloader and wires its termination hook
// to the cache-insert, disk-write and waiter-drain sequence the spec
// requires, preserving the delivery-exclusion ordering guarantee: no
// waiter is notified before MemoryCache.insert has completed.
//
// The initiating caller is registered in the WaiterRegistry exactly
// like a coalescing joiner would be, rather than receiving its
// completion via a captured closure: this lets Cancel(url, caller)
// remove a single caller's registration uniformly, whether it was the
// request that triggered the download or one that joined it later.
func (co *Coordinator) startDownload(ctx context.Context, key, rawURL string, hint LatencyHint, priority downloader.Priority, handle *CallerHandle, progress ProgressFunc, completion CompletionFunc) error {
	co.registry.register(key, waiterEntry{handle: handle, completion: completion, progress: progress})

	progressRelay := func(value float64) {
		co.registry.progress(key, value)
		co.notifyProgress(rawURL, value)
	}

	terminationHook := func(img image.Image, derr *imgerr.Error) {
		if derr != nil {
			co.cfg.Cache.Remove(key)
			co.registry.fail(key, derr)
			co.notifyFailure(rawURL, derr)
			return
		}

		if co.cfg.StorageEnabled {
			co.cfg.Store.WriteAsync(context.Background(), key, rawURL, img)
		}
		co.cfg.Cache.Insert(key, img, hint.tier())
		co.registry.deliver(key, img, FromNetwork)
		co.notifySuccess(rawURL, FromNetwork)
	}

	return co.cfg.Downloader.Submit(key, rawURL, priority, progressRelay, terminationHook)
}

// Prefetch behaves like Request but discards the delivered image
// handle once it lands in cache/storage - for callers that only want
// to warm the cache.
func (co *Coordinator) Prefetch(ctx context.Context, rawURL string, hint LatencyHint, priority downloader.Priority) error {
	handle := NewCallerHandle()
	return co.Request(ctx, rawURL, hint, priority, handle, nil, func(image.Image, Source, *imgerr.Error) {
		handle.Release()
	})
}

// Cancel removes a single caller's interest in rawURL: handle's
// waiter entry is dropped from the WaiterRegistry and receives
// Err(Cancelled) exactly once. The underlying job, if any, continues
// to run for any other waiters still registered; it is torn down only
// when the last waiter is gone, matching the spec's "cancelling a
// waiter" contract.
func (co *Coordinator) Cancel(rawURL string, handle *CallerHandle) {
	key, err := co.cfg.IDProvider.Key(rawURL)
	if err != nil {
		return
	}
	entry, ok, last := co.registry.cancelOne(key, handle)
	if !ok {
		return
	}
	if last {
		// handle was the only waiter left for key: the job has no one
		// left to deliver to, so it is torn down exactly as CancelAll
		// would, rather than left running unobserved in the background.
		co.cfg.Downloader.Cancel(key)
		co.cfg.Cache.Remove(key)
	}
	cancelledErr := imgerr.New(imgerr.Cancelled, errors.New("cancelled"))
	entry.completion(nil, 0, cancelledErr)
}

// CancelAll tears the whole job for rawURL down: every waiter
// currently registered (the initiator and every coalesced joiner)
// receives Err(Cancelled) exactly once, the underlying transport is
// cancelled, and the cache entry is removed so a future request
// starts fresh.
func (co *Coordinator) CancelAll(rawURL string) {
	key, err := co.cfg.IDProvider.Key(rawURL)
	if err != nil {
		return
	}
	co.cfg.Downloader.Cancel(key)
	co.cfg.Cache.Remove(key)
	cancelledErr := imgerr.New(imgerr.Cancelled, errors.New("cancelled"))
	co.registry.fail(key, cancelledErr)
}
