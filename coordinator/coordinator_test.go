package coordinator

import (
	"context"
	"fmt"
	"image"
	"io"
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ductranprof99/Image-Downloader-sub000/cache"
	"github.com/ductranprof99/Image-Downloader-sub000/downloader"
	"github.com/ductranprof99/Image-Downloader-sub000/imgerr"
	"github.com/ductranprof99/Image-Downloader-sub000/storage"
)

// fakeTransport serves a fixed byte payload for any URL, counting
// fetches so coalescing can be asserted from the coordinator level
// too (not just inside the downloader package's own tests).
type fakeTransport struct {
	mu    sync.Mutex
	count map[string]int
	body  []byte
	err   error
}

func newFakeTransport(body []byte) *fakeTransport {
	return &fakeTransport{count: make(map[string]int), body: body}
}

func (f *fakeTransport) Fetch(ctx context.Context, url string, headers map[string]string) (io.ReadCloser, int, error) {
	f.mu.Lock()
	f.count[url]++
	f.mu.Unlock()
	if f.err != nil {
		return nil, 0, f.err
	}
	return ioutil.NopCloser(&sliceReader{b: f.body}), 200, nil
}

func (f *fakeTransport) fetches(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count[url]
}

type sliceReader struct {
	b   []byte
	pos int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.pos:])
	s.pos += n
	return n, nil
}

type fakeDecoder struct{}

func (fakeDecoder) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty")
	}
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}

func newTestCoordinator(t *testing.T, transport *fakeTransport, storageEnabled bool) (*Coordinator, func()) {
	t.Helper()
	c, err := cache.New(10, 10)
	if err != nil {
		t.Fatal(err)
	}
	dl, err := downloader.New(downloader.Config{
		MaxConcurrent: 4,
		Transport:     transport,
		Decoder:       fakeDecoder{},
	})
	if err != nil {
		t.Fatal(err)
	}

	var store *storage.Store
	var dir string
	if storageEnabled {
		dir, err = ioutil.TempDir("", "coordtest")
		if err != nil {
			t.Fatal(err)
		}
		store, err = storage.New(storage.Config{RootPath: dir})
		if err != nil {
			t.Fatal(err)
		}
	}

	co, err := New(Config{Cache: c, Store: store, Downloader: dl, StorageEnabled: storageEnabled})
	if err != nil {
		t.Fatal(err)
	}
	cleanup := func() {
		co.Close()
		dl.Close()
		if store != nil {
			store.Close()
			os.RemoveAll(dir)
		}
	}
	return co, cleanup
}

type capture struct {
	mu     sync.Mutex
	img    image.Image
	source Source
	err    *imgerr.Error
	done   chan struct{}
}

func newCapture() *capture { return &capture{done: make(chan struct{})} }

func (c *capture) fn(img image.Image, source Source, err *imgerr.Error) {
	c.mu.Lock()
	c.img, c.source, c.err = img, source, err
	c.mu.Unlock()
	close(c.done)
}

func (c *capture) wait(t *testing.T) (image.Image, Source, *imgerr.Error) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.img, c.source, c.err
}

func TestRequestNetworkHitInsertsIntoCache(t *testing.T) {
	tr := newFakeTransport([]byte("payload"))
	co, cleanup := newTestCoordinator(t, tr, false)
	defer cleanup()

	cap := newCapture()
	handle := NewCallerHandle()
	if err := co.Request(context.Background(), "http://x.test/a.png", Relaxed, downloader.Low, handle, nil, cap.fn); err != nil {
		t.Fatal(err)
	}
	img, src, err := cap.wait(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img == nil || src != FromNetwork {
		t.Fatalf("expected network delivery, got img=%v src=%v", img, src)
	}

	// A second request for the same URL must now be served from
	// MemoryCache, without another fetch.
	cap2 := newCapture()
	if err := co.Request(context.Background(), "http://x.test/a.png", Relaxed, downloader.Low, NewCallerHandle(), nil, cap2.fn); err != nil {
		t.Fatal(err)
	}
	_, src2, err2 := cap2.wait(t)
	if err2 != nil {
		t.Fatalf("unexpected error: %v", err2)
	}
	if src2 != FromMemoryCache {
		t.Fatalf("expected second request to hit MemoryCache, got %v", src2)
	}
	if n := tr.fetches("http://x.test/a.png"); n != 1 {
		t.Fatalf("expected exactly one network fetch across both requests, got %d", n)
	}
}

// TestRequestCoalescesConcurrentMiss exercises the Coordinator-level
// request coalescing: two requests racing on the same URL while the
// cache is Pending both receive the same terminal image from exactly
// one network fetch.
func TestRequestCoalescesConcurrentMiss(t *testing.T) {
	tr := newFakeTransport([]byte("payload"))
	co, cleanup := newTestCoordinator(t, tr, false)
	defer cleanup()

	cap1, cap2 := newCapture(), newCapture()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		co.Request(context.Background(), "http://x.test/b.png", Relaxed, downloader.Low, NewCallerHandle(), nil, cap1.fn)
	}()
	go func() {
		defer wg.Done()
		co.Request(context.Background(), "http://x.test/b.png", Relaxed, downloader.Low, NewCallerHandle(), nil, cap2.fn)
	}()
	wg.Wait()

	img1, src1, err1 := cap1.wait(t)
	img2, src2, err2 := cap2.wait(t)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v %v", err1, err2)
	}
	if img1 == nil || img2 == nil {
		t.Fatal("expected both callers to receive an image")
	}
	if src1 != FromNetwork || src2 != FromNetwork {
		t.Fatalf("expected both deliveries attributed to Network, got %v %v", src1, src2)
	}
	if n := tr.fetches("http://x.test/b.png"); n != 1 {
		t.Fatalf("expected exactly one fetch for coalesced requests, got %d", n)
	}
}

// TestRequestFailurePropagatesAndClearsCache ensures a terminal
// download failure reaches the waiter and removes the Pending entry so
// a subsequent request can retry.
func TestRequestFailurePropagatesAndClearsCache(t *testing.T) {
	tr := newFakeTransport(nil)
	tr.err = fmt.Errorf("connection refused")
	co, cleanup := newTestCoordinator(t, tr, false)
	defer cleanup()

	cap := newCapture()
	if err := co.Request(context.Background(), "http://x.test/c.png", Relaxed, downloader.Low, NewCallerHandle(), nil, cap.fn); err != nil {
		t.Fatal(err)
	}
	_, _, err := cap.wait(t)
	if err == nil {
		t.Fatal("expected a terminal error")
	}

	// The cache must have been cleared so a fresh request re-attempts.
	tr.err = nil
	tr.body = []byte("payload")
	cap2 := newCapture()
	if err := co.Request(context.Background(), "http://x.test/c.png", Relaxed, downloader.Low, NewCallerHandle(), nil, cap2.fn); err != nil {
		t.Fatal(err)
	}
	img2, src2, err2 := cap2.wait(t)
	if err2 != nil {
		t.Fatalf("expected retry to succeed, got %v", err2)
	}
	if img2 == nil || src2 != FromNetwork {
		t.Fatalf("expected a fresh network delivery, got %v %v", img2, src2)
	}
}

// TestRequestDiskHitAvoidsNetwork exercises the disk-store path: a
// key pre-populated on disk is served from DiskStore without a fetch.
func TestRequestDiskHitAvoidsNetwork(t *testing.T) {
	tr := newFakeTransport([]byte("payload"))
	co, cleanup := newTestCoordinator(t, tr, true)
	defer cleanup()

	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	key, _ := co.cfg.IDProvider.Key("http://x.test/d.png")
	if err := co.cfg.Store.Write(key, "http://x.test/d.png", img); err != nil {
		t.Fatal(err)
	}

	cap := newCapture()
	if err := co.Request(context.Background(), "http://x.test/d.png", Relaxed, downloader.Low, NewCallerHandle(), nil, cap.fn); err != nil {
		t.Fatal(err)
	}
	gotImg, src, err := cap.wait(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotImg == nil || src != FromDiskStore {
		t.Fatalf("expected a DiskStore hit, got %v %v", gotImg, src)
	}
	if n := tr.fetches("http://x.test/d.png"); n != 0 {
		t.Fatalf("expected no network fetch for a disk hit, got %d", n)
	}
}

// TestCancelSingleCallerLeavesOthersRunning exercises per-caller
// cancellation: one of two coalesced waiters is cancelled and receives
// Err(Cancelled); the other still receives the successful delivery.
func TestCancelSingleCallerLeavesOthersRunning(t *testing.T) {
	tr := newFakeTransport([]byte("payload"))
	co, cleanup := newTestCoordinator(t, tr, false)
	defer cleanup()

	key, _ := co.cfg.IDProvider.Key("http://x.test/e.png")
	// Pre-seed Pending by looking the key up directly, so Request sees
	// Wait for handle2 and registers it without racing the downloader.
	co.cfg.Cache.Lookup(key, cache.Low)

	handle1 := NewCallerHandle()
	cap1 := newCapture()
	co.registry.register(key, waiterEntry{handle: handle1, completion: cap1.fn})

	handle2 := NewCallerHandle()
	cap2 := newCapture()
	if err := co.Request(context.Background(), "http://x.test/e.png", Relaxed, downloader.Low, handle2, nil, cap2.fn); err != nil {
		t.Fatal(err)
	}

	co.Cancel("http://x.test/e.png", handle1)
	_, _, err1 := cap1.wait(t)
	if err1 == nil || err1.Kind != imgerr.Cancelled {
		t.Fatalf("expected handle1 to receive Cancelled, got %v", err1)
	}

	// handle2 registered as Wait (since the cache already held
	// Pending) and is never submitted to the downloader in this test,
	// so satisfy it by simulating the termination hook's delivery
	// path directly through the registry, as the real download would.
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	co.cfg.Cache.Insert(key, img, cache.Low)
	co.registry.deliver(key, img, FromNetwork)
	img2, src2, err2 := cap2.wait(t)
	if err2 != nil {
		t.Fatalf("unexpected error for handle2: %v", err2)
	}
	if img2 == nil || src2 != FromNetwork {
		t.Fatalf("expected handle2 to receive the network delivery, got %v %v", img2, src2)
	}
}

// TestObserverFanOutOrderAndPanicIsolation ensures observers are
// invoked in registration order and a panicking observer does not
// block the next one.
func TestObserverFanOutOrderAndPanicIsolation(t *testing.T) {
	tr := newFakeTransport([]byte("payload"))
	co, cleanup := newTestCoordinator(t, tr, false)
	defer cleanup()

	var mu sync.Mutex
	var order []string

	h1 := NewCallerHandle()
	co.AddObserver(h1, recordingObserver{name: "first", order: &order, mu: &mu})
	h2 := NewCallerHandle()
	co.AddObserver(h2, panickyObserver{})
	h3 := NewCallerHandle()
	co.AddObserver(h3, recordingObserver{name: "third", order: &order, mu: &mu})

	cap := newCapture()
	if err := co.Request(context.Background(), "http://x.test/f.png", Relaxed, downloader.Low, NewCallerHandle(), nil, cap.fn); err != nil {
		t.Fatal(err)
	}
	cap.wait(t)

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 || order[0] != "first:start" || order[len(order)-1] != "third:success" {
		t.Fatalf("unexpected observer order: %v", order)
	}
}

// blockingTransport never completes a fetch until release is closed,
// so a test can deterministically observe a download mid-flight.
type blockingTransport struct {
	release chan struct{}
	body    []byte
}

func newBlockingTransport(body []byte) *blockingTransport {
	return &blockingTransport{release: make(chan struct{}), body: body}
}

func (b *blockingTransport) Fetch(ctx context.Context, url string, headers map[string]string) (io.ReadCloser, int, error) {
	select {
	case <-b.release:
		return ioutil.NopCloser(&sliceReader{b: b.body}), 200, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// TestCancelLastWaiterTearsDownJob exercises the case the spec
// requires but a purely per-waiter Cancel can silently violate: when
// the cancelled caller was the only waiter left for a key, the
// underlying download must be torn down too, not left running
// unobserved. Without that, the downloader slot leaks forever and the
// cache is never cleared for a future request.
func TestCancelLastWaiterTearsDownJob(t *testing.T) {
	tr := newBlockingTransport([]byte("payload"))
	c, err := cache.New(10, 10)
	if err != nil {
		t.Fatal(err)
	}
	dl, err := downloader.New(downloader.Config{MaxConcurrent: 4, Transport: tr, Decoder: fakeDecoder{}})
	if err != nil {
		t.Fatal(err)
	}
	co, err := New(Config{Cache: c, Downloader: dl})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		co.Close()
		dl.Close()
	}()

	handle := NewCallerHandle()
	cap := newCapture()
	if err := co.Request(context.Background(), "http://x.test/g.png", Relaxed, downloader.Low, handle, nil, cap.fn); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for dl.Stat().InFlight != 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the job to start")
		case <-time.After(time.Millisecond):
		}
	}

	key, _ := co.cfg.IDProvider.Key("http://x.test/g.png")
	co.Cancel("http://x.test/g.png", handle)

	_, _, cancelErr := cap.wait(t)
	if cancelErr == nil || cancelErr.Kind != imgerr.Cancelled {
		t.Fatalf("expected the sole waiter to receive Cancelled, got %v", cancelErr)
	}
	if got := dl.Stat().InFlight; got != 0 {
		t.Fatalf("expected the job to be torn down (InFlight=0), got %d", got)
	}
	if res, _ := c.Lookup(key, cache.Low); res != cache.Miss {
		t.Fatalf("expected the cache entry to be removed so a future request restarts the job, got %v", res)
	}
}

type recordingObserver struct {
	name  string
	order *[]string
	mu    *sync.Mutex
}

func (r recordingObserver) OnStart(url string) {
	r.mu.Lock()
	*r.order = append(*r.order, r.name+":start")
	r.mu.Unlock()
}
func (r recordingObserver) OnProgress(url string, v float64) {}
func (r recordingObserver) OnSuccess(url string, src Source) {
	r.mu.Lock()
	*r.order = append(*r.order, r.name+":success")
	r.mu.Unlock()
}
func (r recordingObserver) OnFailure(url string, err *imgerr.Error) {}

type panickyObserver struct{}

func (panickyObserver) OnStart(url string)               { panic("boom") }
func (panickyObserver) OnProgress(url string, v float64)  {}
func (panickyObserver) OnSuccess(url string, src Source)  { panic("boom") }
func (panickyObserver) OnFailure(url string, err *imgerr.Error) {}
