package imgdl

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

	"github.com/ductranprof99/Image-Downloader-sub000/coordinator"
	"github.com/ductranprof99/Image-Downloader-sub000/downloader"
	"github.com/ductranprof99/Image-Downloader-sub000/imgerr"
	"github.com/ductranprof99/Image-Downloader-sub000/internal/resourceid"
)

// fakeTransport serves canned bytes for a URL and counts fetches, so
// the public Manager API can be exercised end to end without ever
// touching the network.
type fakeTransport struct {
	mu    sync.Mutex
	count map[string]int
	body  map[string][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{count: make(map[string]int), body: make(map[string][]byte)}
}

func (f *fakeTransport) serve(url string, body []byte) {
	f.mu.Lock()
	f.body[url] = body
	f.mu.Unlock()
}

func (f *fakeTransport) fetches(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count[url]
}

func (f *fakeTransport) Fetch(ctx context.Context, url string, headers map[string]string) (io.ReadCloser, int, error) {
	f.mu.Lock()
	f.count[url]++
	body, ok := f.body[url]
	f.mu.Unlock()
	if !ok {
		return nil, 404, fmt.Errorf("fake transport: no body registered for %s", url)
	}
	return ioutil.NopCloser(&byteReader{b: body}), 200, nil
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

// fakeDecoder treats any non-empty payload as a valid 1x1 image,
// so the tests stay focused on cache/disk/network routing rather
// than on real image codecs.
type fakeDecoder struct{}

func (fakeDecoder) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("fake decoder: empty payload")
	}
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}

func newTestManager(t *testing.T, tr *fakeTransport, storageEnabled bool) (*Manager, func()) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Network.MaxConcurrentDownloads = 1
	cfg.Storage.Enabled = storageEnabled
	if storageEnabled {
		dir, err := ioutil.TempDir("", "imgdl-e2e")
		if err != nil {
			t.Fatal(err)
		}
		cfg.Storage.RootPath = dir
	}

	m, err := newWithTransport(cfg, fakeDecoder{}, tr)
	if err != nil {
		t.Fatal(err)
	}
	cleanup := func() {
		m.Close()
		if storageEnabled {
			os.RemoveAll(cfg.Storage.RootPath)
		}
	}
	return m, cleanup
}

type waiter struct {
	done   chan struct{}
	img    image.Image
	source coordinator.Source
	err    *imgerr.Error
}

func newWaiter() *waiter { return &waiter{done: make(chan struct{})} }

func (w *waiter) completion(img image.Image, source coordinator.Source, err *imgerr.Error) {
	w.img, w.source, w.err = img, source, err
	close(w.done)
}

func (w *waiter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-w.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

// TestScenarioS1CacheHitFromMemory preloads the cache directly (via a
// first network delivery) then requests the same URL again, asserting
// the second request is served from MemoryCache with no extra fetch.
func TestScenarioS1CacheHitFromMemory(t *testing.T) {
	tr := newFakeTransport()
	tr.serve("http://img.test/s1.png", []byte("s1-payload"))
	m, cleanup := newTestManager(t, tr, false)
	defer cleanup()

	w1 := newWaiter()
	if _, err := m.Request(context.Background(), "http://img.test/s1.png", coordinator.Relaxed, downloader.Low, w1.completion); err != nil {
		t.Fatal(err)
	}
	w1.wait(t)
	if w1.err != nil || w1.source != coordinator.FromNetwork {
		t.Fatalf("expected the seeding request to land from network, got src=%v err=%v", w1.source, w1.err)
	}

	w2 := newWaiter()
	if _, err := m.Request(context.Background(), "http://img.test/s1.png", coordinator.Relaxed, downloader.Low, w2.completion); err != nil {
		t.Fatal(err)
	}
	w2.wait(t)
	if w2.err != nil {
		t.Fatalf("unexpected error: %v", w2.err)
	}
	if w2.source != coordinator.FromMemoryCache {
		t.Fatalf("expected FromMemoryCache, got %v", w2.source)
	}
	if n := tr.fetches("http://img.test/s1.png"); n != 1 {
		t.Fatalf("expected exactly one network fetch across both requests, got %d", n)
	}
}

// TestScenarioS2DiskHitAvoidsNetwork pre-populates the disk store
// directly, then requests the URL through the Manager, asserting the
// delivery is attributed to DiskStore and no network fetch occurs.
func TestScenarioS2DiskHitAvoidsNetwork(t *testing.T) {
	tr := newFakeTransport()
	tr.serve("http://img.test/s2.png", []byte("should-not-be-fetched"))
	m, cleanup := newTestManager(t, tr, true)
	defer cleanup()

	// DefaultConfig sets IDProvider to MD5, so the test recomputes the
	// same key to seed the store directly.
	key, err := resourceid.MD5().Key("http://img.test/s2.png")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.store.Write(key, "http://img.test/s2.png", image.NewRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		t.Fatal(err)
	}

	w := newWaiter()
	if _, err := m.Request(context.Background(), "http://img.test/s2.png", coordinator.Relaxed, downloader.Low, w.completion); err != nil {
		t.Fatal(err)
	}
	w.wait(t)
	if w.err != nil {
		t.Fatalf("unexpected error: %v", w.err)
	}
	if w.source != coordinator.FromDiskStore {
		t.Fatalf("expected FromDiskStore, got %v", w.source)
	}
	if n := tr.fetches("http://img.test/s2.png"); n != 0 {
		t.Fatalf("expected no network fetch for a disk hit, got %d", n)
	}
}

// TestScenarioS3CoalescedDownload issues three concurrent requests for
// the same URL and one for a different URL, asserting exactly one
// fetch per distinct URL and that every coalesced caller receives the
// same successful delivery.
func TestScenarioS3CoalescedDownload(t *testing.T) {
	tr := newFakeTransport()
	tr.serve("http://img.test/s3-shared.png", []byte("shared-payload"))
	tr.serve("http://img.test/s3-other.png", []byte("other-payload"))
	m, cleanup := newTestManager(t, tr, false)
	defer cleanup()

	a, b, c := newWaiter(), newWaiter(), newWaiter()
	d := newWaiter()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		m.Request(context.Background(), "http://img.test/s3-shared.png", coordinator.Relaxed, downloader.Low, a.completion)
	}()
	go func() {
		defer wg.Done()
		m.Request(context.Background(), "http://img.test/s3-shared.png", coordinator.Relaxed, downloader.Low, b.completion)
	}()
	go func() {
		defer wg.Done()
		m.Request(context.Background(), "http://img.test/s3-shared.png", coordinator.Relaxed, downloader.Low, c.completion)
	}()
	go func() {
		defer wg.Done()
		m.Request(context.Background(), "http://img.test/s3-other.png", coordinator.Relaxed, downloader.Low, d.completion)
	}()
	wg.Wait()

	for name, w := range map[string]*waiter{"a": a, "b": b, "c": c, "d": d} {
		w.wait(t)
		if w.err != nil {
			t.Fatalf("%s: unexpected error: %v", name, w.err)
		}
		if w.img == nil {
			t.Fatalf("%s: expected a delivered image", name)
		}
	}
	if n := tr.fetches("http://img.test/s3-shared.png"); n != 1 {
		t.Fatalf("expected exactly one fetch for the coalesced URL, got %d", n)
	}
	if n := tr.fetches("http://img.test/s3-other.png"); n != 1 {
		t.Fatalf("expected exactly one fetch for the independent URL, got %d", n)
	}
}

// TestScenarioInvalidURLShortCircuits covers the boundary behavior: an
// unparseable/unsupported-scheme URL is reported as InvalidURL without
// ever reaching the cache or network.
func TestScenarioInvalidURLShortCircuits(t *testing.T) {
	tr := newFakeTransport()
	m, cleanup := newTestManager(t, tr, false)
	defer cleanup()

	w := newWaiter()
	if _, err := m.Request(context.Background(), "not-a-url", coordinator.Relaxed, downloader.Low, w.completion); err != nil {
		t.Fatal(err)
	}
	w.wait(t)
	if w.err == nil || w.err.Kind != imgerr.InvalidURL {
		t.Fatalf("expected InvalidURL, got %v", w.err)
	}
}

// resetSingletonRegistryForTest clears the package-level InstanceFor
// registry so tests don't leak Managers (and their background
// goroutines) into one another.
func resetSingletonRegistryForTest() {
	registryMu.Lock()
	registry = make(map[instanceKey]*Manager)
	registryMu.Unlock()
}

// TestSharedSingletonMemoizesByFingerprint exercises InstanceFor: two
// calls with structurally identical configs return the same *Manager.
func TestSharedSingletonMemoizesByFingerprint(t *testing.T) {
	defer resetSingletonRegistryForTest()

	cfg := DefaultConfig()
	cfg.Storage.Enabled = false
	m1, err := InstanceFor(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := InstanceFor(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if m1 != m2 {
		t.Fatal("expected InstanceFor to memoize by config fingerprint")
	}

	other := DefaultConfig()
	other.Storage.Enabled = false
	other.Network.MaxConcurrentDownloads = cfg.Network.MaxConcurrentDownloads + 1
	m3, err := InstanceFor(other)
	if err != nil {
		t.Fatal(err)
	}
	if m3 == m1 {
		t.Fatal("expected a structurally different config to get its own instance")
	}
}
