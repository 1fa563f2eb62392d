package imgdl

import (
	"context"
	"image"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/ductranprof99/Image-Downloader-sub000/cache"
	"github.com/ductranprof99/Image-Downloader-sub000/coordinator"
	"github.com/ductranprof99/Image-Downloader-sub000/downloader"
	"github.com/ductranprof99/Image-Downloader-sub000/imgerr"
	"github.com/ductranprof99/Image-Downloader-sub000/internal/diagnosticsapi"
	"github.com/ductranprof99/Image-Downloader-sub000/internal/resourceid"
	"github.com/ductranprof99/Image-Downloader-sub000/internal/transport"
	"github.com/ductranprof99/Image-Downloader-sub000/storage"

	"gitlab.com/NebulousLabs/errors"
	gnlog "gitlab.com/NebulousLabs/log"
)

// Manager is one configured instance of the engine: a MemoryCache, a
// DiskStore, a Downloader and the Coordinator that wires them
// together, plus an optional diagnostics HTTP surface. Multiple
// Managers with distinct Configs may coexist; see Shared/InstanceFor
// for the memoized-singleton convenience layer.
type Manager struct {
	cfg Config

	cache *cache.Cache
	store *storage.Store
	dl    *downloader.Downloader
	tr    downloader.Transport
	co    *coordinator.Coordinator
	diag  *diagnosticsapi.Server

	log *gnlog.Logger
}

// New constructs a Manager from cfg, using decoder for every download
// (stdlibDecoder if nil), fetching over a production net/http-based
// transport.HTTPTransport.
func New(cfg Config, decoder downloader.Decoder) (*Manager, error) {
	tr := transport.New(transport.Config{
		AllowsCellularAccess: cfg.Network.AllowsCellularAccess,
		MaxBytesPerSecond:    cfg.Network.MaxBytesPerSecond,
	})
	return newWithTransport(cfg, decoder, tr)
}

// newWithTransport is New's actual constructor, parameterized on the
// Transport so package tests can substitute a fake one without ever
// reaching the network.
func newWithTransport(cfg Config, decoder downloader.Decoder, tr downloader.Transport) (*Manager, error) {
	if decoder == nil {
		decoder = stdlibDecoder{}
	}
	log, _ := gnlog.NewLogger(ioutil.Discard)

	c, err := cache.New(cfg.Cache.HighTierLimit, cfg.Cache.LowTierLimit)
	if err != nil {
		return nil, errors.AddContext(err, "unable to construct cache")
	}

	var store *storage.Store
	if cfg.Storage.Enabled {
		root := cfg.Storage.RootPath
		if root == "" {
			root, err = defaultStorageRoot()
			if err != nil {
				return nil, errors.AddContext(err, "unable to resolve default storage root")
			}
		}
		store, err = storage.New(storage.Config{
			RootPath:    root,
			Compression: cfg.Storage.CompressionProvider,
			Path:        cfg.Storage.PathProvider,
			Log:         log,
		})
		if err != nil {
			return nil, errors.AddContext(err, "unable to construct storage")
		}
	}

	dl, err := downloader.New(downloader.Config{
		MaxConcurrent: cfg.Network.MaxConcurrentDownloads,
		Timeout:       cfg.Network.Timeout,
		RetryPolicy:   cfg.Network.RetryPolicy,
		CustomHeaders: cfg.Network.CustomHeaders,
		AuthHook:      cfg.Network.AuthenticationHook,
		Transport:     tr,
		Decoder:       decoder,
		Log:           log,
	})
	if err != nil {
		return nil, errors.AddContext(err, "unable to construct downloader")
	}

	idProvider := cfg.Storage.IDProvider
	if idProvider == nil {
		idProvider = resourceid.MD5()
	}
	co, err := coordinator.New(coordinator.Config{
		Cache:          c,
		Store:          store,
		Downloader:     dl,
		IDProvider:     idProvider,
		StorageEnabled: cfg.Storage.Enabled,
		Log:            log,
	})
	if err != nil {
		return nil, errors.AddContext(err, "unable to construct coordinator")
	}

	m := &Manager{cfg: cfg, cache: c, store: store, dl: dl, tr: tr, co: co, log: log}

	if cfg.Diagnostics.Enabled {
		m.diag = diagnosticsapi.New(diagnosticsapi.Config{
			Addr:         cfg.Diagnostics.Addr,
			CacheStat:    c.Stat,
			DownloadStat: dl.Stat,
			StoreStat: func() diagnosticsapi.StoreStats {
				if store == nil {
					return diagnosticsapi.StoreStats{}
				}
				return diagnosticsapi.StoreStats{SizeBytes: store.SizeBytes(), Count: store.Count()}
			},
		})
		if err := m.diag.Start(); err != nil {
			return nil, errors.AddContext(err, "unable to start diagnostics server")
		}
	}

	return m, nil
}

func defaultStorageRoot() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "imgdl"), nil
}

// Close releases every resource the Manager owns: the diagnostics
// server, the coordinator's reaper, the downloader's in-flight jobs
// and the storage journal.
func (m *Manager) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.diag != nil {
		record(m.diag.Close())
	}
	record(m.co.Close())
	record(m.dl.Close())
	if closer, ok := m.tr.(interface{ Close() }); ok {
		closer.Close()
	}
	if m.store != nil {
		record(m.store.Close())
	}
	return firstErr
}

// Request fetches url, delivering through the cache/disk/network
// cascade the spec describes. It returns a function to cancel this
// specific caller's interest.
func (m *Manager) Request(ctx context.Context, url string, hint coordinator.LatencyHint, priority downloader.Priority, completion func(image.Image, coordinator.Source, *imgerr.Error)) (cancel func(), err error) {
	handle := coordinator.NewCallerHandle()
	if err := m.co.Request(ctx, url, hint, priority, handle, nil, coordinator.CompletionFunc(completion)); err != nil {
		return nil, err
	}
	return func() { m.co.Cancel(url, handle) }, nil
}

// RequestWithProgress behaves like Request but also delivers progress
// updates in [0.0, 1.0] for the duration of this caller's interest.
func (m *Manager) RequestWithProgress(ctx context.Context, url string, hint coordinator.LatencyHint, priority downloader.Priority, progress func(float64), completion func(image.Image, coordinator.Source, *imgerr.Error)) (cancel func(), err error) {
	handle := coordinator.NewCallerHandle()
	if err := m.co.Request(ctx, url, hint, priority, handle, coordinator.ProgressFunc(progress), coordinator.CompletionFunc(completion)); err != nil {
		return nil, err
	}
	return func() { m.co.Cancel(url, handle) }, nil
}

// Prefetch warms the cache/disk store for url without retaining a
// caller-visible image handle.
func (m *Manager) Prefetch(ctx context.Context, url string, hint coordinator.LatencyHint, priority downloader.Priority) error {
	return m.co.Prefetch(ctx, url, hint, priority)
}

// CancelAll tears down the entire in-flight job for url, notifying
// every waiter - not just the caller of this method.
func (m *Manager) CancelAll(url string) {
	m.co.CancelAll(url)
}

// AddObserver registers observer for the lifetime of handle.
func (m *Manager) AddObserver(handle *coordinator.CallerHandle, observer coordinator.Observer) {
	m.co.AddObserver(handle, observer)
}

// RemoveObserver unregisters every observer registration held under
// handle.
func (m *Manager) RemoveObserver(handle *coordinator.CallerHandle) {
	m.co.RemoveObserver(handle)
}

// ClearCache drops every Ready entry from tier (Pending survives, per
// the spec).
func (m *Manager) ClearCache(tier cache.Tier) {
	m.cache.Clear(tier)
}

// ClearCacheAll drops every Ready entry from both tiers.
func (m *Manager) ClearCacheAll() {
	m.cache.ClearAll()
}

// CacheSize reports the number of Ready entries currently held in
// tier.
func (m *Manager) CacheSize(tier cache.Tier) int {
	return m.cache.Size(tier)
}

// StorageSizeBytes reports the total size of every file the DiskStore
// currently tracks, or 0 if storage is disabled.
func (m *Manager) StorageSizeBytes() uint64 {
	if m.store == nil {
		return 0
	}
	return m.store.SizeBytes()
}

// ClearStorage deletes every file the DiskStore tracks. A no-op if
// storage is disabled.
func (m *Manager) ClearStorage() error {
	if m.store == nil {
		return nil
	}
	return m.store.ClearAll()
}

// FilePathFor resolves the on-disk path url currently resolves to (or
// would resolve to on the next write), or an error if storage is
// disabled or the URL does not parse.
func (m *Manager) FilePathFor(url string) (string, error) {
	if m.store == nil {
		return "", errors.New("imgdl: storage is disabled")
	}
	idProvider := m.cfg.Storage.IDProvider
	if idProvider == nil {
		idProvider = resourceid.MD5()
	}
	key, err := idProvider.Key(url)
	if err != nil {
		return "", err
	}
	return m.store.PathFor(url, key)
}
