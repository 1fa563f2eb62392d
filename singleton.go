package imgdl

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/ductranprof99/Image-Downloader-sub000/downloader"

	"gitlab.com/NebulousLabs/encoding"
)

// instanceKey is a structural fingerprint of a Config, used to
// memoize InstanceFor so that two calls with equal configuration
// share one Manager rather than standing up duplicate caches,
// downloaders and disk stores. Fields that hold interface values
// (compression/path/id providers) are fingerprinted by Name(), not by
// pointer identity, so that two functionally identical
// configurations still share an instance.
type instanceKey string

func fingerprint(cfg Config) instanceKey {
	type flattened struct {
		Network struct {
			MaxConcurrentDownloads int
			TimeoutNanos           int64
			AllowsCellularAccess   bool
			RetryPolicy            downloader.RetryPolicy
			CustomHeaders          map[string]string
			MaxBytesPerSecond      int64
		}
		Cache struct {
			HighTierLimit           int
			LowTierLimit            int
			ClearLowOnMemoryWarning bool
			ClearAllOnMemoryWarning bool
		}
		Storage struct {
			Enabled      bool
			RootPath     string
			IDProvider   string
			PathProvider string
			Compression  string
		}
		Diagnostics DiagnosticsConfig
	}

	var f flattened
	f.Network.MaxConcurrentDownloads = cfg.Network.MaxConcurrentDownloads
	f.Network.TimeoutNanos = int64(cfg.Network.Timeout)
	f.Network.AllowsCellularAccess = cfg.Network.AllowsCellularAccess
	f.Network.RetryPolicy = cfg.Network.RetryPolicy
	f.Network.CustomHeaders = cfg.Network.CustomHeaders
	f.Network.MaxBytesPerSecond = cfg.Network.MaxBytesPerSecond
	f.Cache = struct {
		HighTierLimit           int
		LowTierLimit            int
		ClearLowOnMemoryWarning bool
		ClearAllOnMemoryWarning bool
	}(cfg.Cache)
	f.Storage.Enabled = cfg.Storage.Enabled
	f.Storage.RootPath = cfg.Storage.RootPath
	if cfg.Storage.IDProvider != nil {
		f.Storage.IDProvider = cfg.Storage.IDProvider.Name()
	}
	if cfg.Storage.PathProvider != nil {
		f.Storage.PathProvider = cfg.Storage.PathProvider.Name()
	}
	if cfg.Storage.CompressionProvider != nil {
		f.Storage.Compression = cfg.Storage.CompressionProvider.Name()
	}
	f.Diagnostics = cfg.Diagnostics

	sum := sha256.Sum256(encoding.Marshal(f))
	return instanceKey(hex.EncodeToString(sum[:]))
}

var (
	registryMu sync.Mutex
	registry   = make(map[instanceKey]*Manager)
	sharedOnce sync.Once
	sharedMgr  *Manager
)

// Shared returns the process-wide singleton Manager, constructed with
// DefaultConfig on first use.
func Shared() *Manager {
	sharedOnce.Do(func() {
		m, err := New(DefaultConfig(), nil)
		if err != nil {
			// DefaultConfig is infallible by construction; a failure
			// here means the runtime environment itself is broken
			// (e.g. no usable cache directory), which every other
			// Manager construction would hit too.
			panic("imgdl: unable to construct default Shared() instance: " + err.Error())
		}
		sharedMgr = m
	})
	return sharedMgr
}

// InstanceFor returns a Manager for cfg, constructing one on first use
// and returning the memoized instance for subsequent calls with a
// structurally equal Config. Each distinct Config gets exactly one
// Manager for the lifetime of the process.
func InstanceFor(cfg Config) (*Manager, error) {
	return instanceForWithDecoder(cfg, nil)
}

// InstanceForWithDecoder is InstanceFor, but with an explicit
// downloader.Decoder (e.g. a native platform decoder) instead of the
// package's stdlib-codec default. The decoder is not part of the
// fingerprint: callers mixing decoders for an otherwise-identical
// Config get back whichever Manager was constructed first, consistent
// with InstanceFor's memoization contract.
func InstanceForWithDecoder(cfg Config, decoder downloader.Decoder) (*Manager, error) {
	return instanceForWithDecoder(cfg, decoder)
}

func instanceForWithDecoder(cfg Config, decoder downloader.Decoder) (*Manager, error) {
	key := fingerprint(cfg)

	registryMu.Lock()
	defer registryMu.Unlock()
	if m, ok := registry[key]; ok {
		return m, nil
	}
	m, err := New(cfg, decoder)
	if err != nil {
		return nil, err
	}
	registry[key] = m
	return m, nil
}
