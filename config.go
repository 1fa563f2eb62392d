// Package imgdl is the public entry point for the image download
// coordination engine: a concurrent subsystem that, given a stream of
// requests for images identified by URL, returns decoded images while
// enforcing a two-tier in-memory cache, a disk-backed persistent
// store, a bounded-parallelism download scheduler, and per-request
// retry with exponential backoff.
package imgdl

import (
	"time"

	"github.com/ductranprof99/Image-Downloader-sub000/downloader"
	"github.com/ductranprof99/Image-Downloader-sub000/internal/resourceid"
	"github.com/ductranprof99/Image-Downloader-sub000/storage"
)

// NetworkConfig configures the Downloader and its transport.
type NetworkConfig struct {
	MaxConcurrentDownloads int
	Timeout                time.Duration
	AllowsCellularAccess   bool
	RetryPolicy            downloader.RetryPolicy
	CustomHeaders          map[string]string
	AuthenticationHook     downloader.AuthHook
	// MaxBytesPerSecond throttles every download, zero disables
	// throttling. It applies independently of AllowsCellularAccess.
	// New hands AllowsCellularAccess to the transport without a
	// cellular signal, so setting it to false blocks no request on its
	// own.
	MaxBytesPerSecond int64
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		MaxConcurrentDownloads: 4,
		Timeout:                30 * time.Second,
		AllowsCellularAccess:   true,
		RetryPolicy:            downloader.RetryDefault(),
	}
}

// CacheConfig configures the two-tier MemoryCache.
type CacheConfig struct {
	HighTierLimit           int
	LowTierLimit            int
	ClearLowOnMemoryWarning bool
	ClearAllOnMemoryWarning bool
}

func defaultCacheConfig() CacheConfig {
	return CacheConfig{HighTierLimit: 50, LowTierLimit: 100, ClearLowOnMemoryWarning: true}
}

// StorageConfig configures the disk-backed DiskStore.
type StorageConfig struct {
	Enabled             bool
	RootPath            string // empty uses the OS default cache directory
	IDProvider          resourceid.Provider
	PathProvider        storage.PathProvider
	CompressionProvider storage.CompressionProvider
}

func defaultStorageConfig() StorageConfig {
	return StorageConfig{Enabled: true, IDProvider: resourceid.MD5()}
}

// DiagnosticsConfig configures the optional HTTP diagnostics surface
// (see internal/diagnosticsapi). Out of scope for the core engine per
// the spec's exclusions, but ambient operational tooling every
// instance of this engine in production actually runs.
type DiagnosticsConfig struct {
	Enabled bool
	Addr    string // e.g. "127.0.0.1:9360"
}

// Config is the exhaustive, frozen configuration surface described in
// §6 of the spec. A Config is never mutated after being handed to
// Shared/InstanceFor; RequestConfig fingerprinting (for singleton
// memoization) hashes its fields.
type Config struct {
	Network     NetworkConfig
	Cache       CacheConfig
	Storage     StorageConfig
	Diagnostics DiagnosticsConfig
}

// DefaultConfig is the engine's out-of-the-box configuration.
func DefaultConfig() Config {
	return Config{
		Network: defaultNetworkConfig(),
		Cache:   defaultCacheConfig(),
		Storage: defaultStorageConfig(),
	}
}

// HighPerformanceConfig favors throughput: more concurrency, a bigger
// cache, an aggressive retry policy and lossy on-disk compression.
func HighPerformanceConfig() Config {
	cfg := DefaultConfig()
	cfg.Network.MaxConcurrentDownloads = 8
	cfg.Network.RetryPolicy = downloader.RetryAggressive()
	cfg.Cache.HighTierLimit = 100
	cfg.Cache.LowTierLimit = 200
	cfg.Storage.CompressionProvider = storage.LossyJPEG(80)
	return cfg
}

// LowMemoryConfig favors a small footprint: low concurrency, a small
// cache, and zstd-on-top-of-lossless disk compression to shrink the
// on-disk footprint at the cost of extra CPU per write.
func LowMemoryConfig() Config {
	cfg := DefaultConfig()
	cfg.Network.MaxConcurrentDownloads = 2
	cfg.Cache.HighTierLimit = 20
	cfg.Cache.LowTierLimit = 50
	cfg.Storage.CompressionProvider = storage.Zstd(storage.Lossless(), 0)
	return cfg
}

// OfflineFirstConfig favors surviving flaky connectivity: low
// concurrency, cellular access off, a large cache so more is
// available without a network round trip, and adaptive compression
// balancing size and fidelity for a store that must hold more for
// longer.
func OfflineFirstConfig() Config {
	cfg := DefaultConfig()
	cfg.Network.MaxConcurrentDownloads = 2
	cfg.Network.AllowsCellularAccess = false
	cfg.Cache.HighTierLimit = 200
	cfg.Cache.LowTierLimit = 500
	cfg.Storage.CompressionProvider = storage.Adaptive(256 * 1024)
	return cfg
}
