package coordinator

import (
	"image"
	"runtime"

	"github.com/ductranprof99/Image-Downloader-sub000/cache"
	"github.com/ductranprof99/Image-Downloader-sub000/downloader"
	"github.com/ductranprof99/Image-Downloader-sub000/imgerr"
)

// Source attributes where a successfully delivered image came from.
// Exactly one Source is true of any successful delivery, per the
// spec's source-attribution invariant.
type Source int

const (
	// FromMemoryCache means the image was already decoded and resident
	// in the MemoryCache.
	FromMemoryCache Source = iota
	// FromDiskStore means the image was read back from disk.
	FromDiskStore
	// FromNetwork means the image was freshly downloaded.
	FromNetwork
)

// String implements fmt.Stringer.
func (s Source) String() string {
	switch s {
	case FromMemoryCache:
		return "MemoryCache"
	case FromDiskStore:
		return "DiskStore"
	case FromNetwork:
		return "Network"
	default:
		return "Unknown"
	}
}

// LatencyHint is the caller's hint about how urgently the image is
// needed, mapped onto a cache.Tier and a downloader.Priority.
type LatencyHint int

const (
	// Relaxed requests go in the Low cache tier and at Low download
	// priority.
	Relaxed LatencyHint = iota
	// Immediate requests go in the High cache tier and at High
	// download priority - "show this right now" traffic, e.g. visible
	// on-screen thumbnails.
	Immediate
)

func (h LatencyHint) tier() cache.Tier {
	if h == Immediate {
		return cache.High
	}
	return cache.Low
}

func (h LatencyHint) priority() downloader.Priority {
	if h == Immediate {
		return downloader.High
	}
	return downloader.Low
}

// ProgressFunc receives a monotonically non-decreasing sequence of
// values in [0.0, 1.0] for the caller's subscription window.
type ProgressFunc func(value float64)

// CompletionFunc receives exactly one terminal notification: either a
// successfully delivered image and its Source, or a non-nil
// *imgerr.Error.
type CompletionFunc func(img image.Image, source Source, err *imgerr.Error)

// CallerHandle is the coordinator's emulation of the spec's
// WeakRef<Caller>: a waiter's registration is tied to the handle's
// lifetime, not to the request call itself, so that a caller who
// releases the handle (a destroyed UI element, an abandoned request)
// can be reaped instead of leaking a callback forever.
//
// Go has no first-class weak reference, so this emulates one:
// NewCallerHandle attaches a runtime.SetFinalizer to the handle that
// flips an atomic "dead" flag when the handle becomes unreachable;
// Release flips the same flag explicitly and removes the finalizer.
// Waiter and observer registrations hold the handle themselves, so the
// finalizer cannot run while any registration for it remains: a
// registered handle is marked dead only by Release.
type CallerHandle struct {
	alive *int32
}

// NewCallerHandle allocates a fresh handle representing one logical
// caller (e.g. one UI image view). The zero value is not usable; the
// handle must be kept alive (referenced) by the caller for exactly as
// long as it wants to keep receiving callbacks.
func NewCallerHandle() *CallerHandle {
	alive := int32(1)
	h := &CallerHandle{alive: &alive}
	runtime.SetFinalizer(h, func(h *CallerHandle) {
		atomicStore(h.alive, 0)
	})
	return h
}

// Release marks the handle as dead immediately, without waiting for
// garbage collection. Equivalent to the caller announcing its own
// death.
func (h *CallerHandle) Release() {
	atomicStore(h.alive, 0)
	runtime.SetFinalizer(h, nil)
}

func (h *CallerHandle) isAlive() bool {
	return atomicLoad(h.alive) != 0
}

// Observer is the narrow telemetry/UI fan-out interface described in
// the spec: on_start/on_progress/on_success/on_failure. Observers are
// held weakly (via the same CallerHandle emulation) so that a
// forgotten observer does not leak.
type Observer interface {
	OnStart(url string)
	OnProgress(url string, value float64)
	OnSuccess(url string, source Source)
	OnFailure(url string, err *imgerr.Error)
}

type observerRegistration struct {
	handle   *CallerHandle
	observer Observer
}
