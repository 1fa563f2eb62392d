package downloader

import (
	"context"
	"image"
	"io"
	"time"

	"github.com/ductranprof99/Image-Downloader-sub000/imgerr"
)

// Priority orders pending requests: High is serviced before Low,
// FIFO within a priority class.
type Priority int

const (
	// Low is the default priority.
	Low Priority = iota
	// High jumps the pending queue ahead of any Low-priority request.
	High
)

// Transport issues the outgoing fetch for a job's attempt. Injected
// for testability; the production implementation lives in
// internal/transport, over net/http.
type Transport interface {
	// Fetch performs one attempt. headers are already merged with any
	// configured custom headers and the authentication hook has
	// already been applied. Fetch must respect ctx cancellation.
	Fetch(ctx context.Context, url string, headers map[string]string) (body io.ReadCloser, statusCode int, err error)
}

// Decoder turns fetched bytes into a decoded image. Injected once at
// construction; platform-specific decoding is out of scope for this
// package.
type Decoder interface {
	Decode(data []byte) (image.Image, error)
}

// Clock abstracts wall-clock time so tests can control it.
type Clock interface {
	Now() time.Time
}

// Sleeper abstracts sleeping so tests can advance retry backoffs
// deterministically instead of waiting in real time.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// systemClock is the production Clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the production, wall-clock Clock.
func SystemClock() Clock { return systemClock{} }

// systemSleeper is the production Sleeper.
type systemSleeper struct{}

func (systemSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SystemSleeper returns the production Sleeper.
func SystemSleeper() Sleeper { return systemSleeper{} }

// ProgressFunc receives a monotonically non-decreasing sequence of
// values in [0.0, 1.0] for its subscription window. A subscriber that
// joins mid-download receives only future updates.
type ProgressFunc func(value float64)

// CompletionFunc receives exactly one terminal notification: either a
// decoded image, or a non-nil *imgerr.Error.
type CompletionFunc func(img image.Image, err *imgerr.Error)

// AuthHook is invoked once per attempt and may return additional
// headers to merge into the outgoing request (e.g. a bearer token).
type AuthHook func(url string) map[string]string

// waiter is a (progress, completion) pair attached to a Job. Unlike
// the Coordinator's WaiterRegistry, a downloader waiter's liveness is
// not tracked here - the Coordinator is the sole caller of Submit and
// is always "alive" from the downloader's point of view. Caller
// liveness is handled one layer up, per the spec's design note.
type waiter struct {
	progress   ProgressFunc
	completion CompletionFunc
}
