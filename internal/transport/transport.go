// Package transport provides the production, net/http-based
// implementation of the downloader package's Transport interface,
// with optional bandwidth throttling (gated by allows_cellular_access
// in the spec's Network configuration) via
// gitlab.com/NebulousLabs/ratelimit.
package transport

import (
	"context"
	"io"
	"net/http"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/ratelimit"
)

// Config configures an HTTPTransport.
type Config struct {
	// Client is the underlying HTTP client. Defaults to
	// http.DefaultClient.
	Client *http.Client
	// AllowsCellularAccess, when false, rejects requests while the
	// process is known to be on a metered/cellular connection. The
	// actual network-reachability monitor is out of scope for this
	// engine (per §1's explicit exclusions); this flag is the
	// collaborator's narrow interface into it - callers wire in their
	// own reachability signal via IsCellular.
	AllowsCellularAccess bool
	// IsCellular reports whether the current network path is
	// cellular/metered. Nil means "never cellular".
	IsCellular func() bool
	// MaxBytesPerSecond throttles every response body read through
	// this transport. Zero disables throttling.
	MaxBytesPerSecond int64
	// PacketSize is the chunk size the rate limiter paces reads by.
	// Defaults to 16KiB.
	PacketSize int64
}

func (c Config) withDefaults() Config {
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	if c.PacketSize <= 0 {
		c.PacketSize = 16 * 1024
	}
	return c
}

// errCellularBlocked is returned when AllowsCellularAccess is false
// and IsCellular reports true.
var errCellularBlocked = errors.New("transport: cellular access is disabled")

// HTTPTransport is the production downloader.Transport.
type HTTPTransport struct {
	cfg Config

	rl     *ratelimit.RateLimit
	rlStop chan struct{}
}

// New constructs an HTTPTransport.
func New(cfg Config) *HTTPTransport {
	cfg = cfg.withDefaults()
	t := &HTTPTransport{cfg: cfg, rlStop: make(chan struct{})}
	if cfg.MaxBytesPerSecond > 0 {
		t.rl = ratelimit.NewRateLimit(cfg.PacketSize, cfg.MaxBytesPerSecond, 0)
	}
	return t
}

// Close releases the rate limiter's background goroutine, if any.
func (t *HTTPTransport) Close() {
	close(t.rlStop)
}

// Fetch issues one GET request for url with headers merged in,
// respecting ctx cancellation and, if configured, the cellular-access
// and bandwidth-throttling policy.
func (t *HTTPTransport) Fetch(ctx context.Context, url string, headers map[string]string) (io.ReadCloser, int, error) {
	if !t.cfg.AllowsCellularAccess && t.cfg.IsCellular != nil && t.cfg.IsCellular() {
		return nil, 0, errCellularBlocked
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, errors.AddContext(err, "unable to construct request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}

	body := io.ReadCloser(resp.Body)
	if t.rl != nil {
		body = &rateLimitedBody{
			Reader: t.rl.NewRLReader(resp.Body, t.rlStop),
			closer: resp.Body,
		}
	}
	return body, resp.StatusCode, nil
}

// rateLimitedBody adapts a ratelimit.NewRLReader's io.Reader back into
// an io.ReadCloser, since the rate limiter only wraps reads.
type rateLimitedBody struct {
	io.Reader
	closer io.Closer
}

func (b *rateLimitedBody) Close() error { return b.closer.Close() }
