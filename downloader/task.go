package downloader

import (
	"context"
	"image"
	"io/ioutil"
	"net/http"
	"sync/atomic"

	"github.com/ductranprof99/Image-Downloader-sub000/imgerr"

	"gitlab.com/NebulousLabs/errors"
)

// runJob drives a single job through Starting -> Transferring ->
// Decoding -> {Retrying -> Starting | Done}. It never holds d.mu
// across network I/O, retry sleep, or decode, per the concurrency
// model's second serializing boundary rule.
func (d *Downloader) runJob(j *job) {
	atomic.AddUint64(&d.started, 1)
	for {
		select {
		case <-j.ctx.Done():
			d.terminate(j, nil, imgerr.New(imgerr.Cancelled, j.ctx.Err()))
			return
		default:
		}

		start := d.cfg.Clock.Now()
		data, terminalErr := d.attempt(j)
		d.lat.record(d.cfg.Clock.Now().Sub(start))

		if terminalErr == nil {
			img, decErr := d.cfg.Decoder.Decode(data)
			if decErr != nil {
				d.terminate(j, nil, imgerr.New(imgerr.DecodingFailed, decErr))
				return
			}
			d.terminate(j, img, nil)
			return
		}

		if terminalErr.Kind == imgerr.Cancelled {
			d.terminate(j, nil, terminalErr)
			return
		}

		if d.cfg.RetryPolicy.ShouldRetry(j.attempt, terminalErr.Retryable()) {
			delay := d.cfg.RetryPolicy.Delay(j.attempt)
			j.attempt++
			atomic.AddUint64(&d.retried, 1)
			// No user-visible notification between retries - the
			// waiters only ever see progress and the final terminal
			// event.
			if err := d.cfg.Sleeper.Sleep(j.ctx, delay); err != nil {
				d.terminate(j, nil, imgerr.New(imgerr.Cancelled, err))
				return
			}
			continue
		}

		d.terminate(j, nil, terminalErr)
		return
	}
}

// attempt performs exactly one fetch, returning the fetched bytes on
// success or a classified *imgerr.Error on failure. It never retries
// internally - runJob owns the retry loop so it can apply backoff and
// respect cancellation between attempts.
func (d *Downloader) attempt(j *job) ([]byte, *imgerr.Error) {
	headers := make(map[string]string, len(d.cfg.CustomHeaders))
	for k, v := range d.cfg.CustomHeaders {
		headers[k] = v
	}
	if d.cfg.AuthHook != nil {
		for k, v := range d.cfg.AuthHook(j.url) {
			headers[k] = v
		}
	}

	// A fresh deadline per attempt: timeouts are applied per HTTP
	// attempt, not per overall request, per the spec.
	attemptCtx, cancel := context.WithTimeout(j.ctx, d.cfg.Timeout)
	defer cancel()

	body, status, err := d.cfg.Transport.Fetch(attemptCtx, j.url, headers)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && j.ctx.Err() == nil {
			return nil, imgerr.New(imgerr.Timeout, err)
		}
		if j.ctx.Err() != nil {
			return nil, imgerr.New(imgerr.Cancelled, err)
		}
		return nil, imgerr.New(imgerr.NetworkError, err)
	}
	defer body.Close()

	if status < 200 || status >= 300 {
		if status == http.StatusNotFound {
			return nil, imgerr.New(imgerr.NotFound, errors.New("not found"))
		}
		return nil, imgerr.NewHTTPStatus(status)
	}

	// Transferring: read the body, reporting coarse progress only (0
	// before the read, 1 once the whole body is in). No byte-level
	// progress is reported, by this package or by internal/transport.
	j.broadcastProgress(0)
	data, readErr := ioutil.ReadAll(body)
	if readErr != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && j.ctx.Err() == nil {
			return nil, imgerr.New(imgerr.Timeout, readErr)
		}
		if j.ctx.Err() != nil {
			return nil, imgerr.New(imgerr.Cancelled, readErr)
		}
		return nil, imgerr.New(imgerr.NetworkError, readErr)
	}
	j.broadcastProgress(1)
	return data, nil
}

// terminate is the termination hook: under the serializing discipline
// it removes the job from in_flight, copies out its waiters, releases
// the slot and promotes the next pending request. Outside the lock it
// fans the result out to every waiter.
func (d *Downloader) terminate(j *job, img image.Image, terminalErr *imgerr.Error) {
	if terminalErr != nil {
		atomic.AddUint64(&d.failed, 1)
	}
	d.mu.Lock()
	if d.inFlight[j.key] != j {
		// Cancel or CancelAll already removed j, released its slot and
		// notified its waiters.
		d.mu.Unlock()
		return
	}
	delete(d.inFlight, j.key)
	d.slotCount--
	next := d.promoteNextLocked()
	d.mu.Unlock()

	for _, w := range j.snapshotWaiters() {
		w.completion(img, terminalErr)
	}
	d.maybeStart(next)
}
