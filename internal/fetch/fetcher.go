// Package fetch downloads tile payloads over HTTP with a process-wide
// admission gate, optional pacing and fixed-delay retries.
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/earth-mosaic/internal/logging"
	"github.com/withObsrvr/earth-mosaic/internal/metrics"
)

// Config holds fetcher configuration.
type Config struct {
	MaxInFlight        int64         // concurrent HTTP attempts, process-wide
	MaxRetries         uint64        // retries after the first attempt
	RetryDelay         time.Duration // fixed delay between attempts
	Timeout            time.Duration // per attempt
	RequestsPerSecond  float64       // 0 = unlimited
	Headers            map[string]string
	UserAgent          string
	InsecureSkipVerify bool
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxInFlight: 5,
		MaxRetries:  3,
		RetryDelay:  time.Second,
		Timeout:     10 * time.Second,
	}
}

// Error describes a fetch that failed after all attempts.
type Error struct {
	URL        string
	Attempts   int
	StatusCode int // last HTTP status, 0 for transport errors
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempts: %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// statusError is returned by a single attempt that got a non-2xx response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.code, http.StatusText(e.code))
}

// Fetcher performs gated, retried GET requests. It is safe for concurrent use
// and should be shared by every caller so the gate bounds the whole process.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	gate    *semaphore.Weighted
	limiter *rate.Limiter
	log     *slog.Logger
}

// New creates a Fetcher. Zero fields in cfg take their defaults, except
// MaxRetries which is honoured as given.
func New(cfg Config) *Fetcher {
	def := DefaultConfig()
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = int(cfg.MaxInFlight)
	if cfg.InsecureSkipVerify {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Transport: gzhttp.Transport(base),
			Timeout:   cfg.Timeout,
		},
		gate:    semaphore.NewWeighted(cfg.MaxInFlight),
		limiter: limiter,
		log:     logging.Component("fetch"),
	}
}

// Fetch returns the body of url. Every failure is reported as *Error.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var (
		attempts int
		status   int
	)

	op := func() ([]byte, error) {
		attempts++
		body, code, err := f.attempt(ctx, url)
		status = code
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		return body, nil
	}

	notify := func(err error, wait time.Duration) {
		f.log.Debug("retrying fetch", "url", url, "attempt", attempts, "wait", wait, "error", err)
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(metrics.Labels{Operation: "fetch"})
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.cfg.RetryDelay), f.cfg.MaxRetries),
		ctx,
	)

	data, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil {
		return nil, &Error{URL: url, Attempts: attempts, StatusCode: status, Err: err}
	}
	return data, nil
}

// attempt performs one request while holding a gate slot.
func (f *Fetcher) attempt(ctx context.Context, url string) ([]byte, int, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}
	if err := f.gate.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer f.gate.Release(1)

	m := metrics.Get()
	if m != nil {
		m.AddFetchesInFlight(1)
		defer m.AddFetchesInFlight(-1)
	}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if m != nil {
		m.ObserveFetchDuration(time.Since(start).Seconds())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &statusError{code: resp.StatusCode}
	}
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}
