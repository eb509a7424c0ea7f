package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	appLog "calmerge/internal/log"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = 10 * time.Second
	DefaultTimeout  = 30 * time.Second

	// maxBodyBytes caps a single feed document.
	maxBodyBytes = 32 << 20
)

// Source represents a single ICS subscription source.
type Source struct {
	// ID is an internal identifier (e.g., config source ID).
	ID string
	// Prefix is the bracketed title tag for this source's events.
	Prefix string
	// URL is the ICS endpoint.
	URL string
}

// FetchError is returned when a feed could not be retrieved within the
// configured number of attempts.
type FetchError struct {
	URL      string
	Attempts int
	Cause    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("ics: fetch %s failed after %d attempt(s): %v", redactURL(e.URL), e.Attempts, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "unexpected status " + e.Status
}

// FetchOptions bounds retrieval. Zero values fall back to the defaults,
// except Delay where zero means "retry immediately".
type FetchOptions struct {
	Attempts  int
	Delay     time.Duration
	Timeout   time.Duration
	UserAgent string
}

// Fetcher retrieves ICS feeds with a bounded, fixed-delay retry.
type Fetcher struct {
	client    *http.Client
	attempts  int
	delay     time.Duration
	userAgent string
	maxBody   int64

	// OnAttempt, if set, is called after every attempt with its outcome
	// (nil on success).
	OnAttempt func(src Source, attempt int, err error)

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a Fetcher using its own http.Client.
func NewFetcher(opts FetchOptions) *Fetcher {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Delay < 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
		},
		attempts:  opts.Attempts,
		delay:     opts.Delay,
		userAgent: opts.UserAgent,
		maxBody:   maxBodyBytes,
		sleep:     sleepContext,
	}
}

// WithClient swaps the underlying HTTP client.
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

// Fetch downloads src.URL, retrying transport errors and non-2xx responses
// up to the configured number of attempts with a fixed delay in between.
// On exhaustion it returns a *FetchError wrapping the last failure.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	if src.URL == "" {
		return nil, &FetchError{URL: src.URL, Attempts: 0, Cause: errors.New("source URL is empty")}
	}

	var lastErr error
	attempt := 0
	for attempt < f.attempts {
		if attempt > 0 {
			if err := f.sleep(ctx, f.delay); err != nil {
				lastErr = err
				break
			}
		}
		attempt++

		appLog.Debug("ics fetch attempt", "id", src.ID, "url", redactURL(src.URL), "attempt", attempt)
		body, err := f.fetchOnce(ctx, src.URL)
		if f.OnAttempt != nil {
			f.OnAttempt(src, attempt, err)
		}
		if err == nil {
			appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(src.URL), "attempt", attempt, "bytes", len(body))
			return body, nil
		}

		lastErr = err
		appLog.Warn("ics fetch attempt failed", "id", src.ID, "url", redactURL(src.URL), "attempt", attempt, "max_attempts", f.attempts, "err", err)
	}

	return nil, &FetchError{URL: src.URL, Attempts: attempt, Cause: lastErr}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("feed exceeds %d bytes", f.maxBody)
	}
	return body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// redactURL hides sensitive parts of an ICS URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' {
		j++
	}

	return u[:j] + redactedSuffix
}
