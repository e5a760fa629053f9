package shardfetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/pwnguard/pwnguard/internal/hibp"
)

// DefaultBaseURL is the HIBP range-API endpoint entries are fetched
// from; PREFIX is appended as 5 uppercase hex characters.
const DefaultBaseURL = "https://api.pwnedpasswords.com/range/"

// Status reports what a shard fetch found.
type Status int

const (
	// Modified means the body was downloaded and parsed.
	Modified Status = iota
	// Unchanged means the server returned 304 Not Modified.
	Unchanged
)

// Outcome is the result of one successful (possibly unchanged) fetch.
type Outcome struct {
	Shard   hibp.ShardID
	Status  Status
	Entries []hibp.Hash
	ETag    string
}

// Fetcher performs conditional GETs against the range API, retrying
// transient failures with jittered exponential backoff and limiting
// outbound request rate independently of caller concurrency.
type Fetcher struct {
	client     *http.Client
	baseURL    string
	limiter    *rate.Limiter
	maxRetries uint64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(url string) Option {
	return func(f *Fetcher) { f.baseURL = url }
}

// WithHTTPClient overrides the default http.Client. The default client
// honors standard proxy environment variables via http.DefaultTransport.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithRateLimit bounds outbound requests per second; 0 disables the
// limiter.
func WithRateLimit(rps float64) Option {
	return func(f *Fetcher) {
		if rps <= 0 {
			f.limiter = nil
			return
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithMaxRetries sets the retry ceiling for 429/5xx/transport errors.
func WithMaxRetries(n uint64) Option {
	return func(f *Fetcher) { f.maxRetries = n }
}

// New creates a Fetcher with the given options.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:     &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// permanentError marks a shard-fatal, non-retryable failure.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Fetch performs one conditional GET for shard id, sending
// If-None-Match when priorETag is non-empty, retrying transient
// failures up to the configured ceiling.
func (f *Fetcher) Fetch(ctx context.Context, id hibp.ShardID, priorETag string) (Outcome, error) {
	var out Outcome
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.maxRetries), ctx)

	err := backoff.Retry(func() error {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(&permanentError{err})
			}
		}
		o, _, err := f.attempt(ctx, id, priorETag)
		if err != nil {
			var perm *permanentError
			if asPermanent(err, &perm) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = o
		return nil
	}, bo)

	if err != nil {
		var perm *permanentError
		if asPermanent(err, &perm) {
			return Outcome{}, perm.err
		}
		return Outcome{}, fmt.Errorf("shardfetcher: shard %s: exhausted retries: %w", id.Prefix(), err)
	}
	return out, nil
}

func asPermanent(err error, target **permanentError) bool {
	for err != nil {
		if p, ok := err.(*permanentError); ok {
			*target = p
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (f *Fetcher) attempt(ctx context.Context, id hibp.ShardID, priorETag string) (Outcome, int, error) {
	url := f.baseURL + id.Prefix()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Outcome{}, 0, &permanentError{fmt.Errorf("build request: %w", err)}
	}
	if priorETag != "" {
		req.Header.Set("If-None-Match", priorETag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Transport-level errors (timeouts, connection refused, DNS) are
		// retryable.
		return Outcome{}, 0, fmt.Errorf("shard %s: transport error: %w", id.Prefix(), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return Outcome{Shard: id, Status: Unchanged, ETag: priorETag}, resp.StatusCode, nil

	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Outcome{}, 0, fmt.Errorf("shard %s: read body: %w", id.Prefix(), err)
		}
		entries := ParseShardBody(id, body)
		return Outcome{Shard: id, Status: Modified, Entries: entries, ETag: resp.Header.Get("ETag")}, resp.StatusCode, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return Outcome{}, resp.StatusCode, fmt.Errorf("shard %s: rate limited (429)", id.Prefix())

	case resp.StatusCode >= 500:
		return Outcome{}, resp.StatusCode, fmt.Errorf("shard %s: server error %d", id.Prefix(), resp.StatusCode)

	default:
		// Any other 4xx is terminal for this shard: do not retry.
		return Outcome{}, resp.StatusCode, &permanentError{fmt.Errorf("shard %s: non-retryable status %d", id.Prefix(), resp.StatusCode)}
	}
}
