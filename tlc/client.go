package tlc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/notLeoHirano/taxi-emissions-etl/config"
	"github.com/notLeoHirano/taxi-emissions-etl/model"
)

// Fetcher retrieves the raw payload of one trip partition.
type Fetcher interface {
	Fetch(ctx context.Context, p model.Partition) ([]byte, error)
}

// StatusError is a non-200 answer from the trip data host.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s returned status %d", e.URL, e.Status)
}

// Retryable reports whether the request is worth repeating.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// HTTPFetcher downloads partitions from a URL template such as
// https://host/trip-data/{taxi}_tripdata_{year}-{month}.parquet.
// Every request, retries included, first waits on one limiter shared by all
// callers, so requests to the host are at least cfg.Pause apart.
type HTTPFetcher struct {
	urlTemplate    string
	client         *http.Client
	limiter        *rate.Limiter
	maxAttempts    int
	initialBackoff time.Duration
}

func NewHTTPFetcher(cfg config.FetchConfig) *HTTPFetcher {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	limit := rate.Inf
	if cfg.Pause > 0 {
		limit = rate.Every(cfg.Pause)
	}
	return &HTTPFetcher{
		urlTemplate:    cfg.URLTemplate,
		client:         &http.Client{Timeout: cfg.Timeout},
		limiter:        rate.NewLimiter(limit, 1),
		maxAttempts:    attempts,
		initialBackoff: cfg.RetryInterval,
	}
}

// URL resolves a partition to its download location. Months are zero padded.
func (f *HTTPFetcher) URL(p model.Partition) string {
	return strings.NewReplacer(
		"{taxi}", p.Taxi.String(),
		"{year}", strconv.Itoa(p.Year),
		"{month}", fmt.Sprintf("%02d", p.Month),
	).Replace(f.urlTemplate)
}

// Fetch downloads the partition, retrying network errors, 429 and 5xx with
// exponential backoff. Other statuses fail immediately.
func (f *HTTPFetcher) Fetch(ctx context.Context, p model.Partition) ([]byte, error) {
	url := f.URL(p)

	eb := backoff.NewExponentialBackOff()
	if f.initialBackoff > 0 {
		eb.InitialInterval = f.initialBackoff
	}

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		body, err := f.get(ctx, url)
		if err == nil {
			return body, nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return nil, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(f.maxAttempts)))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", p, err)
	}
	return body, nil
}

func (f *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
