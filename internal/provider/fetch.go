package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"grimm.is/geofence/internal/brand"
	"grimm.is/geofence/internal/logging"
)

// MaxResponseSize caps every provider download.
const MaxResponseSize = 32 << 20

// ErrTooLarge is returned when a response exceeds MaxResponseSize.
var ErrTooLarge = errors.New("response exceeds size limit")

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 400 && e.Code < 500:
		return false
	default:
		return true
	}
}

// RetryConfig configures fetch attempts.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Timeout bounds a single attempt, not the whole retry sequence.
	Timeout time.Duration
}

// DefaultRetryConfig returns sensible defaults for network operations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Timeout:      30 * time.Second,
	}
}

// Fetcher downloads provider files with bounded retries.
type Fetcher struct {
	client    *http.Client
	retry     RetryConfig
	userAgent string
	maxBytes  int64
	logger    *logging.Logger
}

// NewFetcher creates a Fetcher. A nil logger discards output.
func NewFetcher(retry RetryConfig, logger *logging.Logger) *Fetcher {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if retry.MaxDelay < retry.InitialDelay {
		retry.MaxDelay = retry.InitialDelay
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Fetcher{
		client:    &http.Client{},
		retry:     retry,
		userAgent: brand.UserAgent(brand.Version),
		maxBytes:  MaxResponseSize,
		logger:    logger,
	}
}

// Get downloads url, retrying transient failures with exponential backoff.
// Client errors other than 408 and 429 are returned without retrying.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retry.InitialDelay
	b.MaxInterval = f.retry.MaxDelay
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(f.retry.MaxAttempts-1)), ctx)

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		data, err := f.once(ctx, url)
		if err != nil {
			return err
		}
		body = data
		return nil
	}
	notify := func(err error, delay time.Duration) {
		f.logger.Debug("fetch failed, retrying",
			"url", url, "attempt", attempt, "delay", delay, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) once(ctx context.Context, url string) ([]byte, error) {
	if f.retry.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.retry.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		se := &StatusError{URL: url, Code: resp.StatusCode}
		if !se.Retryable() {
			return nil, backoff.Permanent(se)
		}
		return nil, se
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, backoff.Permanent(fmt.Errorf("%s: %w", url, ErrTooLarge))
	}
	return data, nil
}
