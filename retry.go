package quickquiz

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// RetryPolicy bounds retries of one kind of transient external call.
// The delay doubles after every failed attempt up to MaxDelay, with a
// random jitter of +/- Jitter fraction applied to each sleep.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// Do runs fn until it succeeds, returns a non-retryable error, or exhausts
// the attempt budget. The last error is returned unwrapped so callers can
// still classify it.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts {
			return err
		}
		if serr := sleepWithJitter(ctx, delay, p.Jitter); serr != nil {
			return serr
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

// sleepWithJitter sleeps for d adjusted by +/- jitter fraction, or returns
// early when the context is canceled.
func sleepWithJitter(ctx context.Context, d time.Duration, jitter float64) error {
	if jitter > 0 {
		delta := time.Duration(float64(d) * jitter)
		if delta > 0 {
			d = d - delta + time.Duration(rand.Int63n(int64(2*delta)+1))
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HTTPStatusError reports a non-success HTTP response from an external
// fetch. It exists so retry classification can see the status code.
type HTTPStatusError struct {
	Status int
	URL    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.Status, e.URL)
}

// IsRetryableHTTPStatus reports whether an HTTP status code is worth
// retrying: request timeout, rate limiting, or any server-side failure.
func IsRetryableHTTPStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500 && status <= 599
}

// IsRetryable reports whether err represents a transient failure. API
// errors are classified by status code before any sentinel check so that a
// client-side rejection wrapped in a transient sentinel is not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return IsRetryableHTTPStatus(statusErr.Status)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return errors.Is(err, ErrEmbeddingUnavailable) ||
		errors.Is(err, ErrModel) ||
		errors.Is(err, ErrEvaluationUnavailable)
}
