package quickquiz

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDoSucceedsAfterTransientFailures(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Jitter: 0.2}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: transient", ErrModel)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyDoStopsOnNonRetryable(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	boom := errors.New("bad input")

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyDoExhaustsAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w: still down", ErrEmbeddingUnavailable)
	})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyDoRunsAtLeastOnce(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 0}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyDoStopsWhenContextCanceled(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return fmt.Errorf("%w: transient", ErrModel)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"plain error", errors.New("boom"), false},
		{"model sentinel", fmt.Errorf("%w: connection reset", ErrModel), true},
		{"embedding sentinel", fmt.Errorf("%w: 502", ErrEmbeddingUnavailable), true},
		{"evaluation sentinel", fmt.Errorf("%w: 503", ErrEvaluationUnavailable), true},
		{"api rate limited", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"api server error", &openai.APIError{HTTPStatusCode: http.StatusInternalServerError}, true},
		{"api bad request", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, false},
		// a client rejection stays non-retryable even inside a transient sentinel
		{
			"api bad request wrapped in sentinel",
			fmt.Errorf("%w: %w", ErrModel, &openai.APIError{HTTPStatusCode: http.StatusBadRequest}),
			false,
		},
		{
			"api rate limit wrapped in sentinel",
			fmt.Errorf("%w: %w", ErrModel, &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}),
			true,
		},
		{"http 404", &HTTPStatusError{Status: http.StatusNotFound, URL: "http://x"}, false},
		{"http 503", &HTTPStatusError{Status: http.StatusServiceUnavailable, URL: "http://x"}, true},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"net non-timeout", &net.DNSError{IsTimeout: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	retryable := []int{http.StatusRequestTimeout, http.StatusTooManyRequests, 500, 502, 503, 599}
	for _, status := range retryable {
		assert.True(t, IsRetryableHTTPStatus(status), "status %d", status)
	}
	terminal := []int{200, 301, 400, 401, 403, 404, 410}
	for _, status := range terminal {
		assert.False(t, IsRetryableHTTPStatus(status), "status %d", status)
	}
}
