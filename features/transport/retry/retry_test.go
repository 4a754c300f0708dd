package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/agentchat/runtime/chat/chaterrors"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"dial refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"read reset", &net.OpError{Op: "read", Err: errors.New("reset")}, false},
		{"dns temporary", &net.DNSError{IsTemporary: true}, true},
		{"dns not found", &net.DNSError{IsNotFound: true}, false},
		{"plain", errors.New("boom"), false},
		{"wrapped 503", chaterrors.Transport("open", &chaterrors.TransportError{Op: "open", StatusCode: http.StatusServiceUnavailable}), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

// TestStatusRetryableProperty verifies only throttling and gateway statuses
// are retried.
func TestStatusRetryableProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	retryable := map[int]bool{429: true, 502: true, 503: true, 504: true}
	properties.Property("status classification", prop.ForAll(
		func(code int) bool {
			err := &chaterrors.TransportError{Op: "open", StatusCode: code}
			return IsRetryable(err) == retryable[code]
		},
		gen.IntRange(400, 599),
	))

	properties.Property("backoff never exceeds max plus jitter", prop.ForAll(
		func(attempt int) bool {
			cfg := DefaultConfig()
			b := Backoff(cfg, attempt)
			limit := time.Duration(float64(cfg.MaxBackoff) * (1 + cfg.Jitter))
			return b >= 0 && b <= limit
		},
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}

func TestDo(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 2}

	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 2 {
			return &chaterrors.TransportError{Op: "open", StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	calls = 0
	var retried []int
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }
	err = Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return &chaterrors.TransportError{Op: "open", StatusCode: http.StatusBadGateway}
	})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.True(t, chaterrors.IsTransport(err))
	require.Equal(t, []int{1, 2}, retried)

	calls = 0
	err = Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return &chaterrors.TransportError{Op: "open", StatusCode: http.StatusUnauthorized}
	})
	require.Equal(t, 1, calls)
	require.False(t, errors.As(err, &exhausted))

	err = Do(context.Background(), Disabled(), func(context.Context) error {
		return context.DeadlineExceeded
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, errors.As(err, &exhausted))
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialBackoff: time.Hour}
	err := Do(ctx, cfg, func(context.Context) error {
		cancel()
		return context.DeadlineExceeded
	})
	require.Error(t, err)
}
