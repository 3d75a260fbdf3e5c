package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wundergraph/fusion-gateway/pkg/credentials"
	"github.com/wundergraph/fusion-gateway/pkg/engine/datasource"
	"github.com/wundergraph/fusion-gateway/pkg/engine/datasource/httpclient"
)

type RetryPolicy struct {
	// MaxAttempts counts the first try; 1 disables retries.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// backOff returns a fresh exponential schedule with jitter for one call.
func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// TimeoutError reports an attempt that ran out of its per-attempt budget.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("backend did not respond within %s", e.Timeout)
}

// retryable decides whether a failed attempt may be sent again. Transport
// failures are retried; answers that would not change on a second try are not.
func retryable(err error) bool {
	var (
		timeoutErr  *TimeoutError
		statusErr   *datasource.StatusError
		authErr     *credentials.AuthError
		subgraphErr *datasource.SubgraphError
		decodeErr   *datasource.DecodeError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return true
	case errors.As(err, &statusErr):
		return statusErr.Temporary()
	case errors.As(err, &authErr):
		return authErr.Temporary()
	case errors.As(err, &subgraphErr), errors.As(err, &decodeErr):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, httpclient.ErrResponseTooLarge):
		return false
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
