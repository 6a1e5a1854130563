package fetch

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy implements bounded attempts with jittered exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ShouldRetry decides whether attempt (1-based) may be followed by another.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.Permanent() {
		return false
	}
	return true
}

// Backoff returns the wait before the attempt after attempt (1-based): half
// the exponential delay plus up to the same amount of jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// RetryingFetcher retries FetchErrors according to a RetryPolicy.
type RetryingFetcher struct {
	next   Fetcher
	policy RetryPolicy
	log    logrus.FieldLogger
}

// NewRetryingFetcher wraps next. A nil logger uses the standard logger.
func NewRetryingFetcher(next Fetcher, policy RetryPolicy, log logrus.FieldLogger) *RetryingFetcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &RetryingFetcher{next: next, policy: policy, log: log}
}

// Fetch returns the first successful body or the last error once the
// policy gives up. The returned error is always a *FetchError.
func (r *RetryingFetcher) Fetch(ctx context.Context, locator string) (string, error) {
	for attempt := 1; ; attempt++ {
		body, err := r.next.Fetch(ctx, locator)
		if err == nil {
			return body, nil
		}

		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = &FetchError{Locator: locator, Err: err}
		}

		if !r.policy.ShouldRetry(fe, attempt) {
			return "", fe
		}

		wait := r.policy.Backoff(attempt)
		r.log.WithFields(logrus.Fields{
			"locator": locator,
			"attempt": attempt,
			"status":  fe.StatusCode,
			"wait":    wait,
		}).Warnf("fetch failed, retrying: %v", fe.Err)

		if err := sleepWithContext(ctx, wait); err != nil {
			return "", fe
		}
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
