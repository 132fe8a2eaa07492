// Package resilience provides retry, circuit-breaking, and rate-limiting
// primitives. The submission controller uses the circuit breaker and the
// rate limiter; Retry has no caller in the engine itself.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/bayesguard/bayes-engine/internal/bayeserr"
)

// Retry executes fn with exponential backoff and full jitter. delay is the
// initial backoff; it doubles each attempt up to a 60s cap. A bayeserr.Kind
// other than Transient stops the loop immediately — no amount of backoff
// fixes a malformed request or a digest mismatch, only the JWKS-fetch and
// blob-store failures that actually surface as KindTransient are worth
// another attempt. Errors that don't classify (a raw network error from the
// underlying fetch) are treated as transient, matching the callers this is
// grounded on.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("bayes-engine")
	attemptCounter, _ := meter.Int64Counter("bayes_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("bayes_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("bayes_resilience_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 || !retryable(err) {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}

// retryable reports whether err is worth another attempt. A classified
// bayeserr.Error only retries when its Kind is Transient; everything the
// taxonomy has already decided is the caller's fault (bad signature,
// forgery, unknown module, ...) retrying would just waste the budget on.
// Unclassified errors come from call sites that haven't wrapped their
// failure in a Kind yet (a raw JWKS HTTP fetch error, for example) and are
// assumed transient.
func retryable(err error) bool {
	var bErr *bayeserr.Error
	if bayeserr.As(err, &bErr) {
		return bErr.Kind == bayeserr.KindTransient
	}
	return true
}
