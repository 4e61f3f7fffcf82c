// Package retry provides bounded and unbounded retry loops with exponential backoff.
//
// Bounded retries are used for compare-and-set loops on the coordination service:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    return bumpCounter(ctx)
//	})
//
// Unbounded retries keep a long-lived worker alive across broker outages; they end
// only when the operation succeeds or the context is cancelled:
//
//	cfg := retry.Constant(100 * time.Millisecond)
//	cfg.OnRetry = func(attempt int, err error) {
//	    logger.Warn("fetch failed, retrying", "attempt", attempt, "error", err)
//	}
//	offset, err := retry.DoWithResult(ctx, cfg, fetchEarliest)
//
// Wrap an error with NonRetryable to stop the loop immediately.
package retry
