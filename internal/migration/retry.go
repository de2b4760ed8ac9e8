package migration

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// retryWithBackoff retries an operation with exponential backoff.
// baseDelay doubles on each retry. Returns the last attempt's error when all
// attempts fail, or the context error if canceled while waiting.
func retryWithBackoff(ctx context.Context, maxAttempts int, baseDelay time.Duration, logger *zap.Logger, operation func() error) error {
	var lastErr error
	delay := baseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			if attempt > 1 {
				logger.Debug("operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}

		logger.Debug("operation failed, will retry",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(lastErr),
		)

		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}

	return lastErr
}
