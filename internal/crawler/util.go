package crawler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pause blocks for delay or until ctx is done, returning ctx.Err() in the
// latter case.
func Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SeenOrFailOpen asks the seen-set about hash. Lookup errors are logged and
// reported as "not seen" so a degraded seen-set never halts the crawl.
func SeenOrFailOpen(ctx context.Context, seen SeenSet, hash URLHash, logger *zap.Logger) bool {
	if seen == nil {
		return false
	}
	ok, err := seen.Contains(ctx, hash)
	if err != nil {
		if logger != nil {
			logger.Warn("seen-set lookup failed, treating url as new",
				zap.String("hash", string(hash)),
				zap.Error(err),
			)
		}
		return false
	}
	return ok
}

// SystemClock implements Clock using time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
