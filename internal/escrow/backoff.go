package escrow

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// transferBackoff returns the wait before retry number attempt (1-based):
// exponential from base with up to 20% jitter, capped at ceiling.
func transferBackoff(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := retry.WithCappedDuration(ceiling, retry.WithJitterPercent(20, retry.NewExponential(positive(base))))
	var wait time.Duration
	for i := 0; i < attempt; i++ {
		wait, _ = b.Next()
	}
	return wait
}

// refundBackoff bounds gateway refund calls to maxAttempts tries in total.
func refundBackoff(base time.Duration, maxAttempts int) retry.Backoff {
	retries := uint64(0)
	if maxAttempts > 1 {
		retries = uint64(maxAttempts - 1)
	}
	return retry.WithMaxRetries(retries, retry.NewExponential(positive(base)))
}

func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
