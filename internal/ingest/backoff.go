package ingest

import (
	"math/rand/v2"
	"time"
)

// calcBackoff returns the redelivery delay after n consecutive failures:
// initial doubled per failure, plus up to 25% jitter, never above max.
func calcBackoff(n int, initial, max time.Duration) time.Duration {
	if n <= 0 || initial <= 0 {
		return 0
	}

	d := initial
	for i := 1; i < n && d < max; i++ {
		d *= 2
	}
	if d >= max {
		return max
	}

	d += time.Duration(rand.Int64N(int64(d/4) + 1))
	if d > max {
		d = max
	}
	return d
}
