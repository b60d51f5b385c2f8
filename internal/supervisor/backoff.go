package supervisor

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/bootvisor/internal/config"
)

// backoffDelay returns the wait before restart attempt n (n >= 1): d = base*2^(n-1)
// capped at RestartBackoffMax, plus up to d*BackoffJitter. Jitter only lengthens the
// wait, so attempt n never fires before d.
func backoffDelay(p config.Snapshot, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.RestartBackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.RestartBackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	// past 64 doublings the interval is pinned at MaxInterval anyway
	for i := 0; i < n && i < 64; i++ {
		d = b.NextBackOff()
	}
	if d > p.RestartBackoffMax {
		d = p.RestartBackoffMax
	}
	if p.BackoffJitter > 0 {
		d += time.Duration(rand.Float64() * p.BackoffJitter * float64(d))
	}
	return min(d, p.RestartBackoffMax)
}
