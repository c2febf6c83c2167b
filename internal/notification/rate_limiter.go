package notification

import (
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// dedupSweepThreshold triggers an expired-entry sweep of the dedup cache
const dedupSweepThreshold = 1024

// limiter gates alert publication: a token bucket for the overall rate and a
// TTL cache for repeats of identical alerts.
type limiter struct {
	bucket *rate.Limiter
	seen   *cache.Cache
	ttl    time.Duration
}

func newLimiter(perSecond float64, burst int, ttl time.Duration) *limiter {
	// no janitor goroutine: expired entries are swept from allowNew
	return &limiter{
		bucket: rate.NewLimiter(rate.Limit(perSecond), burst),
		seen:   cache.New(ttl, 0),
		ttl:    ttl,
	}
}

// allowNew records key and reports whether it was not seen within the TTL
func (l *limiter) allowNew(key string) bool {
	if l.ttl <= 0 {
		return true
	}
	if l.seen.ItemCount() > dedupSweepThreshold {
		l.seen.DeleteExpired()
	}
	return l.seen.Add(key, struct{}{}, l.ttl) == nil
}

// forget removes key so an alert that was not delivered may be retried
func (l *limiter) forget(key string) {
	l.seen.Delete(key)
}

func (l *limiter) allowRate() bool {
	return l.bucket.Allow()
}
