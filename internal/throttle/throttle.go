// Package throttle meters per-campaign message release with a token
// bucket derived from rate_limit_per_minute: one token per
// 60/rate seconds, bucket size of one minute's quota.
package throttle

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type bucket struct {
	tokens   float64
	capacity float64
	perSec   float64
	last     time.Time
}

// SeedFunc reports how many messages were already released for a campaign
// in the minute before now. It lets a freshly created bucket account for
// sends that happened before a process restart, so throughput stays within
// the rate limit across restarts.
type SeedFunc func(campaignID uuid.UUID, since time.Time) int

// Throttler holds one token bucket per campaign. Callers pass now
// explicitly; the throttler never reads the process clock.
type Throttler struct {
	mu      sync.Mutex
	buckets map[uuid.UUID]*bucket
	seed    SeedFunc
}

func New(seed SeedFunc) *Throttler {
	return &Throttler{
		buckets: make(map[uuid.UUID]*bucket),
		seed:    seed,
	}
}

// TryAcquire consumes one token for the campaign if available. Tokens are
// never consumed by the caller outside a send window; that check belongs
// to the dispatch driver, which must consult the window schedule first.
func (t *Throttler) TryAcquire(campaignID uuid.UUID, ratePerMinute int, now time.Time) bool {
	if ratePerMinute <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[campaignID]
	if !ok || b.capacity != float64(ratePerMinute) {
		b = &bucket{
			tokens:   float64(ratePerMinute),
			capacity: float64(ratePerMinute),
			perSec:   float64(ratePerMinute) / 60.0,
			last:     now,
		}
		if t.seed != nil {
			if recent := t.seed(campaignID, now.Add(-time.Minute)); recent > 0 {
				b.tokens -= float64(recent)
				if b.tokens < 0 {
					b.tokens = 0
				}
			}
		}
		t.buckets[campaignID] = b
	}

	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.perSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// Forget drops the campaign's bucket, e.g. after cancellation or deletion.
func (t *Throttler) Forget(campaignID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, campaignID)
}
