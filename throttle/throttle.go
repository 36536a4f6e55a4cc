package throttle

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// bucketCacheSize bounds how many distinct client keys the limiter tracks at
// once. Old buckets get evicted LRU-style, which at worst forgives a client
// that has been silent long enough to fall out of the cache.
const bucketCacheSize = 16384

type bucket struct {
	windowStart time.Time
	count       int64
}

// Limiter counts requests per client key within a fixed window and rejects
// the request that exceeds the limit. State is process-wide only; a restart
// starts all windows fresh.
type Limiter struct {
	mtx     sync.Mutex
	buckets *lru.Cache

	// now is replaceable in tests.
	now func() time.Time
}

func NewLimiter() (*Limiter, error) {
	cache, err := lru.New(bucketCacheSize)
	if err != nil {
		return nil, err
	}
	return &Limiter{buckets: cache, now: time.Now}, nil
}

// Allow records one request for clientKey under the given policy and reports
// whether it is within the limit. With limit N over the period, the N-th
// request in a window passes and the (N+1)-th is rejected. A non-positive
// limit disables throttling.
func (l *Limiter) Allow(clientKey string, limit int64, period time.Duration) bool {
	if limit <= 0 || period <= 0 {
		return true
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	now := l.now()
	var b *bucket
	if cached, ok := l.buckets.Get(clientKey); ok {
		b = cached.(*bucket)
	} else {
		b = &bucket{windowStart: now}
		l.buckets.Add(clientKey, b)
	}

	if now.Sub(b.windowStart) >= period {
		b.windowStart = now
		b.count = 0
	}

	b.count++
	return b.count <= limit
}
