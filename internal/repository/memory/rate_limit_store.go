package memory

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimitStore hands out one token bucket per key. Idle buckets are
// evicted after 30 minutes and recreated full on the next request.
type RateLimitStore struct {
	mu    sync.Mutex
	cache *cache.Cache
	limit rate.Limit
	burst int
}

func NewRateLimitStore(perMinute int) *RateLimitStore {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &RateLimitStore{
		cache: cache.New(30*time.Minute, 10*time.Minute),
		limit: rate.Every(time.Minute / time.Duration(perMinute)),
		burst: perMinute,
	}
}

func (s *RateLimitStore) Allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var limiter *rate.Limiter
	if x, found := s.cache.Get(key); found {
		limiter = x.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(s.limit, s.burst)
	}
	s.cache.Set(key, limiter, cache.DefaultExpiration)
	return limiter.Allow()
}
