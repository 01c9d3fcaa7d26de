package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/config"
)

// RateLimiter decides whether a user may trigger another AI request
type RateLimiter interface {
	// Admit prunes the user's timestamps older than the window, then admits
	// and records now if fewer than the maximum remain.
	Admit(userID int64, now time.Time) bool
	// Usage reports how many requests the user has inside the window at now.
	Usage(userID int64, now time.Time) (used int, max int)
}

// SlidingWindowLimiter keeps a log of recent request timestamps per user
type SlidingWindowLimiter struct {
	enabled bool
	max     int
	window  time.Duration
	records *cache.Cache
	locks   *keyedMutex
	logger  *logrus.Logger
}

// NewRateLimiter creates a rate limiter from config
func NewRateLimiter(cfg *config.Config, logger *logrus.Logger) RateLimiter {
	if !cfg.RateLimit.Enabled {
		return &SlidingWindowLimiter{enabled: false}
	}
	return NewSlidingWindowLimiter(cfg.RateLimit.MaxPrompts, cfg.RateLimit.Window(), logger)
}

// NewSlidingWindowLimiter admits at most max requests per user per window
func NewSlidingWindowLimiter(max int, window time.Duration, logger *logrus.Logger) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		enabled: true,
		max:     max,
		window:  window,
		// Records expire one window after their last admission; by then every
		// timestamp in them would be pruned anyway.
		records: cache.New(window, 2*window),
		locks:   newKeyedMutex(),
		logger:  logger,
	}
}

func (r *SlidingWindowLimiter) Admit(userID int64, now time.Time) bool {
	if !r.enabled {
		return true
	}

	key := strconv.FormatInt(userID, 10)
	unlock := r.locks.Lock(key)
	defer unlock()

	timestamps := r.prune(key, now)
	if len(timestamps) >= r.max {
		r.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"max":     r.max,
			"window":  r.window,
		}).Info("Rate limit exceeded")
		r.records.SetDefault(key, timestamps)
		return false
	}

	r.records.SetDefault(key, append(timestamps, now))
	return true
}

func (r *SlidingWindowLimiter) Usage(userID int64, now time.Time) (int, int) {
	if !r.enabled {
		return 0, 0
	}

	key := strconv.FormatInt(userID, 10)
	unlock := r.locks.Lock(key)
	defer unlock()

	return len(r.prune(key, now)), r.max
}

// prune returns the user's timestamps still inside the window. The caller
// holds the user's lock.
func (r *SlidingWindowLimiter) prune(key string, now time.Time) []time.Time {
	val, found := r.records.Get(key)
	if !found {
		return nil
	}
	stored := val.([]time.Time)
	kept := make([]time.Time, 0, len(stored)+1)
	for _, ts := range stored {
		if now.Sub(ts) < r.window {
			kept = append(kept, ts)
		}
	}
	return kept
}

// keyedMutex serializes callers that share a key
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the lock for key and returns its release function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
