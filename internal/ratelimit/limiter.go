package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Limiter caps simultaneous outbound calls per provider, independent of how many
// credentials the provider has.
type Limiter struct {
	mu       sync.Mutex
	sems     map[string]chan struct{}
	limits   map[string]int
	fallback int
}

func NewLimiter(defaultLimit int, perProvider map[string]int) *Limiter {
	if defaultLimit < 1 {
		defaultLimit = 8
	}
	limits := map[string]int{}
	for k, v := range perProvider {
		if v > 0 {
			limits[k] = v
		}
	}
	return &Limiter{
		sems:     map[string]chan struct{}{},
		limits:   limits,
		fallback: defaultLimit,
	}
}

func (l *Limiter) sem(provider string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[provider]
	if !ok {
		n := l.fallback
		if v, ok := l.limits[provider]; ok {
			n = v
		}
		s = make(chan struct{}, n)
		l.sems[provider] = s
	}
	return s
}

// Acquire blocks until a slot for provider is free. The returned func releases it.
func (l *Limiter) Acquire(ctx context.Context, provider string) (func(), error) {
	s := l.sem(provider)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s slot: %w", provider, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-s })
	}, nil
}

// InFlight reports the number of calls currently holding a slot for provider.
func (l *Limiter) InFlight(provider string) int {
	return len(l.sem(provider))
}

// Limit reports the ceiling in force for provider.
func (l *Limiter) Limit(provider string) int {
	return cap(l.sem(provider))
}

// Backoff is a capped exponential delay: Base, 2*Base, 4*Base, ... up to Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Int63n(int64(float64(d)*b.Jitter) + 1))
	}
	return d
}
