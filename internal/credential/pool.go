package credential

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"stv/longvideo/internal/model"
)

var (
	ErrExhausted       = errors.New("all credentials exhausted")
	ErrUnknownProvider = errors.New("no credentials configured for provider")
)

type Outcome int

const (
	// OutcomeNeutral returns the slot without touching failure state, e.g. a call never dispatched.
	OutcomeNeutral Outcome = iota
	OutcomeSuccess
	OutcomeThrottled
	OutcomeFailure
)

// Lease is one checked-out use of a credential. Hand it back with Pool.Release.
type Lease struct {
	ID       string
	Provider string
	Secret   string
}

type Options struct {
	// MaxInFlight bounds concurrent calls on a single credential.
	MaxInFlight  int
	WaitTimeout  time.Duration
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
	Now          func() time.Time
}

type entry struct {
	cred  model.Credential
	order int
	used  uint64
}

// Pool hands out provider credentials least-recently-used first and keeps throttled
// credentials out of rotation until their cooldown elapses. Safe for concurrent use
// by any number of tasks.
type Pool struct {
	mu         sync.Mutex
	byProvider map[string][]*entry
	byID       map[string]*entry
	clock      uint64
	changed    chan struct{}

	maxInFlight  int
	waitTimeout  time.Duration
	baseCooldown time.Duration
	maxCooldown  time.Duration
	now          func() time.Time
}

func NewPool(creds []model.Credential, opts Options) *Pool {
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	if opts.BaseCooldown <= 0 {
		opts.BaseCooldown = 5 * time.Second
	}
	if opts.MaxCooldown <= 0 {
		opts.MaxCooldown = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Pool{
		byProvider:   map[string][]*entry{},
		byID:         map[string]*entry{},
		changed:      make(chan struct{}),
		maxInFlight:  opts.MaxInFlight,
		waitTimeout:  opts.WaitTimeout,
		baseCooldown: opts.BaseCooldown,
		maxCooldown:  opts.MaxCooldown,
		now:          opts.Now,
	}
	for _, c := range creds {
		if _, dup := p.byID[c.ID]; dup {
			continue
		}
		e := &entry{cred: c, order: len(p.byProvider[c.Provider])}
		e.cred.InFlight = 0
		p.byProvider[c.Provider] = append(p.byProvider[c.Provider], e)
		p.byID[c.ID] = e
	}
	return p
}

// Acquire returns the least-recently-used usable credential for provider. Credentials
// listed in exclude are skipped unless nothing else is configured. When every candidate
// is cooling down or saturated it waits up to the pool's wait timeout, then fails with
// ErrExhausted.
func (p *Pool) Acquire(ctx context.Context, provider string, exclude ...string) (Lease, error) {
	return p.acquire(ctx, provider, "", exclude)
}

// AcquirePreferred is Acquire that hands back preferID when it is usable right now.
func (p *Pool) AcquirePreferred(ctx context.Context, provider, preferID string, exclude ...string) (Lease, error) {
	return p.acquire(ctx, provider, preferID, exclude)
}

func (p *Pool) acquire(ctx context.Context, provider, preferID string, exclude []string) (Lease, error) {
	deadline := p.now().Add(p.waitTimeout)
	timer := time.NewTimer(p.waitTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		entries, ok := p.byProvider[provider]
		if !ok || len(entries) == 0 {
			p.mu.Unlock()
			return Lease{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
		}
		now := p.now()
		if e := p.pick(entries, now, preferID, exclude); e != nil {
			p.clock++
			e.used = p.clock
			e.cred.InFlight++
			e.cred.TotalCalls++
			e.cred.LastUsedAt = now
			lease := Lease{ID: e.cred.ID, Provider: provider, Secret: e.cred.Secret}
			p.mu.Unlock()
			return lease, nil
		}
		wait := p.nextWake(entries, now, deadline)
		changed := p.changed
		p.mu.Unlock()

		if !now.Before(deadline) {
			return Lease{}, fmt.Errorf("%w: provider %s", ErrExhausted, provider)
		}
		wake := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			wake.Stop()
			return Lease{}, ctx.Err()
		case <-timer.C:
			wake.Stop()
			return Lease{}, fmt.Errorf("%w: provider %s", ErrExhausted, provider)
		case <-changed:
		case <-wake.C:
		}
		wake.Stop()
	}
}

func (p *Pool) pick(entries []*entry, now time.Time, preferID string, exclude []string) *entry {
	if preferID != "" {
		if e, ok := p.byID[preferID]; ok && e.cred.Provider == entries[0].cred.Provider && p.usable(e, now) {
			return e
		}
	}
	skip := map[string]bool{}
	for _, id := range exclude {
		skip[id] = true
	}
	if len(skip) >= len(entries) {
		allSkipped := true
		for _, e := range entries {
			if !skip[e.cred.ID] {
				allSkipped = false
				break
			}
		}
		if allSkipped {
			skip = map[string]bool{}
		}
	}
	var best *entry
	for _, e := range entries {
		if skip[e.cred.ID] || !p.usable(e, now) {
			continue
		}
		if best == nil || e.used < best.used || (e.used == best.used && e.order < best.order) {
			best = e
		}
	}
	return best
}

func (p *Pool) usable(e *entry, now time.Time) bool {
	if e.cred.InFlight >= p.maxInFlight {
		return false
	}
	return !now.Before(e.cred.CooldownUntil)
}

func (p *Pool) nextWake(entries []*entry, now, deadline time.Time) time.Duration {
	wake := deadline
	for _, e := range entries {
		if e.cred.CooldownUntil.After(now) && e.cred.CooldownUntil.Before(wake) {
			wake = e.cred.CooldownUntil
		}
	}
	d := wake.Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Release returns a lease and records the call outcome. retryAfter, when positive,
// is a provider hint that lengthens the cooldown of a throttled credential.
func (p *Pool) Release(lease Lease, outcome Outcome, retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[lease.ID]
	if !ok {
		return
	}
	if e.cred.InFlight > 0 {
		e.cred.InFlight--
	}
	switch outcome {
	case OutcomeSuccess:
		e.cred.ConsecutiveFailures = 0
	case OutcomeThrottled:
		e.cred.ConsecutiveFailures++
		cooldown := p.cooldownFor(e.cred.ConsecutiveFailures)
		if retryAfter > cooldown {
			cooldown = retryAfter
		}
		until := p.now().Add(cooldown)
		if until.After(e.cred.CooldownUntil) {
			e.cred.CooldownUntil = until
		}
	case OutcomeFailure:
		e.cred.ConsecutiveFailures++
	}
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) cooldownFor(failures int) time.Duration {
	d := p.baseCooldown
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.maxCooldown {
			return p.maxCooldown
		}
	}
	if d > p.maxCooldown {
		d = p.maxCooldown
	}
	return d
}

// Providers lists provider names with at least one credential.
func (p *Pool) Providers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.byProvider))
	for name := range p.byProvider {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether provider has configured credentials.
func (p *Pool) Has(provider string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byProvider[provider]) > 0
}

// Snapshot copies the current credential state, secrets included; callers that
// expose it must rely on the json:"-" tag.
func (p *Pool) Snapshot() []model.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Credential, 0, len(p.byID))
	for _, name := range sortedKeys(p.byProvider) {
		for _, e := range p.byProvider[name] {
			out = append(out, e.cred)
		}
	}
	return out
}

func sortedKeys(m map[string][]*entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
