package credential

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stv/longvideo/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func creds(provider string, ids ...string) []model.Credential {
	out := make([]model.Credential, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Credential{ID: id, Provider: provider, Secret: "secret-" + id})
	}
	return out
}

func TestAcquireRotatesLeastRecentlyUsed(t *testing.T) {
	pool := NewPool(creds("video", "a", "b", "c"), Options{MaxInFlight: 4})
	ctx := context.Background()

	var got []string
	for i := 0; i < 6; i++ {
		lease, err := pool.Acquire(ctx, "video")
		require.NoError(t, err)
		got = append(got, lease.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestAcquireSkipsCoolingCredential(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	pool := NewPool(creds("video", "a", "b"), Options{
		MaxInFlight:  1,
		BaseCooldown: time.Minute,
		Now:          clock.Now,
	})
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "video")
	require.NoError(t, err)
	pool.Release(a, OutcomeThrottled, 0)

	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(ctx, "video")
		require.NoError(t, err)
		assert.Equal(t, "b", lease.ID)
		pool.Release(lease, OutcomeSuccess, 0)
	}

	clock.Advance(time.Minute)
	lease, err := pool.Acquire(ctx, "video")
	require.NoError(t, err)
	assert.Equal(t, "a", lease.ID)
}

func TestAcquireReturnsExhaustedAfterTimeout(t *testing.T) {
	pool := NewPool(creds("tts", "only"), Options{
		MaxInFlight:  1,
		WaitTimeout:  30 * time.Millisecond,
		BaseCooldown: time.Hour,
	})
	lease, err := pool.Acquire(context.Background(), "tts")
	require.NoError(t, err)
	pool.Release(lease, OutcomeThrottled, 0)

	start := time.Now()
	_, err = pool.Acquire(context.Background(), "tts")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireUnknownProvider(t *testing.T) {
	pool := NewPool(creds("tts", "x"), Options{})
	_, err := pool.Acquire(context.Background(), "video")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestAcquireWakesOnRelease(t *testing.T) {
	pool := NewPool(creds("image", "a"), Options{MaxInFlight: 1, WaitTimeout: 2 * time.Second})
	lease, err := pool.Acquire(context.Background(), "image")
	require.NoError(t, err)

	done := make(chan string, 1)
	go func() {
		l, err := pool.Acquire(context.Background(), "image")
		if err == nil {
			done <- l.ID
		}
	}()
	time.Sleep(20 * time.Millisecond)
	pool.Release(lease, OutcomeSuccess, 0)

	select {
	case id := <-done:
		assert.Equal(t, "a", id)
	case <-time.After(time.Second):
		t.Fatalf("waiter was not woken by release")
	}
}

func TestExcludeFallsBackWhenEverythingExcluded(t *testing.T) {
	pool := NewPool(creds("llm", "a", "b"), Options{MaxInFlight: 2})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, "llm", "a")
	require.NoError(t, err)
	assert.Equal(t, "b", lease.ID)

	lease, err = pool.Acquire(ctx, "llm", "a", "b")
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, lease.ID)
}

func TestCooldownGrowsAndCaps(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	pool := NewPool(creds("video", "a"), Options{
		BaseCooldown: time.Second,
		MaxCooldown:  5 * time.Second,
		Now:          clock.Now,
	})
	ctx := context.Background()

	var cooldowns []time.Duration
	for i := 0; i < 5; i++ {
		lease, err := pool.Acquire(ctx, "video")
		require.NoError(t, err)
		pool.Release(lease, OutcomeThrottled, 0)
		snap := pool.Snapshot()[0]
		cooldowns = append(cooldowns, snap.CooldownUntil.Sub(clock.Now()))
		clock.Advance(time.Hour)
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, cooldowns)

	lease, err := pool.Acquire(ctx, "video")
	require.NoError(t, err)
	pool.Release(lease, OutcomeSuccess, 0)
	assert.Equal(t, 0, pool.Snapshot()[0].ConsecutiveFailures)
}

func TestRetryAfterHintExtendsCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	pool := NewPool(creds("video", "a"), Options{BaseCooldown: time.Second, Now: clock.Now})
	lease, err := pool.Acquire(context.Background(), "video")
	require.NoError(t, err)
	pool.Release(lease, OutcomeThrottled, 90*time.Second)
	assert.Equal(t, 90*time.Second, pool.Snapshot()[0].CooldownUntil.Sub(clock.Now()))
}

func TestInFlightCeilingPerCredential(t *testing.T) {
	pool := NewPool(creds("video", "a", "b"), Options{MaxInFlight: 1, WaitTimeout: 5 * time.Second})

	var mu sync.Mutex
	inFlight := map[string]int{}
	var violations int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), "video")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inFlight[lease.ID]++
			if inFlight[lease.ID] > 1 {
				atomic.AddInt32(&violations, 1)
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			inFlight[lease.ID]--
			mu.Unlock()
			pool.Release(lease, OutcomeSuccess, 0)
		}()
	}
	wg.Wait()
	assert.Zero(t, atomic.LoadInt32(&violations))
	for _, c := range pool.Snapshot() {
		assert.Zero(t, c.InFlight)
	}
}

func TestAcquirePreferredReusesCredential(t *testing.T) {
	pool := NewPool(creds("video", "a", "b", "c"), Options{MaxInFlight: 2})
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "video")
	require.NoError(t, err)
	pool.Release(first, OutcomeFailure, 0)

	again, err := pool.AcquirePreferred(ctx, "video", first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	pool.Release(again, OutcomeFailure, 0)

	assert.Equal(t, 2, pool.Snapshot()[0].ConsecutiveFailures)
}
