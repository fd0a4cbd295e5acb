package provider

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

type MockOptions struct {
	// Latency per capability; missing entries use 300ms.
	Latency     map[Capability]time.Duration
	FailureRate float64
	BaseURL     string
}

// MockAdapter simulates a provider for local runs. Payload key "simulate_error"
// forces a transient failure and "simulate_throttle" a 429.
type MockAdapter struct {
	name string
	opts MockOptions

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMockAdapter(name string, opts MockOptions) *MockAdapter {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://mock.invalid"
	}
	return &MockAdapter{
		name: name,
		opts: opts,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockAdapter) Execute(ctx context.Context, in ExecuteInput) (ExecuteOutput, *Error) {
	workDuration := 300 * time.Millisecond
	if d, ok := m.opts.Latency[in.Capability]; ok {
		workDuration = d
	}

	if err := waitCancelable(ctx, workDuration); err != nil {
		return ExecuteOutput{}, NormalizeErr(err)
	}

	if in.Payload != nil {
		if raw, ok := in.Payload["simulate_error"].(bool); ok && raw {
			return ExecuteOutput{}, &Error{
				Category:        CategoryTransient,
				Code:            "UPSTREAM_TIMEOUT",
				StatusCode:      504,
				Retryable:       true,
				UserMessage:     "Upstream timeout",
				InternalMessage: "mock simulate_error=true",
			}
		}
		if raw, ok := in.Payload["simulate_throttle"].(bool); ok && raw {
			return ExecuteOutput{}, NormalizeHTTP(429, []byte("mock quota"), "")
		}
	}

	m.mu.Lock()
	roll := m.rng.Float64()
	m.mu.Unlock()
	if roll < m.opts.FailureRate {
		return ExecuteOutput{}, &Error{
			Category:        CategoryTransient,
			Code:            "UPSTREAM_5XX",
			StatusCode:      503,
			Retryable:       true,
			UserMessage:     "Service temporary unavailable",
			InternalMessage: "mock random failure",
		}
	}

	base := fmt.Sprintf("%s/%s/%s/%03d", strings.TrimRight(m.opts.BaseURL, "/"), m.name, in.TaskID, in.SegmentID)
	out := ExecuteOutput{Output: map[string]any{"provider": m.name, "credential_id": in.CredentialID}}
	switch in.Capability {
	case CapabilityScript:
		out.Narration = strings.TrimSpace(in.Narration)
		out.Prompt = fmt.Sprintf("Cinematic shot, %s style: %s", orDefault(in.Style, "realistic"), firstWords(in.Narration, 24))
	case CapabilityImage:
		out.URL = base + "/image.png"
	case CapabilityVideo:
		out.URL = base + "/video.mp4"
	case CapabilityAudio:
		out.URL = base + "/audio.mp3"
	}
	return out, nil
}

func waitCancelable(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.NewTimer(d)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return nil
		case <-ticker.C:
		}
	}
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
