package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Capability string

const (
	CapabilityScript Capability = "script"
	CapabilityImage  Capability = "image"
	CapabilityVideo  Capability = "video"
	CapabilityAudio  Capability = "audio"
)

// Error categories every adapter normalizes into.
const (
	CategoryThrottled    = "throttled"
	CategoryTransient    = "transient"
	CategoryInvalidInput = "invalid_input"
	CategoryCanceled     = "canceled"
	CategoryUnknown      = "unknown"
)

type Error struct {
	Category        string
	Code            string
	StatusCode      int
	Retryable       bool
	RetryAfter      time.Duration
	UserMessage     string
	InternalMessage string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.InternalMessage != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Category, e.InternalMessage)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.Category)
}

// Message is what a user sees on a failed segment.
func (e *Error) Message() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Error()
}

type ExecuteInput struct {
	Capability       Capability
	Model            string
	CredentialID     string
	CredentialSecret string
	TaskID           string
	SegmentID        int
	Prompt           string
	Narration        string
	ImageURL         string
	VoiceActorID     string
	Language         string
	Style            string
	DurationSeconds  int
	Payload          map[string]any
}

type ExecuteOutput struct {
	URL       string
	Prompt    string
	Narration string
	Output    map[string]any
}

type Adapter interface {
	Execute(ctx context.Context, in ExecuteInput) (ExecuteOutput, *Error)
}

// AdapterFunc lets a plain function serve as an Adapter.
type AdapterFunc func(ctx context.Context, in ExecuteInput) (ExecuteOutput, *Error)

func (f AdapterFunc) Execute(ctx context.Context, in ExecuteInput) (ExecuteOutput, *Error) {
	return f(ctx, in)
}

// Registry resolves provider names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
