package repair

import (
	"strings"
	"sync"
	"time"

	"stv/longvideo/internal/provider"

	"github.com/patrickmn/go-cache"
)

type Kind string

const (
	KindThrottled           Kind = "throttled"
	KindTransient           Kind = "transient_server_error"
	KindInvalidInput        Kind = "invalid_input"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindUnknown             Kind = "unknown"
	KindCanceled            Kind = "canceled"
	KindCredentialExhausted Kind = "credential_exhausted"
	// KindInterrupted marks a segment whose generator died with a previous process.
	KindInterrupted Kind = "interrupted"
)

type Action string

const (
	ActionRetrySameAfterDelay      Action = "retry_same_after_delay"
	ActionRetryDifferentCredential Action = "retry_different_credential"
	ActionSwitchFallback           Action = "switch_fallback"
	ActionFatal                    Action = "fatal"
)

// Attempt is the per-segment history Decide needs.
type Attempt struct {
	// UnknownSeen counts unknown failures so far, including the current one.
	UnknownSeen int
	HasFallback bool
	OnFallback  bool
}

// Classifier turns normalized provider errors into repair kinds. It remembers which
// credentials of a provider failed recently so that a provider failing across several
// keys is reported unavailable rather than transient.
type Classifier struct {
	mu        sync.Mutex
	failures  *cache.Cache // provider|credential -> struct{}
	threshold int
	window    time.Duration
}

func NewClassifier(threshold int, window time.Duration) *Classifier {
	if threshold < 2 {
		threshold = 3
	}
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &Classifier{
		failures:  cache.New(window, 2*window),
		threshold: threshold,
		window:    window,
	}
}

// Classify records the failure and returns its kind.
func (c *Classifier) Classify(providerName, credentialID string, err *provider.Error) Kind {
	if err == nil {
		return KindUnknown
	}
	switch err.Category {
	case provider.CategoryThrottled:
		return KindThrottled
	case provider.CategoryInvalidInput:
		return KindInvalidInput
	case provider.CategoryCanceled:
		return KindCanceled
	case provider.CategoryTransient:
		if c.recordFailure(providerName, credentialID) >= c.threshold {
			return KindProviderUnavailable
		}
		return KindTransient
	}
	return KindUnknown
}

// RecordSuccess forgets the provider's failure window.
func (c *Classifier) RecordSuccess(providerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := providerName + "|"
	for key := range c.failures.Items() {
		if strings.HasPrefix(key, prefix) {
			c.failures.Delete(key)
		}
	}
}

// FailingCredentials reports how many distinct credentials of a provider failed inside the window.
func (c *Classifier) FailingCredentials(providerName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countLocked(providerName)
}

func (c *Classifier) recordFailure(providerName, credentialID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures.Set(providerName+"|"+credentialID, struct{}{}, cache.DefaultExpiration)
	return c.countLocked(providerName)
}

func (c *Classifier) countLocked(providerName string) int {
	prefix := providerName + "|"
	n := 0
	for key := range c.failures.Items() {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

// Decide applies the repair policy table to a classified failure.
func Decide(kind Kind, a Attempt) Action {
	switch kind {
	case KindThrottled:
		return ActionRetryDifferentCredential
	case KindTransient, KindCredentialExhausted:
		return ActionRetrySameAfterDelay
	case KindProviderUnavailable:
		if a.HasFallback && !a.OnFallback {
			return ActionSwitchFallback
		}
		if a.OnFallback {
			// already switched; the fallback itself is struggling, keep retrying it
			return ActionRetrySameAfterDelay
		}
		return ActionFatal
	case KindUnknown:
		if a.UnknownSeen <= 1 {
			return ActionRetrySameAfterDelay
		}
		return ActionFatal
	}
	return ActionFatal
}

// Retryable reports whether an action keeps the segment going.
func (a Action) Retryable() bool {
	return a != ActionFatal
}
