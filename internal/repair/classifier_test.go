package repair

import (
	"testing"
	"time"

	"stv/longvideo/internal/provider"

	"github.com/stretchr/testify/assert"
)

func perr(category string) *provider.Error {
	return &provider.Error{Category: category, Code: category}
}

func TestClassifyMapsCategories(t *testing.T) {
	c := NewClassifier(3, time.Minute)
	assert.Equal(t, KindThrottled, c.Classify("video", "k1", perr(provider.CategoryThrottled)))
	assert.Equal(t, KindInvalidInput, c.Classify("video", "k1", perr(provider.CategoryInvalidInput)))
	assert.Equal(t, KindCanceled, c.Classify("video", "k1", perr(provider.CategoryCanceled)))
	assert.Equal(t, KindUnknown, c.Classify("video", "k1", perr(provider.CategoryUnknown)))
	assert.Equal(t, KindTransient, c.Classify("video", "k1", perr(provider.CategoryTransient)))
	assert.Equal(t, KindUnknown, c.Classify("video", "k1", nil))
}

func TestRepeatedFailuresAcrossCredentialsMarkProviderUnavailable(t *testing.T) {
	c := NewClassifier(3, time.Minute)
	transient := perr(provider.CategoryTransient)

	assert.Equal(t, KindTransient, c.Classify("video", "k1", transient))
	assert.Equal(t, KindTransient, c.Classify("video", "k1", transient))
	assert.Equal(t, KindTransient, c.Classify("video", "k2", transient))
	assert.Equal(t, KindProviderUnavailable, c.Classify("video", "k3", transient))
	assert.Equal(t, 3, c.FailingCredentials("video"))

	// other providers are tracked separately
	assert.Equal(t, KindTransient, c.Classify("tts", "k1", transient))

	c.RecordSuccess("video")
	assert.Equal(t, 0, c.FailingCredentials("video"))
	assert.Equal(t, 1, c.FailingCredentials("tts"))
}

func TestFailureWindowExpires(t *testing.T) {
	c := NewClassifier(2, 30*time.Millisecond)
	c.Classify("image", "k1", perr(provider.CategoryTransient))
	assert.Equal(t, 1, c.FailingCredentials("image"))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, c.FailingCredentials("image"))
}

func TestDecidePolicyTable(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		at   Attempt
		want Action
	}{
		{"throttled rotates", KindThrottled, Attempt{}, ActionRetryDifferentCredential},
		{"transient backs off", KindTransient, Attempt{}, ActionRetrySameAfterDelay},
		{"exhausted backs off", KindCredentialExhausted, Attempt{}, ActionRetrySameAfterDelay},
		{"invalid input is fatal", KindInvalidInput, Attempt{}, ActionFatal},
		{"unavailable switches", KindProviderUnavailable, Attempt{HasFallback: true}, ActionSwitchFallback},
		{"unavailable without fallback", KindProviderUnavailable, Attempt{}, ActionFatal},
		{"unavailable on fallback", KindProviderUnavailable, Attempt{HasFallback: true, OnFallback: true}, ActionRetrySameAfterDelay},
		{"unknown once", KindUnknown, Attempt{UnknownSeen: 1}, ActionRetrySameAfterDelay},
		{"unknown twice", KindUnknown, Attempt{UnknownSeen: 2}, ActionFatal},
		{"canceled", KindCanceled, Attempt{}, ActionFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.kind, tc.at))
		})
	}
}
