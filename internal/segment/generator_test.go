package segment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stv/longvideo/internal/credential"
	"stv/longvideo/internal/model"
	"stv/longvideo/internal/provider"
	"stv/longvideo/internal/ratelimit"
	"stv/longvideo/internal/repair"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSegments struct {
	mu   sync.Mutex
	segs map[int]model.Segment
}

func newMemSegments(segs ...model.Segment) *memSegments {
	m := &memSegments{segs: map[int]model.Segment{}}
	for _, s := range segs {
		m.segs[s.ID] = s
	}
	return m
}

func (m *memSegments) UpdateSegment(_ context.Context, _ string, id int, fn func(*model.Segment) error) (model.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.segs[id]
	if !ok {
		return model.Segment{}, fmt.Errorf("segment %d not found", id)
	}
	if err := fn(&s); err != nil {
		return model.Segment{}, err
	}
	m.segs[id] = s
	return s, nil
}

func (m *memSegments) get(id int) model.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segs[id]
}

type fixture struct {
	registry   *provider.Registry
	pool       *credential.Pool
	classifier *repair.Classifier
	store      *memSegments
	gen        *Generator
}

func newFixture(t *testing.T, creds []model.Credential, seg model.Segment, fallbacks map[provider.Capability]string) *fixture {
	t.Helper()
	f := &fixture{
		registry:   provider.NewRegistry(),
		pool:       credential.NewPool(creds, credential.Options{MaxInFlight: 2, WaitTimeout: 50 * time.Millisecond, BaseCooldown: time.Hour}),
		classifier: repair.NewClassifier(3, time.Minute),
		store:      newMemSegments(seg),
	}
	f.gen = NewGenerator(f.pool, ratelimit.NewLimiter(8, nil), f.classifier, f.registry, f.store,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		Options{
			MaxAttempts: 3,
			Backoff:     ratelimit.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
			Defaults: map[provider.Capability]string{
				provider.CapabilityScript: "llm",
				provider.CapabilityImage:  "image",
				provider.CapabilityVideo:  "video",
				provider.CapabilityAudio:  "tts",
			},
			Fallbacks: fallbacks,
		})
	return f
}

func credsFor(providerName string, n int) []model.Credential {
	out := make([]model.Credential, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, model.Credential{ID: fmt.Sprintf("%s-%d", providerName, i), Provider: providerName, Secret: "s"})
	}
	return out
}

func allCreds(n int, names ...string) []model.Credential {
	var out []model.Credential
	for _, name := range names {
		out = append(out, credsFor(name, n)...)
	}
	return out
}

func okAdapter(calls *int32) provider.Adapter {
	return provider.AdapterFunc(func(ctx context.Context, in provider.ExecuteInput) (provider.ExecuteOutput, *provider.Error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		switch in.Capability {
		case provider.CapabilityScript:
			return provider.ExecuteOutput{Prompt: "scene " + in.Narration}, nil
		default:
			return provider.ExecuteOutput{URL: fmt.Sprintf("https://cdn/%s/%d/%s", in.CredentialID, in.SegmentID, in.Capability)}, nil
		}
	})
}

func failingAdapter(calls *int32, status int) provider.Adapter {
	return provider.AdapterFunc(func(ctx context.Context, in provider.ExecuteInput) (provider.ExecuteOutput, *provider.Error) {
		atomic.AddInt32(calls, 1)
		return provider.ExecuteOutput{}, provider.NormalizeHTTP(status, nil, "")
	})
}

func pendingSegment() model.Segment {
	start, end := model.SegmentWindow(2)
	return model.Segment{TaskID: "t1", ID: 2, Status: model.SegmentPending, Narration: "A fox runs.", StartTime: start, EndTime: end}
}

func TestGenerateCompletesSegment(t *testing.T) {
	f := newFixture(t, allCreds(2, "llm", "image", "video", "tts"), pendingSegment(), nil)
	for _, name := range []string{"llm", "image", "video", "tts"} {
		f.registry.Register(name, okAdapter(nil))
	}

	res := f.gen.Generate(context.Background(), Request{
		TaskID:  "t1",
		Segment: pendingSegment(),
		Config:  model.TaskConfig{GenerateImages: true, VoiceActorID: "v1"},
	})
	require.Equal(t, OutcomeCompleted, res.Outcome)

	seg := f.store.get(2)
	assert.Equal(t, model.SegmentCompleted, seg.Status)
	assert.Equal(t, 100, seg.Progress)
	assert.Equal(t, "scene A fox runs.", seg.Prompt)
	assert.Contains(t, seg.ImageURL, "/image")
	assert.Contains(t, seg.VideoURL, "/video")
	assert.Contains(t, seg.AudioURL, "/audio")
	assert.Equal(t, "v1", seg.VoiceActorID)
	assert.Equal(t, 0, seg.RetryCount)
	assert.Equal(t, 8, seg.StartTime)
	assert.Equal(t, 16, seg.EndTime)
}

func TestThrottledEverywhereFailsAfterExactBudget(t *testing.T) {
	seg := pendingSegment()
	seg.Prompt = "given"
	f := newFixture(t, allCreds(3, "video", "tts"), seg, nil)
	var videoCalls int32
	f.registry.Register("video", failingAdapter(&videoCalls, 429))
	f.registry.Register("tts", okAdapter(nil))

	res := f.gen.Generate(context.Background(), Request{TaskID: "t1", Segment: seg})
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, repair.KindThrottled, res.Kind)
	assert.EqualValues(t, 3, atomic.LoadInt32(&videoCalls))

	stored := f.store.get(2)
	assert.Equal(t, model.SegmentFailed, stored.Status)
	assert.Equal(t, string(repair.KindThrottled), stored.ErrorKind)
	assert.NotEmpty(t, stored.Error)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Empty(t, stored.VideoURL)

	// every credential was rotated through and is now cooling down
	for _, c := range f.pool.Snapshot() {
		if c.Provider == "video" {
			assert.True(t, c.CooldownUntil.After(time.Now()), c.ID)
		}
	}
}

func TestThrottleAnsweredByFreshCredentialCostsNoRetry(t *testing.T) {
	seg := pendingSegment()
	seg.Prompt = "given"
	f := newFixture(t, allCreds(2, "video", "tts"), seg, nil)
	var calls int32
	f.registry.Register("video", provider.AdapterFunc(func(ctx context.Context, in provider.ExecuteInput) (provider.ExecuteOutput, *provider.Error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return provider.ExecuteOutput{}, provider.NormalizeHTTP(429, nil, "")
		}
		return provider.ExecuteOutput{URL: "https://cdn/ok.mp4"}, nil
	}))
	f.registry.Register("tts", okAdapter(nil))

	res := f.gen.Generate(context.Background(), Request{TaskID: "t1", Segment: seg})
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 0, res.Segment.RetryCount)
	assert.Equal(t, "https://cdn/ok.mp4", res.Segment.VideoURL)
}

func TestTransientErrorExhaustsBudget(t *testing.T) {
	seg := pendingSegment()
	seg.Prompt = "given"
	f := newFixture(t, allCreds(3, "video", "tts"), seg, nil)
	var calls int32
	f.registry.Register("video", failingAdapter(&calls, 503))
	f.registry.Register("tts", okAdapter(nil))

	res := f.gen.Generate(context.Background(), Request{TaskID: "t1", Segment: seg})
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, repair.KindTransient, res.Kind)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestInvalidInputIsFatalImmediately(t *testing.T) {
	seg := pendingSegment()
	seg.Prompt = "given"
	f := newFixture(t, allCreds(3, "video"), seg, nil)
	var calls int32
	f.registry.Register("video", failingAdapter(&calls, 400))

	res := f.gen.Generate(context.Background(), Request{TaskID: "t1", Segment: seg})
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, repair.KindInvalidInput, res.Kind)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestFailedRegenerationKeepsPreviousArtifacts(t *testing.T) {
	seg := pendingSegment()
	seg.Status = model.SegmentCompleted
	seg.Progress = 100
	seg.Prompt = "old prompt"
	seg.VideoURL = "https://cdn/old.mp4"
	seg.AudioURL = "https://cdn/old.mp3"
	f := newFixture(t, allCreds(2, "video", "tts"), seg, nil)
	var calls int32
	f.registry.Register("video", failingAdapter(&calls, 400))
	f.registry.Register("tts", okAdapter(nil))

	res := f.gen.Generate(context.Background(), Request{
		TaskID:    "t1",
		Segment:   seg,
		Overrides: Overrides{Prompt: "new prompt"},
	})
	require.Equal(t, OutcomeFailed, res.Outcome)

	stored := f.store.get(2)
	assert.Equal(t, model.SegmentCompleted, stored.Status)
	assert.Equal(t, "old prompt", stored.Prompt)
	assert.Equal(t, "https://cdn/old.mp4", stored.VideoURL)
	assert.Equal(t, "https://cdn/old.mp3", stored.AudioURL)
	assert.Equal(t, string(repair.KindInvalidInput), stored.ErrorKind)
}

func TestSuccessfulRegenerationOverwritesArtifacts(t *testing.T) {
	seg := pendingSegment()
	seg.Status = model.SegmentCompleted
	seg.Prompt = "old prompt"
	seg.VideoURL = "https://cdn/old.mp4"
	f := newFixture(t, allCreds(2, "video", "tts"), seg, nil)
	f.registry.Register("video", okAdapter(nil))
	f.registry.Register("tts", okAdapter(nil))

	res := f.gen.Generate(context.Background(), Request{
		TaskID:    "t1",
		Segment:   seg,
		Overrides: Overrides{Prompt: "new prompt", Narration: "New words."},
	})
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "new prompt", res.Segment.Prompt)
	assert.Equal(t, "New words.", res.Segment.Narration)
	assert.NotEqual(t, "https://cdn/old.mp4", res.Segment.VideoURL)
}

func TestProviderUnavailableSwitchesToFallback(t *testing.T) {
	seg := pendingSegment()
	seg.Prompt = "given"
	creds := append(allCreds(3, "video", "tts"), credsFor("video-backup", 1)...)
	f := newFixture(t, creds, seg, map[provider.Capability]string{provider.CapabilityVideo: "video-backup"})
	f.classifier = repair.NewClassifier(2, time.Minute)
	f.gen.classifier = f.classifier
	// another credential of the primary already failed recently
	f.classifier.Classify("video", "video-3", &provider.Error{Category: provider.CategoryTransient})

	var primary, backup int32
	f.registry.Register("video", failingAdapter(&primary, 503))
	f.registry.Register("video-backup", provider.AdapterFunc(func(ctx context.Context, in provider.ExecuteInput) (provider.ExecuteOutput, *provider.Error) {
		atomic.AddInt32(&backup, 1)
		return provider.ExecuteOutput{URL: "https://backup/clip.mp4"}, nil
	}))
	f.registry.Register("tts", okAdapter(nil))

	res := f.gen.Generate(context.Background(), Request{TaskID: "t1", Segment: seg})
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.EqualValues(t, 1, atomic.LoadInt32(&primary))
	assert.EqualValues(t, 1, atomic.LoadInt32(&backup))
	assert.Equal(t, "https://backup/clip.mp4", res.Segment.VideoURL)
	assert.Equal(t, 1, res.Segment.RetryCount)
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	seg := pendingSegment()
	seg.Prompt = "given"
	f := newFixture(t, allCreds(1, "video", "tts"), seg, nil)
	var cancelled atomic.Bool
	f.registry.Register("video", provider.AdapterFunc(func(ctx context.Context, in provider.ExecuteInput) (provider.ExecuteOutput, *provider.Error) {
		cancelled.Store(true)
		return provider.ExecuteOutput{URL: "https://cdn/late.mp4"}, nil
	}))
	var ttsCalls int32
	f.registry.Register("tts", okAdapter(&ttsCalls))

	res := f.gen.Generate(context.Background(), Request{
		TaskID:    "t1",
		Segment:   seg,
		Cancelled: cancelled.Load,
	})
	assert.Equal(t, OutcomeCanceled, res.Outcome)
	assert.Zero(t, atomic.LoadInt32(&ttsCalls))

	stored := f.store.get(2)
	assert.Equal(t, model.SegmentPending, stored.Status)
	assert.Empty(t, stored.VideoURL)
	assert.Zero(t, stored.Progress)
}

func TestMissingProviderIsFatal(t *testing.T) {
	seg := pendingSegment()
	seg.Prompt = "given"
	f := newFixture(t, allCreds(1, "tts"), seg, nil)

	res := f.gen.Generate(context.Background(), Request{TaskID: "t1", Segment: seg})
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, repair.KindProviderUnavailable, res.Kind)
}

func TestStoreFailureStopsBeforeProviderCalls(t *testing.T) {
	f := newFixture(t, allCreds(1, "llm", "image", "video", "tts"), pendingSegment(), nil)
	var calls int32
	for _, name := range []string{"llm", "image", "video", "tts"} {
		f.registry.Register(name, okAdapter(&calls))
	}
	missing := pendingSegment()
	missing.ID = 9

	res := f.gen.Generate(context.Background(), Request{TaskID: "t1", Segment: missing})
	require.Equal(t, OutcomeStoreError, res.Outcome)
	require.Error(t, res.Err)
	assert.Contains(t, res.Error, "segment 9")
	assert.Zero(t, atomic.LoadInt32(&calls))
}
