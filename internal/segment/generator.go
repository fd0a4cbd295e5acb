package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stv/longvideo/internal/credential"
	"stv/longvideo/internal/model"
	"stv/longvideo/internal/provider"
	"stv/longvideo/internal/ratelimit"
	"stv/longvideo/internal/repair"
)

const (
	StageScript = "writing_script"
	StageImage  = "generating_image"
	StageVideo  = "generating_video"
	StageAudio  = "generating_audio"
	StageDone   = "done"
)

var stageProgress = map[string]int{
	StageScript: 10,
	StageImage:  25,
	StageVideo:  50,
	StageAudio:  80,
	StageDone:   100,
}

// Updater persists segment mutations. fn runs against the stored copy.
type Updater interface {
	UpdateSegment(ctx context.Context, taskID string, segmentID int, fn func(*model.Segment) error) (model.Segment, error)
}

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeCanceled   Outcome = "canceled"
	// OutcomeStoreError means the segment state could not be persisted. Err holds the cause.
	OutcomeStoreError Outcome = "store_error"
)

// Overrides replace the stored scene inputs for one run. Empty fields keep the stored value.
type Overrides struct {
	Prompt       string
	Narration    string
	VoiceActorID string
}

type Request struct {
	TaskID    string
	Segment   model.Segment
	Config    model.TaskConfig
	Overrides Overrides
	// Cancelled is polled before every suspension point.
	Cancelled func() bool
}

type Result struct {
	Outcome Outcome
	Segment model.Segment
	Kind    repair.Kind
	Error   string
	Err     error
}

type Options struct {
	MaxAttempts int
	Backoff     ratelimit.Backoff
	// Defaults and Fallbacks map a capability to a provider name.
	Defaults  map[provider.Capability]string
	Fallbacks map[provider.Capability]string
}

type Generator struct {
	pool       *credential.Pool
	limiter    *ratelimit.Limiter
	classifier *repair.Classifier
	registry   *provider.Registry
	store      Updater
	log        *slog.Logger

	maxAttempts int
	backoff     ratelimit.Backoff
	defaults    map[provider.Capability]string
	fallbacks   map[provider.Capability]string
}

func NewGenerator(pool *credential.Pool, limiter *ratelimit.Limiter, classifier *repair.Classifier, registry *provider.Registry, st Updater, logger *slog.Logger, opts Options) *Generator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = ratelimit.DefaultBackoff()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		pool:        pool,
		limiter:     limiter,
		classifier:  classifier,
		registry:    registry,
		store:       st,
		log:         logger,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		defaults:    opts.Defaults,
		fallbacks:   opts.Fallbacks,
	}
}

// artifacts are staged here and only written to the segment once every step succeeded.
type artifacts struct {
	prompt       string
	narration    string
	voiceActorID string
	imageURL     string
	videoURL     string
	audioURL     string
}

type runState struct {
	req       Request
	failures  int
	throttled int
	unknown   int
	lastKind  repair.Kind
	lastErr   string
}

func (st *runState) cancelled() bool {
	return st.req.Cancelled != nil && st.req.Cancelled()
}

var errCanceled = errors.New("segment run canceled")

type failure struct {
	kind repair.Kind
	msg  string
}

func (f *failure) Error() string { return fmt.Sprintf("%s: %s", f.kind, f.msg) }

// Generate runs one segment through script, image, video and audio generation.
// Provider errors never escape: the result is completed, failed or canceled.
func (g *Generator) Generate(ctx context.Context, req Request) Result {
	prev := req.Segment
	st := &runState{req: req}
	if st.cancelled() {
		return Result{Outcome: OutcomeCanceled, Segment: prev}
	}

	staged := artifacts{
		prompt:       firstNonEmpty(req.Overrides.Prompt, prev.Prompt),
		narration:    firstNonEmpty(req.Overrides.Narration, prev.Narration),
		voiceActorID: firstNonEmpty(req.Overrides.VoiceActorID, prev.VoiceActorID, req.Config.VoiceActorID),
	}

	if _, err := g.store.UpdateSegment(ctx, req.TaskID, prev.ID, func(s *model.Segment) error {
		s.Status = model.SegmentGenerating
		s.Progress = 0
		s.Stage = ""
		s.ErrorKind = ""
		s.Error = ""
		return nil
	}); err != nil {
		return storeError(prev, fmt.Errorf("mark segment %d generating: %w", prev.ID, err))
	}

	err := g.run(ctx, st, &staged)
	switch {
	case err == nil:
		return g.complete(ctx, st, staged)
	case errors.Is(err, errCanceled):
		return g.revert(ctx, req.TaskID, prev)
	default:
		var f *failure
		if !errors.As(err, &f) {
			f = &failure{kind: repair.KindUnknown, msg: err.Error()}
		}
		return g.fail(ctx, st, prev, f)
	}
}

func (g *Generator) run(ctx context.Context, st *runState, staged *artifacts) error {
	req := st.req
	cfg := req.Config
	seg := req.Segment
	base := provider.ExecuteInput{
		TaskID:          req.TaskID,
		SegmentID:       seg.ID,
		Language:        cfg.Language,
		Style:           cfg.Style,
		DurationSeconds: model.SegmentDurationSeconds,
	}

	if staged.prompt == "" {
		if err := g.stage(ctx, req, StageScript); err != nil {
			return err
		}
		in := base
		in.Capability = provider.CapabilityScript
		in.Narration = staged.narration
		out, err := g.call(ctx, st, in)
		if err != nil {
			return err
		}
		staged.prompt = firstNonEmpty(out.Prompt, staged.narration)
		if req.Overrides.Narration == "" && out.Narration != "" {
			staged.narration = out.Narration
		}
	}

	if cfg.GenerateImages {
		if err := g.stage(ctx, req, StageImage); err != nil {
			return err
		}
		in := base
		in.Capability = provider.CapabilityImage
		in.Prompt = staged.prompt
		out, err := g.call(ctx, st, in)
		if err != nil {
			return err
		}
		staged.imageURL = out.URL
	}

	if err := g.stage(ctx, req, StageVideo); err != nil {
		return err
	}
	in := base
	in.Capability = provider.CapabilityVideo
	in.Prompt = staged.prompt
	in.ImageURL = staged.imageURL
	out, err := g.call(ctx, st, in)
	if err != nil {
		return err
	}
	staged.videoURL = out.URL

	if staged.narration != "" {
		if err := g.stage(ctx, req, StageAudio); err != nil {
			return err
		}
		in := base
		in.Capability = provider.CapabilityAudio
		in.Narration = staged.narration
		in.VoiceActorID = staged.voiceActorID
		out, err := g.call(ctx, st, in)
		if err != nil {
			return err
		}
		staged.audioURL = out.URL
	}
	if st.cancelled() {
		return errCanceled
	}
	return nil
}

func (g *Generator) stage(ctx context.Context, req Request, stage string) error {
	if req.Cancelled != nil && req.Cancelled() {
		return errCanceled
	}
	_, err := g.store.UpdateSegment(ctx, req.TaskID, req.Segment.ID, func(s *model.Segment) error {
		s.Stage = stage
		s.Progress = stageProgress[stage]
		return nil
	})
	return err
}

// call performs one capability call, rotating credentials and providers as the
// repair policy dictates, until it succeeds or the segment budget runs out.
func (g *Generator) call(ctx context.Context, st *runState, in provider.ExecuteInput) (provider.ExecuteOutput, error) {
	providerName, modelName := g.route(st.req.Config, in.Capability)
	fallback := g.fallbacks[in.Capability]
	onFallback := false
	var exclude []string
	preferID := ""

	for {
		if st.cancelled() {
			return provider.ExecuteOutput{}, errCanceled
		}
		if st.failures >= g.maxAttempts {
			return provider.ExecuteOutput{}, &failure{kind: st.lastKind, msg: st.lastErr}
		}
		adapter, ok := g.registry.Get(providerName)
		if !ok {
			if fallback != "" && !onFallback && fallback != providerName {
				providerName, modelName, onFallback = fallback, "", true
				continue
			}
			return provider.ExecuteOutput{}, &failure{kind: repair.KindProviderUnavailable, msg: fmt.Sprintf("provider %q is not configured", providerName)}
		}

		lease, err := g.pool.AcquirePreferred(ctx, providerName, preferID, exclude...)
		if err != nil {
			if ctx.Err() != nil {
				return provider.ExecuteOutput{}, errCanceled
			}
			if errors.Is(err, credential.ErrUnknownProvider) {
				return provider.ExecuteOutput{}, &failure{kind: repair.KindProviderUnavailable, msg: err.Error()}
			}
			st.failures++
			st.lastKind, st.lastErr = repair.KindCredentialExhausted, err.Error()
			g.log.Warn("credential_exhausted", "task_id", st.req.TaskID, "segment_id", in.SegmentID, "provider", providerName, "attempt", st.failures)
			if st.failures >= g.maxAttempts {
				continue
			}
			if !g.sleep(ctx, st, g.backoff.Delay(st.failures)) {
				return provider.ExecuteOutput{}, errCanceled
			}
			continue
		}

		release, err := g.limiter.Acquire(ctx, providerName)
		if err != nil {
			g.pool.Release(lease, credential.OutcomeNeutral, 0)
			return provider.ExecuteOutput{}, errCanceled
		}
		call := in
		call.Model = modelName
		call.CredentialID = lease.ID
		call.CredentialSecret = lease.Secret
		// dispatched calls run to completion even if the task is cancelled meanwhile
		out, pErr := adapter.Execute(context.WithoutCancel(ctx), call)
		release()

		if pErr == nil {
			g.pool.Release(lease, credential.OutcomeSuccess, 0)
			g.classifier.RecordSuccess(providerName)
			if st.cancelled() {
				return provider.ExecuteOutput{}, errCanceled
			}
			return out, nil
		}

		kind := g.classifier.Classify(providerName, lease.ID, pErr)
		switch kind {
		case repair.KindThrottled:
			g.pool.Release(lease, credential.OutcomeThrottled, pErr.RetryAfter)
		case repair.KindCanceled:
			g.pool.Release(lease, credential.OutcomeNeutral, 0)
			return provider.ExecuteOutput{}, errCanceled
		default:
			g.pool.Release(lease, credential.OutcomeFailure, 0)
		}

		st.failures++
		switch kind {
		case repair.KindThrottled:
			st.throttled++
		case repair.KindUnknown:
			st.unknown++
		}
		st.lastKind, st.lastErr = kind, pErr.Message()

		action := repair.Decide(kind, repair.Attempt{
			UnknownSeen: st.unknown,
			HasFallback: fallback != "" && fallback != providerName,
			OnFallback:  onFallback,
		})
		g.log.Warn("provider_call_failed",
			"task_id", st.req.TaskID,
			"segment_id", in.SegmentID,
			"capability", in.Capability,
			"provider", providerName,
			"credential_id", lease.ID,
			"attempt", st.failures,
			"kind", kind,
			"action", action,
			"code", pErr.Code,
		)
		g.recordAttempt(ctx, st)

		if st.failures >= g.maxAttempts {
			continue
		}
		switch action {
		case repair.ActionFatal:
			return provider.ExecuteOutput{}, &failure{kind: kind, msg: st.lastErr}
		case repair.ActionRetryDifferentCredential:
			exclude = append(exclude, lease.ID)
			preferID = ""
		case repair.ActionSwitchFallback:
			providerName, modelName, onFallback = fallback, "", true
			exclude, preferID = nil, ""
		case repair.ActionRetrySameAfterDelay:
			preferID = lease.ID
			if !g.sleep(ctx, st, g.backoff.Delay(st.failures)) {
				return provider.ExecuteOutput{}, errCanceled
			}
		}
	}
}

func (g *Generator) route(cfg model.TaskConfig, capability provider.Capability) (string, string) {
	m := cfg.Models
	var name, modelName string
	switch capability {
	case provider.CapabilityScript:
		name, modelName = m.LLMProvider, m.LLMModel
	case provider.CapabilityImage:
		name, modelName = m.ImageProvider, m.ImageModel
	case provider.CapabilityVideo:
		name, modelName = m.VideoProvider, m.VideoModel
	case provider.CapabilityAudio:
		name, modelName = m.TTSProvider, m.TTSModel
	}
	if name == "" {
		name = g.defaults[capability]
	}
	return name, modelName
}

func (g *Generator) recordAttempt(ctx context.Context, st *runState) {
	_, err := g.store.UpdateSegment(ctx, st.req.TaskID, st.req.Segment.ID, func(s *model.Segment) error {
		s.RetryCount = st.req.Segment.RetryCount + st.failures
		return nil
	})
	if err != nil {
		g.log.Error("segment_update_failed", "task_id", st.req.TaskID, "segment_id", st.req.Segment.ID, "error", err)
	}
}

// sleep waits d, polling for cancellation like every other suspension point.
func (g *Generator) sleep(ctx context.Context, st *runState, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if st.cancelled() || ctx.Err() != nil {
			return false
		}
		left := time.Until(deadline)
		if left <= 0 {
			return true
		}
		if left > 100*time.Millisecond {
			left = 100 * time.Millisecond
		}
		time.Sleep(left)
	}
}

func (g *Generator) complete(ctx context.Context, st *runState, staged artifacts) Result {
	prevRetries := st.req.Segment.RetryCount
	seg, err := g.store.UpdateSegment(ctx, st.req.TaskID, st.req.Segment.ID, func(s *model.Segment) error {
		s.Status = model.SegmentCompleted
		s.Progress = 100
		s.Stage = StageDone
		s.Prompt = staged.prompt
		s.Narration = staged.narration
		s.VoiceActorID = staged.voiceActorID
		if staged.imageURL != "" {
			s.ImageURL = staged.imageURL
		}
		s.VideoURL = staged.videoURL
		s.AudioURL = staged.audioURL
		s.ErrorKind = ""
		s.Error = ""
		// throttles answered by a fresh credential cost nothing
		s.RetryCount = prevRetries + st.failures - st.throttled
		return nil
	})
	if err != nil {
		return storeError(st.req.Segment, fmt.Errorf("complete segment %d: %w", st.req.Segment.ID, err))
	}
	g.log.Info("segment_completed", "task_id", st.req.TaskID, "segment_id", seg.ID, "retries", seg.RetryCount)
	return Result{Outcome: OutcomeCompleted, Segment: seg}
}

func (g *Generator) fail(ctx context.Context, st *runState, prev model.Segment, f *failure) Result {
	kind := f.kind
	if kind == "" {
		kind = repair.KindUnknown
	}
	seg, err := g.store.UpdateSegment(ctx, st.req.TaskID, prev.ID, func(s *model.Segment) error {
		if prev.Status == model.SegmentCompleted {
			// a failed regeneration keeps the previous deliverable
			s.Status = model.SegmentCompleted
			s.Progress = 100
			s.Stage = StageDone
		} else {
			s.Status = model.SegmentFailed
			s.Stage = ""
		}
		s.ErrorKind = string(kind)
		s.Error = f.msg
		s.RetryCount = prev.RetryCount + st.failures
		return nil
	})
	if err != nil {
		return storeError(prev, fmt.Errorf("fail segment %d: %w", prev.ID, err))
	}
	g.log.Warn("segment_failed", "task_id", st.req.TaskID, "segment_id", prev.ID, "kind", kind, "error", f.msg)
	return Result{Outcome: OutcomeFailed, Segment: seg, Kind: kind, Error: f.msg}
}

func (g *Generator) revert(ctx context.Context, taskID string, prev model.Segment) Result {
	seg, err := g.store.UpdateSegment(context.WithoutCancel(ctx), taskID, prev.ID, func(s *model.Segment) error {
		s.Status = prev.Status
		s.Progress = prev.Progress
		s.Stage = prev.Stage
		s.ErrorKind = prev.ErrorKind
		s.Error = prev.Error
		s.RetryCount = prev.RetryCount
		return nil
	})
	if err != nil {
		seg = prev
	}
	return Result{Outcome: OutcomeCanceled, Segment: seg, Kind: repair.KindCanceled}
}

func storeError(seg model.Segment, err error) Result {
	return Result{Outcome: OutcomeStoreError, Segment: seg, Kind: repair.KindUnknown, Error: err.Error(), Err: err}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
