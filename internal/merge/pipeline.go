package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"stv/longvideo/internal/model"
)

var (
	ErrNoSegments            = errors.New("no completed segment with a playable video")
	ErrCompositorUnavailable = errors.New("compositor unavailable")
)

type Params struct {
	Volumes   model.VolumeLevels
	Subtitles model.SubtitleSettings
	BGMURL    string
}

// Job is what a compositor receives: mergeable segments in id order.
type Job struct {
	TaskID   string
	Segments []model.Segment
	Params   Params
}

// TotalSeconds is the running time of the merged output.
func (j Job) TotalSeconds() int {
	return len(j.Segments) * model.SegmentDurationSeconds
}

type Output struct {
	VideoURL    string
	SubtitleURL string
}

type Compositor interface {
	Compose(ctx context.Context, job Job) (Output, error)
}

// Pipeline composes a task's finished segments, degrading from the local compositor
// to the remote one and finally to a plain ordered list of clip URLs.
type Pipeline struct {
	local      Compositor
	remote     Compositor
	log        *slog.Logger
	retryDelay time.Duration
}

func NewPipeline(local, remote Compositor, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{local: local, remote: remote, log: logger, retryDelay: 2 * time.Second}
}

// WithRetryDelay sets the pause before the local retry.
func (p *Pipeline) WithRetryDelay(d time.Duration) *Pipeline {
	p.retryDelay = d
	return p
}

// Mergeable keeps segments with a finished video, ordered by id. A segment being
// regenerated still holds its previous video until the new one succeeds.
func Mergeable(segments []model.Segment) []model.Segment {
	out := make([]model.Segment, 0, len(segments))
	for _, s := range segments {
		if s.VideoURL == "" {
			continue
		}
		if s.Status == model.SegmentCompleted || s.Status == model.SegmentGenerating {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pipeline) Merge(ctx context.Context, taskID string, segments []model.Segment, params Params) (model.MergeResult, error) {
	usable := Mergeable(segments)
	if len(usable) == 0 {
		return model.MergeResult{}, ErrNoSegments
	}
	job := Job{TaskID: taskID, Segments: usable, Params: params}
	warning := ""
	if skipped := len(segments) - len(usable); skipped > 0 {
		warning = fmt.Sprintf("%d of %d segments were not available and are left out", skipped, len(segments))
	}

	if p.local != nil {
		for attempt := 1; attempt <= 2; attempt++ {
			out, err := p.local.Compose(ctx, job)
			if err == nil {
				return model.MergeResult{
					Mode:        model.MergeLocal,
					VideoURL:    out.VideoURL,
					SubtitleURL: out.SubtitleURL,
					Warning:     warning,
				}, nil
			}
			p.log.Warn("local_merge_failed", "task_id", taskID, "attempt", attempt, "error", err)
			if attempt == 1 && !sleepCtx(ctx, p.retryDelay) {
				break
			}
		}
	}

	if p.remote != nil && ctx.Err() == nil {
		out, err := p.remote.Compose(ctx, job)
		if err == nil {
			return model.MergeResult{
				Mode:        model.MergeRemote,
				VideoURL:    out.VideoURL,
				SubtitleURL: out.SubtitleURL,
				Warning:     warning,
			}, nil
		}
		p.log.Warn("remote_merge_failed", "task_id", taskID, "error", err)
	}

	urls := make([]string, 0, len(usable))
	for _, s := range usable {
		urls = append(urls, s.VideoURL)
	}
	p.log.Warn("merge_degraded", "task_id", taskID, "segments", len(urls))
	msg := "Merge service unavailable; download the segments in order"
	if warning != "" {
		msg += "; " + warning
	}
	return model.MergeResult{
		Mode:        model.MergeEmergency,
		SegmentURLs: urls,
		Degraded:    true,
		Warning:     msg,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
