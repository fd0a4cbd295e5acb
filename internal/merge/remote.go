package merge

import (
	"context"
	"fmt"
	"strings"

	"stv/longvideo/internal/model"

	"github.com/memory-overflow/go-common-library/httpcall"
)

// RemoteCompositor delegates the merge to a compositing service over JSON.
type RemoteCompositor struct {
	EndPoint string
}

func NewRemoteCompositor(endpoint string) *RemoteCompositor {
	return &RemoteCompositor{EndPoint: strings.TrimRight(endpoint, "/")}
}

type remoteSegment struct {
	ID        int    `json:"id"`
	VideoURL  string `json:"video_url"`
	AudioURL  string `json:"audio_url,omitempty"`
	Narration string `json:"narration,omitempty"`
}

type composeRequest struct {
	TaskID       string                 `json:"task_id"`
	Segments     []remoteSegment        `json:"segments"`
	Volumes      model.VolumeLevels     `json:"volumes"`
	Subtitles    model.SubtitleSettings `json:"subtitles"`
	SRT          string                 `json:"srt,omitempty"`
	BGMURL       string                 `json:"bgm_url,omitempty"`
	TotalSeconds int                    `json:"total_seconds"`
}

type composeResponse struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	VideoURL    string `json:"video_url"`
	SubtitleURL string `json:"subtitle_url"`
}

func (r *RemoteCompositor) Compose(ctx context.Context, job Job) (Output, error) {
	if r.EndPoint == "" {
		return Output{}, ErrCompositorUnavailable
	}
	req := composeRequest{
		TaskID:       job.TaskID,
		Volumes:      job.Params.Volumes,
		Subtitles:    job.Params.Subtitles,
		BGMURL:       job.Params.BGMURL,
		TotalSeconds: job.TotalSeconds(),
	}
	for _, s := range job.Segments {
		req.Segments = append(req.Segments, remoteSegment{ID: s.ID, VideoURL: s.VideoURL, AudioURL: s.AudioURL, Narration: s.Narration})
	}
	if job.Params.Subtitles.Enabled {
		req.SRT = BuildSRT(job.Segments, job.Params.Subtitles)
	}
	rsp := composeResponse{}
	if err := httpcall.JsonPost(ctx, r.EndPoint+"/Compose", nil, req, &rsp); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrCompositorUnavailable, err)
	}
	if rsp.Code != 0 {
		return Output{}, fmt.Errorf("remote compose failed, code %d: %s", rsp.Code, rsp.Message)
	}
	if rsp.VideoURL == "" {
		return Output{}, fmt.Errorf("remote compose returned no video url")
	}
	return Output{VideoURL: rsp.VideoURL, SubtitleURL: rsp.SubtitleURL}, nil
}
