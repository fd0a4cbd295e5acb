package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPAdapter talks to a JSON gateway exposing POST {endpoint}/{capability}.
// The gateway answers {"url": ..., "prompt": ..., "narration": ...} on success.
type HTTPAdapter struct {
	endpoint string
	client   *http.Client
}

func NewHTTPAdapter(endpoint string, timeout time.Duration) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPAdapter{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

type gatewayRequest struct {
	Model           string         `json:"model,omitempty"`
	TaskID          string         `json:"task_id"`
	SegmentID       int            `json:"segment_id"`
	Prompt          string         `json:"prompt,omitempty"`
	Narration       string         `json:"narration,omitempty"`
	ImageURL        string         `json:"image_url,omitempty"`
	VoiceActorID    string         `json:"voice_actor_id,omitempty"`
	Language        string         `json:"language,omitempty"`
	Style           string         `json:"style,omitempty"`
	DurationSeconds int            `json:"duration_seconds,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

type gatewayResponse struct {
	URL       string         `json:"url"`
	Prompt    string         `json:"prompt"`
	Narration string         `json:"narration"`
	Output    map[string]any `json:"output"`
}

func (h *HTTPAdapter) Execute(ctx context.Context, in ExecuteInput) (ExecuteOutput, *Error) {
	body, err := json.Marshal(gatewayRequest{
		Model:           in.Model,
		TaskID:          in.TaskID,
		SegmentID:       in.SegmentID,
		Prompt:          in.Prompt,
		Narration:       in.Narration,
		ImageURL:        in.ImageURL,
		VoiceActorID:    in.VoiceActorID,
		Language:        in.Language,
		Style:           in.Style,
		DurationSeconds: in.DurationSeconds,
		Extra:           in.Payload,
	})
	if err != nil {
		return ExecuteOutput{}, &Error{Category: CategoryInvalidInput, Code: "ENCODE", UserMessage: "Invalid request", InternalMessage: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/"+string(in.Capability), bytes.NewReader(body))
	if err != nil {
		return ExecuteOutput{}, NormalizeErr(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if in.CredentialSecret != "" {
		req.Header.Set("Authorization", "Bearer "+in.CredentialSecret)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return ExecuteOutput{}, NormalizeErr(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ExecuteOutput{}, NormalizeErr(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ExecuteOutput{}, NormalizeHTTP(resp.StatusCode, raw, resp.Header.Get("Retry-After"))
	}

	var out gatewayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return ExecuteOutput{}, &Error{Category: CategoryUnknown, Code: "DECODE", StatusCode: resp.StatusCode, UserMessage: "Malformed provider response", InternalMessage: err.Error()}
	}
	if in.Capability != CapabilityScript && out.URL == "" {
		return ExecuteOutput{}, &Error{Category: CategoryUnknown, Code: "EMPTY_RESULT", StatusCode: resp.StatusCode, UserMessage: "Provider returned no artifact"}
	}
	return ExecuteOutput{URL: out.URL, Prompt: out.Prompt, Narration: out.Narration, Output: out.Output}, nil
}
