package model

import "time"

const (
	SegmentDurationSeconds = 8
	DefaultBatchSize       = 6
	MinDurationMinutes     = 1
	MaxDurationMinutes     = 60
)

type TaskStatus string

const (
	TaskPending             TaskStatus = "pending"
	TaskProcessing          TaskStatus = "processing"
	TaskCancelling          TaskStatus = "cancelling"
	TaskCancelled           TaskStatus = "cancelled"
	TaskCompleted           TaskStatus = "completed"
	TaskCompletedWithErrors TaskStatus = "completed_with_errors"
	TaskFailed              TaskStatus = "failed"
)

// Terminal reports whether no runner will touch the task again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCancelled, TaskCompleted, TaskCompletedWithErrors, TaskFailed:
		return true
	}
	return false
}

type SegmentStatus string

const (
	SegmentPending    SegmentStatus = "pending"
	SegmentGenerating SegmentStatus = "generating"
	SegmentCompleted  SegmentStatus = "completed"
	SegmentFailed     SegmentStatus = "failed"
)

// Resolved means the segment needs no more work in its batch.
func (s SegmentStatus) Resolved() bool {
	return s == SegmentCompleted || s == SegmentFailed
}

type Mode string

const (
	ModeFast    Mode = "fast"
	ModeQuality Mode = "quality"
)

type VolumeLevels struct {
	Narration float64 `json:"narration_volume"`
	BGM       float64 `json:"bgm_volume"`
	Video     float64 `json:"video_volume"`
}

func DefaultVolumes() VolumeLevels {
	return VolumeLevels{Narration: 1.0, BGM: 0.2, Video: 0.0}
}

type SubtitleSettings struct {
	Enabled         bool   `json:"enabled"`
	Font            string `json:"font,omitempty"`
	FontSize        int    `json:"font_size,omitempty"`
	Color           string `json:"color,omitempty"`
	Position        string `json:"position,omitempty"`
	MaxCharsPerLine int    `json:"max_chars_per_line,omitempty"`
}

// ModelSelection names the provider and model used for each capability.
// Empty fields fall back to service defaults.
type ModelSelection struct {
	LLMProvider   string `json:"llm_provider,omitempty"`
	LLMModel      string `json:"llm_model,omitempty"`
	ImageProvider string `json:"image_provider,omitempty"`
	ImageModel    string `json:"image_model,omitempty"`
	VideoProvider string `json:"video_provider,omitempty"`
	VideoModel    string `json:"video_model,omitempty"`
	TTSProvider   string `json:"tts_provider,omitempty"`
	TTSModel      string `json:"tts_model,omitempty"`
}

type TaskConfig struct {
	DurationMinutes int              `json:"duration_minutes"`
	Story           string           `json:"story"`
	Language        string           `json:"language"`
	VoiceActorID    string           `json:"voice_actor_id"`
	Mode            Mode             `json:"mode"`
	Style           string           `json:"style,omitempty"`
	GenerateImages  bool             `json:"generate_images"`
	Models          ModelSelection   `json:"models"`
	Volumes         VolumeLevels     `json:"volumes"`
	Subtitles       SubtitleSettings `json:"subtitles"`
	BGMURL          string           `json:"bgm_url,omitempty"`
}

type MergeMode string

const (
	MergeLocal     MergeMode = "local"
	MergeRemote    MergeMode = "remote"
	MergeEmergency MergeMode = "emergency"
)

type Task struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	Status           TaskStatus `json:"status"`
	Progress         float64    `json:"progress"`
	DurationMinutes  int        `json:"duration_minutes"`
	TotalSegments    int        `json:"total_segments"`
	TotalBatches     int        `json:"total_batches"`
	BatchSize        int        `json:"batch_size"`
	CompletedBatches int        `json:"completed_batches"`
	Config           TaskConfig `json:"config"`
	CancelRequested  bool       `json:"cancel_requested"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	MergedVideoURL   string     `json:"merged_video_url,omitempty"`
	MergeMode        MergeMode  `json:"merge_mode,omitempty"`
	IdempotencyKey   string     `json:"idempotency_key,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        time.Time  `json:"started_at,omitempty"`
	EndedAt          time.Time  `json:"ended_at,omitempty"`
}

type Segment struct {
	TaskID       string        `json:"task_id"`
	ID           int           `json:"id"`
	BatchIndex   int           `json:"batch_index"`
	Status       SegmentStatus `json:"status"`
	Progress     int           `json:"progress"`
	Stage        string        `json:"stage,omitempty"`
	Prompt       string        `json:"prompt"`
	Narration    string        `json:"narration"`
	VoiceActorID string        `json:"voice_actor_id,omitempty"`
	ImageURL     string        `json:"image_url,omitempty"`
	VideoURL     string        `json:"video_url,omitempty"`
	AudioURL     string        `json:"audio_url,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	Error        string        `json:"error,omitempty"`
	RetryCount   int           `json:"retry_count"`
	StartTime    int           `json:"start_time"`
	EndTime      int           `json:"end_time"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type Credential struct {
	ID                  string    `json:"id"`
	Provider            string    `json:"provider"`
	Secret              string    `json:"-"`
	InFlight            int       `json:"in_flight"`
	LastUsedAt          time.Time `json:"last_used_at,omitempty"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalCalls          int64     `json:"total_calls"`
}

// TaskView is the read-only projection served to pollers.
type TaskView struct {
	Task              Task      `json:"task"`
	Segments          []Segment `json:"segments"`
	CompletedSegments int       `json:"completed_segments"`
	FailedSegments    int       `json:"failed_segments"`
	PendingSegments   int       `json:"pending_segments"`
}

type MergeResult struct {
	Mode        MergeMode `json:"mode"`
	VideoURL    string    `json:"video_url,omitempty"`
	SegmentURLs []string  `json:"segment_urls,omitempty"`
	SubtitleURL string    `json:"subtitle_url,omitempty"`
	Degraded    bool      `json:"degraded"`
	Warning     string    `json:"warning,omitempty"`
}

type TaskEventType string

const (
	EventTaskCreated       TaskEventType = "task_created"
	EventTaskProgress      TaskEventType = "task_progress"
	EventBatchStarted      TaskEventType = "batch_started"
	EventBatchResolved     TaskEventType = "batch_resolved"
	EventSegmentStarted    TaskEventType = "segment_started"
	EventSegmentCompleted  TaskEventType = "segment_completed"
	EventSegmentFailed     TaskEventType = "segment_failed"
	EventTaskCancelled     TaskEventType = "task_cancelled"
	EventTaskCompleted     TaskEventType = "task_completed"
	EventTaskFailed        TaskEventType = "task_failed"
	EventMergeFinished     TaskEventType = "merge_finished"
	EventSegmentRegenerate TaskEventType = "segment_regenerate"
)

type TaskEvent struct {
	EventID string         `json:"event_id"`
	Seq     int64          `json:"seq"`
	TaskID  string         `json:"task_id"`
	Type    TaskEventType  `json:"type"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload"`
}
