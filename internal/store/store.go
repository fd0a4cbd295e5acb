package store

import (
	"context"
	"errors"

	"stv/longvideo/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Store persists tasks, segments and task events. Every mutation is written before
// it returns so a restarted process can resume from the stored state alone.
type Store interface {
	// CreateTask stores a task and all of its segments. A task with the same owner and
	// idempotency key is returned unchanged instead.
	CreateTask(ctx context.Context, task model.Task, segments []model.Segment) (model.Task, error)
	GetTask(ctx context.Context, taskID string) (model.Task, error)
	UpdateTask(ctx context.Context, taskID string, fn func(*model.Task) error) (model.Task, error)
	ListTasks(ctx context.Context, ownerID string) ([]model.Task, error)
	ListUnfinishedTasks(ctx context.Context) ([]model.Task, error)
	FindByIdempotency(ctx context.Context, ownerID, key string) (model.Task, bool, error)

	GetSegments(ctx context.Context, taskID string) ([]model.Segment, error)
	GetSegment(ctx context.Context, taskID string, segmentID int) (model.Segment, error)
	UpdateSegment(ctx context.Context, taskID string, segmentID int, fn func(*model.Segment) error) (model.Segment, error)
	// ListGeneratingSegments returns segments of any task left in generating, which
	// after a restart means their generator died with the old process.
	ListGeneratingSegments(ctx context.Context) ([]model.Segment, error)

	AppendEvent(ctx context.Context, taskID string, event model.TaskEvent) (model.TaskEvent, error)
	ListEventsFromSeq(ctx context.Context, taskID string, fromSeq int64) ([]model.TaskEvent, error)
}
