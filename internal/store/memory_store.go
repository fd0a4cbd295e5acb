package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"stv/longvideo/internal/model"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu sync.RWMutex

	tasks             map[string]model.Task
	segmentsByTask    map[string][]model.Segment
	eventsByTask      map[string][]model.TaskEvent
	eventSeqByTask    map[string]int64
	idempotencyToTask map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:             map[string]model.Task{},
		segmentsByTask:    map[string][]model.Segment{},
		eventsByTask:      map[string][]model.TaskEvent{},
		eventSeqByTask:    map[string]int64{},
		idempotencyToTask: map[string]string{},
	}
}

func (s *MemoryStore) CreateTask(_ context.Context, task model.Task, segments []model.Segment) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.IdempotencyKey != "" {
		k := task.OwnerID + ":" + task.IdempotencyKey
		if existing, ok := s.idempotencyToTask[k]; ok {
			return s.tasks[existing], nil
		}
		s.idempotencyToTask[k] = task.ID
	}
	if _, ok := s.tasks[task.ID]; ok {
		return model.Task{}, ErrConflict
	}
	s.tasks[task.ID] = task
	s.segmentsByTask[task.ID] = append([]model.Segment(nil), segments...)
	s.eventsByTask[task.ID] = []model.TaskEvent{}
	s.eventSeqByTask[task.ID] = 0
	return task, nil
}

func (s *MemoryStore) FindByIdempotency(_ context.Context, ownerID, key string) (model.Task, bool, error) {
	if key == "" {
		return model.Task{}, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	taskID, ok := s.idempotencyToTask[ownerID+":"+key]
	if !ok {
		return model.Task{}, false, nil
	}
	task, ok := s.tasks[taskID]
	return task, ok, nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, taskID string, fn func(*model.Task) error) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	if err := fn(&t); err != nil {
		return model.Task{}, err
	}
	t.ID = taskID
	t.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = t
	return t, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, ownerID string) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0)
	for _, t := range s.tasks {
		if ownerID == "" || t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListUnfinishedTasks(_ context.Context) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0)
	for _, t := range s.tasks {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListGeneratingSegments(_ context.Context) ([]model.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Segment, 0)
	for _, segs := range s.segmentsByTask {
		for _, seg := range segs {
			if seg.Status == model.SegmentGenerating {
				out = append(out, seg)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetSegments(_ context.Context, taskID string) ([]model.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	segs, ok := s.segmentsByTask[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]model.Segment(nil), segs...), nil
}

func (s *MemoryStore) GetSegment(_ context.Context, taskID string, segmentID int) (model.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	segs, ok := s.segmentsByTask[taskID]
	if !ok || segmentID < 1 || segmentID > len(segs) {
		return model.Segment{}, ErrNotFound
	}
	return segs[segmentID-1], nil
}

func (s *MemoryStore) UpdateSegment(_ context.Context, taskID string, segmentID int, fn func(*model.Segment) error) (model.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs, ok := s.segmentsByTask[taskID]
	if !ok || segmentID < 1 || segmentID > len(segs) {
		return model.Segment{}, ErrNotFound
	}
	seg := segs[segmentID-1]
	if err := fn(&seg); err != nil {
		return model.Segment{}, err
	}
	// identity and timeline are fixed at creation
	orig := segs[segmentID-1]
	seg.TaskID, seg.ID, seg.BatchIndex = orig.TaskID, orig.ID, orig.BatchIndex
	seg.StartTime, seg.EndTime = orig.StartTime, orig.EndTime
	seg.UpdatedAt = time.Now().UTC()
	segs[segmentID-1] = seg
	return seg, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, taskID string, event model.TaskEvent) (model.TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return model.TaskEvent{}, ErrNotFound
	}
	seq := s.eventSeqByTask[taskID] + 1
	s.eventSeqByTask[taskID] = seq
	event.Seq = seq
	event.TaskID = taskID
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	s.eventsByTask[taskID] = append(s.eventsByTask[taskID], event)
	return event, nil
}

func (s *MemoryStore) ListEventsFromSeq(_ context.Context, taskID string, fromSeq int64) ([]model.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, ErrNotFound
	}
	events := s.eventsByTask[taskID]
	if fromSeq <= 0 {
		return append([]model.TaskEvent(nil), events...), nil
	}
	out := make([]model.TaskEvent, 0, len(events))
	for _, e := range events {
		if e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}
