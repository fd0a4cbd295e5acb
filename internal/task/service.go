package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"stv/longvideo/internal/batch"
	"stv/longvideo/internal/events"
	"stv/longvideo/internal/merge"
	"stv/longvideo/internal/model"
	"stv/longvideo/internal/repair"
	"stv/longvideo/internal/segment"
	"stv/longvideo/internal/store"

	"github.com/google/uuid"
)

var (
	ErrForbidden        = errors.New("task belongs to another owner")
	ErrSegmentBusy      = errors.New("segment is being generated")
	ErrInvalidTaskState = errors.New("invalid task state")
)

// Merger composes finished segments. *merge.Pipeline satisfies it.
type Merger interface {
	Merge(ctx context.Context, taskID string, segments []model.Segment, params merge.Params) (model.MergeResult, error)
}

type Options struct {
	BatchSize          int
	MaxConcurrentTasks int
	// FailedTaskRatio marks a finished task failed when more than this share of
	// segments failed. Zero keeps every finished task completed_with_errors.
	FailedTaskRatio float64
	AutoMerge       bool
}

// MergeRequest overrides the task's mixing and subtitle settings. Nil fields keep them.
type MergeRequest struct {
	Volumes   *model.VolumeLevels
	Subtitles *model.SubtitleSettings
	BGMURL    *string
}

type Service struct {
	store     store.Store
	hub       *events.Hub
	gen       batch.Runner
	scheduler *batch.Scheduler
	merger    Merger
	log       *slog.Logger
	opts      Options

	globalSem chan struct{}

	mu           sync.Mutex
	activeRunner map[string]bool
	cancels      map[string]chan struct{}
	// busy holds segments under regeneration with their status before it started.
	busy map[string]model.SegmentStatus
}

func NewService(st store.Store, hub *events.Hub, gen batch.Runner, merger Merger, logger *slog.Logger, opts Options) *Service {
	if opts.BatchSize < 1 {
		opts.BatchSize = model.DefaultBatchSize
	}
	if opts.MaxConcurrentTasks < 1 {
		opts.MaxConcurrentTasks = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:        st,
		hub:          hub,
		gen:          gen,
		merger:       merger,
		log:          logger,
		opts:         opts,
		globalSem:    make(chan struct{}, opts.MaxConcurrentTasks),
		activeRunner: map[string]bool{},
		cancels:      map[string]chan struct{}{},
		busy:         map[string]model.SegmentStatus{},
	}
	s.scheduler = batch.NewScheduler(announcingRunner{s: s}, logger)
	return s
}

// CreateTask validates the request, persists the task with every segment pending and
// starts it in the background. A repeated idempotency key returns the original task.
func (s *Service) CreateTask(ctx context.Context, ownerID, idempotencyKey string, cfg model.TaskConfig) (model.Task, error) {
	if err := normalizeConfig(&cfg); err != nil {
		return model.Task{}, err
	}
	if idempotencyKey != "" {
		existing, ok, err := s.store.FindByIdempotency(ctx, ownerID, idempotencyKey)
		if err != nil {
			return model.Task{}, err
		}
		if ok {
			return existing, nil
		}
	}

	totalSegments, totalBatches := model.PlanCounts(cfg.DurationMinutes, s.opts.BatchSize)
	now := time.Now().UTC()
	task := model.Task{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Status:          model.TaskPending,
		DurationMinutes: cfg.DurationMinutes,
		TotalSegments:   totalSegments,
		TotalBatches:    totalBatches,
		BatchSize:       s.opts.BatchSize,
		Config:          cfg,
		IdempotencyKey:  idempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	narrations := model.SplitStory(cfg.Story, totalSegments)
	segments := model.NewSegments(task.ID, totalSegments, s.opts.BatchSize, narrations, cfg.VoiceActorID)

	created, err := s.store.CreateTask(ctx, task, segments)
	if err != nil {
		return model.Task{}, fmt.Errorf("create task: %w", err)
	}
	if created.ID != task.ID {
		return created, nil
	}
	s.publishEvent(ctx, created.ID, model.EventTaskCreated, map[string]any{
		"status":         created.Status,
		"total_segments": created.TotalSegments,
		"total_batches":  created.TotalBatches,
	})
	s.log.Info("task_created",
		"task_id", created.ID,
		"owner_id", ownerID,
		"duration_minutes", cfg.DurationMinutes,
		"total_segments", totalSegments,
		"total_batches", totalBatches,
	)
	s.startRunnerIfNeeded(created.ID)
	return created, nil
}

// GetStatus reads the stored task and segments without touching in-flight work.
func (s *Service) GetStatus(ctx context.Context, ownerID, taskID string) (model.TaskView, error) {
	task, err := s.ownedTask(ctx, ownerID, taskID)
	if err != nil {
		return model.TaskView{}, err
	}
	segs, err := s.store.GetSegments(ctx, taskID)
	if err != nil {
		return model.TaskView{}, err
	}
	view := model.TaskView{Task: task, Segments: segs}
	for _, seg := range segs {
		switch seg.Status {
		case model.SegmentCompleted:
			view.CompletedSegments++
		case model.SegmentFailed:
			view.FailedSegments++
		case model.SegmentPending:
			view.PendingSegments++
		}
	}
	return view, nil
}

func (s *Service) ListTasks(ctx context.Context, ownerID string) ([]model.Task, error) {
	return s.store.ListTasks(ctx, ownerID)
}

func (s *Service) ListEventsFrom(ctx context.Context, ownerID, taskID string, fromSeq int64) ([]model.TaskEvent, error) {
	if _, err := s.ownedTask(ctx, ownerID, taskID); err != nil {
		return nil, err
	}
	return s.store.ListEventsFromSeq(ctx, taskID, fromSeq)
}

// Cancel asks a running task to stop. Dispatched provider calls finish but their
// results are dropped. Cancelling a terminal task changes nothing.
func (s *Service) Cancel(ctx context.Context, ownerID, taskID string) (model.Task, error) {
	task, err := s.ownedTask(ctx, ownerID, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if task.Status.Terminal() || task.CancelRequested {
		return task, nil
	}
	task, err = s.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		if t.Status.Terminal() {
			return nil
		}
		t.CancelRequested = true
		t.Status = model.TaskCancelling
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	s.mu.Lock()
	ch, running := s.cancels[taskID]
	if running {
		closeOnce(ch)
	}
	s.mu.Unlock()

	s.publishEvent(ctx, taskID, model.EventTaskProgress, map[string]any{
		"status":           task.Status,
		"cancel_requested": true,
		"progress":         task.Progress,
	})
	s.log.Info("task_cancel_requested", "task_id", taskID)
	if !running {
		s.finishCancelled(ctx, taskID)
		return s.store.GetTask(ctx, taskID)
	}
	return task, nil
}

// RegenerateSegment runs one segment again in the background with optional new inputs.
// The segment keeps its previous artifacts unless the new run succeeds.
func (s *Service) RegenerateSegment(ctx context.Context, ownerID, taskID string, segmentID int, ov segment.Overrides) (model.Segment, error) {
	task, err := s.ownedTask(ctx, ownerID, taskID)
	if err != nil {
		return model.Segment{}, err
	}
	if task.Status == model.TaskCancelling {
		return model.Segment{}, ErrInvalidTaskState
	}
	seg, err := s.store.GetSegment(ctx, taskID, segmentID)
	if err != nil {
		return model.Segment{}, err
	}

	key := segmentKey(taskID, segmentID)
	s.mu.Lock()
	_, regenerating := s.busy[key]
	owned := s.activeRunner[taskID] && !seg.Status.Resolved()
	if regenerating || owned || seg.Status == model.SegmentGenerating {
		s.mu.Unlock()
		return model.Segment{}, ErrSegmentBusy
	}
	s.busy[key] = seg.Status
	s.mu.Unlock()

	s.publishEvent(ctx, taskID, model.EventSegmentRegenerate, map[string]any{
		"segment_id":      segmentID,
		"previous_status": seg.Status,
	})
	s.log.Info("segment_regenerate", "task_id", taskID, "segment_id", segmentID, "previous_status", seg.Status)

	req := segment.Request{
		TaskID:    taskID,
		Segment:   seg,
		Config:    task.Config,
		Overrides: ov,
		Cancelled: s.cancelledFunc(taskID),
	}
	go func() {
		res := s.gen.Generate(context.Background(), req)
		s.mu.Lock()
		delete(s.busy, key)
		s.mu.Unlock()
		s.segmentResolved(taskID)(res)
	}()

	seg.Status = model.SegmentGenerating
	seg.Progress = 0
	return seg, nil
}

// Merge composes the task's completed segments. Missing fields in req fall back to the
// task's own configuration. Zero usable segments is merge.ErrNoSegments.
func (s *Service) Merge(ctx context.Context, ownerID, taskID string, req MergeRequest) (model.MergeResult, error) {
	task, err := s.ownedTask(ctx, ownerID, taskID)
	if err != nil {
		return model.MergeResult{}, err
	}
	if !task.Status.Terminal() {
		return model.MergeResult{}, ErrInvalidTaskState
	}
	params := merge.Params{
		Volumes:   task.Config.Volumes,
		Subtitles: task.Config.Subtitles,
		BGMURL:    task.Config.BGMURL,
	}
	if req.Volumes != nil {
		if err := validateVolumes(*req.Volumes); err != nil {
			return model.MergeResult{}, err
		}
		params.Volumes = *req.Volumes
	}
	if req.Subtitles != nil {
		subs := *req.Subtitles
		if err := normalizeSubtitles(&subs); err != nil {
			return model.MergeResult{}, err
		}
		params.Subtitles = subs
	}
	if req.BGMURL != nil {
		if err := validateBGM(*req.BGMURL); err != nil {
			return model.MergeResult{}, err
		}
		params.BGMURL = *req.BGMURL
	}
	return s.merge(ctx, taskID, params)
}

// Resume recovers segments left generating by a crashed process, then restarts every
// unfinished task found in the store.
func (s *Service) Resume(ctx context.Context) (int, error) {
	if err := s.recoverInterrupted(ctx); err != nil {
		return 0, err
	}
	tasks, err := s.store.ListUnfinishedTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished tasks: %w", err)
	}
	resumed := 0
	for _, task := range tasks {
		if task.CancelRequested || task.Status == model.TaskCancelling {
			s.finishCancelled(ctx, task.ID)
			continue
		}
		s.log.Info("task_resumed", "task_id", task.ID, "completed_batches", task.CompletedBatches, "total_batches", task.TotalBatches)
		s.startRunnerIfNeeded(task.ID)
		resumed++
	}
	return resumed, nil
}

// recoverInterrupted settles every segment still marked generating. One that kept an
// earlier video is completed again. Otherwise it goes back to pending when its task will
// run again, and fails with an interrupted error on a finished task so it can be regenerated.
func (s *Service) recoverInterrupted(ctx context.Context) error {
	segs, err := s.store.ListGeneratingSegments(ctx)
	if err != nil {
		return fmt.Errorf("list generating segments: %w", err)
	}
	touched := map[string]bool{}
	for _, stale := range segs {
		task, err := s.store.GetTask(ctx, stale.TaskID)
		if err != nil {
			s.log.Error("segment_recover_failed", "task_id", stale.TaskID, "segment_id", stale.ID, "error", err)
			continue
		}
		seg, err := s.store.UpdateSegment(ctx, stale.TaskID, stale.ID, func(sg *model.Segment) error {
			if sg.Status != model.SegmentGenerating {
				return nil
			}
			switch {
			case sg.VideoURL != "":
				sg.Status = model.SegmentCompleted
				sg.Progress = 100
				sg.Stage = segment.StageDone
			case !task.Status.Terminal():
				sg.Status = model.SegmentPending
				sg.Progress = 0
				sg.Stage = ""
			default:
				sg.Status = model.SegmentFailed
				sg.Progress = 0
				sg.Stage = ""
				sg.ErrorKind = string(repair.KindInterrupted)
				sg.Error = "generation was interrupted by a restart"
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("recover segment %d of task %s: %w", stale.ID, stale.TaskID, err)
		}
		s.log.Warn("segment_recovered", "task_id", seg.TaskID, "segment_id", seg.ID, "status", seg.Status)
		if seg.Status == model.SegmentFailed {
			s.publishEvent(ctx, seg.TaskID, model.EventSegmentFailed, map[string]any{
				"segment_id": seg.ID,
				"error_kind": seg.ErrorKind,
				"error":      seg.Error,
			})
		}
		touched[seg.TaskID] = true
	}
	for taskID := range touched {
		s.updateProgress(ctx, taskID)
	}
	return nil
}

func (s *Service) ownedTask(ctx context.Context, ownerID, taskID string) (model.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if task.OwnerID != ownerID {
		return model.Task{}, ErrForbidden
	}
	return task, nil
}

func (s *Service) startRunnerIfNeeded(taskID string) {
	s.mu.Lock()
	if s.activeRunner[taskID] {
		s.mu.Unlock()
		return
	}
	s.activeRunner[taskID] = true
	ch := make(chan struct{})
	s.cancels[taskID] = ch
	s.mu.Unlock()

	go s.runTask(taskID, ch)
}

func (s *Service) finishRunner(taskID string) {
	s.mu.Lock()
	delete(s.activeRunner, taskID)
	delete(s.cancels, taskID)
	s.mu.Unlock()
}

func (s *Service) runTask(taskID string, cancelCh chan struct{}) {
	ctx := context.Background()
	defer s.finishRunner(taskID)

	select {
	case s.globalSem <- struct{}{}:
		defer func() { <-s.globalSem }()
	case <-cancelCh:
		s.finishCancelled(ctx, taskID)
		return
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.log.Error("task_load_failed", "task_id", taskID, "error", err)
		return
	}
	if task.Status.Terminal() {
		return
	}
	if isClosed(cancelCh) || task.CancelRequested {
		s.finishCancelled(ctx, taskID)
		return
	}
	if task.Status == model.TaskPending {
		task, err = s.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
			t.Status = model.TaskProcessing
			if t.StartedAt.IsZero() {
				t.StartedAt = time.Now().UTC()
			}
			return nil
		})
		if err != nil {
			s.failTask(ctx, taskID, err)
			return
		}
		s.publishEvent(ctx, taskID, model.EventTaskProgress, map[string]any{
			"status":   task.Status,
			"progress": task.Progress,
		})
	}

	cancelled := s.cancelledFunc(taskID)
	// Batches below CompletedBatches only hold pending segments after a restart
	// recovered an interrupted regeneration; anything else there is resolved.
	for b := 0; b < task.TotalBatches; b++ {
		if cancelled() {
			s.finishCancelled(ctx, taskID)
			return
		}
		segs, err := s.store.GetSegments(ctx, taskID)
		if err != nil {
			s.failTask(ctx, taskID, err)
			return
		}
		reqs := make([]segment.Request, 0, task.BatchSize)
		for _, seg := range segs {
			if seg.BatchIndex != b || seg.Status != model.SegmentPending {
				continue
			}
			reqs = append(reqs, segment.Request{
				TaskID:    taskID,
				Segment:   seg,
				Config:    task.Config,
				Cancelled: cancelled,
			})
		}
		if b < task.CompletedBatches && len(reqs) == 0 {
			continue
		}

		var summary batch.Summary
		if len(reqs) > 0 {
			s.publishEvent(ctx, taskID, model.EventBatchStarted, map[string]any{
				"batch_index": b,
				"segments":    len(reqs),
			})
			s.log.Info("batch_started", "task_id", taskID, "batch_index", b, "segments", len(reqs))
			summary = s.scheduler.RunBatch(ctx, reqs, task.BatchSize, s.segmentResolved(taskID))
			if summary.Err != nil {
				s.failTask(ctx, taskID, summary.Err)
				return
			}
			if !summary.Resolved() {
				s.finishCancelled(ctx, taskID)
				return
			}
		}

		task, err = s.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
			if t.CompletedBatches < b+1 {
				t.CompletedBatches = b + 1
			}
			return nil
		})
		if err != nil {
			s.failTask(ctx, taskID, err)
			return
		}
		s.publishEvent(ctx, taskID, model.EventBatchResolved, map[string]any{
			"batch_index": b,
			"completed":   summary.Completed,
			"failed":      summary.Failed,
		})
	}
	s.finalize(ctx, taskID)
}

// announcingRunner publishes segment_started before handing the segment to the generator.
type announcingRunner struct {
	s *Service
}

func (r announcingRunner) Generate(ctx context.Context, req segment.Request) segment.Result {
	r.s.publishEvent(ctx, req.TaskID, model.EventSegmentStarted, map[string]any{
		"segment_id":  req.Segment.ID,
		"batch_index": req.Segment.BatchIndex,
	})
	return r.s.gen.Generate(ctx, req)
}

func (s *Service) segmentResolved(taskID string) func(segment.Result) {
	return func(res segment.Result) {
		ctx := context.Background()
		switch res.Outcome {
		case segment.OutcomeCompleted:
			s.publishEvent(ctx, taskID, model.EventSegmentCompleted, map[string]any{
				"segment_id":  res.Segment.ID,
				"video_url":   res.Segment.VideoURL,
				"retry_count": res.Segment.RetryCount,
			})
		case segment.OutcomeFailed:
			s.publishEvent(ctx, taskID, model.EventSegmentFailed, map[string]any{
				"segment_id": res.Segment.ID,
				"error_kind": res.Kind,
				"error":      res.Error,
			})
		case segment.OutcomeStoreError:
			s.log.Error("segment_persist_failed", "task_id", taskID, "segment_id", res.Segment.ID, "error", res.Err)
			return
		default:
			return
		}
		s.updateProgress(ctx, taskID)
	}
}

func (s *Service) updateProgress(ctx context.Context, taskID string) {
	segs, err := s.store.GetSegments(ctx, taskID)
	if err != nil {
		return
	}
	progress := calcProgress(segs)
	task, err := s.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Progress = progress
		return nil
	})
	if err != nil {
		return
	}
	s.publishEvent(ctx, taskID, model.EventTaskProgress, map[string]any{
		"status":   task.Status,
		"progress": task.Progress,
	})
}

func (s *Service) finalize(ctx context.Context, taskID string) {
	segs, err := s.store.GetSegments(ctx, taskID)
	if err != nil {
		s.failTask(ctx, taskID, err)
		return
	}
	completed, failed := 0, 0
	s.mu.Lock()
	for _, seg := range segs {
		status := seg.Status
		if prev, ok := s.busy[segmentKey(taskID, seg.ID)]; ok {
			status = prev
		}
		switch status {
		case model.SegmentCompleted:
			completed++
		case model.SegmentFailed:
			failed++
		}
	}
	s.mu.Unlock()

	total := len(segs)
	now := time.Now().UTC()
	task, err := s.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Progress = calcProgress(segs)
		t.EndedAt = now
		// every batch resolved before the cancel was observed
		t.CancelRequested = false
		switch {
		case completed == total:
			t.Status = model.TaskCompleted
			t.ErrorCode, t.ErrorMessage = "", ""
		case s.opts.FailedTaskRatio > 0 && float64(failed)/float64(total) > s.opts.FailedTaskRatio:
			t.Status = model.TaskFailed
			t.ErrorCode = "TOO_MANY_FAILED_SEGMENTS"
			t.ErrorMessage = fmt.Sprintf("%d of %d segments failed", failed, total)
		default:
			t.Status = model.TaskCompletedWithErrors
			t.ErrorCode = "SEGMENTS_FAILED"
			t.ErrorMessage = fmt.Sprintf("%d of %d segments failed; retry them individually", failed, total)
		}
		return nil
	})
	if err != nil {
		s.log.Error("task_finalize_failed", "task_id", taskID, "error", err)
		return
	}

	evt := model.EventTaskCompleted
	if task.Status == model.TaskFailed {
		evt = model.EventTaskFailed
	}
	s.publishEvent(ctx, taskID, evt, map[string]any{
		"status":    task.Status,
		"progress":  task.Progress,
		"completed": completed,
		"failed":    failed,
	})
	s.log.Info("task_finished", "task_id", taskID, "status", task.Status, "completed", completed, "failed", failed)

	if task.Status == model.TaskCompleted && s.opts.AutoMerge && s.merger != nil {
		params := merge.Params{
			Volumes:   task.Config.Volumes,
			Subtitles: task.Config.Subtitles,
			BGMURL:    task.Config.BGMURL,
		}
		if _, err := s.merge(ctx, taskID, params); err != nil {
			s.log.Error("auto_merge_failed", "task_id", taskID, "error", err)
		}
	}
}

func (s *Service) merge(ctx context.Context, taskID string, params merge.Params) (model.MergeResult, error) {
	if s.merger == nil {
		return model.MergeResult{}, merge.ErrCompositorUnavailable
	}
	segs, err := s.store.GetSegments(ctx, taskID)
	if err != nil {
		return model.MergeResult{}, err
	}
	res, err := s.merger.Merge(ctx, taskID, segs, params)
	if err != nil {
		return model.MergeResult{}, err
	}
	if _, err := s.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.MergedVideoURL = res.VideoURL
		t.MergeMode = res.Mode
		return nil
	}); err != nil {
		return model.MergeResult{}, err
	}
	s.publishEvent(ctx, taskID, model.EventMergeFinished, map[string]any{
		"mode":      res.Mode,
		"video_url": res.VideoURL,
		"degraded":  res.Degraded,
		"segments":  len(res.SegmentURLs),
	})
	s.log.Info("merge_finished", "task_id", taskID, "mode", res.Mode, "degraded", res.Degraded)
	return res, nil
}

func (s *Service) finishCancelled(ctx context.Context, taskID string) {
	task, err := s.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		if t.Status.Terminal() {
			return nil
		}
		t.Status = model.TaskCancelled
		t.CancelRequested = true
		t.ErrorCode = "CANCELED"
		t.ErrorMessage = "Canceled by user"
		t.EndedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		s.log.Error("task_cancel_failed", "task_id", taskID, "error", err)
		return
	}
	s.updateProgress(ctx, taskID)
	s.publishEvent(ctx, taskID, model.EventTaskCancelled, map[string]any{
		"status":            task.Status,
		"completed_batches": task.CompletedBatches,
	})
	s.log.Info("task_cancelled", "task_id", taskID, "completed_batches", task.CompletedBatches)
}

// failTask records an orchestration fault. Segment failures never reach here.
func (s *Service) failTask(ctx context.Context, taskID string, cause error) {
	s.log.Error("task_orchestration_failed", "task_id", taskID, "error", cause)
	task, err := s.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Status = model.TaskFailed
		t.ErrorCode = "ORCHESTRATION_ERROR"
		t.ErrorMessage = "The task could not be processed; try again later"
		t.EndedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return
	}
	s.publishEvent(ctx, taskID, model.EventTaskFailed, map[string]any{
		"status":     task.Status,
		"error_code": task.ErrorCode,
	})
}

func (s *Service) cancelledFunc(taskID string) func() bool {
	s.mu.Lock()
	ch := s.cancels[taskID]
	s.mu.Unlock()
	return func() bool {
		return ch != nil && isClosed(ch)
	}
}

func (s *Service) publishEvent(ctx context.Context, taskID string, eventType model.TaskEventType, payload map[string]any) {
	evt, err := s.store.AppendEvent(ctx, taskID, model.TaskEvent{
		EventID: uuid.NewString(),
		TaskID:  taskID,
		Type:    eventType,
		TS:      time.Now().UTC(),
		Payload: payload,
	})
	if err != nil {
		s.log.Error("append event failed", "task_id", taskID, "error", err)
		return
	}
	s.hub.Publish(taskID, evt)
}

// calcProgress averages segment progress; resolved segments count as done.
func calcProgress(segs []model.Segment) float64 {
	if len(segs) == 0 {
		return 0
	}
	sum := 0
	for _, seg := range segs {
		switch seg.Status {
		case model.SegmentCompleted, model.SegmentFailed:
			sum += 100
		case model.SegmentGenerating:
			sum += seg.Progress
		}
	}
	return math.Round(float64(sum)/float64(len(segs))*10) / 10
}

func segmentKey(taskID string, segmentID int) string {
	return taskID + "/" + strconv.Itoa(segmentID)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func closeOnce(ch chan struct{}) {
	if !isClosed(ch) {
		close(ch)
	}
}
