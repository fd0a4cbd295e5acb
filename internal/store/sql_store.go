package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"stv/longvideo/internal/model"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type taskRecord struct {
	ID               string           `gorm:"column:id;primaryKey;size:64"`
	OwnerID          string           `gorm:"column:owner_id;size:128;index:idx_owner_idem"`
	IdempotencyKey   string           `gorm:"column:idempotency_key;size:128;index:idx_owner_idem"`
	Status           string           `gorm:"column:status;size:32;index"`
	Progress         float64          `gorm:"column:progress"`
	DurationMinutes  int              `gorm:"column:duration_minutes"`
	TotalSegments    int              `gorm:"column:total_segments"`
	TotalBatches     int              `gorm:"column:total_batches"`
	BatchSize        int              `gorm:"column:batch_size"`
	CompletedBatches int              `gorm:"column:completed_batches"`
	Config           model.TaskConfig `gorm:"column:config;type:text;serializer:json"`
	CancelRequested  bool             `gorm:"column:cancel_requested"`
	ErrorCode        string           `gorm:"column:error_code;size:64"`
	ErrorMessage     string           `gorm:"column:error_message;type:text"`
	MergedVideoURL   string           `gorm:"column:merged_video_url;size:1024"`
	MergeMode        string           `gorm:"column:merge_mode;size:16"`
	CreatedAt        time.Time        `gorm:"column:created_at"`
	UpdatedAt        time.Time        `gorm:"column:updated_at"`
	StartedAt        *time.Time       `gorm:"column:started_at"`
	EndedAt          *time.Time       `gorm:"column:ended_at"`
}

func (taskRecord) TableName() string { return "long_video_tasks" }

type segmentRecord struct {
	TaskID       string    `gorm:"column:task_id;primaryKey;size:64"`
	SegmentID    int       `gorm:"column:segment_id;primaryKey;autoIncrement:false"`
	BatchIndex   int       `gorm:"column:batch_index"`
	Status       string    `gorm:"column:status;size:32;index"`
	Progress     int       `gorm:"column:progress"`
	Stage        string    `gorm:"column:stage;size:32"`
	Prompt       string    `gorm:"column:prompt;type:text"`
	Narration    string    `gorm:"column:narration;type:text"`
	VoiceActorID string    `gorm:"column:voice_actor_id;size:128"`
	ImageURL     string    `gorm:"column:image_url;size:1024"`
	VideoURL     string    `gorm:"column:video_url;size:1024"`
	AudioURL     string    `gorm:"column:audio_url;size:1024"`
	ErrorKind    string    `gorm:"column:error_kind;size:32"`
	Error        string    `gorm:"column:error;type:text"`
	RetryCount   int       `gorm:"column:retry_count"`
	StartTime    int       `gorm:"column:start_time"`
	EndTime      int       `gorm:"column:end_time"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (segmentRecord) TableName() string { return "long_video_segments" }

type eventRecord struct {
	ID      uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	EventID string         `gorm:"column:event_id;size:64;uniqueIndex"`
	TaskID  string         `gorm:"column:task_id;size:64;index:idx_task_seq,priority:1"`
	Seq     int64          `gorm:"column:seq;index:idx_task_seq,priority:2"`
	Type    string         `gorm:"column:type;size:32"`
	TS      time.Time      `gorm:"column:ts"`
	Payload map[string]any `gorm:"column:payload;type:text;serializer:json"`
}

func (eventRecord) TableName() string { return "long_video_task_events" }

// SQLStore keeps task state in MySQL so tasks survive restarts.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(dsn string) (*SQLStore, error) {
	newLogger := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold: 5 * time.Second,
			LogLevel:      gormlogger.Warn,
		},
	)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		CreateBatchSize: 500,
		Logger:          newLogger,
		// maps driver duplicate-key errors onto gorm.ErrDuplicatedKey
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(50)
	sqlDB.SetConnMaxLifetime(time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Minute)
	if err := db.Set("gorm:table_options", "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4").
		AutoMigrate(&taskRecord{}, &segmentRecord{}, &eventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate tables: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) CreateTask(ctx context.Context, task model.Task, segments []model.Segment) (model.Task, error) {
	var out model.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if task.IdempotencyKey != "" {
			var existing taskRecord
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("owner_id = ? AND idempotency_key = ?", task.OwnerID, task.IdempotencyKey).
				Take(&existing).Error
			if err == nil {
				out = existing.toModel()
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		rec := fromTask(task)
		if err := tx.Create(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrConflict
			}
			return err
		}
		if len(segments) > 0 {
			recs := make([]segmentRecord, 0, len(segments))
			for _, seg := range segments {
				recs = append(recs, fromSegment(seg))
			}
			if err := tx.Create(&recs).Error; err != nil {
				return err
			}
		}
		out = task
		return nil
	})
	if err != nil {
		return model.Task{}, fmt.Errorf("create task: %w", err)
	}
	return out, nil
}

func (s *SQLStore) FindByIdempotency(ctx context.Context, ownerID, key string) (model.Task, bool, error) {
	if key == "" {
		return model.Task{}, false, nil
	}
	var rec taskRecord
	err := s.db.WithContext(ctx).Where("owner_id = ? AND idempotency_key = ?", ownerID, key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Task{}, false, nil
	}
	if err != nil {
		return model.Task{}, false, fmt.Errorf("find task: %w", err)
	}
	return rec.toModel(), true, nil
}

func (s *SQLStore) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	var rec taskRecord
	err := s.db.WithContext(ctx).Where("id = ?", taskID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task: %w", err)
	}
	return rec.toModel(), nil
}

func (s *SQLStore) UpdateTask(ctx context.Context, taskID string, fn func(*model.Task) error) (model.Task, error) {
	var out model.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec taskRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", taskID).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		t := rec.toModel()
		if err := fn(&t); err != nil {
			return err
		}
		t.ID = taskID
		t.UpdatedAt = time.Now().UTC()
		updated := fromTask(t)
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return out, nil
}

func (s *SQLStore) ListTasks(ctx context.Context, ownerID string) ([]model.Task, error) {
	var recs []taskRecord
	q := s.db.WithContext(ctx).Order("created_at desc")
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]model.Task, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLStore) ListUnfinishedTasks(ctx context.Context) ([]model.Task, error) {
	var recs []taskRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(model.TaskPending), string(model.TaskProcessing), string(model.TaskCancelling)}).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list unfinished tasks: %w", err)
	}
	out := make([]model.Task, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLStore) ListGeneratingSegments(ctx context.Context) ([]model.Segment, error) {
	var recs []segmentRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", string(model.SegmentGenerating)).
		Order("task_id asc, segment_id asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list generating segments: %w", err)
	}
	out := make([]model.Segment, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLStore) GetSegments(ctx context.Context, taskID string) ([]model.Segment, error) {
	var recs []segmentRecord
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("segment_id asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("get segments: %w", err)
	}
	if len(recs) == 0 {
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return nil, err
		}
	}
	out := make([]model.Segment, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLStore) GetSegment(ctx context.Context, taskID string, segmentID int) (model.Segment, error) {
	var rec segmentRecord
	err := s.db.WithContext(ctx).Where("task_id = ? AND segment_id = ?", taskID, segmentID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Segment{}, ErrNotFound
	}
	if err != nil {
		return model.Segment{}, fmt.Errorf("get segment: %w", err)
	}
	return rec.toModel(), nil
}

func (s *SQLStore) UpdateSegment(ctx context.Context, taskID string, segmentID int, fn func(*model.Segment) error) (model.Segment, error) {
	var out model.Segment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec segmentRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("task_id = ? AND segment_id = ?", taskID, segmentID).
			Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		orig := rec.toModel()
		seg := orig
		if err := fn(&seg); err != nil {
			return err
		}
		seg.TaskID, seg.ID, seg.BatchIndex = orig.TaskID, orig.ID, orig.BatchIndex
		seg.StartTime, seg.EndTime = orig.StartTime, orig.EndTime
		seg.UpdatedAt = time.Now().UTC()
		updated := fromSegment(seg)
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		out = seg
		return nil
	})
	if err != nil {
		return model.Segment{}, err
	}
	return out, nil
}

func (s *SQLStore) AppendEvent(ctx context.Context, taskID string, event model.TaskEvent) (model.TaskEvent, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task taskRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").Where("id = ?", taskID).Take(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var maxSeq int64
		if err := tx.Model(&eventRecord{}).Where("task_id = ?", taskID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		event.Seq = maxSeq + 1
		event.TaskID = taskID
		if event.EventID == "" {
			event.EventID = uuid.NewString()
		}
		rec := eventRecord{
			EventID: event.EventID,
			TaskID:  taskID,
			Seq:     event.Seq,
			Type:    string(event.Type),
			TS:      event.TS,
			Payload: event.Payload,
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return model.TaskEvent{}, err
	}
	return event, nil
}

func (s *SQLStore) ListEventsFromSeq(ctx context.Context, taskID string, fromSeq int64) ([]model.TaskEvent, error) {
	var recs []eventRecord
	if err := s.db.WithContext(ctx).Where("task_id = ? AND seq > ?", taskID, fromSeq).
		Order("seq asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]model.TaskEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.TaskEvent{
			EventID: r.EventID,
			Seq:     r.Seq,
			TaskID:  r.TaskID,
			Type:    model.TaskEventType(r.Type),
			TS:      r.TS,
			Payload: r.Payload,
		})
	}
	return out, nil
}

func fromTask(t model.Task) taskRecord {
	return taskRecord{
		ID:               t.ID,
		OwnerID:          t.OwnerID,
		IdempotencyKey:   t.IdempotencyKey,
		Status:           string(t.Status),
		Progress:         t.Progress,
		DurationMinutes:  t.DurationMinutes,
		TotalSegments:    t.TotalSegments,
		TotalBatches:     t.TotalBatches,
		BatchSize:        t.BatchSize,
		CompletedBatches: t.CompletedBatches,
		Config:           t.Config,
		CancelRequested:  t.CancelRequested,
		ErrorCode:        t.ErrorCode,
		ErrorMessage:     t.ErrorMessage,
		MergedVideoURL:   t.MergedVideoURL,
		MergeMode:        string(t.MergeMode),
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		StartedAt:        timePtr(t.StartedAt),
		EndedAt:          timePtr(t.EndedAt),
	}
}

func (r taskRecord) toModel() model.Task {
	return model.Task{
		ID:               r.ID,
		OwnerID:          r.OwnerID,
		IdempotencyKey:   r.IdempotencyKey,
		Status:           model.TaskStatus(r.Status),
		Progress:         r.Progress,
		DurationMinutes:  r.DurationMinutes,
		TotalSegments:    r.TotalSegments,
		TotalBatches:     r.TotalBatches,
		BatchSize:        r.BatchSize,
		CompletedBatches: r.CompletedBatches,
		Config:           r.Config,
		CancelRequested:  r.CancelRequested,
		ErrorCode:        r.ErrorCode,
		ErrorMessage:     r.ErrorMessage,
		MergedVideoURL:   r.MergedVideoURL,
		MergeMode:        model.MergeMode(r.MergeMode),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		StartedAt:        timeVal(r.StartedAt),
		EndedAt:          timeVal(r.EndedAt),
	}
}

func fromSegment(s model.Segment) segmentRecord {
	return segmentRecord{
		TaskID:       s.TaskID,
		SegmentID:    s.ID,
		BatchIndex:   s.BatchIndex,
		Status:       string(s.Status),
		Progress:     s.Progress,
		Stage:        s.Stage,
		Prompt:       s.Prompt,
		Narration:    s.Narration,
		VoiceActorID: s.VoiceActorID,
		ImageURL:     s.ImageURL,
		VideoURL:     s.VideoURL,
		AudioURL:     s.AudioURL,
		ErrorKind:    s.ErrorKind,
		Error:        s.Error,
		RetryCount:   s.RetryCount,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		UpdatedAt:    s.UpdatedAt,
	}
}

func (r segmentRecord) toModel() model.Segment {
	return model.Segment{
		TaskID:       r.TaskID,
		ID:           r.SegmentID,
		BatchIndex:   r.BatchIndex,
		Status:       model.SegmentStatus(r.Status),
		Progress:     r.Progress,
		Stage:        r.Stage,
		Prompt:       r.Prompt,
		Narration:    r.Narration,
		VoiceActorID: r.VoiceActorID,
		ImageURL:     r.ImageURL,
		VideoURL:     r.VideoURL,
		AudioURL:     r.AudioURL,
		ErrorKind:    r.ErrorKind,
		Error:        r.Error,
		RetryCount:   r.RetryCount,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		UpdatedAt:    r.UpdatedAt,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
