package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"stv/longvideo/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(owner, idem string) (model.Task, []model.Segment) {
	id := uuid.NewString()
	total, batches := model.PlanCounts(1, model.DefaultBatchSize)
	now := time.Now().UTC().Truncate(time.Second)
	task := model.Task{
		ID:              id,
		OwnerID:         owner,
		Status:          model.TaskPending,
		DurationMinutes: 1,
		TotalSegments:   total,
		TotalBatches:    batches,
		BatchSize:       model.DefaultBatchSize,
		IdempotencyKey:  idem,
		Config:          model.TaskConfig{DurationMinutes: 1, Language: "en", Volumes: model.DefaultVolumes()},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return task, model.NewSegments(id, total, model.DefaultBatchSize, nil, "voice")
}

func runStoreContract(t *testing.T, st Store) {
	ctx := context.Background()

	t.Run("create and read back", func(t *testing.T) {
		task, segs := newTask("owner-a", "")
		created, err := st.CreateTask(ctx, task, segs)
		require.NoError(t, err)
		assert.Equal(t, task.ID, created.ID)

		got, err := st.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, 8, got.TotalSegments)
		assert.Equal(t, model.DefaultVolumes(), got.Config.Volumes)

		all, err := st.GetSegments(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, all, 8)
		assert.Equal(t, 1, all[0].ID)
		assert.Equal(t, 56, all[7].StartTime)

		seg, err := st.GetSegment(ctx, task.ID, 7)
		require.NoError(t, err)
		assert.Equal(t, 1, seg.BatchIndex)
	})

	t.Run("missing task", func(t *testing.T) {
		_, err := st.GetTask(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.UpdateSegment(ctx, "nope", 1, func(*model.Segment) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("idempotency key returns existing task", func(t *testing.T) {
		key := uuid.NewString()
		first, segs := newTask("owner-b", key)
		_, err := st.CreateTask(ctx, first, segs)
		require.NoError(t, err)

		second, segs2 := newTask("owner-b", key)
		got, err := st.CreateTask(ctx, second, segs2)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)

		found, ok, err := st.FindByIdempotency(ctx, "owner-b", key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, first.ID, found.ID)

		_, ok, err = st.FindByIdempotency(ctx, "owner-c", key)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("segment updates keep identity and timeline", func(t *testing.T) {
		task, segs := newTask("owner-a", "")
		_, err := st.CreateTask(ctx, task, segs)
		require.NoError(t, err)

		updated, err := st.UpdateSegment(ctx, task.ID, 3, func(s *model.Segment) error {
			s.Status = model.SegmentCompleted
			s.VideoURL = "https://cdn/3.mp4"
			s.StartTime = 999
			s.ID = 42
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, updated.ID)
		assert.Equal(t, 16, updated.StartTime)

		got, err := st.GetSegment(ctx, task.ID, 3)
		require.NoError(t, err)
		assert.Equal(t, model.SegmentCompleted, got.Status)
		assert.Equal(t, "https://cdn/3.mp4", got.VideoURL)
	})

	t.Run("update fn error aborts", func(t *testing.T) {
		task, segs := newTask("owner-a", "")
		_, err := st.CreateTask(ctx, task, segs)
		require.NoError(t, err)
		boom := errors.New("boom")
		_, err = st.UpdateTask(ctx, task.ID, func(t *model.Task) error {
			t.Status = model.TaskFailed
			return boom
		})
		assert.ErrorIs(t, err, boom)
		got, err := st.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskPending, got.Status)
	})

	t.Run("unfinished tasks exclude terminal ones", func(t *testing.T) {
		task, segs := newTask("owner-d", "")
		_, err := st.CreateTask(ctx, task, segs)
		require.NoError(t, err)
		done, segs2 := newTask("owner-d", "")
		_, err = st.CreateTask(ctx, done, segs2)
		require.NoError(t, err)
		_, err = st.UpdateTask(ctx, done.ID, func(t *model.Task) error {
			t.Status = model.TaskCompleted
			return nil
		})
		require.NoError(t, err)

		unfinished, err := st.ListUnfinishedTasks(ctx)
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, u := range unfinished {
			ids[u.ID] = true
		}
		assert.True(t, ids[task.ID])
		assert.False(t, ids[done.ID])

		owned, err := st.ListTasks(ctx, "owner-d")
		require.NoError(t, err)
		assert.Len(t, owned, 2)
	})

	t.Run("duplicate task id is a conflict", func(t *testing.T) {
		task, segs := newTask("owner-f", "")
		_, err := st.CreateTask(ctx, task, segs)
		require.NoError(t, err)
		_, err = st.CreateTask(ctx, task, segs)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("generating segments are listed across tasks", func(t *testing.T) {
		first, segs := newTask("owner-e", "")
		_, err := st.CreateTask(ctx, first, segs)
		require.NoError(t, err)
		second, segs2 := newTask("owner-e", "")
		_, err = st.CreateTask(ctx, second, segs2)
		require.NoError(t, err)
		_, err = st.UpdateTask(ctx, second.ID, func(t *model.Task) error {
			t.Status = model.TaskCompletedWithErrors
			return nil
		})
		require.NoError(t, err)
		for _, ref := range []struct {
			task string
			id   int
		}{{first.ID, 1}, {second.ID, 2}} {
			_, err := st.UpdateSegment(ctx, ref.task, ref.id, func(s *model.Segment) error {
				s.Status = model.SegmentGenerating
				return nil
			})
			require.NoError(t, err)
		}

		generating, err := st.ListGeneratingSegments(ctx)
		require.NoError(t, err)
		found := map[string]int{}
		for _, seg := range generating {
			assert.Equal(t, model.SegmentGenerating, seg.Status)
			if seg.TaskID == first.ID || seg.TaskID == second.ID {
				found[seg.TaskID] = seg.ID
			}
		}
		assert.Equal(t, map[string]int{first.ID: 1, second.ID: 2}, found)
	})

	t.Run("events are sequenced per task", func(t *testing.T) {
		task, segs := newTask("owner-a", "")
		_, err := st.CreateTask(ctx, task, segs)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			evt, err := st.AppendEvent(ctx, task.ID, model.TaskEvent{
				Type:    model.EventTaskProgress,
				TS:      time.Now().UTC(),
				Payload: map[string]any{"i": i},
			})
			require.NoError(t, err)
			assert.EqualValues(t, i+1, evt.Seq)
			assert.NotEmpty(t, evt.EventID)
		}
		events, err := st.ListEventsFromSeq(ctx, task.ID, 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.EqualValues(t, 2, events[0].Seq)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestSQLStore(t *testing.T) {
	dsn := os.Getenv("STV_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("STV_TEST_MYSQL_DSN not set")
	}
	st, err := NewSQLStore(dsn)
	require.NoError(t, err)
	defer st.Close()
	runStoreContract(t, st)
}
