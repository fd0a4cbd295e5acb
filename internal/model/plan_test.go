package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanCountsAcrossSupportedRange(t *testing.T) {
	for d := MinDurationMinutes; d <= MaxDurationMinutes; d++ {
		segments, batches := PlanCounts(d, DefaultBatchSize)
		wantSegments := int(math.Ceil(float64(d*60) / SegmentDurationSeconds))
		wantBatches := int(math.Ceil(float64(wantSegments) / DefaultBatchSize))
		assert.Equal(t, wantSegments, segments, "duration %d", d)
		assert.Equal(t, wantBatches, batches, "duration %d", d)
	}
}

func TestPlanCountsOneMinute(t *testing.T) {
	segments, batches := PlanCounts(1, 6)
	assert.Equal(t, 8, segments)
	assert.Equal(t, 2, batches)
}

func TestSegmentTimelineIsContiguous(t *testing.T) {
	for _, d := range []int{1, 3, 17, 60} {
		total, _ := PlanCounts(d, DefaultBatchSize)
		segs := NewSegments("t", total, DefaultBatchSize, nil, "")
		require.Len(t, segs, total)
		prevEnd := 0
		for i, s := range segs {
			assert.Equal(t, i+1, s.ID)
			assert.Equal(t, prevEnd, s.StartTime)
			assert.Equal(t, s.StartTime+SegmentDurationSeconds, s.EndTime)
			assert.Equal(t, (s.ID-1)/DefaultBatchSize, s.BatchIndex)
			assert.Equal(t, SegmentPending, s.Status)
			prevEnd = s.EndTime
		}
		assert.Equal(t, total*SegmentDurationSeconds, prevEnd)
	}
}

func TestSplitStory(t *testing.T) {
	t.Run("sentences are distributed without loss", func(t *testing.T) {
		story := "One. Two! Three? Four. Five. Six."
		chunks := SplitStory(story, 3)
		require.Len(t, chunks, 3)
		assert.Equal(t, "One. Two!", chunks[0])
		assert.Equal(t, "Three? Four.", chunks[1])
		assert.Equal(t, "Five. Six.", chunks[2])
	})

	t.Run("falls back to words when sentences are scarce", func(t *testing.T) {
		chunks := SplitStory("a long single sentence without stop", 3)
		require.Len(t, chunks, 3)
		for _, c := range chunks {
			assert.NotEmpty(t, c)
		}
	})

	t.Run("empty story yields empty chunks", func(t *testing.T) {
		chunks := SplitStory("   ", 2)
		assert.Equal(t, []string{"", ""}, chunks)
	})
}
