package model

import (
	"strings"
	"unicode"
)

// PlanCounts derives the fixed segment and batch counts for a duration.
func PlanCounts(durationMinutes, batchSize int) (segments, batches int) {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	seconds := durationMinutes * 60
	segments = ceilDiv(seconds, SegmentDurationSeconds)
	batches = ceilDiv(segments, batchSize)
	return segments, batches
}

// BatchIndex maps a 1-based segment id onto its batch.
func BatchIndex(segmentID, batchSize int) int {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return (segmentID - 1) / batchSize
}

// SegmentWindow returns the [start, end) offsets of a segment in the final timeline.
func SegmentWindow(segmentID int) (start, end int) {
	start = (segmentID - 1) * SegmentDurationSeconds
	return start, start + SegmentDurationSeconds
}

// NewSegments lays out every segment of a task in pending state.
func NewSegments(taskID string, total, batchSize int, narrations []string, voiceActorID string) []Segment {
	out := make([]Segment, 0, total)
	for id := 1; id <= total; id++ {
		start, end := SegmentWindow(id)
		seg := Segment{
			TaskID:       taskID,
			ID:           id,
			BatchIndex:   BatchIndex(id, batchSize),
			Status:       SegmentPending,
			VoiceActorID: voiceActorID,
			StartTime:    start,
			EndTime:      end,
		}
		if id-1 < len(narrations) {
			seg.Narration = narrations[id-1]
		}
		out = append(out, seg)
	}
	return out
}

// SplitStory distributes the story over n narration chunks, keeping sentences whole
// where possible. Chunks are never empty when the story has at least n words.
func SplitStory(story string, n int) []string {
	if n < 1 {
		return nil
	}
	sentences := splitSentences(story)
	out := make([]string, n)
	if len(sentences) == 0 {
		return out
	}
	if len(sentences) < n {
		words := strings.Fields(story)
		return splitWords(words, n)
	}
	per := float64(len(sentences)) / float64(n)
	for i := 0; i < n; i++ {
		from := int(float64(i) * per)
		to := int(float64(i+1) * per)
		if i == n-1 {
			to = len(sentences)
		}
		out[i] = strings.Join(sentences[from:to], " ")
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		switch r {
		case '.', '!', '?', '。', '！', '？':
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimFunc(b.String(), unicode.IsSpace); s != "" {
		out = append(out, s)
	}
	return out
}

func splitWords(words []string, n int) []string {
	out := make([]string, n)
	if len(words) == 0 {
		return out
	}
	per := float64(len(words)) / float64(n)
	for i := 0; i < n; i++ {
		from := int(float64(i) * per)
		to := int(float64(i+1) * per)
		if i == n-1 {
			to = len(words)
		}
		out[i] = strings.Join(words[from:to], " ")
	}
	return out
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
