package merge

import (
	"fmt"
	"strings"
	"time"

	"stv/longvideo/internal/model"
)

// BuildSRT renders one cue per segment with narration. Cue times follow the
// segment's position in the merged output, so gaps left by missing segments close up.
func BuildSRT(segments []model.Segment, settings model.SubtitleSettings) string {
	var b strings.Builder
	n := 0
	for i, s := range segments {
		text := strings.TrimSpace(s.Narration)
		if text == "" {
			continue
		}
		n++
		start := time.Duration(i*model.SegmentDurationSeconds) * time.Second
		end := start + time.Duration(model.SegmentDurationSeconds)*time.Second
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", n, srtTimestamp(start), srtTimestamp(end), wrap(text, settings.MaxCharsPerLine))
	}
	return b.String()
}

func srtTimestamp(d time.Duration) string {
	ms := d.Milliseconds()
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// wrap breaks text on word boundaries; width <= 0 leaves it on one line.
func wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	var lines []string
	var line []rune
	for _, word := range strings.Fields(text) {
		w := []rune(word)
		if len(line) > 0 && len(line)+1+len(w) > width {
			lines = append(lines, string(line))
			line = line[:0]
		}
		if len(line) > 0 {
			line = append(line, ' ')
		}
		line = append(line, w...)
	}
	if len(line) > 0 {
		lines = append(lines, string(line))
	}
	return strings.Join(lines, "\n")
}
