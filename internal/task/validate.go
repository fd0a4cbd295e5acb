package task

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"stv/longvideo/internal/model"
)

const maxStoryRunes = 20000

// ValidationError rejects a request before any task is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var hexColor = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// normalizeConfig fills defaults and validates a creation request in place.
func normalizeConfig(cfg *model.TaskConfig) error {
	if cfg.DurationMinutes < model.MinDurationMinutes || cfg.DurationMinutes > model.MaxDurationMinutes {
		return invalid("duration_minutes", "must be between %d and %d", model.MinDurationMinutes, model.MaxDurationMinutes)
	}
	cfg.Story = strings.TrimSpace(cfg.Story)
	if cfg.Story == "" {
		return invalid("story", "must not be empty")
	}
	if utf8.RuneCountInString(cfg.Story) > maxStoryRunes {
		return invalid("story", "must be at most %d characters", maxStoryRunes)
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = model.ModeFast
	case model.ModeFast, model.ModeQuality:
	default:
		return invalid("mode", "must be %q or %q", model.ModeFast, model.ModeQuality)
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Volumes == (model.VolumeLevels{}) {
		cfg.Volumes = model.DefaultVolumes()
	}
	if err := validateVolumes(cfg.Volumes); err != nil {
		return err
	}
	if err := normalizeSubtitles(&cfg.Subtitles); err != nil {
		return err
	}
	return validateBGM(cfg.BGMURL)
}

func validateVolumes(v model.VolumeLevels) error {
	for name, val := range map[string]float64{
		"narration_volume": v.Narration,
		"bgm_volume":       v.BGM,
		"video_volume":     v.Video,
	} {
		if val < 0 || val > 1 {
			return invalid(name, "must be between 0 and 1")
		}
	}
	return nil
}

func normalizeSubtitles(s *model.SubtitleSettings) error {
	if s.FontSize < 0 || s.FontSize > 200 {
		return invalid("subtitles.font_size", "must be between 0 and 200")
	}
	if s.Color != "" && !hexColor.MatchString(s.Color) {
		return invalid("subtitles.color", "must look like #RRGGBB")
	}
	switch strings.ToLower(s.Position) {
	case "":
		s.Position = "bottom"
	case "top", "middle", "bottom":
		s.Position = strings.ToLower(s.Position)
	default:
		return invalid("subtitles.position", "must be top, middle or bottom")
	}
	if s.MaxCharsPerLine < 0 {
		return invalid("subtitles.max_chars_per_line", "must not be negative")
	}
	if s.Enabled {
		if s.FontSize == 0 {
			s.FontSize = 24
		}
		if s.Color == "" {
			s.Color = "#FFFFFF"
		}
		if s.MaxCharsPerLine == 0 {
			s.MaxCharsPerLine = 42
		}
	}
	return nil
}

func validateBGM(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("bgm_url", "must be an absolute http(s) url")
	}
	return nil
}
