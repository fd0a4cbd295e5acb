package merge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"stv/longvideo/internal/model"

	"github.com/google/shlex"
	"github.com/lithammer/shortuuid/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"
)

type FFmpegOptions struct {
	Bin string
	// ProbeBin is ffprobe, used to find clips without an audio stream.
	ProbeBin     string
	Timeout      time.Duration
	ExtraArgs    string
	OutputDir    string
	BaseURL      string
	MaxInputSize int64
	// ThrottleCPU is the idle CPU percentage required to start.
	ThrottleCPU      float64
	ThrottleFreeMem  int64
	ThrottleFreeDisk int64
}

// FFmpegCompositor merges clips on this host with ffmpeg.
type FFmpegCompositor struct {
	opts      FFmpegOptions
	extraArgs []string
	client    *http.Client
	log       *slog.Logger
}

func NewFFmpegCompositor(opts FFmpegOptions, logger *slog.Logger) (*FFmpegCompositor, error) {
	if opts.Bin == "" {
		opts.Bin = "ffmpeg"
	}
	if opts.ProbeBin == "" {
		opts.ProbeBin = "ffprobe"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Minute
	}
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(os.TempDir(), "stv-longvideo")
	}
	if opts.MaxInputSize <= 0 {
		opts.MaxInputSize = 200 << 20
	}
	extra, err := shlex.Split(opts.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid FF_EXTRA_ARGS: %w", err)
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegCompositor{
		opts:      opts,
		extraArgs: extra,
		client:    &http.Client{Timeout: 5 * time.Minute},
		log:       logger,
	}, nil
}

// OutputDir is where merged files are written and served from.
func (f *FFmpegCompositor) OutputDir() string {
	return f.opts.OutputDir
}

func (f *FFmpegCompositor) Compose(ctx context.Context, job Job) (Output, error) {
	if _, err := exec.LookPath(f.opts.Bin); err != nil {
		return Output{}, fmt.Errorf("%w: ffmpeg binary %q not found", ErrCompositorUnavailable, f.opts.Bin)
	}
	if err := f.checkResources(); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrCompositorUnavailable, err)
	}

	workDir, err := os.MkdirTemp(f.opts.OutputDir, "merge_")
	if err != nil {
		return Output{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	videos := make([]string, len(job.Segments))
	audios := make([]string, len(job.Segments))
	var bgm string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, seg := range job.Segments {
		i, seg := i, seg
		g.Go(func() error {
			p, err := f.stage(gctx, seg.VideoURL, workDir, fmt.Sprintf("v%04d.mp4", seg.ID))
			if err != nil {
				return fmt.Errorf("segment %d video: %w", seg.ID, err)
			}
			videos[i] = p
			return nil
		})
		if seg.AudioURL != "" {
			g.Go(func() error {
				p, err := f.stage(gctx, seg.AudioURL, workDir, fmt.Sprintf("a%04d%s", seg.ID, extOf(seg.AudioURL, ".mp3")))
				if err != nil {
					return fmt.Errorf("segment %d audio: %w", seg.ID, err)
				}
				audios[i] = p
				return nil
			})
		}
	}
	if job.Params.BGMURL != "" {
		g.Go(func() error {
			p, err := f.stage(gctx, job.Params.BGMURL, workDir, "bgm"+extOf(job.Params.BGMURL, ".mp3"))
			if err != nil {
				return fmt.Errorf("bgm: %w", err)
			}
			bgm = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Output{}, err
	}

	listPath := filepath.Join(workDir, "concat.txt")
	var list strings.Builder
	for _, v := range videos {
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(v, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return Output{}, err
	}

	clipsHaveAudio := false
	if job.Params.Volumes.Video > 0 {
		clipsHaveAudio = f.allHaveAudio(ctx, videos)
	}

	name := shortuuid.New()
	plan := ArgsPlan{
		ConcatList:     listPath,
		ClipsHaveAudio: clipsHaveAudio,
		BGMPath:        bgm,
		Volumes:        job.Params.Volumes,
		Subtitles:      job.Params.Subtitles,
		TotalSeconds:   job.TotalSeconds(),
		ExtraArgs:      f.extraArgs,
		Output:         filepath.Join(f.opts.OutputDir, name+".mp4"),
	}
	for i, a := range audios {
		if a != "" {
			plan.Narration = append(plan.Narration, TimedInput{Path: a, OffsetMS: i * model.SegmentDurationSeconds * 1000})
		}
	}
	var out Output
	if job.Params.Subtitles.Enabled {
		srt := BuildSRT(job.Segments, job.Params.Subtitles)
		srtPath := filepath.Join(f.opts.OutputDir, name+".srt")
		if err := os.WriteFile(srtPath, []byte(srt), 0o644); err != nil {
			return Output{}, err
		}
		plan.SubtitlePath = srtPath
		out.SubtitleURL = f.publicURL(name + ".srt")
	}

	args := BuildArgs(plan)
	cmd := exec.CommandContext(ctx, f.opts.Bin, args...)
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf
	f.log.Info("ffmpeg_start", "task_id", job.TaskID, "segments", len(job.Segments), "output", plan.Output)
	if err := cmd.Run(); err != nil {
		os.Remove(plan.Output)
		return Output{}, fmt.Errorf("ffmpeg execution failed: %w: %s", err, tail(outputBuf.String(), 2048))
	}
	out.VideoURL = f.publicURL(name + ".mp4")
	return out, nil
}

// allHaveAudio reports whether every clip carries an audio stream. Generated clips are
// often silent, and [0:a] only exists in the concatenation when all of them have one.
func (f *FFmpegCompositor) allHaveAudio(ctx context.Context, paths []string) bool {
	for _, p := range paths {
		ok, err := f.hasAudio(ctx, p)
		if err != nil {
			f.log.Warn("ffprobe_failed", "path", p, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return len(paths) > 0
}

func (f *FFmpegCompositor) hasAudio(ctx context.Context, path string) (bool, error) {
	cmd := exec.CommandContext(ctx, f.opts.ProbeBin,
		"-v", "error", "-select_streams", "a",
		"-show_entries", "stream=codec_type", "-of", "csv=p=0", path)
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", filepath.Base(path), err)
	}
	return strings.TrimSpace(string(out)) != "", nil
}

func (f *FFmpegCompositor) publicURL(name string) string {
	return strings.TrimRight(f.opts.BaseURL, "/") + "/api/v1/files/" + name
}

// stage downloads or copies one input into workDir.
func (f *FFmpegCompositor) stage(ctx context.Context, src, workDir, name string) (string, error) {
	dst := filepath.Join(workDir, name)
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	var r io.Reader
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return "", err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("failed to download %s, status: %s", src, resp.Status)
		}
		r = resp.Body
	} else {
		in, err := os.Open(strings.TrimPrefix(src, "file://"))
		if err != nil {
			return "", fmt.Errorf("could not open local input file: %w", err)
		}
		defer in.Close()
		r = in
	}
	limited := &io.LimitedReader{R: r, N: f.opts.MaxInputSize + 1}
	written, err := io.Copy(out, limited)
	if err != nil {
		return "", err
	}
	if written > f.opts.MaxInputSize {
		return "", fmt.Errorf("input file size exceeds limit of %d bytes", f.opts.MaxInputSize)
	}
	return dst, out.Close()
}

// checkResources refuses to start when the host is short on CPU, memory or disk.
func (f *FFmpegCompositor) checkResources() error {
	if f.opts.ThrottleCPU > 0 {
		p, err := cpu.Percent(200*time.Millisecond, false)
		if err != nil {
			f.log.Warn("cpu_usage_unavailable", "error", err)
		} else if len(p) > 0 && p[0] > 100.0-f.opts.ThrottleCPU {
			return fmt.Errorf("not enough idle CPU, usage %.2f%%", p[0])
		}
	}
	if f.opts.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			f.log.Warn("memory_usage_unavailable", "error", err)
		} else if vm.Available < uint64(f.opts.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory, available %d", vm.Available)
		}
	}
	if f.opts.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(f.opts.OutputDir)
		if err != nil {
			f.log.Warn("disk_usage_unavailable", "dir", f.opts.OutputDir, "error", err)
		} else if d.Free < uint64(f.opts.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk, available %d", d.Free)
		}
	}
	return nil
}

type TimedInput struct {
	Path     string
	OffsetMS int
}

type ArgsPlan struct {
	ConcatList string
	// ClipsHaveAudio is set when every clip has an audio stream to mix in.
	ClipsHaveAudio bool
	Narration      []TimedInput
	BGMPath        string
	Volumes        model.VolumeLevels
	Subtitles      model.SubtitleSettings
	SubtitlePath   string
	TotalSeconds   int
	ExtraArgs      []string
	Output         string
}

// BuildArgs renders the ffmpeg argument list for a merge. Input 0 is the concatenated
// clips, followed by one input per narration track and the looped background music.
func BuildArgs(p ArgsPlan) []string {
	args := []string{"-y", "-hide_banner", "-f", "concat", "-safe", "0", "-i", p.ConcatList}
	for _, n := range p.Narration {
		args = append(args, "-i", n.Path)
	}
	bgmIndex := -1
	if p.BGMPath != "" {
		bgmIndex = 1 + len(p.Narration)
		args = append(args, "-stream_loop", "-1", "-i", p.BGMPath)
	}

	var filters []string
	videoOut := "0:v"
	if p.SubtitlePath != "" {
		filters = append(filters, fmt.Sprintf("[0:v]subtitles='%s':force_style='%s'[v]", escapeFilterPath(p.SubtitlePath), forceStyle(p.Subtitles)))
		videoOut = "[v]"
	}

	var mix []string
	if p.Volumes.Video > 0 && p.ClipsHaveAudio {
		filters = append(filters, fmt.Sprintf("[0:a]volume=%s[orig]", vol(p.Volumes.Video)))
		mix = append(mix, "[orig]")
	}
	if p.Volumes.Narration > 0 {
		for i, n := range p.Narration {
			label := fmt.Sprintf("[n%d]", i)
			filters = append(filters, fmt.Sprintf("[%d:a]adelay=%d|%d,volume=%s%s", i+1, n.OffsetMS, n.OffsetMS, vol(p.Volumes.Narration), label))
			mix = append(mix, label)
		}
	}
	if bgmIndex > 0 && p.Volumes.BGM > 0 {
		filters = append(filters, fmt.Sprintf("[%d:a]volume=%s[bgm]", bgmIndex, vol(p.Volumes.BGM)))
		mix = append(mix, "[bgm]")
	}
	if len(mix) > 0 {
		filters = append(filters, fmt.Sprintf("%samix=inputs=%d:duration=longest:dropout_transition=0:normalize=0[a]", strings.Join(mix, ""), len(mix)))
	}

	if len(filters) > 0 {
		args = append(args, "-filter_complex", strings.Join(filters, ";"))
	}
	args = append(args, "-map", videoOut)
	if len(mix) > 0 {
		args = append(args, "-map", "[a]", "-c:a", "aac")
	} else {
		args = append(args, "-an")
	}
	args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p")
	if p.TotalSeconds > 0 {
		args = append(args, "-t", strconv.Itoa(p.TotalSeconds))
	}
	args = append(args, p.ExtraArgs...)
	return append(args, p.Output)
}

func forceStyle(s model.SubtitleSettings) string {
	parts := []string{}
	if s.Font != "" {
		parts = append(parts, "FontName="+s.Font)
	}
	if s.FontSize > 0 {
		parts = append(parts, "FontSize="+strconv.Itoa(s.FontSize))
	}
	if c := assColour(s.Color); c != "" {
		parts = append(parts, "PrimaryColour="+c)
	}
	switch strings.ToLower(s.Position) {
	case "top":
		parts = append(parts, "Alignment=8")
	case "middle", "center":
		parts = append(parts, "Alignment=5")
	default:
		parts = append(parts, "Alignment=2")
	}
	return strings.Join(parts, ",")
}

// assColour converts #RRGGBB to the &HBBGGRR form subtitles expect.
func assColour(hex string) string {
	hex = strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(hex) != 6 {
		return ""
	}
	if _, err := strconv.ParseUint(hex, 16, 32); err != nil {
		return ""
	}
	return "&H00" + strings.ToUpper(hex[4:6]+hex[2:4]+hex[0:2])
}

func escapeFilterPath(p string) string {
	p = filepath.ToSlash(p)
	p = strings.ReplaceAll(p, `'`, `\'`)
	return strings.ReplaceAll(p, ":", `\:`)
}

func vol(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func extOf(u, def string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := filepath.Ext(u)
	if ext == "" || len(ext) > 5 {
		return def
	}
	return ext
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
