package downloader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"mediaqueue/internal/consts"
	"mediaqueue/internal/entity"
	"mediaqueue/internal/errs"
	"mediaqueue/internal/observability"
	"mediaqueue/pkg/shellquote"
)

// ffmpegPlan describes how one post-processing kind is performed.
type ffmpegPlan struct {
	ext      string
	args     []string
	fallback []string // retried when args fail, e.g. stream copy into an incompatible container
}

var ffmpegPlans = map[entity.PostProcessing]ffmpegPlan{
	entity.PostProcessingAudio: {
		ext:  "mp3",
		args: []string{"-vn", "-acodec", "libmp3lame", "-ab", "192k"},
	},
	entity.PostProcessingMP4: {
		ext:      "mp4",
		args:     []string{"-c", "copy", "-movflags", "+faststart"},
		fallback: []string{"-c:v", "libx264", "-preset", "veryfast", "-c:a", "aac", "-movflags", "+faststart"},
	},
	entity.PostProcessingPermute: {
		ext:  "mov",
		args: []string{"-c", "copy"},
	},
}

// OutputExt returns the file extension produced by kind, or "" when kind keeps the input.
func OutputExt(kind entity.PostProcessing) string {
	return ffmpegPlans[kind].ext
}

// FFmpeg converts fetched files with the ffmpeg binary.
type FFmpeg struct {
	log     *slog.Logger
	bin     string
	metrics *observability.Metrics
}

// NewFFmpeg creates an ffmpeg PostProcessor. An empty bin resolves ffmpeg from PATH.
func NewFFmpeg(log *slog.Logger, bin string, metrics *observability.Metrics) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}

	return &FFmpeg{
		log:     log.With(slog.String("package", "downloader"), slog.String("downloader", consts.PostProcessorFFmpeg)),
		bin:     bin,
		metrics: metrics,
	}
}

// Process converts input according to kind and removes the input on success.
func (f *FFmpeg) Process(ctx context.Context, kind entity.PostProcessing, input string) (string, error) {
	if kind == entity.PostProcessingNone || kind == "" {
		return input, nil
	}

	plan, ok := ffmpegPlans[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown post-processing %q", errs.ErrProcessingFailed, kind)
	}

	output := strings.TrimSuffix(input, filepath.Ext(input)) + "." + plan.ext
	tmp := strings.TrimSuffix(output, "."+plan.ext) + ".tmp." + plan.ext

	err := f.run(ctx, input, tmp, plan.args)
	if err != nil && plan.fallback != nil && ctx.Err() == nil {
		f.log.WarnContext(ctx, "ffmpeg stream copy failed, transcoding", slog.Any("error", err))

		err = f.run(ctx, input, tmp, plan.fallback)
	}

	if err != nil {
		os.Remove(tmp)
		f.metrics.RecordDownloaderError(consts.PostProcessorFFmpeg, errorType(err))

		return "", fmt.Errorf("%w: %s: %w", errs.ErrProcessingFailed, kind, err)
	}

	if err := os.Rename(tmp, output); err != nil {
		return "", fmt.Errorf("%w: finalize output: %w", errs.ErrProcessingFailed, err)
	}

	if output != input {
		if err := os.Remove(input); err != nil {
			f.log.WarnContext(ctx, "remove post-processing input", slog.String("path", input), slog.Any("error", err))
		}
	}

	f.metrics.RecordDownloaderRequest(consts.PostProcessorFFmpeg, string(kind))

	return output, nil
}

func (f *FFmpeg) run(ctx context.Context, input, output string, codecArgs []string) error {
	args := make([]string, 0, len(codecArgs)+6)
	args = append(args, "-hide_banner", "-y", "-i", input)
	args = append(args, codecArgs...)
	args = append(args, output)

	f.log.DebugContext(ctx, "executing ffmpeg", slog.String("command", shellquote.Join(f.bin, args)))

	cmd := exec.CommandContext(ctx, f.bin, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	lastLine := lastNonEmptyLine(stderr)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if lastLine != "" {
			return fmt.Errorf("ffmpeg: %s: %w", lastLine, err)
		}

		return fmt.Errorf("ffmpeg: %w", err)
	}

	return nil
}

func lastNonEmptyLine(r io.Reader) string {
	var last string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}

	// drain after a scanner error
	io.Copy(io.Discard, r)

	return last
}
