package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediaqueue/internal/consts"
	"mediaqueue/internal/entity"
	"mediaqueue/internal/errs"
	"mediaqueue/pkg/urls"
)

// Markers recognised in source urls by Mock to simulate failures.
const (
	MockFailExtract = "fail-extract"
	MockUnsupported = "unsupported"
	MockFailFetch   = "fail-fetch"
	MockFailProcess = "fail-process"
)

// MockOptions shapes the simulated transfer.
type MockOptions struct {
	Duration time.Duration // total simulated fetch time
	Steps    int
	Size     int64 // bytes reported and written
}

// Mock is a deterministic Extractor, Fetcher and PostProcessor that never
// touches the network.
type Mock struct {
	log *slog.Logger
	opt MockOptions
}

// NewMock creates a Mock.
func NewMock(log *slog.Logger, opt MockOptions) *Mock {
	if opt.Duration <= 0 {
		opt.Duration = consts.DefaultSimulateTime
	}

	if opt.Steps < 1 {
		opt.Steps = 10
	}

	if opt.Size <= 0 {
		opt.Size = 10 << 20
	}

	return &Mock{
		log: log.With(slog.String("package", "downloader"), slog.String("downloader", consts.DownloaderMock)),
		opt: opt,
	}
}

// SupportedSites returns the advertised site list.
func (m *Mock) SupportedSites() []string {
	return SupportedSites()
}

// Extract returns fixed metadata with four formats.
func (m *Mock) Extract(ctx context.Context, url, _ string) (entity.VideoInfo, error) {
	switch {
	case strings.Contains(url, MockUnsupported):
		return entity.VideoInfo{}, fmt.Errorf("%w: %s", errs.ErrUnsupportedSite, urls.Host(url))
	case strings.Contains(url, MockFailExtract):
		return entity.VideoInfo{}, fmt.Errorf("%w: simulated", errs.ErrExtractionFailed)
	}

	if err := ctx.Err(); err != nil {
		return entity.VideoInfo{}, fmt.Errorf("%w: %w", errs.ErrExtractionFailed, err)
	}

	info := entity.VideoInfo{
		ID:         "mock",
		Title:      "Mock video from " + urls.Host(url),
		Duration:   m.opt.Duration.Seconds(),
		Uploader:   "mock",
		Extractor:  consts.DownloaderMock,
		WebpageURL: url,
		Formats: []entity.Format{
			{ID: "140", Ext: "m4a", Quality: "audio only", VCodec: "none", ACodec: "mp4a", TBR: 128, Filesize: m.opt.Size / 8},
			{ID: "18", Ext: "mp4", Quality: "360p", Height: 360, VCodec: "avc1", ACodec: "mp4a", TBR: 600, Filesize: m.opt.Size / 4},
			{ID: "22", Ext: "mp4", Quality: "720p", Height: 720, VCodec: "avc1", ACodec: "mp4a", TBR: 1500, Filesize: m.opt.Size / 2},
			{ID: "137", Ext: "mp4", Quality: "1080p", Height: 1080, VCodec: "avc1", ACodec: "none", TBR: 4000, Filesize: m.opt.Size},
		},
	}

	m.log.DebugContext(ctx, "mock extracted", slog.Any("info", info))

	return info, nil
}

// Fetch reports Steps evenly spaced progress samples and writes a sparse file of Size bytes.
func (m *Mock) Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) (FetchResult, error) {
	fail := strings.Contains(req.URL, MockFailFetch)

	err := simulateTransfer(ctx, m.opt.Duration, m.opt.Steps, func(step int) error {
		if fail && step*2 >= m.opt.Steps {
			return fmt.Errorf("%w: simulated at step %d", errs.ErrDownloadFailed, step)
		}

		if progress != nil {
			progress(m.opt.Size*int64(step)/int64(m.opt.Steps), m.opt.Size)
		}

		return nil
	})
	if err != nil {
		return FetchResult{}, err
	}

	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return FetchResult{}, fmt.Errorf("%w: %w", errs.ErrDownloadFailed, err)
	}

	f, err := os.Create(req.Dest)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %w", errs.ErrDownloadFailed, err)
	}
	defer f.Close()

	if err := f.Truncate(m.opt.Size); err != nil {
		return FetchResult{}, fmt.Errorf("%w: %w", errs.ErrDownloadFailed, err)
	}

	return FetchResult{Path: req.Dest, Size: m.opt.Size}, nil
}

// Process renames input to the extension of kind.
func (m *Mock) Process(ctx context.Context, kind entity.PostProcessing, input string) (string, error) {
	if kind == entity.PostProcessingNone {
		return input, nil
	}

	if strings.Contains(input, MockFailProcess) {
		return "", fmt.Errorf("%w: simulated", errs.ErrProcessingFailed)
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrProcessingFailed, err)
	}

	output := strings.TrimSuffix(input, filepath.Ext(input)) + "." + OutputExt(kind)
	if err := os.Rename(input, output); err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrProcessingFailed, err)
	}

	return output, nil
}

func simulateTransfer(ctx context.Context, duration time.Duration, steps int, onStep func(step int) error) error {
	ticker := time.NewTicker(duration / time.Duration(steps))
	defer ticker.Stop()

	for step := 1; step <= steps; step++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := onStep(step); err != nil {
				return err
			}
		}
	}

	return nil
}
