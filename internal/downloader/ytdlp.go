package downloader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"mediaqueue/internal/consts"
	"mediaqueue/internal/entity"
	"mediaqueue/internal/errs"
	"mediaqueue/internal/observability"
	"mediaqueue/internal/proxymgr"
	"mediaqueue/pkg/shellquote"

	"github.com/lrstanley/go-ytdlp"
)

// flags whose value must never reach the logs.
var sensitiveFlags = []string{"--add-headers", "--proxy"}

// YTdlpOptions locates the binaries and cache used by YTdlp.
type YTdlpOptions struct {
	Executable string // empty resolves yt-dlp from PATH
	FFmpeg     string
	CacheDir   string
}

// YTdlp extracts and fetches media through the yt-dlp binary.
type YTdlp struct {
	log     *slog.Logger
	opt     YTdlpOptions
	proxies *proxymgr.Manager
	metrics *observability.Metrics
}

// NewYTdlp creates a yt-dlp backed Extractor and Fetcher. proxies may be nil.
func NewYTdlp(log *slog.Logger, opt YTdlpOptions, proxies *proxymgr.Manager, metrics *observability.Metrics) *YTdlp {
	return &YTdlp{
		log:     log.With(slog.String("package", "downloader"), slog.String("downloader", consts.DownloaderYTdlp)),
		opt:     opt,
		proxies: proxies,
		metrics: metrics,
	}
}

func (d *YTdlp) command(cookies string) (*ytdlp.Command, string) {
	cmd := ytdlp.New().NoPlaylist()

	if d.opt.Executable != "" {
		cmd = cmd.SetExecutable(d.opt.Executable)
	}

	if d.opt.CacheDir != "" {
		cmd = cmd.CacheDir(d.opt.CacheDir)
	}

	if d.opt.FFmpeg != "" {
		cmd = cmd.FFmpegLocation(d.opt.FFmpeg)
	}

	if cookies != "" {
		cmd = cmd.AddHeaders("Cookie:" + cookies)
	}

	var proxy string
	if d.proxies != nil {
		if proxy = d.proxies.Pick(); proxy != "" {
			cmd = cmd.Proxy(proxy)
		}
	}

	return cmd, proxy
}

// SupportedSites returns the advertised site list.
func (d *YTdlp) SupportedSites() []string {
	return SupportedSites()
}

// Extract runs yt-dlp in metadata-only mode and parses its JSON document.
func (d *YTdlp) Extract(ctx context.Context, url, cookies string) (entity.VideoInfo, error) {
	cmd, proxy := d.command(cookies)

	res, err := cmd.SkipDownload().DumpSingleJSON().Run(ctx, url)
	d.reportProxy(proxy, err)

	if err != nil {
		return entity.VideoInfo{}, d.fail(ctx, "extract", res, err, cookies, errs.ErrExtractionFailed)
	}

	d.logCommand(ctx, res)

	info, err := ParseInfo([]byte(res.Stdout))
	if err != nil {
		d.metrics.RecordDownloaderError(consts.DownloaderYTdlp, "parse")

		return entity.VideoInfo{}, err
	}

	d.metrics.RecordDownloaderRequest(consts.DownloaderYTdlp, "extracted")
	d.log.DebugContext(ctx, "info extracted", slog.Any("info", info))

	return info, nil
}

// Fetch downloads req.Format into req.Dest.
func (d *YTdlp) Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) (FetchResult, error) {
	log := d.log.With(slog.String("task_id", req.TaskID))

	cmd, proxy := d.command(req.Cookies)
	cmd = cmd.
		Format(req.Format.ID).
		Output(strings.ReplaceAll(req.Dest, "%", "%%")).
		ProgressFunc(defaultProgressFreq, func(p ytdlp.ProgressUpdate) {
			log.DebugContext(ctx, "ytdlp progress", slog.Any("progress_update", ProgressUpdate{&p}))

			if progress != nil {
				progress(int64(max(p.DownloadedBytes, 0)), int64(max(p.TotalBytes, 0)))
			}
		})

	res, err := cmd.Run(ctx, req.URL)
	d.reportProxy(proxy, err)

	if err != nil {
		return FetchResult{}, d.fail(ctx, "fetch", res, err, req.Cookies, errs.ErrDownloadFailed)
	}

	d.logCommand(ctx, res)

	fi, err := os.Stat(req.Dest)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: output missing: %w", errs.ErrDownloadFailed, err)
	}

	d.metrics.RecordDownloaderRequest(consts.DownloaderYTdlp, "fetched")

	return FetchResult{Path: req.Dest, Size: fi.Size()}, nil
}

func (d *YTdlp) reportProxy(proxy string, err error) {
	if proxy == "" {
		return
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		d.proxies.MarkFailed(proxy)

		return
	}

	d.proxies.MarkSuccess(proxy)
}

func (d *YTdlp) logCommand(ctx context.Context, res *ytdlp.Result) {
	if res == nil {
		return
	}

	d.log.DebugContext(ctx, "ytdlp command", slog.String("command", shellquote.JoinRedacted(res.Executable, res.Args, sensitiveFlags...)))
}

// fail turns a failed run into a classified error without leaking cookies.
func (d *YTdlp) fail(ctx context.Context, op string, res *ytdlp.Result, err error, cookies string, kind error) error {
	var stderr string
	if res != nil {
		stderr = res.Stderr
	}

	if strings.Contains(stderr, "Unsupported URL") {
		kind = errs.ErrUnsupportedSite
	}

	msg := lastErrorLine(stderr)
	if msg == "" {
		msg = err.Error()
	}

	msg = errs.Redact(msg, cookies)

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %s: %w", kind, op, ctxErr)
	} else {
		err = fmt.Errorf("%w: %s", kind, msg)
	}

	d.metrics.RecordDownloaderError(consts.DownloaderYTdlp, errorType(err))
	d.log.ErrorContext(ctx, "ytdlp "+op, slog.String("error", msg), slog.Any("result", Result{res, []string{cookies}}))

	return err
}

// lastErrorLine returns the last "ERROR:" line of yt-dlp stderr without the prefix.
func lastErrorLine(stderr string) string {
	var last string

	scanner := bufio.NewScanner(strings.NewReader(stderr))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if msg, ok := strings.CutPrefix(line, "ERROR:"); ok {
			last = strings.TrimSpace(msg)
		}
	}

	return last
}
