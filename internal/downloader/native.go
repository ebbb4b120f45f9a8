package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"mediaqueue/internal/consts"
	"mediaqueue/internal/errs"
	"mediaqueue/internal/observability"
	"mediaqueue/internal/proxymgr"
	"mediaqueue/pkg/urls"

	"github.com/grafov/m3u8"
)

const (
	chunkSize        = 32 * 1024
	maxPlaylistDepth = 3
)

// Native fetches direct http(s) files and HLS streams without external tools.
type Native struct {
	log     *slog.Logger
	client  *http.Client
	proxies *proxymgr.Manager
	metrics *observability.Metrics
}

// NewNative creates a Native fetcher. client and proxies may be nil.
func NewNative(log *slog.Logger, client *http.Client, proxies *proxymgr.Manager, metrics *observability.Metrics) *Native {
	if client == nil {
		client = &http.Client{}
	}

	return &Native{
		log:     log.With(slog.String("package", "downloader"), slog.String("downloader", consts.DownloaderNative)),
		client:  client,
		proxies: proxies,
		metrics: metrics,
	}
}

// Supports reports whether req can be served natively: HLS formats, or
// direct files resolved by the generic extractor.
func (n *Native) Supports(req FetchRequest) bool {
	if req.Format.URL == "" || !urls.IsURLValid(req.Format.URL) {
		return false
	}

	if isHLS(req) {
		return true
	}

	switch req.Format.Protocol {
	case "http", "https", "":
		return req.Extractor == "generic"
	default:
		return false
	}
}

func isHLS(req FetchRequest) bool {
	return strings.HasPrefix(req.Format.Protocol, "m3u8") || urls.Ext(req.Format.URL) == "m3u8"
}

// Fetch writes req.Format into req.Dest, going through a ".part" file.
func (n *Native) Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) (FetchResult, error) {
	if progress == nil {
		progress = func(int64, int64) {}
	}

	client, proxy := n.clientFor()

	part := req.Dest + ".part"

	out, err := os.Create(part)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: create output: %w", errs.ErrDownloadFailed, err)
	}

	var size int64

	if isHLS(req) {
		size, err = n.fetchHLS(ctx, client, req, out, progress)
	} else {
		size, err = n.fetchFile(ctx, client, req, out, progress)
	}

	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = closeErr
	}

	n.reportProxy(proxy, err)

	if err != nil {
		os.Remove(part)
		n.metrics.RecordDownloaderError(consts.DownloaderNative, errorType(err))

		if errors.Is(err, errs.ErrDownloadFailed) {
			return FetchResult{}, err
		}

		return FetchResult{}, fmt.Errorf("%w: %w", errs.ErrDownloadFailed, err)
	}

	if err := os.Rename(part, req.Dest); err != nil {
		return FetchResult{}, fmt.Errorf("%w: finalize output: %w", errs.ErrDownloadFailed, err)
	}

	n.metrics.RecordDownloaderRequest(consts.DownloaderNative, "fetched")
	n.log.DebugContext(ctx, "fetched", slog.String("task_id", req.TaskID), slog.Int64("size", size))

	return FetchResult{Path: req.Dest, Size: size}, nil
}

func (n *Native) clientFor() (*http.Client, string) {
	if n.proxies == nil {
		return n.client, ""
	}

	proxy := n.proxies.Pick()
	if proxy == "" {
		return n.client, ""
	}

	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return n.client, ""
	}

	base, ok := n.client.Transport.(*http.Transport)
	if !ok || base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}

	tr := base.Clone()
	tr.Proxy = http.ProxyURL(proxyURL)

	client := *n.client
	client.Transport = tr

	return &client, proxy
}

func (n *Native) reportProxy(proxy string, err error) {
	if proxy == "" {
		return
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		n.proxies.MarkFailed(proxy)

		return
	}

	n.proxies.MarkSuccess(proxy)
}

func (n *Native) get(ctx context.Context, client *http.Client, rawURL, cookies string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", urls.Host(rawURL), err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()

		return nil, fmt.Errorf("%w: get %s: unexpected status %d", errs.ErrDownloadFailed, urls.Host(rawURL), resp.StatusCode)
	}

	return resp, nil
}

func (n *Native) fetchFile(ctx context.Context, client *http.Client, req FetchRequest, w io.Writer, progress ProgressFunc) (int64, error) {
	resp, err := n.get(ctx, client, req.Format.URL, req.Cookies)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	total := max(resp.ContentLength, 0)
	if total == 0 {
		total = req.Format.Filesize
	}

	return copyChunks(ctx, w, resp.Body, 0, func(written int64) { progress(written, total) })
}

// fetchHLS resolves a master playlist to its highest-bandwidth variant and
// concatenates the media segments in order. Progress counts bytes with the
// total extrapolated from the average segment size.
func (n *Native) fetchHLS(ctx context.Context, client *http.Client, req FetchRequest, w io.Writer, progress ProgressFunc) (int64, error) {
	media, base, err := n.mediaPlaylist(ctx, client, req.Format.URL, req.Cookies, 0)
	if err != nil {
		return 0, err
	}

	var segments []string

	for _, seg := range media.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}

		if seg.Key != nil && seg.Key.Method != "" && seg.Key.Method != "NONE" {
			return 0, fmt.Errorf("%w: encrypted hls streams are not supported", errs.ErrDownloadFailed)
		}

		segments = append(segments, urls.Resolve(base, seg.URI))
	}

	if len(segments) == 0 {
		return 0, fmt.Errorf("%w: playlist has no segments", errs.ErrDownloadFailed)
	}

	var written int64

	for i, segURL := range segments {
		done := i

		resp, err := n.get(ctx, client, segURL, req.Cookies)
		if err != nil {
			return written, fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err)
		}

		written, err = copyChunks(ctx, w, resp.Body, written, func(total int64) {
			progress(total, estimateTotal(total, done, len(segments)))
		})
		resp.Body.Close()

		if err != nil {
			return written, fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err)
		}

		progress(written, estimateTotal(written, i+1, len(segments)))
	}

	return written, nil
}

func estimateTotal(written int64, done, count int) int64 {
	if done == 0 {
		return 0
	}

	return max(written/int64(done)*int64(count), written)
}

func (n *Native) mediaPlaylist(ctx context.Context, client *http.Client, rawURL, cookies string, depth int) (*m3u8.MediaPlaylist, string, error) {
	if depth >= maxPlaylistDepth {
		return nil, "", fmt.Errorf("%w: playlist nesting too deep", errs.ErrDownloadFailed)
	}

	resp, err := n.get(ctx, client, rawURL, cookies)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	p, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode playlist: %w", errs.ErrDownloadFailed, err)
	}

	switch listType {
	case m3u8.MEDIA:
		return p.(*m3u8.MediaPlaylist), rawURL, nil
	case m3u8.MASTER:
		master := p.(*m3u8.MasterPlaylist)

		var best *m3u8.Variant
		for _, v := range master.Variants {
			if v != nil && v.URI != "" && (best == nil || v.Bandwidth > best.Bandwidth) {
				best = v
			}
		}

		if best == nil {
			return nil, "", fmt.Errorf("%w: master playlist has no variants", errs.ErrDownloadFailed)
		}

		n.log.DebugContext(ctx, "hls variant selected", slog.Uint64("bandwidth", uint64(best.Bandwidth)), slog.String("resolution", best.Resolution))

		return n.mediaPlaylist(ctx, client, urls.Resolve(rawURL, best.URI), cookies, depth+1)
	default:
		return nil, "", fmt.Errorf("%w: unknown playlist type", errs.ErrDownloadFailed)
	}
}

// copyChunks copies r into w, checking ctx between chunks and reporting the
// running total after each one.
func copyChunks(ctx context.Context, w io.Writer, r io.Reader, written int64, report func(int64)) (int64, error) {
	buf := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := r.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)

			if werr != nil {
				return written, fmt.Errorf("write output: %w", werr)
			}

			report(written)
		}

		if errors.Is(rerr, io.EOF) {
			return written, nil
		}

		if rerr != nil {
			return written, fmt.Errorf("read body: %w", rerr)
		}
	}
}
