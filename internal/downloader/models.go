package downloader

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/errs"
	"mediaqueue/pkg/calc"
	"mediaqueue/pkg/maths"

	"github.com/lrstanley/go-ytdlp"
)

// Result wraps ytdlp.Result for custom logging.
type Result struct {
	*ytdlp.Result

	sensitive []string
}

// LogValue implements the slog.LogValuer interface. Cookie values are redacted.
func (r Result) LogValue() slog.Value {
	if r.Result == nil {
		return slog.GroupValue(slog.String("error", "nil result"))
	}

	var logs strings.Builder
	for _, l := range r.OutputLogs {
		fmt.Fprintf(&logs, "%v\n", l)
	}

	redact := func(s string) string {
		for _, secret := range r.sensitive {
			s = errs.Redact(s, secret)
		}

		return s
	}

	return slog.GroupValue(
		slog.String("executable", r.Executable),
		slog.Int("args", len(r.Args)),
		slog.String("stderr", redact(tail(r.Stderr, 2048))),
		slog.String("output_logs", redact(tail(logs.String(), 2048))),
	)
}

// ProgressUpdate wraps ytdlp.ProgressUpdate for custom logging.
type ProgressUpdate struct {
	*ytdlp.ProgressUpdate
}

// LogValue implements the slog.LogValuer interface for custom logging of ProgressUpdate.
func (p ProgressUpdate) LogValue() slog.Value {
	if p.ProgressUpdate == nil {
		return slog.GroupValue(slog.String("error", "nil progress update"))
	}

	return slog.GroupValue(
		slog.String("filename", p.Filename),
		slog.String("status", fmt.Sprintf("%v", p.Status)),
		slog.Int("downloaded_bytes", p.DownloadedBytes),
		slog.Int("total_bytes", p.TotalBytes),
		slog.Int("fragment_index", p.FragmentIndex),
		slog.Int("fragment_count", p.FragmentCount),
		slog.Float64("progress", calc.Percentage(int64(p.DownloadedBytes), int64(p.TotalBytes))),
		slog.Time("started", p.Started),
	)
}

// infoJSON is the subset of the yt-dlp --dump-single-json document we read.
type infoJSON struct {
	Type        string       `json:"_type"`
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Duration    float64      `json:"duration"`
	Thumbnail   string       `json:"thumbnail"`
	Description string       `json:"description"`
	Uploader    string       `json:"uploader"`
	Channel     string       `json:"channel"`
	Extractor   string       `json:"extractor"`
	WebpageURL  string       `json:"webpage_url"`
	Formats     []formatJSON `json:"formats"`

	// single-format results carry the format fields at top level
	formatJSON
}

type formatJSON struct {
	FormatID       string  `json:"format_id"`
	URL            string  `json:"url"`
	Ext            string  `json:"ext"`
	FormatNote     string  `json:"format_note"`
	Resolution     string  `json:"resolution"`
	Height         float64 `json:"height"`
	Width          float64 `json:"width"`
	FPS            float64 `json:"fps"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	TBR            float64 `json:"tbr"`
	Filesize       float64 `json:"filesize"`
	FilesizeApprox float64 `json:"filesize_approx"`
	Protocol       string  `json:"protocol"`
}

func (f formatJSON) entity() entity.Format {
	out := entity.Format{
		ID:       f.FormatID,
		URL:      f.URL,
		Ext:      f.Ext,
		Height:   maths.RoundFloat64ToInt(f.Height),
		Width:    maths.RoundFloat64ToInt(f.Width),
		FPS:      f.FPS,
		VCodec:   f.VCodec,
		ACodec:   f.ACodec,
		TBR:      f.TBR,
		Filesize: maths.Int64(f.Filesize),
		Protocol: f.Protocol,
	}

	if out.Filesize == 0 {
		out.Filesize = maths.Int64(f.FilesizeApprox)
	}

	switch {
	case out.Height > 0:
		out.Quality = fmt.Sprintf("%dp", out.Height)
	case (entity.Format{Quality: f.FormatNote}).Resolution() > 0:
		out.Quality = f.FormatNote
	case f.Resolution != "":
		out.Quality = f.Resolution
	default:
		out.Quality = f.FormatNote
	}

	return out
}

// ParseInfo converts a yt-dlp --dump-single-json document into VideoInfo.
func ParseInfo(raw []byte) (entity.VideoInfo, error) {
	var doc infoJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return entity.VideoInfo{}, fmt.Errorf("%w: decode yt-dlp output: %w", errs.ErrExtractionFailed, err)
	}

	if doc.Type == "playlist" {
		return entity.VideoInfo{}, fmt.Errorf("%w: playlists are not supported", errs.ErrExtractionFailed)
	}

	info := entity.VideoInfo{
		ID:          doc.ID,
		Title:       doc.Title,
		Duration:    doc.Duration,
		Thumbnail:   doc.Thumbnail,
		Description: doc.Description,
		Uploader:    doc.Uploader,
		Extractor:   doc.Extractor,
		WebpageURL:  doc.WebpageURL,
		Formats:     make([]entity.Format, 0, len(doc.Formats)),
	}

	if info.Uploader == "" {
		info.Uploader = doc.Channel
	}

	for _, f := range doc.Formats {
		// storyboards and other formats without media streams
		if f.FormatID == "" || (f.VCodec == "none" && f.ACodec == "none") {
			continue
		}

		info.Formats = append(info.Formats, f.entity())
	}

	if len(info.Formats) == 0 && doc.FormatID != "" {
		info.Formats = append(info.Formats, doc.formatJSON.entity())
	}

	return info, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[len(s)-n:]
}
