package entity

import (
	"log/slog"
	"strconv"
	"strings"
)

// Format is one concrete encoded variant offered by the extractor.
type Format struct {
	ID       string  `json:"format_id"`
	URL      string  `json:"url,omitempty"`
	Ext      string  `json:"ext,omitempty"`
	Quality  string  `json:"quality,omitempty"` // label such as "720p"
	Height   int     `json:"height,omitempty"`
	Width    int     `json:"width,omitempty"`
	FPS      float64 `json:"fps,omitempty"`
	VCodec   string  `json:"vcodec,omitempty"`
	ACodec   string  `json:"acodec,omitempty"`
	TBR      float64 `json:"tbr,omitempty"` // total bitrate, KBit/s
	Filesize int64   `json:"filesize,omitempty"`
	Protocol string  `json:"protocol,omitempty"`
}

// Resolution returns the vertical resolution, falling back to the quality label.
func (f Format) Resolution() int {
	if f.Height > 0 {
		return f.Height
	}

	label := strings.TrimSpace(strings.ToLower(f.Quality))
	if i := strings.IndexByte(label, 'p'); i > 0 {
		label = label[:i]
	}

	n, err := strconv.Atoi(label)
	if err != nil || n < 0 {
		return 0
	}

	return n
}

// IsAudioOnly reports whether the format carries no video stream.
func (f Format) IsAudioOnly() bool {
	return f.VCodec == "none" && f.Resolution() == 0
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (f Format) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("format_id", f.ID),
		slog.String("ext", f.Ext),
		slog.Int("height", f.Resolution()),
		slog.Float64("tbr", f.TBR),
		slog.Int64("filesize", f.Filesize),
		slog.String("protocol", f.Protocol),
	)
}

// VideoInfo is the metadata resolved by an extractor for a source url.
type VideoInfo struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Duration    float64  `json:"duration,omitempty"`
	Thumbnail   string   `json:"thumbnail,omitempty"`
	Description string   `json:"description,omitempty"`
	Uploader    string   `json:"uploader,omitempty"`
	Extractor   string   `json:"extractor,omitempty"`
	WebpageURL  string   `json:"webpage_url,omitempty"`
	Formats     []Format `json:"formats"`
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (v VideoInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", v.ID),
		slog.String("title", v.Title),
		slog.String("extractor", v.Extractor),
		slog.Float64("duration", v.Duration),
		slog.Int("formats", len(v.Formats)),
	)
}
