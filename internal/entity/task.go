// Package entity defines the core entities used in the application.
package entity

import (
	"log/slog"
	"slices"
	"time"
)

// DefaultTitle is shown until extraction resolves the real title.
const DefaultTitle = "Loading..."

// Status represents the lifecycle state of a download task.
type Status string

const (
	// StatusPending indicates that the task is created and waits to be started or admitted.
	StatusPending Status = "pending"
	// StatusStarting indicates that the task holds a slot and metadata is being extracted.
	StatusStarting Status = "starting"
	// StatusDownloading indicates that media bytes are being fetched.
	StatusDownloading Status = "downloading"
	// StatusProcessing indicates that the post-processing step is running.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates that the task has finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates that a collaborator failed; see Task.ErrorMessage.
	StatusFailed Status = "failed"
	// StatusCancelled indicates that the task was cancelled by the user.
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusStarting, StatusDownloading, StatusProcessing,
	StatusCompleted, StatusFailed, StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusStarting, StatusCancelled},
	StatusStarting:    {StatusDownloading, StatusFailed, StatusCancelled},
	StatusDownloading: {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProcessing:  {StatusCompleted, StatusFailed, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a task in status s occupies an execution slot.
func (s Status) IsActive() bool {
	return s == StatusStarting || s == StatusDownloading || s == StatusProcessing
}

// CanTransition reports whether s -> to is an edge of the task state machine.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// Quality is the requested resolution preference.
type Quality string

const (
	QualityAuto  Quality = "auto"
	QualityBest  Quality = "best"
	Quality1080  Quality = "1080p"
	Quality720   Quality = "720p"
	Quality480   Quality = "480p"
	Quality360   Quality = "360p"
	QualityWorst Quality = "worst"
)

// Qualities lists the accepted quality values.
var Qualities = []Quality{QualityAuto, QualityBest, Quality1080, Quality720, Quality480, Quality360, QualityWorst}

// Valid reports whether q is an accepted quality.
func (q Quality) Valid() bool {
	return slices.Contains(Qualities, q)
}

// PostProcessing is the transformation applied after the fetch completes.
type PostProcessing string

const (
	PostProcessingNone    PostProcessing = "none"
	PostProcessingAudio   PostProcessing = "audio"
	PostProcessingMP4     PostProcessing = "mp4"
	PostProcessingPermute PostProcessing = "permute"
)

// PostProcessings lists the accepted post-processing values.
var PostProcessings = []PostProcessing{PostProcessingNone, PostProcessingAudio, PostProcessingMP4, PostProcessingPermute}

// Valid reports whether p is an accepted post-processing kind.
func (p PostProcessing) Valid() bool {
	return slices.Contains(PostProcessings, p)
}

// Task represents one user-requested download.
type Task struct {
	ID             string         `json:"id"`
	URL            string         `json:"url"`
	Title          string         `json:"title"`
	Status         Status         `json:"status"`
	Quality        Quality        `json:"quality"`
	PostProcessing PostProcessing `json:"post_processing"`
	Cookies        string         `json:"-"`
	CustomFilename string         `json:"custom_filename,omitempty"`
	Queued         bool           `json:"queued"`

	DownloadedBytes    int64   `json:"downloaded_bytes"`
	TotalBytes         int64   `json:"total_bytes"`
	Speed              float64 `json:"speed"` // bytes per second, smoothed
	ETA                int64   `json:"eta"`   // seconds, 0 when unknown
	ProgressPercentage float64 `json:"progress_percentage"`
	ProgressText       string  `json:"progress_text"`
	SpeedText          string  `json:"speed_text"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage string     `json:"error_message,omitempty"`

	Duration       float64  `json:"duration,omitempty"`
	Thumbnail      string   `json:"thumbnail,omitempty"`
	Description    string   `json:"description,omitempty"`
	Uploader       string   `json:"uploader,omitempty"`
	Formats        []Format `json:"formats,omitempty"`
	SelectedFormat *Format  `json:"selected_format,omitempty"`

	OutputPath  string `json:"output_path,omitempty"`
	ArtifactURL string `json:"artifact_url,omitempty"`
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	t.Formats = slices.Clone(t.Formats)

	if t.SelectedFormat != nil {
		f := *t.SelectedFormat
		t.SelectedFormat = &f
	}

	if t.StartedAt != nil {
		ts := *t.StartedAt
		t.StartedAt = &ts
	}

	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		t.CompletedAt = &ts
	}

	return t
}

// LogValue implements the slog.LogValuer interface for structured logging.
// Cookies are never logged.
func (t Task) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", t.ID),
		slog.String("url", t.URL),
		slog.String("status", string(t.Status)),
		slog.String("quality", string(t.Quality)),
		slog.String("post_processing", string(t.PostProcessing)),
		slog.Bool("queued", t.Queued),
		slog.Int64("downloaded_bytes", t.DownloadedBytes),
		slog.Int64("total_bytes", t.TotalBytes),
		slog.Float64("progress", t.ProgressPercentage),
		slog.String("error", t.ErrorMessage),
	)
}

// TaskSpec is the caller input for creating a task.
type TaskSpec struct {
	URL            string         `json:"url"`
	Quality        Quality        `json:"quality"`
	PostProcessing PostProcessing `json:"post_processing"`
	Cookies        string         `json:"cookies,omitempty"`
	CustomFilename string         `json:"custom_filename,omitempty"`
}

// Page is one slice of a filtered task listing.
type Page struct {
	Tasks  []Task `json:"tasks"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// Filter selects tasks for listing.
type Filter struct {
	Status Status
	Limit  int
	Offset int
}
