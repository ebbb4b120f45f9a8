// Package downloader provides the collaborators that resolve, fetch and
// post-process media for the execution engine.
package downloader

import (
	"context"
	"errors"
	"time"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/errs"
)

const (
	defaultProgressFreq = 200 * time.Millisecond
)

// Extractor resolves a source url into metadata and available formats.
type Extractor interface {
	Extract(ctx context.Context, url, cookies string) (entity.VideoInfo, error)
	SupportedSites() []string
}

// ProgressFunc receives cumulative byte counts. total is 0 when unknown.
type ProgressFunc func(downloaded, total int64)

// FetchRequest describes one format to transfer into Dest.
type FetchRequest struct {
	TaskID    string
	URL       string // source page url
	Extractor string // extractor that produced Format
	Format    entity.Format
	Cookies   string
	Dest      string
}

// FetchResult is the transferred file.
type FetchResult struct {
	Path string
	Size int64
}

// Fetcher transfers a selected format to local storage. Implementations must
// stop promptly once ctx is cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) (FetchResult, error)
}

// PostProcessor converts a fetched file and returns the new path.
type PostProcessor interface {
	Process(ctx context.Context, kind entity.PostProcessing, input string) (string, error)
}

// errorType labels err for metrics.
func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errs.ErrUnsupportedSite):
		return "unsupported"
	default:
		return "process"
	}
}
