// Package engine admits queued tasks under a concurrency limit and drives each
// one through extraction, fetch, post-processing and completion.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mediaqueue/internal/artifact"
	"mediaqueue/internal/consts"
	"mediaqueue/internal/downloader"
	"mediaqueue/internal/entity"
	"mediaqueue/internal/errs"
	"mediaqueue/internal/observability"
	"mediaqueue/internal/progress"
	"mediaqueue/internal/storage"
	"mediaqueue/pkg/filename"
)

var (
	errCancelled = errors.New("cancelled by user")
	errShutdown  = errors.New("interrupted by shutdown")
)

// Store is the subset of the task store the engine drives.
type Store interface {
	Get(ctx context.Context, id string) (entity.Task, error)
	Update(ctx context.Context, id string, fn storage.Mutation) (entity.Task, error)
	Transition(ctx context.Context, id string, to entity.Status, fn storage.Mutation) (entity.Task, error)
}

// Tracker receives progress samples and status change notifications.
type Tracker interface {
	Begin(id string)
	Observe(ctx context.Context, id string, sample progress.Sample) error
	Notify(ctx context.Context, id string)
}

// Collaborators are the external steps of the pipeline. Uploader may be nil.
type Collaborators struct {
	Extractor     downloader.Extractor
	Fetcher       downloader.Fetcher
	PostProcessor downloader.PostProcessor
	Uploader      artifact.Uploader
}

// Options configures an Engine.
type Options struct {
	MaxConcurrent  int
	QueueSize      int
	ExtractTimeout time.Duration
	FetchTimeout   time.Duration
	ProcessTimeout time.Duration
	CancelGrace    time.Duration
	DownloadDir    string
}

type run struct {
	cancel  context.CancelCauseFunc
	done    chan struct{}
	release sync.Once
}

// Engine executes tasks. Enqueue and Cancel never wait for a pipeline step,
// except Cancel waiting up to CancelGrace for an executing task to stop.
type Engine struct {
	log     *slog.Logger
	store   Store
	tracker Tracker
	collab  Collaborators
	metrics *observability.Metrics
	opt     Options

	queue chan string
	slots chan struct{}

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// New creates an Engine. Call Run to start admitting tasks.
func New(log *slog.Logger, store Store, tracker Tracker, collab Collaborators, metrics *observability.Metrics, opt Options) *Engine {
	opt.MaxConcurrent = max(opt.MaxConcurrent, 1)
	opt.QueueSize = max(opt.QueueSize, 1)

	if opt.CancelGrace <= 0 {
		opt.CancelGrace = 5 * time.Second
	}

	return &Engine{
		log:     log.With(slog.String("package", "engine")),
		store:   store,
		tracker: tracker,
		collab:  collab,
		metrics: metrics,
		opt:     opt,
		queue:   make(chan string, opt.QueueSize),
		slots:   make(chan struct{}, opt.MaxConcurrent),
		runs:    make(map[string]*run),
	}
}

// Enqueue marks a pending task as queued and hands it to the dispatcher.
func (e *Engine) Enqueue(ctx context.Context, id string) (entity.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return entity.Task{}, errs.ErrServiceClosed
	}

	task, err := e.store.Update(ctx, id, func(t *entity.Task) error {
		if t.Status != entity.StatusPending {
			return fmt.Errorf("%w: task %s is %s", errs.ErrInvalidState, t.ID, t.Status)
		}

		if t.Queued {
			return fmt.Errorf("%w: task %s is already queued", errs.ErrConflict, t.ID)
		}

		t.Queued = true

		return nil
	})
	if err != nil {
		return entity.Task{}, err
	}

	select {
	case e.queue <- id:
	default:
		_, rerr := e.store.Update(ctx, id, func(t *entity.Task) error {
			t.Queued = false

			return nil
		})
		if rerr != nil {
			e.log.WarnContext(ctx, "revert queued flag", slog.String("task_id", id), slog.Any("error", rerr))
		}

		return entity.Task{}, fmt.Errorf("%w: %d/%d", errs.ErrQueueFull, len(e.queue), cap(e.queue))
	}

	e.metrics.TasksQueued.Inc()
	e.tracker.Notify(ctx, id)

	e.log.DebugContext(ctx, "task enqueued", slog.String("task_id", id))

	return task, nil
}

// Run admits queued tasks until ctx is done, then interrupts executing tasks
// and waits for them to stop.
func (e *Engine) Run(ctx context.Context) {
	e.log.InfoContext(ctx, "engine started",
		slog.Int("max_concurrent", e.opt.MaxConcurrent),
		slog.Int("queue_size", e.opt.QueueSize))

	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx)

			return
		case id := <-e.queue:
			e.metrics.TasksQueued.Dec()

			select {
			case e.slots <- struct{}{}:
			case <-ctx.Done():
				e.shutdown(ctx)

				return
			}

			e.admit(ctx, id)
		}
	}
}

func (e *Engine) admit(ctx context.Context, id string) {
	e.mu.Lock()

	task, err := e.store.Transition(ctx, id, entity.StatusStarting, func(t *entity.Task) error {
		t.Queued = false

		return nil
	})
	if err != nil {
		e.mu.Unlock()
		<-e.slots

		// cancelled or deleted while waiting in the queue
		e.log.DebugContext(ctx, "skip dequeued task", slog.String("task_id", id), slog.Any("error", err))

		return
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.runs[id] = r
	e.wg.Add(1)

	e.mu.Unlock()

	e.metrics.TasksActive.Inc()
	e.tracker.Notify(ctx, id)

	go e.execute(runCtx, task, r)
}

func (e *Engine) execute(ctx context.Context, task entity.Task, r *run) {
	defer e.wg.Done()
	defer close(r.done)
	defer e.release(task.ID, r)

	log := e.log.With(slog.String("task_id", task.ID))
	stopTimer := e.metrics.TaskTimer()

	err := e.pipeline(ctx, log, task)

	stopTimer()
	e.finish(ctx, log, task, err)
}

func (e *Engine) release(id string, r *run) {
	r.release.Do(func() {
		e.mu.Lock()
		if e.runs[id] == r {
			delete(e.runs, id)
		}
		e.mu.Unlock()

		r.cancel(nil)
		<-e.slots
		e.metrics.TasksActive.Dec()
	})
}

// finish moves a task whose pipeline stopped early to its terminal status.
func (e *Engine) finish(ctx context.Context, log *slog.Logger, task entity.Task, err error) {
	if err == nil {
		return
	}

	storeCtx := context.WithoutCancel(ctx)
	cause := context.Cause(ctx)

	to, msg := entity.StatusFailed, errs.Redact(err.Error(), task.Cookies)

	switch {
	case errors.Is(cause, errCancelled):
		to, msg = entity.StatusCancelled, ""
	case errors.Is(cause, errShutdown):
		msg = errShutdown.Error()
	}

	_, terr := e.store.Transition(storeCtx, task.ID, to, func(t *entity.Task) error {
		t.ErrorMessage = msg
		t.Speed, t.ETA = 0, 0

		return nil
	})
	if terr != nil {
		// already terminal, e.g. force-cancelled after the grace period
		log.DebugContext(ctx, "finish transition skipped", slog.Any("error", terr))

		return
	}

	e.metrics.RecordTaskFinished(string(to))
	e.tracker.Notify(storeCtx, task.ID)

	if to == entity.StatusFailed {
		log.WarnContext(ctx, "task failed", slog.String("error", msg))
	} else {
		log.InfoContext(ctx, "task stopped", slog.String("status", string(to)))
	}
}

func (e *Engine) pipeline(ctx context.Context, log *slog.Logger, task entity.Task) error {
	info, err := e.extract(ctx, task)
	if err != nil {
		return err
	}

	format, err := SelectFormat(info.Formats, task.Quality)
	if err != nil {
		return err
	}

	log.DebugContext(ctx, "format selected", slog.Any("format", format))

	dest := filepath.Join(e.opt.DownloadDir, filename.Build(info.Title, task.CustomFilename, fetchExt(task, format), consts.MaxFilenameLength))

	e.tracker.Begin(task.ID)

	_, err = e.store.Transition(ctx, task.ID, entity.StatusDownloading, func(t *entity.Task) error {
		t.Title = info.Title
		t.Duration = info.Duration
		t.Thumbnail = info.Thumbnail
		t.Description = info.Description
		t.Uploader = info.Uploader
		t.Formats = info.Formats
		t.SelectedFormat = &format
		t.TotalBytes = format.Filesize

		return nil
	})
	if err != nil {
		return err
	}

	e.tracker.Notify(ctx, task.ID)

	res, err := e.fetch(ctx, log, task, info, format, dest)
	if err != nil {
		return err
	}

	output := res.Path

	if task.PostProcessing != entity.PostProcessingNone && task.PostProcessing != "" {
		if _, err := e.store.Transition(ctx, task.ID, entity.StatusProcessing, nil); err != nil {
			return err
		}

		e.tracker.Notify(ctx, task.ID)

		output, err = e.process(ctx, task, res.Path)
		if err != nil {
			return err
		}
	}

	size := res.Size
	if fi, err := os.Stat(output); err == nil {
		size = fi.Size()
	}

	artifactURL := e.upload(ctx, log, task.ID, output)

	_, err = e.store.Transition(ctx, task.ID, entity.StatusCompleted, func(t *entity.Task) error {
		t.OutputPath = output
		t.ArtifactURL = artifactURL
		t.DownloadedBytes = size
		t.TotalBytes = size
		t.Speed, t.ETA = 0, 0

		return nil
	})
	if err != nil {
		return err
	}

	e.metrics.RecordTaskFinished(string(entity.StatusCompleted))
	e.tracker.Notify(context.WithoutCancel(ctx), task.ID)

	log.InfoContext(ctx, "task completed", slog.String("output", output), slog.Int64("size", size))

	return nil
}

func (e *Engine) extract(ctx context.Context, task entity.Task) (entity.VideoInfo, error) {
	start := time.Now()

	ectx, cancel := withTimeout(ctx, e.opt.ExtractTimeout)
	defer cancel()

	info, err := e.collab.Extractor.Extract(ectx, task.URL, task.Cookies)

	e.metrics.ExtractDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		return info, nil
	case ctx.Err() != nil:
		return entity.VideoInfo{}, ctx.Err()
	case errors.Is(ectx.Err(), context.DeadlineExceeded):
		return entity.VideoInfo{}, fmt.Errorf("%w: timed out after %s", errs.ErrExtractionFailed, e.opt.ExtractTimeout)
	case errors.Is(err, errs.ErrExtractionFailed), errors.Is(err, errs.ErrUnsupportedSite):
		return entity.VideoInfo{}, err
	default:
		return entity.VideoInfo{}, fmt.Errorf("%w: %w", errs.ErrExtractionFailed, err)
	}
}

func (e *Engine) fetch(ctx context.Context, log *slog.Logger, task entity.Task, info entity.VideoInfo, format entity.Format, dest string) (downloader.FetchResult, error) {
	fctx, cancel := withTimeout(ctx, e.opt.FetchTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return downloader.FetchResult{}, fmt.Errorf("%w: create download dir: %w", errs.ErrDownloadFailed, err)
	}

	start := time.Now()
	relay := func(downloaded, total int64) {
		sample := progress.Sample{Downloaded: downloaded, Total: total, Elapsed: time.Since(start)}
		if err := e.tracker.Observe(fctx, task.ID, sample); err != nil {
			log.DebugContext(ctx, "progress sample dropped", slog.Any("error", err))
		}
	}

	res, err := e.collab.Fetcher.Fetch(fctx, downloader.FetchRequest{
		TaskID:    task.ID,
		URL:       task.URL,
		Extractor: info.Extractor,
		Format:    format,
		Cookies:   task.Cookies,
		Dest:      dest,
	}, relay)

	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return downloader.FetchResult{}, ctx.Err()
	case errors.Is(fctx.Err(), context.DeadlineExceeded):
		return downloader.FetchResult{}, fmt.Errorf("%w: timed out after %s", errs.ErrDownloadFailed, e.opt.FetchTimeout)
	case errors.Is(err, errs.ErrDownloadFailed):
		return downloader.FetchResult{}, err
	default:
		return downloader.FetchResult{}, fmt.Errorf("%w: %w", errs.ErrDownloadFailed, err)
	}
}

func (e *Engine) process(ctx context.Context, task entity.Task, input string) (string, error) {
	pctx, cancel := withTimeout(ctx, e.opt.ProcessTimeout)
	defer cancel()

	output, err := e.collab.PostProcessor.Process(pctx, task.PostProcessing, input)

	switch {
	case err == nil:
		return output, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(err, errs.ErrProcessingFailed):
		return "", err
	default:
		return "", fmt.Errorf("%w: %w", errs.ErrProcessingFailed, err)
	}
}

// upload is best effort: a failure is logged and leaves the url empty.
func (e *Engine) upload(ctx context.Context, log *slog.Logger, id, path string) string {
	if e.collab.Uploader == nil {
		return ""
	}

	url, err := e.collab.Uploader.Upload(ctx, id, path)
	if err != nil {
		log.WarnContext(ctx, "artifact upload failed", slog.Any("error", err))

		return ""
	}

	return url
}

// Cancel stops a task. Pending tasks are cancelled directly; executing tasks
// are asked to stop and force-cancelled once CancelGrace has passed.
func (e *Engine) Cancel(ctx context.Context, id string) (entity.Task, error) {
	e.mu.Lock()

	r, running := e.runs[id]
	if !running {
		task, err := e.store.Transition(ctx, id, entity.StatusCancelled, nil)
		e.mu.Unlock()

		if err != nil {
			return entity.Task{}, err
		}

		e.metrics.RecordTaskFinished(string(entity.StatusCancelled))
		e.tracker.Notify(ctx, id)

		return task, nil
	}

	e.mu.Unlock()

	r.cancel(errCancelled)

	timer := time.NewTimer(e.opt.CancelGrace)
	defer timer.Stop()

	select {
	case <-r.done:
	case <-timer.C:
		e.log.WarnContext(ctx, "task ignored cancellation, forcing", slog.String("task_id", id), slog.Duration("grace", e.opt.CancelGrace))

		_, err := e.store.Transition(ctx, id, entity.StatusCancelled, func(t *entity.Task) error {
			t.Speed, t.ETA = 0, 0

			return nil
		})
		if err == nil {
			e.metrics.RecordTaskFinished(string(entity.StatusCancelled))
			e.tracker.Notify(ctx, id)
		}

		e.release(id, r)
	case <-ctx.Done():
		return entity.Task{}, ctx.Err()
	}

	return e.store.Get(ctx, id)
}

// Running returns the number of tasks holding an execution slot.
func (e *Engine) Running() int {
	return len(e.slots)
}

// Queued returns the number of task ids waiting for the dispatcher.
func (e *Engine) Queued() int {
	return len(e.queue)
}

func (e *Engine) shutdown(ctx context.Context) {
	e.mu.Lock()
	e.closed = true

	for _, r := range e.runs {
		r.cancel(errShutdown)
	}
	e.mu.Unlock()

	e.log.InfoContext(ctx, "engine stopping, waiting for running tasks")
	e.wg.Wait()
	e.log.InfoContext(ctx, "engine stopped")
}

func fetchExt(task entity.Task, format entity.Format) string {
	if format.Ext != "" {
		return format.Ext
	}

	if ext := downloader.OutputExt(task.PostProcessing); ext != "" {
		return ext
	}

	return "mp4"
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, d)
}
