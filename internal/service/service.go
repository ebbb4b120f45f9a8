// Package service is the task API: the only entry point the delivery layer
// calls. It validates input, routes execution requests to the engine and
// keeps observers informed of creations and removals.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"mediaqueue/internal/consts"
	"mediaqueue/internal/downloader"
	"mediaqueue/internal/engine"
	"mediaqueue/internal/entity"
	"mediaqueue/internal/errs"
	"mediaqueue/internal/observability"
	"mediaqueue/internal/storage"
	"mediaqueue/pkg/urls"
)

// Tracker is notified about task creation and removal.
type Tracker interface {
	Notify(ctx context.Context, id string)
	Forget(id string)
}

// Hub is the broadcast side used by the service.
type Hub interface {
	Publish(event entity.Event)
	Stats(ctx context.Context) entity.Stats
}

// Options configures a Service.
type Options struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	RemoveFiles     bool
	ExtractTimeout  time.Duration
}

// Service implements the task API.
type Service struct {
	log       *slog.Logger
	store     *storage.Store
	engine    *engine.Engine
	tracker   Tracker
	hub       Hub
	extractor downloader.Extractor
	metrics   *observability.Metrics
	opt       Options
}

// New creates a Service.
func New(log *slog.Logger, store *storage.Store, eng *engine.Engine, tracker Tracker, hub Hub,
	extractor downloader.Extractor, metrics *observability.Metrics, opt Options,
) *Service {
	return &Service{
		log:       log.With(slog.String("package", "service")),
		store:     store,
		engine:    eng,
		tracker:   tracker,
		hub:       hub,
		extractor: extractor,
		metrics:   metrics,
		opt:       opt,
	}
}

// Extract resolves metadata for url without creating a task.
func (s *Service) Extract(ctx context.Context, url, cookies string) (entity.VideoInfo, error) {
	url = urls.Normalize(url)
	if !urls.IsURLValid(url) {
		return entity.VideoInfo{}, errs.NewValidation("url", "must be an absolute http or https url")
	}

	if s.opt.ExtractTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.opt.ExtractTimeout)
		defer cancel()
	}

	start := time.Now()

	info, err := s.extractor.Extract(ctx, url, cookies)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return entity.VideoInfo{}, fmt.Errorf("%w: timed out after %s", errs.ErrExtractionFailed, s.opt.ExtractTimeout)
		}

		kind := errs.ErrExtractionFailed
		if errors.Is(err, errs.ErrUnsupportedSite) {
			kind = errs.ErrUnsupportedSite
		}

		msg := strings.TrimPrefix(errs.Redact(err.Error(), cookies), kind.Error()+": ")

		return entity.VideoInfo{}, fmt.Errorf("%w: %s", kind, msg)
	}

	s.log.DebugContext(ctx, "info extracted", slog.Any("info", info), slog.Duration("took", time.Since(start)))

	return info, nil
}

// Create stores a new pending task.
func (s *Service) Create(ctx context.Context, spec entity.TaskSpec) (entity.Task, error) {
	task, err := s.store.Create(ctx, spec)
	if err != nil {
		return entity.Task{}, err
	}

	s.metrics.RecordTaskCreated()
	s.tracker.Notify(ctx, task.ID)

	s.log.InfoContext(ctx, "task created", slog.Any("task", task))

	return task, nil
}

// Start queues a pending task for execution and returns immediately.
func (s *Service) Start(ctx context.Context, id string) (entity.Task, error) {
	return s.engine.Enqueue(ctx, id)
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, id string) (entity.Task, error) {
	return s.store.Get(ctx, id)
}

// List returns a filtered page of tasks.
func (s *Service) List(ctx context.Context, filter entity.Filter) (entity.Page, error) {
	return s.store.List(ctx, filter)
}

// Active returns the tasks currently holding an execution slot.
func (s *Service) Active(ctx context.Context) []entity.Task {
	return s.store.Active(ctx)
}

// Cancel stops a pending, queued or executing task.
func (s *Service) Cancel(ctx context.Context, id string) (entity.Task, error) {
	return s.engine.Cancel(ctx, id)
}

// Delete removes a task that is not executing.
func (s *Service) Delete(ctx context.Context, id string) (entity.Task, error) {
	task, err := s.store.Delete(ctx, id)
	if err != nil {
		return entity.Task{}, err
	}

	s.removed(ctx, task)

	return task, nil
}

// Cleanup removes terminal tasks that finished more than maxAge ago.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) []entity.Task {
	removed := s.store.Cleanup(ctx, maxAge)
	for _, task := range removed {
		s.removed(ctx, task)
	}

	return removed
}

func (s *Service) removed(ctx context.Context, task entity.Task) {
	s.tracker.Forget(task.ID)
	s.hub.Publish(entity.RemovedEvent{TaskID: task.ID})

	if !s.opt.RemoveFiles || task.OutputPath == "" {
		return
	}

	if err := os.Remove(task.OutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.WarnContext(ctx, "remove output file", slog.String("task_id", task.ID), slog.Any("error", err))
	}
}

// RunCleanup removes expired tasks every CleanupInterval until ctx is done.
func (s *Service) RunCleanup(ctx context.Context) {
	if s.opt.CleanupInterval <= 0 || s.opt.TTL <= 0 {
		return
	}

	ticker := time.NewTicker(s.opt.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup(ctx, s.opt.TTL)
		}
	}
}

// Stats returns aggregate statistics.
func (s *Service) Stats(ctx context.Context) entity.Stats {
	return s.hub.Stats(ctx)
}

// SupportedSites lists the sites the extractor advertises.
func (s *Service) SupportedSites() []string {
	return s.extractor.SupportedSites()
}

// BatchCreate creates one task per spec. Items repeating an earlier url of
// the batch or an active task are skipped; other failures are reported per item.
func (s *Service) BatchCreate(ctx context.Context, specs []entity.TaskSpec) (entity.BatchResult, error) {
	if err := checkBatchSize(len(specs)); err != nil {
		return entity.BatchResult{}, err
	}

	start := time.Now()
	res := entity.BatchResult{Results: make([]entity.BatchItem, 0, len(specs))}
	seen := make(map[string]bool, len(specs))

	for _, spec := range specs {
		url := urls.Normalize(spec.URL)

		if seen[url] {
			res.Add(entity.BatchItem{URL: url, Status: entity.BatchSkipped, Reason: "duplicate in batch"})

			continue
		}

		seen[url] = true

		task, err := s.Create(ctx, spec)

		switch {
		case err == nil:
			res.Add(entity.BatchItem{TaskID: task.ID, URL: task.URL, Status: entity.BatchCreated})
		case errors.Is(err, errs.ErrAlreadyExists):
			res.Add(entity.BatchItem{URL: url, Status: entity.BatchSkipped, Reason: "already active"})
		default:
			res.Add(entity.BatchItem{URL: url, Status: entity.BatchError, Error: err.Error()})
		}
	}

	res.ProcessingTime = time.Since(start)
	s.logBatch(ctx, "batch create", res)

	return res, nil
}

// BatchStart starts each task id. Tasks that are not pending are skipped.
func (s *Service) BatchStart(ctx context.Context, ids []string) (entity.BatchResult, error) {
	if err := checkBatchSize(len(ids)); err != nil {
		return entity.BatchResult{}, err
	}

	start := time.Now()
	res := entity.BatchResult{Results: make([]entity.BatchItem, 0, len(ids))}

	for _, id := range ids {
		task, err := s.Start(ctx, id)

		switch {
		case err == nil:
			res.Add(entity.BatchItem{TaskID: id, URL: task.URL, Status: entity.BatchStarted})
		case errors.Is(err, errs.ErrConflict):
			res.Add(entity.BatchItem{TaskID: id, Status: entity.BatchSkipped, Reason: err.Error()})
		default:
			res.Add(entity.BatchItem{TaskID: id, Status: entity.BatchError, Error: err.Error()})
		}
	}

	res.ProcessingTime = time.Since(start)
	s.logBatch(ctx, "batch start", res)

	return res, nil
}

func (s *Service) logBatch(ctx context.Context, msg string, res entity.BatchResult) {
	s.log.InfoContext(ctx, msg,
		slog.Int("total", res.Summary.Total),
		slog.Int("successful", res.Summary.Successful),
		slog.Int("skipped", res.Summary.Skipped),
		slog.Int("failed", res.Summary.Failed),
		slog.Duration("took", res.ProcessingTime))
}

func checkBatchSize(n int) error {
	switch {
	case n == 0:
		return errs.NewValidation("items", "must not be empty")
	case n > consts.MaxBatchSize:
		return fmt.Errorf("%w: %d items, maximum is %d", errs.ErrBatchTooLarge, n, consts.MaxBatchSize)
	}

	return nil
}
