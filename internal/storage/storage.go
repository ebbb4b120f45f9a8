// Package storage keeps the authoritative set of download tasks in memory.
package storage

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/errs"
	"mediaqueue/internal/observability"
	"mediaqueue/pkg/calc"
	"mediaqueue/pkg/filename"
	"mediaqueue/pkg/gen"
	"mediaqueue/pkg/urls"
)

// Journal persists task snapshots across restarts.
type Journal interface {
	Save(ctx context.Context, task entity.Task) error
	Delete(ctx context.Context, ids ...string) error
	Load(ctx context.Context) ([]entity.Task, error)
}

// Mutation edits a private copy of a task. Returning an error discards the copy.
type Mutation func(task *entity.Task) error

// Options configures a Store.
type Options struct {
	DefaultPageSize  int
	MaxPageSize      int
	RejectDuplicates bool
}

type record struct {
	mu      sync.Mutex
	task    entity.Task
	deleted bool
}

// Store is the in-memory task store. All methods are safe for concurrent use;
// mutations of one task are linearized by a per-task lock.
type Store struct {
	log     *slog.Logger
	opt     Options
	journal Journal
	metrics *observability.Metrics

	mu    sync.RWMutex
	tasks map[string]*record
}

// New creates an empty store. journal may be nil.
func New(log *slog.Logger, opt Options, journal Journal, metrics *observability.Metrics) *Store {
	if opt.DefaultPageSize <= 0 {
		opt.DefaultPageSize = 50
	}

	if opt.MaxPageSize < opt.DefaultPageSize {
		opt.MaxPageSize = opt.DefaultPageSize
	}

	return &Store{
		log:     log.With(slog.String("package", "storage")),
		opt:     opt,
		journal: journal,
		metrics: metrics,
		tasks:   make(map[string]*record),
	}
}

// Validate normalizes spec in place and reports the first invalid field.
func Validate(spec *entity.TaskSpec) error {
	spec.URL = urls.Normalize(spec.URL)

	switch {
	case spec.URL == "":
		return errs.NewValidation("url", "is required")
	case !urls.IsURLValid(spec.URL):
		return errs.NewValidation("url", "must be an absolute http or https url")
	}

	if spec.Quality == "" {
		spec.Quality = entity.QualityBest
	}

	if !spec.Quality.Valid() {
		return errs.NewValidation("quality", fmt.Sprintf("must be one of %v", entity.Qualities))
	}

	if spec.PostProcessing == "" {
		spec.PostProcessing = entity.PostProcessingNone
	}

	if !spec.PostProcessing.Valid() {
		return errs.NewValidation("post_processing", fmt.Sprintf("must be one of %v", entity.PostProcessings))
	}

	spec.CustomFilename = strings.TrimSpace(spec.CustomFilename)
	if spec.CustomFilename != "" {
		if err := filename.Validate(spec.CustomFilename); err != nil {
			return errs.NewValidation("custom_filename", err.Error())
		}
	}

	return nil
}

// Create validates spec and stores a new pending task.
func (s *Store) Create(ctx context.Context, spec entity.TaskSpec) (entity.Task, error) {
	if err := Validate(&spec); err != nil {
		return entity.Task{}, fmt.Errorf("create task: %w", err)
	}

	task := entity.Task{
		ID:             gen.ID(),
		URL:            spec.URL,
		Title:          entity.DefaultTitle,
		Status:         entity.StatusPending,
		Quality:        spec.Quality,
		PostProcessing: spec.PostProcessing,
		Cookies:        spec.Cookies,
		CustomFilename: spec.CustomFilename,
		CreatedAt:      time.Now(),
	}
	task.ProgressText, task.SpeedText = progressTexts(task)

	s.mu.Lock()

	if s.opt.RejectDuplicates {
		if dup, ok := s.findActiveByURLLocked(task.URL); ok {
			s.mu.Unlock()

			return entity.Task{}, fmt.Errorf("create task: %w (task %s is %s)", errs.ErrAlreadyExists, dup.ID, dup.Status)
		}
	}

	s.tasks[task.ID] = &record{task: task}
	count := len(s.tasks)

	s.mu.Unlock()

	s.metrics.SetStoredTasks(count)
	s.persist(ctx, task)

	s.log.DebugContext(ctx, "task created", slog.Any("task", task))

	return task.Clone(), nil
}

// findActiveByURLLocked returns a non-terminal task with url. s.mu must be held.
func (s *Store) findActiveByURLLocked(url string) (entity.Task, bool) {
	for _, rec := range s.tasks {
		rec.mu.Lock()
		task := rec.task
		rec.mu.Unlock()

		if task.URL == url && !task.Status.IsTerminal() {
			return task, true
		}
	}

	return entity.Task{}, false
}

func (s *Store) record(id string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.tasks[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, id)
	}

	return rec, nil
}

// Get returns a copy of the task with id.
func (s *Store) Get(_ context.Context, id string) (entity.Task, error) {
	rec, err := s.record(id)
	if err != nil {
		return entity.Task{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.deleted {
		return entity.Task{}, fmt.Errorf("%w: %s", errs.ErrNotFound, id)
	}

	return rec.task.Clone(), nil
}

// Update applies fn atomically to the task with id and returns the new state.
//
// Identity fields are immutable, status changes must follow the task state
// machine, started_at and completed_at are stamped on the first matching
// transition and the progress percentage is derived from the byte counters.
func (s *Store) Update(ctx context.Context, id string, fn Mutation) (entity.Task, error) {
	rec, err := s.record(id)
	if err != nil {
		return entity.Task{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.deleted {
		return entity.Task{}, fmt.Errorf("%w: %s", errs.ErrNotFound, id)
	}

	prev := rec.task
	next := prev.Clone()

	if err := fn(&next); err != nil {
		return entity.Task{}, err
	}

	next.ID, next.URL, next.Quality, next.PostProcessing = prev.ID, prev.URL, prev.Quality, prev.PostProcessing
	next.Cookies, next.CreatedAt = prev.Cookies, prev.CreatedAt

	if next.Status != prev.Status {
		if !prev.Status.CanTransition(next.Status) {
			return entity.Task{}, fmt.Errorf("%w: %s -> %s", errs.ErrInvalidState, prev.Status, next.Status)
		}

		now := time.Now()
		if next.Status == entity.StatusStarting && next.StartedAt == nil {
			next.StartedAt = &now
		}

		if next.Status.IsTerminal() {
			next.Queued = false
			if next.CompletedAt == nil {
				next.CompletedAt = &now
			}
		}
	}

	if next.DownloadedBytes < 0 {
		next.DownloadedBytes = 0
	}

	if next.TotalBytes > 0 && next.DownloadedBytes > next.TotalBytes {
		next.TotalBytes = next.DownloadedBytes
	}

	next.ProgressPercentage = calc.Percentage(next.DownloadedBytes, next.TotalBytes)
	next.ProgressText, next.SpeedText = progressTexts(next)

	rec.task = next

	if next.Status != prev.Status {
		s.persist(ctx, next)
	}

	return next.Clone(), nil
}

// Transition moves the task to status `to`, applying fn (may be nil) to the same copy.
func (s *Store) Transition(ctx context.Context, id string, to entity.Status, fn Mutation) (entity.Task, error) {
	return s.Update(ctx, id, func(task *entity.Task) error {
		if !task.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidState, task.Status, to)
		}

		task.Status = to

		if fn != nil {
			return fn(task)
		}

		return nil
	})
}

// List returns one page of tasks matching filter, most recent first.
func (s *Store) List(_ context.Context, filter entity.Filter) (entity.Page, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return entity.Page{}, errs.NewValidation("status", fmt.Sprintf("must be one of %v", entity.Statuses))
	}

	if filter.Limit <= 0 {
		filter.Limit = s.opt.DefaultPageSize
	}

	filter.Limit = min(filter.Limit, s.opt.MaxPageSize)
	filter.Offset = max(filter.Offset, 0)

	matched := s.snapshot(func(t entity.Task) bool {
		return filter.Status == "" || t.Status == filter.Status
	})

	page := entity.Page{
		Tasks:  []entity.Task{},
		Total:  len(matched),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}

	if filter.Offset < len(matched) {
		end := min(filter.Offset+filter.Limit, len(matched))
		page.Tasks = matched[filter.Offset:end]
	}

	return page, nil
}

// All returns every task, most recent first.
func (s *Store) All(_ context.Context) []entity.Task {
	return s.snapshot(nil)
}

// Active returns tasks that hold an execution slot, most recent first.
func (s *Store) Active(_ context.Context) []entity.Task {
	return s.snapshot(func(t entity.Task) bool { return t.Status.IsActive() })
}

func (s *Store) snapshot(keep func(entity.Task) bool) []entity.Task {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.tasks))
	for _, rec := range s.tasks {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]entity.Task, 0, len(recs))

	for _, rec := range recs {
		rec.mu.Lock()
		task, deleted := rec.task, rec.deleted
		rec.mu.Unlock()

		if deleted || (keep != nil && !keep(task)) {
			continue
		}

		out = append(out, task.Clone())
	}

	slices.SortFunc(out, func(a, b entity.Task) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(b.ID, a.ID)
	})

	return out
}

// Delete removes a task that is not executing and returns its last state.
func (s *Store) Delete(ctx context.Context, id string) (entity.Task, error) {
	s.mu.Lock()

	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()

		return entity.Task{}, fmt.Errorf("%w: %s", errs.ErrNotFound, id)
	}

	rec.mu.Lock()

	if rec.task.Status.IsActive() {
		status := rec.task.Status
		rec.mu.Unlock()
		s.mu.Unlock()

		return entity.Task{}, fmt.Errorf("%w: task %s is %s", errs.ErrConflict, id, status)
	}

	rec.deleted = true
	task := rec.task
	rec.mu.Unlock()

	delete(s.tasks, id)
	count := len(s.tasks)

	s.mu.Unlock()

	s.metrics.SetStoredTasks(count)
	s.forget(ctx, id)

	s.log.DebugContext(ctx, "task deleted", slog.String("task_id", id))

	return task, nil
}

// Stats aggregates counts per status, byte totals and the summed speed of active tasks.
func (s *Store) Stats(_ context.Context) entity.Stats {
	stats := entity.Stats{ByStatus: make(map[entity.Status]int, len(entity.Statuses))}

	for _, st := range entity.Statuses {
		stats.ByStatus[st] = 0
	}

	for _, task := range s.snapshot(nil) {
		stats.Total++
		stats.ByStatus[task.Status]++
		stats.TotalDownloadedBytes += task.DownloadedBytes

		switch {
		case task.Status.IsActive():
			stats.Active++
			stats.CurrentSpeed += task.Speed
		case task.Status == entity.StatusPending:
			stats.Pending++
			if task.Queued {
				stats.Queued++
			}
		case task.Status == entity.StatusCompleted:
			stats.Completed++
			stats.TotalSizeBytes += task.TotalBytes
		case task.Status == entity.StatusFailed:
			stats.Failed++
		case task.Status == entity.StatusCancelled:
			stats.Cancelled++
		}
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total) * 100
	}

	return stats
}

// Len returns the number of stored tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.tasks)
}

// Restore loads tasks from the journal. Tasks that were not terminal when the
// previous process stopped are marked failed.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}

	tasks, err := s.journal.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load journal: %w", err)
	}

	now := time.Now()

	s.mu.Lock()

	var interrupted []entity.Task

	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			task.Status = entity.StatusFailed
			task.ErrorMessage = "interrupted by restart"
			task.CompletedAt = &now
			task.Queued = false
			task.Speed, task.ETA = 0, 0
			interrupted = append(interrupted, task)
		}

		task.ProgressPercentage = calc.Percentage(task.DownloadedBytes, task.TotalBytes)
		task.ProgressText, task.SpeedText = progressTexts(task)
		s.tasks[task.ID] = &record{task: task}
	}

	count := len(s.tasks)

	s.mu.Unlock()

	for _, task := range interrupted {
		s.persist(ctx, task)
	}

	s.metrics.SetStoredTasks(count)
	s.log.InfoContext(ctx, "tasks restored", slog.Int("count", len(tasks)), slog.Int("interrupted", len(interrupted)))

	return len(tasks), nil
}

func (s *Store) persist(ctx context.Context, task entity.Task) {
	if s.journal == nil {
		return
	}

	if err := s.journal.Save(ctx, task); err != nil {
		s.log.ErrorContext(ctx, "journal save", slog.String("task_id", task.ID), slog.Any("error", err))
	}
}

func (s *Store) forget(ctx context.Context, ids ...string) {
	if s.journal == nil || len(ids) == 0 {
		return
	}

	if err := s.journal.Delete(ctx, ids...); err != nil {
		s.log.ErrorContext(ctx, "journal delete", slog.Int("count", len(ids)), slog.Any("error", err))
	}
}
