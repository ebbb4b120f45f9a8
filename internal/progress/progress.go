// Package progress turns raw fetch samples into task updates and rate-limited events.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/observability"
	"mediaqueue/internal/storage"
	"mediaqueue/pkg/calc"
)

// Sample is one raw progress report from a fetcher.
type Sample struct {
	Downloaded int64
	Total      int64 // 0 when unknown
	Elapsed    time.Duration
}

// Store is the subset of the task store the aggregator writes through.
type Store interface {
	Get(ctx context.Context, id string) (entity.Task, error)
	Update(ctx context.Context, id string, fn storage.Mutation) (entity.Task, error)
}

// Publisher fans events out to observers.
type Publisher interface {
	Publish(event entity.Event)
}

// Options configures an Aggregator.
type Options struct {
	Interval  time.Duration
	Smoothing float64
}

var errNotDownloading = errors.New("task is not downloading")

type track struct {
	mu sync.Mutex

	active      bool
	bytes       int64
	elapsed     time.Duration
	speed       float64
	lastEmit    time.Time
	emittedOnce bool
}

// Aggregator owns per-task speed smoothing and the outbound rate limit.
// Events for one task are published in the order their store writes happened.
type Aggregator struct {
	log     *slog.Logger
	store   Store
	pub     Publisher
	metrics *observability.Metrics
	opt     Options

	mu     sync.Mutex
	tracks map[string]*track
}

// New creates an Aggregator.
func New(log *slog.Logger, store Store, pub Publisher, metrics *observability.Metrics, opt Options) *Aggregator {
	if opt.Smoothing <= 0 || opt.Smoothing > 1 {
		opt.Smoothing = 0.3
	}

	return &Aggregator{
		log:     log.With(slog.String("package", "progress")),
		store:   store,
		pub:     pub,
		metrics: metrics,
		opt:     opt,
		tracks:  make(map[string]*track),
	}
}

func (a *Aggregator) track(id string) *track {
	a.mu.Lock()
	defer a.mu.Unlock()

	tr, ok := a.tracks[id]
	if !ok {
		tr = &track{}
		a.tracks[id] = tr
	}

	return tr
}

// Begin resets the sample history of id for a new execution.
func (a *Aggregator) Begin(id string) {
	tr := a.track(id)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	*tr = track{active: true}
}

// Forget drops all state kept for id.
func (a *Aggregator) Forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.tracks, id)
}

// Observe folds sample into the task. Regressive or out-of-order samples and
// samples arriving after the task left downloading are discarded.
func (a *Aggregator) Observe(ctx context.Context, id string, sample Sample) error {
	tr := a.track(id)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	log := a.log.With(slog.String("task_id", id))

	if !tr.active {
		log.DebugContext(ctx, "sample outside execution discarded")

		return nil
	}

	if sample.Downloaded < tr.bytes || sample.Elapsed < tr.elapsed {
		log.DebugContext(ctx, "regressive sample discarded",
			slog.Int64("downloaded", sample.Downloaded),
			slog.Int64("last_downloaded", tr.bytes),
			slog.Duration("elapsed", sample.Elapsed),
			slog.Duration("last_elapsed", tr.elapsed))

		return nil
	}

	speed := tr.speed

	if dt := sample.Elapsed - tr.elapsed; dt > 0 {
		rate := float64(sample.Downloaded-tr.bytes) / dt.Seconds()
		speed = calc.EWMA(tr.speed, rate, a.opt.Smoothing)
	}

	var delta int64

	task, err := a.store.Update(ctx, id, func(t *entity.Task) error {
		if t.Status != entity.StatusDownloading {
			return errNotDownloading
		}

		if sample.Downloaded < t.DownloadedBytes {
			return fmt.Errorf("downloaded bytes would decrease from %d to %d", t.DownloadedBytes, sample.Downloaded)
		}

		delta = sample.Downloaded - t.DownloadedBytes
		t.DownloadedBytes = sample.Downloaded

		if sample.Total > 0 {
			t.TotalBytes = sample.Total
		}

		t.Speed = speed
		t.ETA = calc.ETA(t.DownloadedBytes, max(t.TotalBytes, t.DownloadedBytes), speed)

		return nil
	})
	if errors.Is(err, errNotDownloading) {
		log.DebugContext(ctx, "sample after status change discarded")

		return nil
	}

	if err != nil {
		return fmt.Errorf("apply sample: %w", err)
	}

	tr.bytes, tr.elapsed, tr.speed = sample.Downloaded, sample.Elapsed, speed
	a.metrics.DownloadedBytes.Add(float64(delta))

	now := time.Now()
	final := task.TotalBytes > 0 && task.DownloadedBytes >= task.TotalBytes

	if !tr.emittedOnce || final || now.Sub(tr.lastEmit) >= a.opt.Interval {
		tr.emittedOnce = true
		tr.lastEmit = now
		a.pub.Publish(entity.NewProgressEvent(task))
	}

	return nil
}

// Notify publishes the current state of id immediately, bypassing the rate limit.
// It must be called after every status change.
func (a *Aggregator) Notify(ctx context.Context, id string) {
	tr := a.track(id)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	task, err := a.store.Get(ctx, id)
	if err != nil {
		a.log.DebugContext(ctx, "notify skipped", slog.String("task_id", id), slog.Any("error", err))

		return
	}

	if task.Status.IsTerminal() || task.Status == entity.StatusProcessing {
		tr.active = false
	}

	tr.lastEmit = time.Now()
	tr.emittedOnce = true
	a.pub.Publish(entity.NewProgressEvent(task))
}
