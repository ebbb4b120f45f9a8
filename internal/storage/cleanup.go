package storage

import (
	"context"
	"log/slog"
	"time"

	"mediaqueue/internal/entity"
)

// Cleanup removes terminal tasks whose completed_at is older than maxAge and
// returns them. Non-terminal tasks are never touched, regardless of age.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) []entity.Task {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()

	var removed []entity.Task

	for id, rec := range s.tasks {
		rec.mu.Lock()

		if isExpired(rec.task, cutoff) {
			rec.deleted = true
			removed = append(removed, rec.task)

			delete(s.tasks, id)
		}

		rec.mu.Unlock()
	}

	count := len(s.tasks)

	s.mu.Unlock()

	if len(removed) == 0 {
		s.log.DebugContext(ctx, "no expired tasks found to clean up")

		return nil
	}

	ids := make([]string, 0, len(removed))
	for _, task := range removed {
		ids = append(ids, task.ID)
	}

	s.forget(ctx, ids...)
	s.metrics.SetStoredTasks(count)
	s.metrics.RecordCleanup(len(removed))

	s.log.InfoContext(ctx, "expired tasks removed",
		slog.Int("count", len(removed)),
		slog.Duration("max_age", maxAge))

	return removed
}

func isExpired(task entity.Task, cutoff time.Time) bool {
	return task.Status.IsTerminal() && task.CompletedAt != nil && task.CompletedAt.Before(cutoff)
}
