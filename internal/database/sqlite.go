// Package database persists task snapshots in SQLite so the store survives restarts.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"mediaqueue/internal/entity"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const table = "tasks"

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	completed_at    TIMESTAMP NULL,
	updated_at      TIMESTAMP NOT NULL,
	payload         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
`

// Journal is a SQLite-backed task journal.
type Journal struct {
	log *slog.Logger
	db  *sqlx.DB
	qb  squirrel.StatementBuilderType
}

type taskRow struct {
	ID      string `db:"id"`
	Payload string `db:"payload"`
}

// Open opens (creating when needed) the database at path and applies the schema.
func Open(ctx context.Context, log *slog.Logger, path string, busyTimeout time.Duration) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// sqlite serializes writers; one connection avoids SQLITE_BUSY and keeps :memory: consistent
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	pragmas := fmt.Sprintf("PRAGMA busy_timeout = %d; PRAGMA journal_mode = WAL;", busyTimeout.Milliseconds())
	if _, err := db.ExecContext(ctx, pragmas); err != nil {
		log.WarnContext(ctx, "sqlite pragmas", slog.Any("error", err))
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Journal{
		log: log.With(slog.String("package", "database")),
		db:  db,
		qb:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Save upserts the snapshot of task. Cookies are not persisted.
func (j *Journal) Save(ctx context.Context, task entity.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	query := j.qb.Insert(table).
		Columns("id", "url", "status", "created_at", "completed_at", "updated_at", "payload").
		Values(task.ID, task.URL, string(task.Status), task.CreatedAt, task.CompletedAt, time.Now(), string(payload)).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at,
			payload = excluded.payload`)

	sql, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := j.db.ExecContext(ctx, sql, args...); err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}

	return nil
}

// Delete removes the snapshots of ids.
func (j *Journal) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	sql, args, err := j.qb.Delete(table).Where(squirrel.Eq{"id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	if _, err := j.db.ExecContext(ctx, sql, args...); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}

	return nil
}

// Load returns every stored task, oldest first. Undecodable rows are skipped and logged.
func (j *Journal) Load(ctx context.Context) ([]entity.Task, error) {
	sql, args, err := j.qb.Select("id", "payload").From(table).OrderBy("created_at ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var rows []taskRow
	if err := j.db.SelectContext(ctx, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}

	tasks := make([]entity.Task, 0, len(rows))

	for _, row := range rows {
		var task entity.Task
		if err := json.Unmarshal([]byte(row.Payload), &task); err != nil {
			j.log.WarnContext(ctx, "skip undecodable task", slog.String("task_id", row.ID), slog.Any("error", err))

			continue
		}

		tasks = append(tasks, task)
	}

	return tasks, nil
}

// CountByStatus returns the number of stored tasks per status.
func (j *Journal) CountByStatus(ctx context.Context) (map[entity.Status]int, error) {
	sql, args, err := j.qb.Select("status", "COUNT(*) AS n").From(table).GroupBy("status").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count: %w", err)
	}

	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}

	if err := j.db.SelectContext(ctx, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	out := make(map[entity.Status]int, len(rows))
	for _, row := range rows {
		out[entity.Status(row.Status)] = row.N
	}

	return out, nil
}
