package taskqueue

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// pollInterval bounds the latency between a task becoming due and a worker
// noticing it.
const pollInterval = 250 * time.Millisecond

// staleClaim is how long a claimed task may sit unacked before it is handed
// back out; covers workers that died mid-task.
const staleClaim = 5 * time.Minute

// SQLiteBroker is a durable broker. Pending tasks, including scheduled
// monitor ticks, survive worker restarts.
type SQLiteBroker struct{ db *sql.DB }

func NewSQLiteBroker(path string) (*SQLiteBroker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Writers serialize on a single connection; sqlite locks whole files.
	db.SetMaxOpenConns(1)
	b := &SQLiteBroker{db: db}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBroker) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := b.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	// Tasks claimed by a previous incarnation of this worker are fair game.
	if _, err := b.db.Exec(`UPDATE tasks SET claimed_at = NULL WHERE claimed_at IS NOT NULL`); err != nil {
		return fmt.Errorf("release stale claims: %w", err)
	}
	return nil
}

func (b *SQLiteBroker) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		return fmt.Errorf("enqueue: task id required")
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO tasks (id, queue, kind, payload, not_before) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Queue, t.Kind, []byte(t.Payload), t.NotBefore.UnixMilli())
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (b *SQLiteBroker) Dequeue(ctx context.Context, queue string) (*Task, error) {
	for {
		task, err := b.claim(ctx, queue)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *SQLiteBroker) claim(ctx context.Context, queue string) (*Task, error) {
	now := time.Now()
	// Hand back tasks whose claimer died.
	if _, err := b.db.ExecContext(ctx,
		`UPDATE tasks SET claimed_at = NULL WHERE queue = ? AND claimed_at IS NOT NULL AND claimed_at <= ?`,
		queue, now.Add(-staleClaim).UnixMilli()); err != nil {
		return nil, fmt.Errorf("release claims: %w", err)
	}
	var t Task
	var notBefore int64
	row := b.db.QueryRowContext(ctx,
		`SELECT id, queue, kind, payload, not_before FROM tasks
		 WHERE queue = ? AND claimed_at IS NULL AND not_before <= ?
		 ORDER BY not_before LIMIT 1`,
		queue, now.UnixMilli())
	if err := row.Scan(&t.ID, &t.Queue, &t.Kind, (*[]byte)(&t.Payload), &notBefore); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claim: %w", err)
	}
	t.NotBefore = time.UnixMilli(notBefore)
	res, err := b.db.ExecContext(ctx,
		`UPDATE tasks SET claimed_at = ? WHERE id = ? AND claimed_at IS NULL`,
		now.UnixMilli(), t.ID)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another worker won the claim; look again.
		return nil, nil
	}
	return &t, nil
}

func (b *SQLiteBroker) Ack(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

func (b *SQLiteBroker) Close() error { return b.db.Close() }
