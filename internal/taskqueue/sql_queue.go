package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/reelflow/internal/persistence"
)

// SQLQueue is a persistent task queue backed by SQLite or PostgreSQL. Tasks
// are claimed by deleting their row inside a transaction; a claim that
// deletes nothing lost a race and is retried.
type SQLQueue struct {
	db      *sql.DB
	dialect persistence.Dialect
	opts    queueOptions
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

// NewSQLiteQueue initializes the tasks table in the given SQLite database and
// returns a new queue.
func NewSQLiteQueue(db *sql.DB, opts ...Option) (*SQLQueue, error) {
	return newSQLQueue(db, persistence.SQLiteDialect, opts)
}

// NewPostgresQueue initializes the tasks table in the given PostgreSQL
// database and returns a new queue.
func NewPostgresQueue(db *sql.DB, opts ...Option) (*SQLQueue, error) {
	return newSQLQueue(db, persistence.PostgresDialect, opts)
}

func newSQLQueue(db *sql.DB, d persistence.Dialect, opts []Option) (*SQLQueue, error) {
	q := &SQLQueue{
		db:      db,
		dialect: d,
		opts:    buildOptions(opts, 20*time.Millisecond),
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s task queue: %w", d.Name(), err)
	}
	return q, nil
}

func (q *SQLQueue) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reelflow_tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			task_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			payload {{BLOB}},
			attempts INTEGER NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reelflow_tasks_not_before ON reelflow_tasks(not_before)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(q.dialect.DDL(stmt)); err != nil {
			return err
		}
	}
	return nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	now := q.opts.clock.Now()
	notBefore := t.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}

	_, err := q.db.ExecContext(ctx, q.dialect.Rebind(`
		INSERT INTO reelflow_tasks (id, type, instance_id, generation, task_id, name, payload, attempts, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		t.ID,
		string(t.Type),
		t.InstanceID,
		t.Generation,
		t.TaskID,
		t.Name,
		t.Payload,
		t.Attempts,
		now.UnixNano(),
		notBefore.UnixNano(),
	)
	return err
}

func (q *SQLQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		task, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		// Nothing available: sleep a bit and retry.
		if err := sleep(ctx, tmr, q.opts.pollInterval); err != nil {
			return nil, err
		}
	}
}

// claim removes and returns the earliest eligible task, or nil when there is
// none or another consumer took it first.
func (q *SQLQueue) claim(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		t           Task
		typ         string
		enqueuedInt int64
		notBefore   int64
	)
	row := tx.QueryRowContext(ctx, q.dialect.Rebind(`
		SELECT id, type, instance_id, generation, task_id, name, payload, attempts, enqueued_at, not_before
		FROM reelflow_tasks
		WHERE not_before <= ?
		ORDER BY not_before, enqueued_at, id
		LIMIT 1`), q.opts.clock.Now().UnixNano())
	err = row.Scan(&t.ID, &typ, &t.InstanceID, &t.Generation, &t.TaskID, &t.Name, &t.Payload, &t.Attempts, &enqueuedInt, &notBefore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Delete the row we just claimed.
	res, err := tx.ExecContext(ctx, q.dialect.Rebind(`DELETE FROM reelflow_tasks WHERE id = ?`), t.ID)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Type = TaskType(typ)
	t.EnqueuedAt = time.Unix(0, enqueuedInt).UTC()
	t.NotBefore = time.Unix(0, notBefore).UTC()
	return &t, nil
}

func (q *SQLQueue) Cancel(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, q.dialect.Rebind(`DELETE FROM reelflow_tasks WHERE id = ?`), id)
	return err
}

func (q *SQLQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM reelflow_tasks`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
