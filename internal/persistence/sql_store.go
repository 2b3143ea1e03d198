package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/reelflow/pkg/api"
)

// SQLStore is a Store and ApprovalStore on top of database/sql. The same
// implementation serves SQLite and PostgreSQL; see NewSQLiteStore and
// NewPostgresStore.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Ensure SQLStore implements the interfaces.
var _ Backend = (*SQLStore)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS reelflow_instances (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		generation INTEGER NOT NULL,
		input {{BLOB}},
		output {{BLOB}},
		failure {{BLOB}},
		history_len INTEGER NOT NULL,
		checkpoint INTEGER NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		parent_task_id INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reelflow_instances_name_status ON reelflow_instances(name, status)`,
	`CREATE TABLE IF NOT EXISTS reelflow_history (
		instance_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		at BIGINT NOT NULL,
		type TEXT NOT NULL,
		task_id INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		child_id TEXT NOT NULL DEFAULT '',
		input {{BLOB}},
		result {{BLOB}},
		failure {{BLOB}},
		fire_at BIGINT NOT NULL,
		PRIMARY KEY (instance_id, generation, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS reelflow_approvals (
		code TEXT PRIMARY KEY,
		orchestration_id TEXT NOT NULL
	)`,
}

func newSQLStore(db *sql.DB, d Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s schema: %w", d.Name(), err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(s.dialect.DDL(stmt)); err != nil {
			return err
		}
	}
	return nil
}

const instanceColumns = `id, name, status, generation, input, output, failure, history_len, checkpoint,
	parent_id, parent_task_id, created_at, updated_at`

func (s *SQLStore) CreateInstance(ctx context.Context, inst *api.Instance, events []api.HistoryEvent) error {
	failure, err := encodeFailure(inst.Failure)
	if err != nil {
		return err
	}
	inst.HistoryLen = len(events)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO reelflow_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		inst.ID, inst.Name, string(inst.Status), inst.Generation,
		inst.Input, inst.Output, failure,
		inst.HistoryLen, inst.Checkpoint,
		inst.ParentID, inst.ParentTaskID,
		toNanos(inst.CreatedAt), toNanos(inst.UpdatedAt),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceExists
	}

	// A previous instance under this ID may have left history behind.
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM reelflow_history WHERE instance_id = ?`), inst.ID); err != nil {
		return err
	}
	if err := s.insertEvents(ctx, tx, inst.ID, inst.Generation, indexEvents(events, 0)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Commit(ctx context.Context, inst *api.Instance, expect Version, events []api.HistoryEvent) error {
	failure, err := encodeFailure(inst.Failure)
	if err != nil {
		return err
	}
	base, length := nextLength(inst, expect, len(events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The conditional update is the compare-and-append: it only matches while
	// nobody else has committed since expect was read.
	res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE reelflow_instances
		SET name = ?, status = ?, generation = ?, input = ?, output = ?, failure = ?,
		    history_len = ?, checkpoint = ?, parent_id = ?, parent_task_id = ?, updated_at = ?
		WHERE id = ? AND generation = ? AND history_len = ?`),
		inst.Name, string(inst.Status), inst.Generation, inst.Input, inst.Output, failure,
		length, inst.Checkpoint, inst.ParentID, inst.ParentTaskID, toNanos(inst.UpdatedAt),
		inst.ID, expect.Generation, expect.HistoryLen,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var one int
		err := tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT 1 FROM reelflow_instances WHERE id = ?`), inst.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInstanceNotFound
		}
		if err != nil {
			return err
		}
		return ErrHistoryConflict
	}

	if base == 0 {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM reelflow_history WHERE instance_id = ?`), inst.ID); err != nil {
			return err
		}
	}
	if err := s.insertEvents(ctx, tx, inst.ID, inst.Generation, indexEvents(events, base)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	inst.HistoryLen = length
	return nil
}

func (s *SQLStore) insertEvents(ctx context.Context, tx *sql.Tx, id string, generation int, events []api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(`
		INSERT INTO reelflow_history
			(instance_id, generation, idx, at, type, task_id, name, child_id, input, result, failure, fire_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		failure, err := encodeFailure(ev.Failure)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			id, generation, ev.Index, toNanos(ev.At), string(ev.Type), ev.TaskID, ev.Name, ev.InstanceID,
			ev.Input, ev.Result, failure, toNanos(ev.FireAt),
		); err != nil {
			return fmt.Errorf("insert %s event %d: %w", ev.Type, ev.Index, err)
		}
	}
	return nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+instanceColumns+`
		FROM reelflow_instances
		WHERE id = ?`), id)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM reelflow_instances`
	var args []any
	var clauses []string

	if filter.Name != "" {
		clauses = append(clauses, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLStore) History(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT idx, at, type, task_id, name, child_id, input, result, failure, fire_at
		FROM reelflow_history
		WHERE instance_id = ? AND generation = ?
		ORDER BY idx ASC`), id, inst.Generation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev          api.HistoryEvent
			typ         string
			atN, fireN  int64
			failureBlob []byte
		)
		if err := rows.Scan(&ev.Index, &atN, &typ, &ev.TaskID, &ev.Name, &ev.InstanceID,
			&ev.Input, &ev.Result, &failureBlob, &fireN); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typ)
		ev.At = fromNanos(atN)
		ev.FireAt = fromNanos(fireN)
		if ev.Failure, err = decodeFailure(failureBlob); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveApproval(ctx context.Context, rec api.ApprovalRecord) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO reelflow_approvals (code, orchestration_id) VALUES (?, ?)
		ON CONFLICT (code) DO UPDATE SET orchestration_id = excluded.orchestration_id`),
		rec.Code, rec.OrchestrationID)
	return err
}

func (s *SQLStore) GetApproval(ctx context.Context, code string) (api.ApprovalRecord, error) {
	rec := api.ApprovalRecord{Code: code}
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT orchestration_id FROM reelflow_approvals WHERE code = ?`), code).Scan(&rec.OrchestrationID)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ApprovalRecord{}, ErrApprovalNotFound
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*api.Instance, error) {
	var (
		inst               api.Instance
		status             string
		failureBlob        []byte
		createdN, updatedN int64
	)
	if err := row.Scan(&inst.ID, &inst.Name, &status, &inst.Generation, &inst.Input, &inst.Output, &failureBlob,
		&inst.HistoryLen, &inst.Checkpoint, &inst.ParentID, &inst.ParentTaskID, &createdN, &updatedN); err != nil {
		return nil, err
	}
	inst.Status = api.Status(status)
	inst.CreatedAt = fromNanos(createdN)
	inst.UpdatedAt = fromNanos(updatedN)

	failure, err := decodeFailure(failureBlob)
	if err != nil {
		return nil, err
	}
	inst.Failure = failure
	return &inst, nil
}
