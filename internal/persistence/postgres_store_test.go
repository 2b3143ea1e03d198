package persistence

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/reelflow/internal/testutil"
	"github.com/petrijr/reelflow/pkg/api"
)

func newMockPostgresStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(`(?s)CREATE TABLE IF NOT EXISTS reelflow_instances.*input BYTEA`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_reelflow_instances_name_status`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`(?s)CREATE TABLE IF NOT EXISTS reelflow_history.*PRIMARY KEY \(instance_id, generation, idx\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS reelflow_approvals`).WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresStore_CommitConflictUsesNumberedPlaceholders(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE reelflow_instances.*WHERE id = \$12 AND generation = \$13 AND history_len = \$14`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM reelflow_instances WHERE id = \$1`).
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectRollback()

	inst := newInstance("inst-1", "wf", baseTime)
	err := store.Commit(context.Background(), inst, Version{Generation: 1, HistoryLen: 3}, nil)
	require.ErrorIs(t, err, ErrHistoryConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateExisting(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO reelflow_instances.*VALUES \(\$1, .*\$13\).*ON CONFLICT \(id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.CreateInstance(context.Background(), newInstance("inst-1", "wf", baseTime), []api.HistoryEvent{startedEvent(baseTime)})
	require.ErrorIs(t, err, ErrInstanceExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApprovalNotFound(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT orchestration_id FROM reelflow_approvals WHERE code = \$1`).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"orchestration_id"}))

	_, err := store.GetApproval(context.Background(), "abc")
	require.ErrorIs(t, err, ErrApprovalNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	dsn := testutil.PostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	suite.Run(t, &StoreSuite{newStore: func() Backend {
		store, err := NewPostgresStore(db)
		require.NoError(t, err)
		_, err = db.Exec(`TRUNCATE reelflow_instances, reelflow_history, reelflow_approvals`)
		require.NoError(t, err)
		return store
	}})
}
