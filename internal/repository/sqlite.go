package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/exchange/saga/pkg/saga"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

const sqliteSchemaVersion = 1

// SQLiteStore 单机部署用的持久化存储
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开（必要时创建）数据库文件并建表
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// SQLite 只允许单写者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB 底层连接，用于健康检查
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, state *saga.State) error {
	row, err := toRow(state)
	if err != nil {
		return err
	}

	if state.Version == 0 {
		query := `
			INSERT INTO saga_states (` + stateColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		`
		_, err := s.db.ExecContext(ctx, query,
			row.ID, row.Name, row.Status, row.Payload, row.CurrentStep, string(row.Steps), row.LastError, row.RetryCount,
			row.NextRetryAtMs, row.CorrelationID, row.TenantID, row.CreatedAtMs, row.UpdatedAtMs, row.CompletedAtMs,
		)
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return saga.ErrConflict
			}
			return fmt.Errorf("insert saga state: %w", err)
		}
		state.Version = 1
		return nil
	}

	query := `
		UPDATE saga_states
		SET status = ?, payload = ?, current_step = ?, steps = ?, last_error = ?, retry_count = ?,
		    next_retry_at_ms = ?, version = version + 1, updated_at_ms = ?, completed_at_ms = ?
		WHERE saga_id = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		row.Status, row.Payload, row.CurrentStep, string(row.Steps), row.LastError, row.RetryCount,
		row.NextRetryAtMs, row.UpdatedAtMs, row.CompletedAtMs, row.ID, row.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update saga state: %w", err)
	}
	if affected == 0 {
		return saga.ErrConflict
	}
	state.Version++
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sagaID string) (*saga.State, error) {
	state, err := scanState(s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM saga_states WHERE saga_id = ?`, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query saga state: %w", err)
	}
	return state, nil
}

func (s *SQLiteStore) GetByStatus(ctx context.Context, status saga.Status) ([]*saga.State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM saga_states WHERE status = ? ORDER BY created_at_ms, saga_id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query saga states: %w", err)
	}
	return scanStates(rows)
}

func (s *SQLiteStore) GetPendingRetries(ctx context.Context, now time.Time, batchSize int) ([]*saga.State, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stateColumns+`
		FROM saga_states
		WHERE status = ? AND next_retry_at_ms IS NOT NULL AND next_retry_at_ms <= ?
		ORDER BY next_retry_at_ms, saga_id
		LIMIT ?
	`, string(saga.StatusSuspended), now.UnixMilli(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("query pending retries: %w", err)
	}
	return scanStates(rows)
}

func (s *SQLiteStore) Delete(ctx context.Context, sagaID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM saga_states WHERE saga_id = ?`, sagaID)
	if err != nil {
		return fmt.Errorf("delete saga state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete saga state: %w", err)
	}
	if affected == 0 {
		return saga.ErrNotFound
	}
	return nil
}
