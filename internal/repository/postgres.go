package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/exchange/saga/pkg/saga"
)

//go:embed schema/postgres.sql
var postgresSchema string

// PostgresStore 基于 PostgreSQL 的 saga 状态存储，version 列做乐观锁
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建存储
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate 建表（幂等）
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply saga schema: %w", err)
	}
	return nil
}

// Save 插入或按 version 条件更新
func (s *PostgresStore) Save(ctx context.Context, state *saga.State) error {
	row, err := toRow(state)
	if err != nil {
		return err
	}

	if state.Version == 0 {
		query := `
			INSERT INTO exchange_saga.saga_states (` + stateColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13, $14)
		`
		_, err := s.db.ExecContext(ctx, query,
			row.ID, row.Name, row.Status, row.Payload, row.CurrentStep, string(row.Steps), row.LastError, row.RetryCount,
			row.NextRetryAtMs, row.CorrelationID, row.TenantID, row.CreatedAtMs, row.UpdatedAtMs, row.CompletedAtMs,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return saga.ErrConflict
			}
			return fmt.Errorf("insert saga state: %w", err)
		}
		state.Version = 1
		return nil
	}

	query := `
		UPDATE exchange_saga.saga_states
		SET status = $1, payload = $2, current_step = $3, steps = $4, last_error = $5, retry_count = $6,
		    next_retry_at_ms = $7, version = version + 1, updated_at_ms = $8, completed_at_ms = $9
		WHERE saga_id = $10 AND version = $11
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

func (s *PostgresStore) Get(ctx context.Context, sagaID string) (*saga.State, error) {
	query := `SELECT ` + stateColumns + ` FROM exchange_saga.saga_states WHERE saga_id = $1`
	state, err := scanState(s.db.QueryRowContext(ctx, query, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query saga state: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) GetByStatus(ctx context.Context, status saga.Status) ([]*saga.State, error) {
	query := `
		SELECT ` + stateColumns + `
		FROM exchange_saga.saga_states
		WHERE status = $1
		ORDER BY created_at_ms, saga_id
	`
	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("query saga states: %w", err)
	}
	return scanStates(rows)
}

func (s *PostgresStore) GetPendingRetries(ctx context.Context, now time.Time, batchSize int) ([]*saga.State, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	query := `
		SELECT ` + stateColumns + `
		FROM exchange_saga.saga_states
		WHERE status = $1 AND next_retry_at_ms IS NOT NULL AND next_retry_at_ms <= $2
		ORDER BY next_retry_at_ms, saga_id
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, string(saga.StatusSuspended), now.UnixMilli(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("query pending retries: %w", err)
	}
	return scanStates(rows)
}

func (s *PostgresStore) Delete(ctx context.Context, sagaID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM exchange_saga.saga_states WHERE saga_id = $1`, sagaID)
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

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && (strings.Contains(err.Error(), "unique") || strings.Contains(err.Error(), "duplicate"))
}
