// Package repository saga 状态持久化
package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/exchange/saga/pkg/saga"
)

// 与平台其他表一致：时间戳以毫秒整数存储
const stateColumns = `saga_id, name, status, payload, current_step, steps, last_error, retry_count,
		next_retry_at_ms, correlation_id, tenant_id, version, created_at_ms, updated_at_ms, completed_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

// stateRow 是 saga.State 的列表示
type stateRow struct {
	ID            string
	Name          string
	Status        string
	Payload       []byte
	CurrentStep   int
	Steps         []byte
	LastError     string
	RetryCount    int
	NextRetryAtMs sql.NullInt64
	CorrelationID string
	TenantID      string
	Version       int64
	CreatedAtMs   int64
	UpdatedAtMs   int64
	CompletedAtMs sql.NullInt64
}

func toRow(s *saga.State) (*stateRow, error) {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	return &stateRow{
		ID:            s.ID,
		Name:          s.Name,
		Status:        string(s.Status),
		Payload:       s.Payload,
		CurrentStep:   s.CurrentStep,
		Steps:         steps,
		LastError:     s.LastError,
		RetryCount:    s.RetryCount,
		NextRetryAtMs: nullMs(s.NextRetryAt),
		CorrelationID: s.CorrelationID,
		TenantID:      s.TenantID,
		Version:       s.Version,
		CreatedAtMs:   s.CreatedAt.UnixMilli(),
		UpdatedAtMs:   s.UpdatedAt.UnixMilli(),
		CompletedAtMs: nullMs(s.CompletedAt),
	}, nil
}

func scanState(sc rowScanner) (*saga.State, error) {
	var r stateRow
	if err := sc.Scan(
		&r.ID, &r.Name, &r.Status, &r.Payload, &r.CurrentStep, &r.Steps, &r.LastError, &r.RetryCount,
		&r.NextRetryAtMs, &r.CorrelationID, &r.TenantID, &r.Version, &r.CreatedAtMs, &r.UpdatedAtMs, &r.CompletedAtMs,
	); err != nil {
		return nil, err
	}

	state := &saga.State{
		ID:            r.ID,
		Name:          r.Name,
		Status:        saga.Status(r.Status),
		Payload:       r.Payload,
		CurrentStep:   r.CurrentStep,
		LastError:     r.LastError,
		RetryCount:    r.RetryCount,
		NextRetryAt:   fromNullMs(r.NextRetryAtMs),
		CorrelationID: r.CorrelationID,
		TenantID:      r.TenantID,
		Version:       r.Version,
		CreatedAt:     time.UnixMilli(r.CreatedAtMs).UTC(),
		UpdatedAt:     time.UnixMilli(r.UpdatedAtMs).UTC(),
		CompletedAt:   fromNullMs(r.CompletedAtMs),
	}
	if len(r.Steps) > 0 {
		if err := json.Unmarshal(r.Steps, &state.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps of saga %s: %w", r.ID, err)
		}
	}
	return state, nil
}

func scanStates(rows *sql.Rows) ([]*saga.State, error) {
	defer rows.Close()
	var out []*saga.State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga state: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga states: %w", err)
	}
	return out, nil
}

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
