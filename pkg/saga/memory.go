package saga

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps saga state in process memory. States are deep-copied on
// the way in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

func (m *MemoryStore) Save(ctx context.Context, state *State) error {
	if state == nil || state.ID == "" {
		return errors.New("saga state id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.states[state.ID]
	switch {
	case state.Version == 0 && ok:
		return ErrConflict
	case state.Version != 0 && (!ok || current.Version != state.Version):
		return ErrConflict
	}

	state.Version++
	m.states[state.ID] = state.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, sagaID string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[sagaID]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

func (m *MemoryStore) GetByStatus(ctx context.Context, status Status) ([]*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*State
	for _, state := range m.states {
		if state.Status == status {
			out = append(out, state.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) GetPendingRetries(ctx context.Context, now time.Time, batchSize int) ([]*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*State
	for _, state := range m.states {
		if state.Status != StatusSuspended || state.NextRetryAt == nil {
			continue
		}
		if state.NextRetryAt.After(now) {
			continue
		}
		due = append(due, state)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRetryAt.Equal(*due[j].NextRetryAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if len(due) > batchSize {
		due = due[:batchSize]
	}

	out := make([]*State, len(due))
	for i, state := range due {
		out[i] = state.Clone()
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, sagaID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[sagaID]; !ok {
		return ErrNotFound
	}
	delete(m.states, sagaID)
	return nil
}
