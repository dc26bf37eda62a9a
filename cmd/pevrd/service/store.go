package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/pevr/common/models"
	"github.com/lyzr/pevr/common/repository"
)

// ActionReader is the durable side of the store
type ActionReader interface {
	GetByID(ctx context.Context, actionID uuid.UUID) (*models.Action, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]*models.Action, error)
}

// ActionStore keeps the latest snapshot of every action this process has seen.
// Reads fall back to the repository for actions started elsewhere or evicted.
type ActionStore struct {
	mu      sync.RWMutex
	actions map[uuid.UUID]*models.Action
	repo    ActionReader
}

// NewActionStore creates a store. repo may be nil when Postgres is disabled.
func NewActionStore(repo ActionReader) *ActionStore {
	return &ActionStore{
		actions: make(map[uuid.UUID]*models.Action),
		repo:    repo,
	}
}

// Put records a snapshot unless a newer one is already held
func (s *ActionStore) Put(a *models.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.actions[a.ActionID]; ok && cur.UpdatedAt.After(a.UpdatedAt) {
		return
	}
	s.actions[a.ActionID] = a
}

// Get returns the latest snapshot of an action
func (s *ActionStore) Get(ctx context.Context, id uuid.UUID) (*models.Action, error) {
	s.mu.RLock()
	a, ok := s.actions[id]
	s.mu.RUnlock()
	if ok {
		return a, nil
	}

	if s.repo == nil {
		return nil, ErrActionNotFound
	}
	a, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrActionNotFound) {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// List returns a project's actions, newest first. In-memory snapshots win over
// persisted rows for the same action.
func (s *ActionStore) List(ctx context.Context, projectID string, limit int) ([]*models.Action, error) {
	merged := make(map[uuid.UUID]*models.Action)

	if s.repo != nil {
		rows, err := s.repo.ListByProject(ctx, projectID, limit)
		if err != nil {
			return nil, err
		}
		for _, a := range rows {
			merged[a.ActionID] = a
		}
	}

	s.mu.RLock()
	for id, a := range s.actions {
		if a.ProjectID != projectID {
			continue
		}
		if cur, ok := merged[id]; ok && cur.UpdatedAt.After(a.UpdatedAt) {
			continue
		}
		merged[id] = a
	}
	s.mu.RUnlock()

	out := make([]*models.Action, 0, len(merged))
	for _, a := range merged {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Evict drops finished actions last updated before cutoff. Nothing is evicted
// without a repository to read them back from.
func (s *ActionStore) Evict(cutoff time.Time) int {
	if s.repo == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, a := range s.actions {
		if a.Status.Terminal() && a.UpdatedAt.Before(cutoff) {
			delete(s.actions, id)
			n++
		}
	}
	return n
}
