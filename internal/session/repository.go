package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors for repository operations.
var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
)

// Repository is durable key-value storage for chain sessions,
// addressed by session id.
type Repository interface {
	// Get retrieves a session by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*ChainSession, error)

	// Put stores a session, overwriting any existing record.
	Put(ctx context.Context, s *ChainSession) error

	// Delete removes a session. Deleting an absent session is a no-op.
	Delete(ctx context.Context, id string) error

	// ListIdle returns ids of sessions not updated since the cutoff.
	ListIdle(ctx context.Context, cutoff time.Time) ([]string, error)

	// Close releases repository resources.
	Close() error
}

// MemoryRepository is an in-memory Repository for tests and ephemeral runs.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*ChainSession
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*ChainSession),
	}
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, id string) (*ChainSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

// Put implements Repository.
func (r *MemoryRepository) Put(_ context.Context, s *ChainSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.SessionID] = cloneSession(s)
	return nil
}

// Delete implements Repository.
func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// ListIdle implements Repository.
func (r *MemoryRepository) ListIdle(_ context.Context, cutoff time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, s := range r.sessions {
		if s.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Close implements Repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// cloneSession deep-copies a session so callers cannot alias stored state.
func cloneSession(s *ChainSession) *ChainSession {
	c := *s
	if s.StepStates != nil {
		c.StepStates = make(map[int]*StepRecord, len(s.StepStates))
		for k, v := range s.StepStates {
			rec := *v
			if v.NamedOutputs != nil {
				rec.NamedOutputs = make(map[string]string, len(v.NamedOutputs))
				for nk, nv := range v.NamedOutputs {
					rec.NamedOutputs[nk] = nv
				}
			}
			c.StepStates[k] = &rec
		}
	}
	if s.PendingGateReview != nil {
		rev := *s.PendingGateReview
		rev.GateIDs = append([]string(nil), s.PendingGateReview.GateIDs...)
		c.PendingGateReview = &rev
	}
	if s.Blueprint != nil {
		bp := *s.Blueprint
		bp.Steps = append([]BlueprintStep(nil), s.Blueprint.Steps...)
		if s.Blueprint.GateInstructions != nil {
			bp.GateInstructions = make(map[string]string, len(s.Blueprint.GateInstructions))
			for k, v := range s.Blueprint.GateInstructions {
				bp.GateInstructions[k] = v
			}
		}
		c.Blueprint = &bp
	}
	if s.LastInjected != nil {
		c.LastInjected = make(map[string]int, len(s.LastInjected))
		for k, v := range s.LastInjected {
			c.LastInjected[k] = v
		}
	}
	if s.InjectionOverrides != nil {
		c.InjectionOverrides = make(map[string]string, len(s.InjectionOverrides))
		for k, v := range s.InjectionOverrides {
			c.InjectionOverrides[k] = v
		}
	}
	return &c
}
