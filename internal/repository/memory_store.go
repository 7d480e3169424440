package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dungeon-agent/internal/domain"
)

// MemoryStore keeps turns, leases and characters in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	turns      map[domain.ThreadID][]domain.Turn
	leases     map[domain.ThreadID]lease
	characters map[string]domain.Character
}

type lease struct {
	owner   string
	expires time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns:      make(map[domain.ThreadID][]domain.Turn),
		leases:     make(map[domain.ThreadID]lease),
		characters: make(map[string]domain.Character),
	}
}

func characterKey(userID, characterID string) string {
	return string(domain.NewThreadID(userID, characterID))
}

// Append records a new turn. Creation times never move backwards within a
// thread.
func (s *MemoryStore) Append(ctx context.Context, threadID domain.ThreadID, role domain.Role, content string) (domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return domain.Turn{}, err
	}
	if err := validateAppend(threadID, role); err != nil {
		return domain.Turn{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := nowFunc()
	if log := s.turns[threadID]; len(log) > 0 {
		if last := log[len(log)-1].CreatedAt; created.Before(last) {
			created = last
		}
	}
	turn := domain.Turn{
		ID:        newID(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: created,
	}
	s.turns[threadID] = append(s.turns[threadID], turn)
	return turn, nil
}

// AppendOpening records the first turn of an empty thread.
func (s *MemoryStore) AppendOpening(ctx context.Context, threadID domain.ThreadID, content string) (domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return domain.Turn{}, err
	}
	if err := validateAppend(threadID, domain.RoleAI); err != nil {
		return domain.Turn{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns[threadID]) > 0 {
		return domain.Turn{}, fmt.Errorf("repository: open thread %q: %w", threadID, ErrThreadOpened)
	}
	turn := domain.Turn{
		ID:        newID(),
		ThreadID:  threadID,
		Role:      domain.RoleAI,
		Content:   content,
		CreatedAt: nowFunc(),
	}
	s.turns[threadID] = []domain.Turn{turn}
	return turn, nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, threadID domain.ThreadID, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateLease(threadID, owner, ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowFunc()
	if l, ok := s.leases[threadID]; ok && now.Before(l.expires) {
		return false, nil
	}
	s.leases[threadID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, threadID domain.ThreadID, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[threadID]; ok && l.owner == owner {
		delete(s.leases, threadID)
	}
	return nil
}

// ListByThread returns a copy of the thread's turns in creation order.
func (s *MemoryStore) ListByThread(ctx context.Context, threadID domain.ThreadID) ([]domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.turns[threadID]
	out := make([]domain.Turn, len(log))
	copy(out, log)
	return out, nil
}

// MostRecent returns the latest turn written by role.
func (s *MemoryStore) MostRecent(ctx context.Context, threadID domain.ThreadID, role domain.Role) (domain.Turn, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Turn{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.turns[threadID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Role == role {
			return log[i], true, nil
		}
	}
	return domain.Turn{}, false, nil
}

func (s *MemoryStore) GetCharacter(ctx context.Context, userID, characterID string) (domain.Character, error) {
	if err := ctx.Err(); err != nil {
		return domain.Character{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.characters[characterKey(userID, characterID)]
	if !ok {
		return domain.Character{}, fmt.Errorf("repository: character %q of user %q: %w", characterID, userID, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) PutCharacter(ctx context.Context, c domain.Character) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateCharacter(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.characters[characterKey(c.UserID, c.ID)] = c
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
