package agent

import (
	"context"
	"sync"

	"dungeon-agent/internal/domain"
)

// SessionStore holds the append-only narrator conversation of each thread.
// Reset drops a session so it can be rebuilt. Callers serialize access per
// thread.
type SessionStore interface {
	Load(ctx context.Context, threadID domain.ThreadID) ([]domain.ChatMessage, bool, error)
	Append(ctx context.Context, threadID domain.ThreadID, messages ...domain.ChatMessage) error
	Reset(ctx context.Context, threadID domain.ThreadID) error
}

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[domain.ThreadID][]domain.ChatMessage
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[domain.ThreadID][]domain.ChatMessage)}
}

func (s *MemorySessionStore) Load(ctx context.Context, threadID domain.ThreadID) ([]domain.ChatMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.sessions[threadID]
	if !ok {
		return nil, false, nil
	}
	out := make([]domain.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, true, nil
}

func (s *MemorySessionStore) Append(ctx context.Context, threadID domain.ThreadID, messages ...domain.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[threadID] = append(s.sessions[threadID], messages...)
	return nil
}

func (s *MemorySessionStore) Reset(ctx context.Context, threadID domain.ThreadID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, threadID)
	return nil
}
