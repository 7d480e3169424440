package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"dungeon-agent/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrThreadOpened is returned by AppendOpening when the thread already
	// has its opening turn.
	ErrThreadOpened = errors.New("repository: thread already opened")
)

// ConversationStore is the append-only turn log consumed by the turn pipeline.
// AppendOpening writes the narrator turn that starts a thread; at most one
// call per thread succeeds, across every process sharing the store.
type ConversationStore interface {
	Append(ctx context.Context, threadID domain.ThreadID, role domain.Role, content string) (domain.Turn, error)
	AppendOpening(ctx context.Context, threadID domain.ThreadID, content string) (domain.Turn, error)
	ListByThread(ctx context.Context, threadID domain.ThreadID) ([]domain.Turn, error)
	MostRecent(ctx context.Context, threadID domain.ThreadID, role domain.Role) (domain.Turn, bool, error)
}

// ThreadLeaser hands out expiring exclusive leases on a thread. A lease
// past its ttl may be taken by another owner; releasing a lease that is no
// longer held is not an error.
type ThreadLeaser interface {
	AcquireLease(ctx context.Context, threadID domain.ThreadID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, threadID domain.ThreadID, owner string) error
}

// CharacterReader looks up character sheets by owner and identifier.
type CharacterReader interface {
	GetCharacter(ctx context.Context, userID, characterID string) (domain.Character, error)
}

// CharacterWriter stores character records. Only the seed command writes.
type CharacterWriter interface {
	PutCharacter(ctx context.Context, c domain.Character) error
}

// Store is the full persistence contract implemented by every backend.
type Store interface {
	ConversationStore
	ThreadLeaser
	CharacterReader
	CharacterWriter
	Close() error
}

var (
	nowFunc = func() time.Time { return time.Now().UTC() }
	newID   = func() string { return uuid.NewString() }
)

func validateAppend(threadID domain.ThreadID, role domain.Role) error {
	if threadID == "" {
		return errors.New("repository: thread id must not be empty")
	}
	if !role.Valid() {
		return errors.New("repository: role must be character or ai")
	}
	return nil
}

func validateCharacter(c domain.Character) error {
	if c.UserID == "" || c.ID == "" {
		return errors.New("repository: character requires user id and id")
	}
	return nil
}

func validateLease(threadID domain.ThreadID, owner string, ttl time.Duration) error {
	if threadID == "" {
		return errors.New("repository: thread id must not be empty")
	}
	if owner == "" {
		return errors.New("repository: lease owner must not be empty")
	}
	if ttl <= 0 {
		return errors.New("repository: lease ttl must be positive")
	}
	return nil
}
