package domain

import (
	"fmt"
	"time"
)

// ThreadID identifies the single story shared by one user and one character.
type ThreadID string

// NewThreadID derives the thread identity for a (user, character) pair. The
// user identifier is length-prefixed so that distinct pairs never encode to
// the same value.
func NewThreadID(userID, characterID string) ThreadID {
	return ThreadID(fmt.Sprintf("%d:%s:%s", len(userID), userID, characterID))
}

func (t ThreadID) String() string {
	return string(t)
}

// Role is the author of a Turn.
type Role string

const (
	RoleCharacter Role = "character"
	RoleAI        Role = "ai"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleCharacter || r == RoleAI
}

// Turn is a single persisted conversation message. Turns are immutable once
// written.
type Turn struct {
	ID        string    `json:"id"`
	ThreadID  ThreadID  `json:"threadId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
