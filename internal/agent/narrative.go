package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dungeon-agent/internal/domain"
)

const (
	DefaultLanguage      = "English"
	DefaultMaxSteps      = 5
	DefaultHistoryBudget = 2000
)

var (
	// ErrEmptyCompletion is returned when the provider answers with blank text.
	ErrEmptyCompletion = errors.New("agent: empty completion")
	// ErrStepLimit is returned when no usable narration arrived within the
	// configured number of steps.
	ErrStepLimit = errors.New("agent: narrator step limit reached")
)

// NarrationRequest is one narrator invocation. History is the persisted turn
// log of the thread and must not contain the turn being narrated. A cached
// session that disagrees with it is rebuilt from it. Character is used to
// restore the opening prompt in front of a log that starts with the narrator.
type NarrationRequest struct {
	ThreadID  domain.ThreadID
	Character domain.Character
	Prompt    string
	History   []domain.Turn
}

// Narrator produces the next story segment of a thread.
type Narrator struct {
	completer Completer
	sessions  SessionStore
	language  string
	maxSteps  int
	budget    int
	logger    *zap.Logger
}

type NarratorOption func(*Narrator)

func WithLanguage(language string) NarratorOption {
	return func(n *Narrator) {
		if language = strings.TrimSpace(language); language != "" {
			n.language = language
		}
	}
}

func WithMaxSteps(steps int) NarratorOption {
	return func(n *Narrator) {
		if steps > 0 {
			n.maxSteps = steps
		}
	}
}

// WithHistoryBudget sets the token budget of the trimmed conversation.
func WithHistoryBudget(tokens int) NarratorOption {
	return func(n *Narrator) {
		if tokens > 0 {
			n.budget = tokens
		}
	}
}

func WithSessionStore(s SessionStore) NarratorOption {
	return func(n *Narrator) {
		if s != nil {
			n.sessions = s
		}
	}
}

func WithNarratorLogger(logger *zap.Logger) NarratorOption {
	return func(n *Narrator) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func NewNarrator(c Completer, opts ...NarratorOption) (*Narrator, error) {
	if c == nil {
		return nil, errors.New("agent: completer must not be nil")
	}
	n := &Narrator{
		completer: c,
		sessions:  NewMemorySessionStore(),
		language:  DefaultLanguage,
		maxSteps:  DefaultMaxSteps,
		budget:    DefaultHistoryBudget,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Generate narrates the next segment. The prompt and the reply are committed
// to the thread session only when a reply was produced.
func (n *Narrator) Generate(ctx context.Context, req NarrationRequest) (string, error) {
	if req.ThreadID == "" {
		return "", errors.New("agent: thread id must not be empty")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("agent: narration prompt must not be empty")
	}

	persisted := hydrate(req.History, req.Character)
	session, ok, err := n.sessions.Load(ctx, req.ThreadID)
	if err != nil {
		return "", fmt.Errorf("agent: load session: %w", err)
	}
	var warm []domain.ChatMessage
	if !ok || !inSync(session, persisted) {
		if ok {
			n.logger.Info("narrator session out of date, rebuilding from history",
				zap.String("thread_id", req.ThreadID.String()),
				zap.Int("session_messages", len(session)),
				zap.Int("history_messages", len(persisted)),
			)
			if err := n.sessions.Reset(ctx, req.ThreadID); err != nil {
				return "", fmt.Errorf("agent: reset session: %w", err)
			}
		}
		warm = persisted
		session = persisted
	}

	userMsg := domain.ChatMessage{Role: domain.ChatRoleUser, Content: prompt}
	messages := n.buildMessages(session, userMsg)

	reply, err := n.complete(ctx, req.ThreadID, messages)
	if err != nil {
		return "", err
	}

	commit := append(warm, userMsg, domain.ChatMessage{Role: domain.ChatRoleAssistant, Content: reply})
	if err := n.sessions.Append(ctx, req.ThreadID, commit...); err != nil {
		return "", fmt.Errorf("agent: save session: %w", err)
	}
	return reply, nil
}

func (n *Narrator) buildMessages(session []domain.ChatMessage, userMsg domain.ChatMessage) []domain.ChatMessage {
	system := domain.ChatMessage{Role: domain.ChatRoleSystem, Content: narratorSystemPrompt(n.language)}
	full := make([]domain.ChatMessage, 0, len(session)+2)
	full = append(full, system)
	full = append(full, session...)
	full = append(full, userMsg)

	trimmed := TrimMessages(full, n.budget, EstimateTokens)
	if len(trimmed) < 2 || trimmed[len(trimmed)-1] != userMsg {
		// The prompt alone exceeds the budget; send it without history.
		return []domain.ChatMessage{system, userMsg}
	}
	return trimmed
}

func (n *Narrator) complete(ctx context.Context, threadID domain.ThreadID, messages []domain.ChatMessage) (string, error) {
	for step := 1; step <= n.maxSteps; step++ {
		reply, err := n.completer.Complete(ctx, messages)
		if err != nil {
			return "", fmt.Errorf("agent: narrative completion: %w", err)
		}
		if reply = strings.TrimSpace(reply); reply != "" {
			return reply, nil
		}
		n.logger.Warn("narrator returned empty completion",
			zap.String("thread_id", threadID.String()),
			zap.Int("step", step),
		)
	}
	return "", fmt.Errorf("%w after %d steps: %w", ErrStepLimit, n.maxSteps, ErrEmptyCompletion)
}

// hydrate maps persisted turns onto chat messages. A log opened by the
// narrator gets the opening prompt back in front, as a live session has it.
func hydrate(history []domain.Turn, c domain.Character) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history)+1)
	if len(history) > 0 && history[0].Role == domain.RoleAI {
		out = append(out, domain.ChatMessage{Role: domain.ChatRoleUser, Content: strings.TrimSpace(OpeningPrompt(c))})
	}
	for _, t := range history {
		role := domain.ChatRoleUser
		if t.Role == domain.RoleAI {
			role = domain.ChatRoleAssistant
		}
		out = append(out, domain.ChatMessage{Role: role, Content: t.Content})
	}
	return out
}

// inSync reports whether a cached session still matches the persisted log:
// the same number of messages ending in the same narration.
func inSync(session, persisted []domain.ChatMessage) bool {
	if len(session) != len(persisted) {
		return false
	}
	if len(session) == 0 {
		return true
	}
	return session[len(session)-1] == persisted[len(persisted)-1]
}
