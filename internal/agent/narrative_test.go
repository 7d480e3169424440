package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dungeon-agent/internal/domain"
)

var testThread = domain.NewThreadID("u1", "c1")

func turn(role domain.Role, content string) domain.Turn {
	return domain.Turn{ThreadID: testThread, Role: role, Content: content, CreatedAt: time.Now()}
}

func TestNewNarrator_RequiresCompleter(t *testing.T) {
	_, err := NewNarrator(nil)
	require.Error(t, err)
}

func TestNarrator_GenerateCommitsSession(t *testing.T) {
	fc := &fakeCompleter{script: []completion{{text: "  The tavern falls silent.  "}}}
	sessions := NewMemorySessionStore()
	n, err := NewNarrator(fc, WithSessionStore(sessions), WithLanguage("German"))
	require.NoError(t, err)

	out, err := n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Prompt: "I enter the tavern"})
	require.NoError(t, err)
	require.Equal(t, "The tavern falls silent.", out)

	sent := fc.calls[0]
	require.Equal(t, domain.ChatRoleSystem, sent[0].Role)
	require.Contains(t, sent[0].Content, "Respond in the German language.")
	require.Contains(t, sent[0].Content, "500 characters")
	require.Equal(t, msg(domain.ChatRoleUser, "I enter the tavern"), sent[len(sent)-1])

	stored, ok, err := sessions.Load(context.Background(), testThread)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []domain.ChatMessage{
		msg(domain.ChatRoleUser, "I enter the tavern"),
		msg(domain.ChatRoleAssistant, "The tavern falls silent."),
	}, stored)
}

func TestNarrator_SharesHistoryAcrossCalls(t *testing.T) {
	fc := &fakeCompleter{script: []completion{{text: "first"}, {text: "second"}}}
	n, err := NewNarrator(fc)
	require.NoError(t, err)

	_, err = n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Prompt: "one"})
	require.NoError(t, err)
	history := []domain.Turn{
		turn(domain.RoleCharacter, "I look around"),
		turn(domain.RoleAI, "first"),
	}
	_, err = n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Prompt: "two", History: history})
	require.NoError(t, err)

	// The live session keeps the full prompt rather than the persisted action.
	second := fc.calls[1]
	require.Equal(t, []domain.ChatMessage{
		msg(domain.ChatRoleUser, "one"),
		msg(domain.ChatRoleAssistant, "first"),
		msg(domain.ChatRoleUser, "two"),
	}, second[1:])
}

func TestNarrator_HydratesColdSession(t *testing.T) {
	fc := &fakeCompleter{script: []completion{{text: "reply"}}}
	n, err := NewNarrator(fc)
	require.NoError(t, err)

	history := []domain.Turn{
		turn(domain.RoleCharacter, "I walk"),
		turn(domain.RoleAI, "You walk"),
	}
	_, err = n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Prompt: "I run", History: history})
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{
		msg(domain.ChatRoleUser, "I walk"),
		msg(domain.ChatRoleAssistant, "You walk"),
		msg(domain.ChatRoleUser, "I run"),
	}, fc.calls[0][1:])

	// A session that matches the persisted log is reused as is.
	fc.script = []completion{{text: "again"}}
	history = append(history, turn(domain.RoleCharacter, "I run"), turn(domain.RoleAI, "reply"))
	_, err = n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Prompt: "I stop", History: history})
	require.NoError(t, err)
	require.Len(t, fc.calls[1], 1+5)
}

func TestNarrator_ColdSessionKeepsOpeningScene(t *testing.T) {
	fc := &fakeCompleter{script: []completion{{text: "The gate creaks open."}}}
	n, err := NewNarrator(fc)
	require.NoError(t, err)

	c := testCharacter()
	_, err = n.Generate(context.Background(), NarrationRequest{
		ThreadID:  testThread,
		Character: c,
		Prompt:    "I push the gate",
		History:   []domain.Turn{turn(domain.RoleAI, "You stand at the gate of Karth.")},
	})
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{
		msg(domain.ChatRoleUser, strings.TrimSpace(OpeningPrompt(c))),
		msg(domain.ChatRoleAssistant, "You stand at the gate of Karth."),
		msg(domain.ChatRoleUser, "I push the gate"),
	}, fc.calls[0][1:])
}

func TestNarrator_ColdSessionMatchesLiveOpening(t *testing.T) {
	c := testCharacter()
	live := &fakeCompleter{script: []completion{{text: "You wake in a cell."}, {text: "next"}}}
	warm, err := NewNarrator(live)
	require.NoError(t, err)
	_, err = warm.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Character: c, Prompt: OpeningPrompt(c)})
	require.NoError(t, err)

	history := []domain.Turn{turn(domain.RoleAI, "You wake in a cell.")}
	_, err = warm.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Character: c, Prompt: "I shout", History: history})
	require.NoError(t, err)

	cold := &fakeCompleter{script: []completion{{text: "next"}}}
	fresh, err := NewNarrator(cold)
	require.NoError(t, err)
	_, err = fresh.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Character: c, Prompt: "I shout", History: history})
	require.NoError(t, err)

	require.Equal(t, live.calls[1], cold.calls[0])
}

func TestNarrator_RebuildsStaleSession(t *testing.T) {
	fc := &fakeCompleter{script: []completion{{text: "A1"}, {text: "A3"}}}
	sessions := NewMemorySessionStore()
	n, err := NewNarrator(fc, WithSessionStore(sessions))
	require.NoError(t, err)

	_, err = n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Prompt: "Start"})
	require.NoError(t, err)

	// Another instance narrated a turn this session never saw.
	history := []domain.Turn{
		turn(domain.RoleCharacter, "Start"),
		turn(domain.RoleAI, "A1"),
		turn(domain.RoleCharacter, "I burn the tavern down"),
		turn(domain.RoleAI, "A2"),
	}
	_, err = n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Prompt: "I order a drink", History: history})
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{
		msg(domain.ChatRoleUser, "Start"),
		msg(domain.ChatRoleAssistant, "A1"),
		msg(domain.ChatRoleUser, "I burn the tavern down"),
		msg(domain.ChatRoleAssistant, "A2"),
		msg(domain.ChatRoleUser, "I order a drink"),
	}, fc.calls[1][1:])

	stored, ok, err := sessions.Load(context.Background(), testThread)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, stored, 6)
	require.Equal(t, msg(domain.ChatRoleAssistant, "A3"), stored[5])
}

func TestNarrator_RebuildsSessionWithDifferentNarration(t *testing.T) {
	fc := &fakeCompleter{script: []completion{{text: "lost opening"}, {text: "ok"}}}
	n, err := NewNarrator(fc)
	require.NoError(t, err)
	c := testCharacter()

	_, err = n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Character: c, Prompt: OpeningPrompt(c)})
	require.NoError(t, err)

	history := []domain.Turn{turn(domain.RoleAI, "kept opening")}
	_, err = n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Character: c, Prompt: "I look", History: history})
	require.NoError(t, err)
	require.Equal(t, msg(domain.ChatRoleAssistant, "kept opening"), fc.calls[1][2])
}

func TestNarrator_EmptyCompletionsHitStepLimit(t *testing.T) {
	fc := &fakeCompleter{script: []completion{{text: "  "}}}
	sessions := NewMemorySessionStore()
	n, err := NewNarrator(fc, WithMaxSteps(3), WithSessionStore(sessions))
	require.NoError(t, err)

	_, err = n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Prompt: "hello"})
	require.ErrorIs(t, err, ErrStepLimit)
	require.ErrorIs(t, err, ErrEmptyCompletion)
	require.Equal(t, 3, fc.callCount())

	_, ok, err := sessions.Load(context.Background(), testThread)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNarrator_RetriesEmptyCompletion(t *testing.T) {
	fc := &fakeCompleter{script: []completion{{text: ""}, {text: "finally"}}}
	n, err := NewNarrator(fc)
	require.NoError(t, err)

	out, err := n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "finally", out)
	require.Equal(t, 2, fc.callCount())
}

func TestNarrator_ProviderErrorIsNotCommitted(t *testing.T) {
	fc := &fakeCompleter{script: []completion{{err: errors.New("upstream")}}}
	sessions := NewMemorySessionStore()
	n, err := NewNarrator(fc, WithSessionStore(sessions))
	require.NoError(t, err)

	_, err = n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Prompt: "hello"})
	require.Error(t, err)
	require.Equal(t, 1, fc.callCount())
	_, ok, _ := sessions.Load(context.Background(), testThread)
	require.False(t, ok)
}

func TestNarrator_TrimsHistoryButKeepsPrompt(t *testing.T) {
	fc := &fakeCompleter{script: []completion{{text: "ok"}}}
	sessions := NewMemorySessionStore()
	old := strings.Repeat("a", 4000)
	require.NoError(t, sessions.Append(context.Background(), testThread,
		msg(domain.ChatRoleUser, old), msg(domain.ChatRoleAssistant, old)))
	n, err := NewNarrator(fc, WithSessionStore(sessions), WithHistoryBudget(500))
	require.NoError(t, err)

	history := []domain.Turn{turn(domain.RoleCharacter, old), turn(domain.RoleAI, old)}
	_, err = n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Prompt: "now", History: history})
	require.NoError(t, err)
	sent := fc.calls[0]
	require.Len(t, sent, 2)
	require.Equal(t, domain.ChatRoleSystem, sent[0].Role)
	require.Equal(t, "now", sent[1].Content)
}

func TestNarrator_ValidatesRequest(t *testing.T) {
	n, err := NewNarrator(&fakeCompleter{})
	require.NoError(t, err)
	_, err = n.Generate(context.Background(), NarrationRequest{Prompt: "x"})
	require.Error(t, err)
	_, err = n.Generate(context.Background(), NarrationRequest{ThreadID: testThread, Prompt: "  "})
	require.Error(t, err)
}

func TestMemorySessionStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	require.NoError(t, s.Append(ctx, testThread, msg(domain.ChatRoleUser, "hi")))
	require.NoError(t, s.Reset(ctx, testThread))
	_, ok, err := s.Load(ctx, testThread)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpeningPrompt(t *testing.T) {
	p := OpeningPrompt(testCharacter())
	require.Contains(t, p, "Introduce this character")
	require.Contains(t, p, "Name: Bruna")
	require.Contains(t, p, "Strength: 16")
}
