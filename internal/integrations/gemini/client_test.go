package gemini

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"dungeon-agent/internal/domain"
)

func TestSplitMessages(t *testing.T) {
	system, history, last, err := splitMessages([]domain.ChatMessage{
		{Role: domain.ChatRoleSystem, Content: "You are a dungeon master."},
		{Role: domain.ChatRoleUser, Content: "Start."},
		{Role: domain.ChatRoleAssistant, Content: "You stand at a crossroads."},
		{Role: domain.ChatRoleUser, Content: "I go left."},
	})
	require.NoError(t, err)
	require.Equal(t, []genai.Part{genai.Text("You are a dungeon master.")}, system.Parts)
	require.Len(t, history, 2)
	require.Equal(t, "user", history[0].Role)
	require.Equal(t, "model", history[1].Role)
	require.Equal(t, []genai.Part{genai.Text("I go left.")}, last.Parts)
}

func TestSplitMessages_RequiresTrailingUserMessage(t *testing.T) {
	_, _, _, err := splitMessages([]domain.ChatMessage{{Role: domain.ChatRoleAssistant, Content: "Hello"}})
	require.Error(t, err)

	_, _, _, err = splitMessages(nil)
	require.Error(t, err)
}

func TestSplitMessages_NoSystem(t *testing.T) {
	system, history, last, err := splitMessages([]domain.ChatMessage{{Role: domain.ChatRoleUser, Content: "Hi"}})
	require.NoError(t, err)
	require.Nil(t, system)
	require.Empty(t, history)
	require.NotNil(t, last)
}

func TestToSchema(t *testing.T) {
	s := toSchema(domain.ResponseSchema{
		Name: "decision",
		Fields: []domain.SchemaField{
			{Name: "next_action", Type: domain.FieldString, Enum: []string{"skill_check", "narrative_continues"}},
			{Name: "dc", Type: domain.FieldInteger, Nullable: true},
			{Name: "relevant_items", Type: domain.FieldArray, Nullable: true},
		},
	})
	require.Equal(t, genai.TypeObject, s.Type)
	require.Equal(t, []string{"next_action", "dc", "relevant_items"}, s.Required)
	require.Equal(t, []string{"skill_check", "narrative_continues"}, s.Properties["next_action"].Enum)
	require.Equal(t, genai.TypeInteger, s.Properties["dc"].Type)
	require.True(t, s.Properties["dc"].Nullable)
	require.Equal(t, genai.TypeArray, s.Properties["relevant_items"].Type)
	require.Equal(t, genai.TypeString, s.Properties["relevant_items"].Items.Type)
}

func TestResponseText(t *testing.T) {
	require.Equal(t, "", responseText(nil))
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text("The door "), genai.Text("creaks.")}},
	}}}
	require.Equal(t, "The door creaks.", responseText(resp))
}

func TestWrapStatus(t *testing.T) {
	plain := errors.New("boom")
	require.Equal(t, plain, wrapStatus(plain))

	apiErr, ok := apierror.FromError(status.Error(codes.ResourceExhausted, "quota"))
	require.True(t, ok)
	var statusErr *StatusError
	require.ErrorAs(t, wrapStatus(apiErr), &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
}
