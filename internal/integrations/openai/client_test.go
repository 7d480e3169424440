package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dungeon-agent/internal/domain"
)

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	val    string
	err    error
	onCall func() // optional; called on each GetParameter invocation
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

const chatOK = `{
	"id": "chatcmpl-123",
	"object": "chat.completion",
	"created": 1670000000,
	"choices": [{
		"index": 0,
		"message": { "role": "assistant", "content": "The torches flicker." },
		"finish_reason": "stop"
	}]
}`

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithParamStore(&fakeGetter{val: `{"token":"sk-test"}`}, "/dm/openai-token"),
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	}, opts...)
	c, err := NewClient("gpt-mock", opts...)
	require.NoError(t, err)
	return c
}

func decisionSchema() domain.ResponseSchema {
	return domain.ResponseSchema{
		Name: "decision",
		Fields: []domain.SchemaField{
			{Name: "next_action", Type: domain.FieldString, Enum: []string{"skill_check", "narrative_continues"}},
			{Name: "dc", Type: domain.FieldInteger, Nullable: true},
			{Name: "items", Type: domain.FieldArray, Nullable: true},
		},
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1"},
		{"http://localhost:8080", "http://localhost:8080/v1"},
		{"", "https://api.openai.com/v1"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, normalizeBaseURL(tc.base), "base=%q", tc.base)
	}
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient(" ", WithAPIKey("sk"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "model")

	_, err = NewClient("gpt-mock")
	require.Error(t, err)
	require.Contains(t, err.Error(), "api key")

	c, err := NewClient("gpt-mock", WithAPIKey("sk"))
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
}

func TestVerify_FetchesKeyOnce(t *testing.T) {
	calls := 0
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`}
	g.onCall = func() { calls++ }
	c, err := NewClient("gpt-mock", WithParamStore(g, "/dm/openai-token"))
	require.NoError(t, err)

	require.NoError(t, c.Verify(context.Background()))
	require.NoError(t, c.Verify(context.Background()))
	require.Equal(t, 1, calls)
}

func TestVerify_RetriesAfterFailure(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	c, err := NewClient("gpt-mock", WithParamStore(g, "/dm/openai-token"))
	require.NoError(t, err)

	err = c.Verify(context.Background())
	require.ErrorContains(t, err, "ssm unavailable")

	g.err = nil
	g.val = `{"token":"sk"}`
	require.NoError(t, c.Verify(context.Background()))
}

func TestFetchAPIKey(t *testing.T) {
	key, err := fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{val: `{"token":"sk-from-json"}`}, "/dm/openai-token")
	require.NoError(t, err)
	require.Equal(t, "sk-from-json", key)

	_, err = fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{val: `{"other":"value"}`}, "/dm/openai-token")
	require.ErrorContains(t, err, "API token is empty")

	_, err = fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{val: `{"broken`}, "/dm/openai-token")
	require.ErrorContains(t, err, "unmarshal")

	_, err = fetchAPIKeyFromParamStore(context.Background(), nil, "/dm/openai-token")
	require.ErrorContains(t, err, "nil")

	_, err = fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{}, " ")
	require.ErrorContains(t, err, "empty")
}

func TestJSONSchema_StrictShape(t *testing.T) {
	raw, err := jsonSchema(decisionSchema())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "object", got["type"])
	require.Equal(t, false, got["additionalProperties"])
	require.Equal(t, []any{"next_action", "dc", "items"}, got["required"])

	props := got["properties"].(map[string]any)
	require.Equal(t, "string", props["next_action"].(map[string]any)["type"])
	require.Equal(t, []any{"skill_check", "narrative_continues"}, props["next_action"].(map[string]any)["enum"])
	require.Equal(t, []any{"integer", "null"}, props["dc"].(map[string]any)["type"])
	require.Equal(t, map[string]any{"type": "string"}, props["items"].(map[string]any)["items"])

	_, err = jsonSchema(domain.ResponseSchema{})
	require.Error(t, err)
}

func TestClient_Complete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NotContains(t, string(body), "response_format")
		require.Contains(t, string(body), `"content":"Begin"`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatOK))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Complete(context.Background(), []domain.ChatMessage{{Role: domain.ChatRoleUser, Content: "Begin"}})
	require.NoError(t, err)
	require.Equal(t, "The torches flicker.", resp)
}

func TestClient_CompleteStructured_SendsSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), `"response_format":{"type":"json_schema"`)
		require.Contains(t, string(body), `"name":"decision"`)
		require.Contains(t, string(body), `"strict":true`)
		require.Contains(t, string(body), `"required":["next_action","dc","items"]`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatOK))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.CompleteStructured(context.Background(), []domain.ChatMessage{{Role: domain.ChatRoleUser, Content: "hi"}}, decisionSchema())
	require.NoError(t, err)
}

func TestClient_Complete_StatusErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
		}))

		c := newTestClient(t, srv)
		_, err := c.Complete(context.Background(), []domain.ChatMessage{{Role: domain.ChatRoleUser, Content: "hi"}})
		require.Error(t, err)

		var statusErr *HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, status, statusErr.HTTPStatusCode())
		srv.Close()
	}
}

func TestClient_Complete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), nil)
	require.ErrorContains(t, err, "no choices")
}

func TestClient_Complete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(chatOK))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	_, err := c.Complete(context.Background(), nil)
	require.Error(t, err)
}

func TestClient_Complete_KeyError(t *testing.T) {
	c, err := NewClient("gpt-mock", WithParamStore(&fakeGetter{err: errors.New("denied")}, "/dm/openai-token"))
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), nil)
	require.ErrorContains(t, err, "denied")
}

func TestClient_Moderate(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		flagged bool
		errText string
	}{
		{name: "not flagged", body: `{"results":[{"flagged":false}]}`},
		{name: "flagged", body: `{"results":[{"flagged":true}]}`, flagged: true},
		{name: "empty results", body: `{"results":[]}`, errText: "no results"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/v1/moderations", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			flagged, err := c.Moderate(context.Background(), "I attack the goblin")
			if tc.errText != "" {
				require.ErrorContains(t, err, tc.errText)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.flagged, flagged)
		})
	}
}

func TestClient_Moderate_429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Moderate(context.Background(), "hello")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
}

func TestTemperature_ZeroIsSentAsSmallestPositive(t *testing.T) {
	require.Greater(t, temperature(0), float32(0))
	require.Equal(t, float32(0.7), temperature(0.7))
}
