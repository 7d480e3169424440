// Package gemini adapts Google's Gemini models to the agent completion
// capability.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"

	"dungeon-agent/internal/domain"
)

const jsonMIMEType = "application/json"

// StatusError carries the HTTP-equivalent status of a failed Gemini call.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini: status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client runs chat completions against one Gemini model.
type Client struct {
	api                   *genai.Client
	model                 string
	narrativeTemperature  float32
	structuredTemperature float32
	maxTokens             int32
}

type Option func(*Client)

// WithTemperatures sets the sampling temperature of narrative and structured
// completions.
func WithTemperatures(narrative, structured float32) Option {
	return func(c *Client) {
		c.narrativeTemperature = narrative
		c.structuredTemperature = structured
	}
}

// WithMaxTokens bounds the length of narrative completions.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = int32(n)
	}
}

// New creates a Client authenticated with apiKey.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}
	api, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c := &Client{api: api, model: model, narrativeTemperature: 0.7}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Verify checks that the configured model is reachable.
func (c *Client) Verify(ctx context.Context) error {
	if _, err := c.api.GenerativeModel(c.model).Info(ctx); err != nil {
		return fmt.Errorf("gemini: model info: %w", wrapStatus(err))
	}
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.api.Close()
}

func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	model := c.api.GenerativeModel(c.model)
	model.SetTemperature(c.narrativeTemperature)
	if c.maxTokens > 0 {
		model.SetMaxOutputTokens(c.maxTokens)
	}
	return c.send(ctx, model, messages)
}

func (c *Client) CompleteStructured(ctx context.Context, messages []domain.ChatMessage, schema domain.ResponseSchema) (string, error) {
	model := c.api.GenerativeModel(c.model)
	model.SetTemperature(c.structuredTemperature)
	model.ResponseMIMEType = jsonMIMEType
	model.ResponseSchema = toSchema(schema)
	return c.send(ctx, model, messages)
}

// send maps the conversation onto a chat session: system messages become the
// system instruction, the final user message is sent and everything before it
// is replayed as history.
func (c *Client) send(ctx context.Context, model *genai.GenerativeModel, messages []domain.ChatMessage) (string, error) {
	system, history, last, err := splitMessages(messages)
	if err != nil {
		return "", err
	}
	if system != nil {
		model.SystemInstruction = system
	}
	cs := model.StartChat()
	cs.History = history

	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", fmt.Errorf("gemini: request failed: %w", wrapStatus(err))
	}
	text := responseText(resp)
	if text == "" {
		return "", errors.New("gemini: no candidates in response")
	}
	return text, nil
}

func splitMessages(messages []domain.ChatMessage) (*genai.Content, []*genai.Content, *genai.Content, error) {
	var (
		systemParts []string
		contents    []*genai.Content
	)
	for _, m := range messages {
		switch m.Role {
		case domain.ChatRoleSystem:
			systemParts = append(systemParts, m.Content)
		case domain.ChatRoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	if len(contents) == 0 || contents[len(contents)-1].Role != "user" {
		return nil, nil, nil, errors.New("gemini: conversation must end with a user message")
	}

	var system *genai.Content
	if len(systemParts) > 0 {
		system = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(systemParts, "\n\n"))}}
	}
	return system, contents[:len(contents)-1], contents[len(contents)-1], nil
}

func toSchema(schema domain.ResponseSchema) *genai.Schema {
	out := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(schema.Fields)),
	}
	for _, f := range schema.Fields {
		prop := &genai.Schema{
			Description: f.Description,
			Nullable:    f.Nullable,
		}
		switch f.Type {
		case domain.FieldInteger:
			prop.Type = genai.TypeInteger
		case domain.FieldArray:
			prop.Type = genai.TypeArray
			prop.Items = &genai.Schema{Type: genai.TypeString}
		default:
			prop.Type = genai.TypeString
		}
		if len(f.Enum) > 0 {
			prop.Format = "enum"
			prop.Enum = f.Enum
		}
		out.Properties[f.Name] = prop
		out.Required = append(out.Required, f.Name)
	}
	return out
}

func responseText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				text.WriteString(string(txt))
			}
		}
	}
	return text.String()
}

func wrapStatus(err error) error {
	var apiErr *apierror.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if code := apiErr.HTTPCode(); code > 0 {
		return &StatusError{StatusCode: code, Err: err}
	}
	if st := apiErr.GRPCStatus(); st != nil {
		switch st.Code() {
		case codes.ResourceExhausted:
			return &StatusError{StatusCode: http.StatusTooManyRequests, Err: err}
		case codes.Unavailable:
			return &StatusError{StatusCode: http.StatusServiceUnavailable, Err: err}
		case codes.InvalidArgument:
			return &StatusError{StatusCode: http.StatusBadRequest, Err: err}
		}
	}
	return err
}
