// Package openai adapts the OpenAI chat completion API to the agent
// completion capability.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"dungeon-agent/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 30 * time.Second
)

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI client for narrative, structured and moderation
// calls. The API key is either static or fetched from the parameter store on
// first use.
type Client struct {
	model                 string
	baseURL               string
	httpClient            *http.Client
	apiKey                string
	getter                Getter
	tokenParam            string
	narrativeTemperature  float32
	structuredTemperature float32
	maxTokens             int

	mu  sync.Mutex
	api *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey uses a static key instead of the parameter store.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithParamStore fetches the key from the JSON {"token": ...} value stored
// under name.
func WithParamStore(getter Getter, name string) Option {
	return func(c *Client) {
		c.getter = getter
		c.tokenParam = strings.TrimSpace(name)
	}
}

// WithTemperatures sets the sampling temperature of narrative and structured
// completions.
func WithTemperatures(narrative, structured float32) Option {
	return func(c *Client) {
		c.narrativeTemperature = narrative
		c.structuredTemperature = structured
	}
}

// WithMaxTokens bounds the length of narrative completions. Zero leaves it to
// the provider.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// NewClient creates a Client for model. Either WithAPIKey or WithParamStore
// must be supplied.
func NewClient(model string, opts ...Option) (*Client, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	c := &Client{
		model:                model,
		baseURL:              defaultBaseURL,
		httpClient:           &http.Client{Timeout: defaultTimeout},
		narrativeTemperature: 0.7,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" && c.getter == nil {
		return nil, errors.New("openai: an api key or a paramstore getter is required")
	}
	return c, nil
}

func normalizeBaseURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// Verify resolves the API key and builds the SDK client. It is called at
// startup so that a missing credential surfaces before any turn is played.
func (c *Client) Verify(ctx context.Context) error {
	_, err := c.resolveAPI(ctx)
	return err
}

// resolveAPI builds the SDK client on the first successful key lookup and
// reuses it afterwards. Failed lookups are retried on the next call.
func (c *Client) resolveAPI(ctx context.Context) (*goopenai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}

	key := c.apiKey
	if key == "" {
		var err error
		key, err = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParam)
		if err != nil {
			return nil, err
		}
	}

	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = normalizeBaseURL(c.baseURL)
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = goopenai.NewClientWithConfig(cfg)
	return c.api, nil
}

// Complete runs a free-text chat completion.
func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	return c.chat(ctx, goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toSDKMessages(messages),
		Temperature: temperature(c.narrativeTemperature),
		MaxTokens:   c.maxTokens,
	})
}

// CompleteStructured runs a chat completion constrained to schema by the
// strict json_schema response format and returns the raw JSON text.
func (c *Client) CompleteStructured(ctx context.Context, messages []domain.ChatMessage, schema domain.ResponseSchema) (string, error) {
	raw, err := jsonSchema(schema)
	if err != nil {
		return "", err
	}
	return c.chat(ctx, goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toSDKMessages(messages),
		Temperature: temperature(c.structuredTemperature),
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &goopenai.ChatCompletionResponseFormatJSONSchema{
				Name:   schema.Name,
				Schema: raw,
				Strict: true,
			},
		},
	})
}

func (c *Client) chat(ctx context.Context, req goopenai.ChatCompletionRequest) (string, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}
	resp, err := api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", wrapStatus(err))
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Moderate calls the OpenAI Moderations API and returns true if the input is flagged.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return false, err
	}
	resp, err := api.Moderations(ctx, goopenai.ModerationRequest{Input: input})
	if err != nil {
		return false, fmt.Errorf("openai: moderation request failed: %w", wrapStatus(err))
	}
	if len(resp.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return resp.Results[0].Flagged, nil
}

// temperature maps zero to the smallest positive value because the SDK omits
// a zero temperature from the request, which the API reads as 1.
func temperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

func toSDKMessages(messages []domain.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func wrapStatus(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return err
}

// jsonSchema renders schema as an OpenAI strict-mode JSON schema: every field
// is required and optional values are typed as nullable.
func jsonSchema(schema domain.ResponseSchema) (json.RawMessage, error) {
	if strings.TrimSpace(schema.Name) == "" {
		return nil, errors.New("openai: schema name must not be empty")
	}
	props := make(map[string]any, len(schema.Fields))
	required := make([]string, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		var typ any = f.Type
		if f.Nullable {
			typ = []string{f.Type, "null"}
		}
		prop := map[string]any{"type": typ}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		if len(f.Enum) > 0 {
			prop["enum"] = f.Enum
		}
		if f.Type == domain.FieldArray {
			prop["items"] = map[string]any{"type": domain.FieldString}
		}
		props[f.Name] = prop
		required = append(required, f.Name)
	}
	raw, err := json.Marshal(map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             required,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal schema: %w", err)
	}
	return raw, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
