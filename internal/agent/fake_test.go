package agent

import (
	"context"
	"sync"

	"dungeon-agent/internal/domain"
)

type completion struct {
	text string
	err  error
}

// fakeCompleter answers Complete from a script and CompleteStructured through
// a callback. It records every call.
type fakeCompleter struct {
	mu         sync.Mutex
	script     []completion
	structured func(messages []domain.ChatMessage, schema domain.ResponseSchema) (string, error)
	calls      [][]domain.ChatMessage
	schemas    []domain.ResponseSchema
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(f.script) == 0 {
		return "", nil
	}
	next := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return next.text, next.err
}

func (f *fakeCompleter) CompleteStructured(ctx context.Context, messages []domain.ChatMessage, schema domain.ResponseSchema) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	f.schemas = append(f.schemas, schema)
	fn := f.structured
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fn(messages, schema)
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func structuredReply(raw string, err error) func([]domain.ChatMessage, domain.ResponseSchema) (string, error) {
	return func([]domain.ChatMessage, domain.ResponseSchema) (string, error) {
		return raw, err
	}
}
