// Package agent holds the language-model driven steps of a turn: the decision
// router, the relevance filters and the narrator.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"dungeon-agent/internal/domain"
)

// Completer is the completion capability every agent runs against.
type Completer interface {
	Complete(ctx context.Context, messages []domain.ChatMessage) (string, error)
	CompleteStructured(ctx context.Context, messages []domain.ChatMessage, schema domain.ResponseSchema) (string, error)
}

// decodeStrict decodes exactly one JSON value into T, rejecting unknown
// fields and trailing data.
func decodeStrict[T any](raw, what string) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("agent: decode %s: %w", what, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var zero T
		if err == nil {
			return zero, fmt.Errorf("agent: decode %s: multiple JSON values", what)
		}
		return zero, fmt.Errorf("agent: decode %s trailing data: %w", what, err)
	}
	return out, nil
}
