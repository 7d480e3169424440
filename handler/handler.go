// Package handler exposes the turn service through API Gateway proxy events.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dungeon-agent/internal/domain"
	"dungeon-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// Service is the turn pipeline as seen by the transport.
type Service interface {
	PlayTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	History(ctx context.Context, in usecase.HistoryInput) (usecase.HistoryOutput, error)
}

type Handler struct {
	service Service
	logger  *zap.Logger
}

type Option func(*Handler)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(service Service, opts ...Option) (*Handler, error) {
	if service == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	h := &Handler{service: service, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	ThreadID string      `json:"threadId"`
	Turn     domain.Turn `json:"turn"`
}

type historyResponse struct {
	ThreadID string        `json:"threadId"`
	Turns    []domain.Turn `json:"turns"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type route struct {
	userID      string
	characterID string
	action      string
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	log := h.logger.With(zap.String("correlation_id", correlationID))

	r, ok := parseRoute(event)
	if !ok {
		return errorJSON(http.StatusNotFound, "NOT_FOUND", correlationID), nil
	}

	switch {
	case r.action == "chat" && event.HTTPMethod == http.MethodPost:
		return h.chat(ctx, log, r, event.Body, correlationID), nil
	case r.action == "history" && event.HTTPMethod == http.MethodGet:
		return h.history(ctx, log, r, correlationID), nil
	default:
		return errorJSON(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", correlationID), nil
	}
}

func (h *Handler) chat(ctx context.Context, log *zap.Logger, r route, body, correlationID string) events.APIGatewayProxyResponse {
	var req chatRequest
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), correlationID)
	}

	out, err := h.service.PlayTurn(ctx, usecase.TurnInput{
		UserID:      r.userID,
		CharacterID: r.characterID,
		Action:      req.Message,
	})
	if err != nil {
		return h.fail(log, err, correlationID)
	}
	return okJSON(chatResponse{ThreadID: out.ThreadID.String(), Turn: out.Turn}, correlationID)
}

func (h *Handler) history(ctx context.Context, log *zap.Logger, r route, correlationID string) events.APIGatewayProxyResponse {
	out, err := h.service.History(ctx, usecase.HistoryInput{UserID: r.userID, CharacterID: r.characterID})
	if err != nil {
		return h.fail(log, err, correlationID)
	}
	turns := out.Turns
	if turns == nil {
		turns = []domain.Turn{}
	}
	return okJSON(historyResponse{ThreadID: out.ThreadID.String(), Turns: turns}, correlationID)
}

func (h *Handler) fail(log *zap.Logger, err error, correlationID string) events.APIGatewayProxyResponse {
	status, code := mapError(err)
	fields := []zap.Field{zap.Int("status", status), zap.String("code", code), zap.Error(err)}
	var ue *usecase.Error
	if errors.As(err, &ue) {
		fields = append(fields, zap.String("reason", ue.Reason))
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", fields...)
	} else {
		log.Info("request rejected", fields...)
	}
	return errorJSON(status, code, correlationID)
}

func mapError(err error) (int, string) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput, usecase.ErrorNotInitialized:
		return http.StatusBadRequest, string(ue.Code)
	case usecase.ErrorNotFound:
		return http.StatusNotFound, string(ue.Code)
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, string(ue.Code)
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, string(ue.Code)
	case usecase.ErrorUnavailable:
		return http.StatusServiceUnavailable, string(ue.Code)
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
}

var errorMessages = map[string]string{
	string(usecase.ErrorInvalidInput):   "The request could not be processed. Check your message and try again.",
	string(usecase.ErrorNotInitialized): "This story has not started yet. Load the chat history first.",
	string(usecase.ErrorNotFound):       "Character not found.",
	string(usecase.ErrorRateLimited):    "Too many requests. Please wait a moment and try again.",
	string(usecase.ErrorUpstream):       "The dungeon master could not answer. Please try again.",
	string(usecase.ErrorUnavailable):    "The dungeon master is unavailable.",
	"NOT_FOUND":                         "Not found.",
	"METHOD_NOT_ALLOWED":                "Method not allowed.",
}

// parseRoute reads the identifiers from path parameters when API Gateway
// supplies them and from the raw path otherwise.
func parseRoute(event events.APIGatewayProxyRequest) (route, bool) {
	parts := strings.Split(strings.Trim(event.Path, "/"), "/")
	if len(parts) != 5 || parts[0] != "users" || parts[2] != "characters" {
		return route{}, false
	}
	r := route{userID: parts[1], characterID: parts[3], action: parts[4]}
	if v := event.PathParameters["userId"]; v != "" {
		r.userID = v
	}
	if v := event.PathParameters["characterId"]; v != "" {
		r.characterID = v
	}
	if r.userID == "" || r.characterID == "" {
		return route{}, false
	}
	return r, r.action == "chat" || r.action == "history"
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func okJSON(v any, correlationID string) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return errorJSON(http.StatusInternalServerError, string(usecase.ErrorInternal), correlationID)
	}
	return response(http.StatusOK, string(body), correlationID)
}

func errorJSON(status int, code, correlationID string) events.APIGatewayProxyResponse {
	msg, ok := errorMessages[code]
	if !ok {
		msg = "Something went wrong. Please try again later."
	}
	body, _ := json.Marshal(errorResponse{Error: code, Message: msg})
	return response(status, string(body), correlationID)
}

func response(status int, body, correlationID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: body,
	}
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
