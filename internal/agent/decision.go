package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dungeon-agent/internal/domain"
)

// FallbackResponseText is shown to the player when the router could not
// classify an action.
const FallbackResponseText = "The dungeon master lost the thread for a moment. The story continues."

var decisionSchema = domain.ResponseSchema{
	Name: "decision",
	Fields: []domain.SchemaField{
		{
			Name:        "next_action",
			Type:        domain.FieldString,
			Description: "skill_check if a roll is needed, narrative_continues for dialogue or description.",
			Enum:        []string{string(domain.ActionSkillCheck), string(domain.ActionNarrativeContinues)},
		},
		{Name: "ability", Type: domain.FieldString, Description: "Ability used by the skill check, e.g. Strength or Dexterity.", Nullable: true},
		{Name: "ability_score", Type: domain.FieldInteger, Description: "Score of that ability on the character sheet.", Nullable: true},
		{Name: "dc", Type: domain.FieldInteger, Description: "Difficulty class of the check.", Nullable: true},
		{Name: "response_text", Type: domain.FieldString, Description: "Lead-in to the roll, or direction for the narrator."},
	},
}

// DecisionStatus tags the outcome of a router call.
type DecisionStatus int

const (
	DecisionOK DecisionStatus = iota
	DecisionSchemaInvalid
	DecisionProviderError
)

func (s DecisionStatus) String() string {
	switch s {
	case DecisionOK:
		return "ok"
	case DecisionSchemaInvalid:
		return "schema_invalid"
	case DecisionProviderError:
		return "provider_error"
	default:
		return "unknown"
	}
}

// DecisionResult is the validated result of a router call. Decision is only
// meaningful when Status is DecisionOK.
type DecisionResult struct {
	Status   DecisionStatus
	Decision domain.Decision
	Err      error
}

type DecisionInput struct {
	Character     domain.Character
	LastNarration string
	Action        string
}

// Router classifies player actions into skill checks or narrative
// continuations.
type Router struct {
	completer Completer
	logger    *zap.Logger
}

func NewRouter(c Completer, logger *zap.Logger) (*Router, error) {
	if c == nil {
		return nil, errors.New("agent: completer must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{completer: c, logger: logger}, nil
}

// Classify runs the structured completion and validates its result.
func (r *Router) Classify(ctx context.Context, in DecisionInput) DecisionResult {
	raw, err := r.completer.CompleteStructured(ctx, decisionMessages(in), decisionSchema)
	if err != nil {
		return DecisionResult{Status: DecisionProviderError, Err: fmt.Errorf("agent: decision completion: %w", err)}
	}
	d, err := parseDecision(raw)
	if err != nil {
		return DecisionResult{Status: DecisionSchemaInvalid, Err: err}
	}
	return DecisionResult{Status: DecisionOK, Decision: d}
}

// Decide is Classify with self-healing: any failure yields a
// narrative_continues decision carrying FallbackResponseText. The second
// return value is the underlying result for logging and metrics.
func (r *Router) Decide(ctx context.Context, in DecisionInput) (domain.Decision, DecisionResult) {
	res := r.Classify(ctx, in)
	if res.Status == DecisionOK {
		return res.Decision, res
	}
	r.logger.Warn("decision router fell back to narrative",
		zap.Stringer("status", res.Status),
		zap.Error(res.Err),
	)
	text := FallbackResponseText
	return domain.Decision{
		NextAction:   domain.ActionNarrativeContinues,
		ResponseText: &text,
	}, res
}

func parseDecision(raw string) (domain.Decision, error) {
	d, err := decodeStrict[domain.Decision](raw, "decision")
	if err != nil {
		return domain.Decision{}, err
	}
	// Models tend to send 0 instead of null for unused roll fields.
	if d.NextAction == domain.ActionNarrativeContinues {
		d.Ability, d.AbilityScore, d.DC = nil, nil, nil
	}
	if err := d.Validate(); err != nil {
		return domain.Decision{}, fmt.Errorf("agent: invalid decision: %w", err)
	}
	return d, nil
}
