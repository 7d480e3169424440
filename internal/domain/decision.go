package domain

import (
	"errors"
	"strings"
)

// ActionKind is the classification the decision router assigns to an action.
type ActionKind string

const (
	ActionSkillCheck         ActionKind = "skill_check"
	ActionNarrativeContinues ActionKind = "narrative_continues"
)

// Decision is the structured output of the decision router. The roll fields
// are set iff NextAction is ActionSkillCheck. ResponseText is always set; it
// is a pointer so that a null or missing value can be told apart from "".
type Decision struct {
	NextAction   ActionKind `json:"next_action"`
	Ability      *string    `json:"ability"`
	AbilityScore *int       `json:"ability_score"`
	DC           *int       `json:"dc"`
	ResponseText *string    `json:"response_text"`
}

// Text returns the response text, or "" when it is unset.
func (d Decision) Text() string {
	if d.ResponseText == nil {
		return ""
	}
	return *d.ResponseText
}

// IsSkillCheck reports whether the decision requires a roll.
func (d Decision) IsSkillCheck() bool {
	return d.NextAction == ActionSkillCheck
}

// Validate enforces the field rules tied to NextAction.
func (d Decision) Validate() error {
	switch d.NextAction {
	case ActionSkillCheck:
		if d.Ability == nil || strings.TrimSpace(*d.Ability) == "" {
			return errors.New("domain: skill_check requires ability")
		}
		if d.AbilityScore == nil {
			return errors.New("domain: skill_check requires ability_score")
		}
		if *d.AbilityScore < 0 {
			return errors.New("domain: ability_score must not be negative")
		}
		if d.DC == nil {
			return errors.New("domain: skill_check requires dc")
		}
	case ActionNarrativeContinues:
		if d.Ability != nil || d.AbilityScore != nil || d.DC != nil {
			return errors.New("domain: narrative_continues must not carry roll fields")
		}
	default:
		return errors.New("domain: next_action must be skill_check or narrative_continues")
	}
	if d.ResponseText == nil {
		return errors.New("domain: response_text is required")
	}
	return nil
}

// Category is one of the character-sheet sections a relevance filter reduces.
type Category string

const (
	CategoryBackstory     Category = "backstory"
	CategoryPersonality   Category = "personality"
	CategoryAppearance    Category = "appearance"
	CategoryProficiencies Category = "proficiencies"
)

// Categories lists every relevance category in presentation order.
var Categories = []Category{
	CategoryBackstory,
	CategoryPersonality,
	CategoryAppearance,
	CategoryProficiencies,
}

// RelevanceResult lists the items of one category relevant to the current
// action. An empty result means nothing is relevant.
type RelevanceResult struct {
	Items []string `json:"relevant_items"`
}

// Empty reports whether the result carries no non-blank item.
func (r RelevanceResult) Empty() bool {
	for _, it := range r.Items {
		if strings.TrimSpace(it) != "" {
			return false
		}
	}
	return true
}
