package domain

import (
	"fmt"
	"strings"
)

// DefaultAbilityScore is the score assigned to abilities a sheet leaves unset.
const DefaultAbilityScore = 8

// Ability names as the decision router reports them.
const (
	AbilityStrength     = "Strength"
	AbilityDexterity    = "Dexterity"
	AbilityConstitution = "Constitution"
	AbilityIntelligence = "Intelligence"
	AbilityWisdom       = "Wisdom"
	AbilityCharisma     = "Charisma"
)

// CharacterSheet holds the abilities and free-text traits of a character.
type CharacterSheet struct {
	Strength      int    `json:"strength"`
	Dexterity     int    `json:"dexterity"`
	Constitution  int    `json:"constitution"`
	Intelligence  int    `json:"intelligence"`
	Wisdom        int    `json:"wisdom"`
	Charisma      int    `json:"charisma"`
	Personality   string `json:"personality"`
	Backstory     string `json:"backstory"`
	Appearance    string `json:"appearance"`
	Proficiencies string `json:"proficiencies"`
}

// NewCharacterSheet returns a sheet with every ability at DefaultAbilityScore.
func NewCharacterSheet() CharacterSheet {
	return CharacterSheet{
		Strength:     DefaultAbilityScore,
		Dexterity:    DefaultAbilityScore,
		Constitution: DefaultAbilityScore,
		Intelligence: DefaultAbilityScore,
		Wisdom:       DefaultAbilityScore,
		Charisma:     DefaultAbilityScore,
	}
}

// Character is the read-only view of a character owned by a user.
type Character struct {
	ID     string         `json:"id"`
	UserID string         `json:"userId"`
	Name   string         `json:"name"`
	Sheet  CharacterSheet `json:"sheet"`
}

// Trait returns the free-text field of the sheet that backs a relevance
// category.
func (s CharacterSheet) Trait(c Category) string {
	switch c {
	case CategoryBackstory:
		return s.Backstory
	case CategoryPersonality:
		return s.Personality
	case CategoryAppearance:
		return s.Appearance
	case CategoryProficiencies:
		return s.Proficiencies
	default:
		return ""
	}
}

// Render formats the sheet as plain text for prompts.
func (s CharacterSheet) Render(name string) string {
	var b strings.Builder
	if name = strings.TrimSpace(name); name != "" {
		fmt.Fprintf(&b, "Name: %s\n", name)
	}
	fmt.Fprintf(&b, "%s: %d\n", AbilityStrength, s.Strength)
	fmt.Fprintf(&b, "%s: %d\n", AbilityDexterity, s.Dexterity)
	fmt.Fprintf(&b, "%s: %d\n", AbilityConstitution, s.Constitution)
	fmt.Fprintf(&b, "%s: %d\n", AbilityIntelligence, s.Intelligence)
	fmt.Fprintf(&b, "%s: %d\n", AbilityWisdom, s.Wisdom)
	fmt.Fprintf(&b, "%s: %d\n", AbilityCharisma, s.Charisma)
	fmt.Fprintf(&b, "Personality: %s\n", orNone(s.Personality))
	fmt.Fprintf(&b, "Backstory: %s\n", orNone(s.Backstory))
	fmt.Fprintf(&b, "Appearance: %s\n", orNone(s.Appearance))
	fmt.Fprintf(&b, "Proficiencies: %s", orNone(s.Proficiencies))
	return b.String()
}

func orNone(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "none"
	}
	return s
}
