package usecase

import (
	"fmt"
	"strings"

	"dungeon-agent/internal/agent"
	"dungeon-agent/internal/dice"
	"dungeon-agent/internal/domain"
)

// NothingRelevantMarker replaces the character details when no relevance
// filter selected anything.
const NothingRelevantMarker = "Nothing from the character sheet is relevant to this action."

var categoryTitles = map[domain.Category]string{
	domain.CategoryBackstory:     "Relevant backstory",
	domain.CategoryPersonality:   "Relevant personality traits",
	domain.CategoryAppearance:    "Relevant appearance details",
	domain.CategoryProficiencies: "Relevant proficiencies",
}

func buildSkillCheckContext(action string, d domain.Decision, o dice.Outcome, c domain.Character) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Player action: %s\n\n", action)
	if lead := strings.TrimSpace(d.Text()); lead != "" {
		fmt.Fprintf(&b, "%s\n\n", lead)
	}
	fmt.Fprintf(&b, "Skill check: %s against DC %d\n", *d.Ability, o.DC)
	fmt.Fprintf(&b, "Roll: %s\n", o.Breakdown())
	fmt.Fprintf(&b, "Result: %s\n\n", o.Verdict())
	b.WriteString("Character sheet:\n")
	b.WriteString(c.Sheet.Render(c.Name))
	return b.String()
}

func buildNarrativeContext(action, lastNarration, direction string, rel agent.Relevance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Player action: %s\n\n", action)
	if lastNarration = strings.TrimSpace(lastNarration); lastNarration != "" {
		fmt.Fprintf(&b, "Previous narration:\n%s\n\n", lastNarration)
	}
	if direction = strings.TrimSpace(direction); direction != "" {
		fmt.Fprintf(&b, "Scene direction: %s\n\n", direction)
	}

	categories := rel.NonEmpty()
	if len(categories) == 0 {
		b.WriteString(NothingRelevantMarker)
		return b.String()
	}
	for i, c := range categories {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s:\n", categoryTitles[c])
		for _, item := range rel.Get(c).Items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
