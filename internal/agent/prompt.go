package agent

import (
	"fmt"
	"strings"

	"dungeon-agent/internal/domain"
)

const decisionSystemPrompt = `You are the decision step of a fantasy tabletop text adventure.
Read the character sheet, the latest narration and the player's newest action, then decide what happens next.

Rules:
1. Reply only with a JSON object matching the provided schema.
2. Use "skill_check" when the action can plausibly fail and the outcome matters to the story.
   Fill ability with the ability the action depends on, ability_score with that ability's score from the character sheet,
   dc with a difficulty class fitting how hard the action normally is, and response_text with a short lead-in to the roll.
3. Take the character's personality and backstory into account when judging whether a check is needed.
4. Use "narrative_continues" for dialogue, description and anything that cannot fail.
   Set ability, ability_score and dc to null and put the direction for the narrator in response_text.`

const filterSystemPromptTemplate = `You are a filter for a fantasy tabletop text adventure.
Compare the player's newest action and the current scene with the character data and select the %s items that matter right now.

Rules:
1. Reply only with a JSON object matching the provided schema.
2. Be extremely strict. Leave out every item that is not directly relevant to the action or the current scene.
3. Return an empty list when nothing is relevant.`

const narratorSystemPromptTemplate = `You are an imaginative and engaging dungeon master.
Your first message opens the story in %d characters or less.
After that you may receive the result of a dice roll for the player's last action; weave the success or failure into the next part of the story.
Otherwise continue the story using only the relevant backstory, personality, appearance and proficiency details you are given, together with the chat history.
Describe the next scene and end with a new choice or call to action for the player.
Respond in the %s language.`

// OpeningLength is the character ceiling the narrator is asked to respect for
// the opening message.
const OpeningLength = 500

func decisionMessages(in DecisionInput) []domain.ChatMessage {
	var ctx strings.Builder
	ctx.WriteString("Character sheet:\n")
	ctx.WriteString(in.Character.Sheet.Render(in.Character.Name))
	ctx.WriteString("\n\nLatest narration:\n")
	if narration := strings.TrimSpace(in.LastNarration); narration != "" {
		ctx.WriteString(narration)
	} else {
		ctx.WriteString("No context provided.")
	}
	return []domain.ChatMessage{
		{Role: domain.ChatRoleSystem, Content: decisionSystemPrompt},
		{Role: domain.ChatRoleUser, Content: fmt.Sprintf("Context:\n%s\n\nPlayer's latest action: %s", ctx.String(), in.Action)},
	}
}

func filterMessages(category domain.Category, characterData string, in FilterInput) []domain.ChatMessage {
	scene := strings.TrimSpace(in.Context)
	if scene == "" {
		scene = "No context provided."
	}
	return []domain.ChatMessage{
		{Role: domain.ChatRoleSystem, Content: fmt.Sprintf(filterSystemPromptTemplate, category)},
		{Role: domain.ChatRoleUser, Content: fmt.Sprintf(
			"Character data (%s): %s\n\nContext: %s\n\nPlayer's latest action: %s",
			category, characterData, scene, in.Action,
		)},
	}
}

func narratorSystemPrompt(language string) string {
	return fmt.Sprintf(narratorSystemPromptTemplate, OpeningLength, language)
}

// OpeningPrompt synthesises the first input of a thread from the character
// sheet.
func OpeningPrompt(c domain.Character) string {
	return "Start the story. Introduce this character compellingly:\n" + c.Sheet.Render(c.Name)
}
