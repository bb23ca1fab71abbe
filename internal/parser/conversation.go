package parser

import "github.com/raphaelgruber/synthkit/internal/models"

// AssistantSystemPrompt opens every conversation built from QA pairs.
const AssistantSystemPrompt = "You are a helpful assistant that provides accurate and informative answers."

// ConversationFromPairs turns each pair into a system/user/assistant
// conversation.
func ConversationFromPairs(pairs []models.QAPair) [][]models.Message {
	out := make([][]models.Message, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, []models.Message{
			{Role: models.RoleSystem, Content: AssistantSystemPrompt},
			{Role: models.RoleUser, Content: p.Question},
			{Role: models.RoleAssistant, Content: p.Answer},
		})
	}
	return out
}
