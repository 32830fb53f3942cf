package engine

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/maestro/internal/rag"
	"github.com/haasonsaas/maestro/internal/skills"
	"github.com/haasonsaas/maestro/pkg/models"
)

// buildMessages assembles the model input for one run: system prompt,
// memory summary, retrieval block, trimmed history, and the new user
// message, in that order.
func buildMessages(conv *models.Conversation, skill *skills.Profile, req ChatRequest, history []*models.Message, contexts []rag.Context) []models.ChatMessage {
	var out []models.ChatMessage

	if prompt := systemPrompt(conv, skill, req); prompt != "" {
		out = append(out, models.ChatMessage{Role: models.RoleSystem, Content: prompt})
	}
	if conv.Memory.Summary != "" {
		out = append(out, models.ChatMessage{
			Role:    models.RoleSystem,
			Content: "Summary of the earlier conversation:\n" + conv.Memory.Summary,
		})
	}
	if len(contexts) > 0 {
		out = append(out, models.ChatMessage{Role: models.RoleSystem, Content: ragBlock(contexts)})
	}

	for _, row := range history {
		if !models.ValidRole(row.Role) {
			continue
		}
		out = append(out, models.ChatMessage{
			Role:       row.Role,
			Content:    row.Content,
			ToolCallID: row.ToolCallID,
			ToolCalls:  row.ToolCalls,
		})
	}

	out = append(out, models.ChatMessage{Role: models.RoleUser, Content: req.Message})
	return out
}

// systemPrompt applies the precedence: request, then conversation, then
// skill.
func systemPrompt(conv *models.Conversation, skill *skills.Profile, req ChatRequest) string {
	if req.SystemPrompt != "" {
		return req.SystemPrompt
	}
	if conv.SystemPrompt != "" {
		return conv.SystemPrompt
	}
	if skill != nil {
		return skill.SystemPrompt
	}
	return ""
}

func ragBlock(contexts []rag.Context) string {
	var b strings.Builder
	b.WriteString("Relevant reference passages. Use them when they answer the question; ignore them otherwise.\n")
	for i, c := range contexts {
		title := c.Title
		if title == "" {
			title = c.DocID
		}
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, title, c.Content)
	}
	return b.String()
}
