package ai

import (
	"github.com/cloudwego/eino/schema"

	"docchat/internal/models"
)

// toSchemaMessages converts a chat log into eino messages. Entries that are
// not conversational are skipped.
func toSchemaMessages(msgs []models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		if !msg.IsConversational() {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}

		sm := &schema.Message{Role: role}
		switch msg.Content.Kind {
		case models.ContentText:
			sm.Content = msg.Content.Text
		case models.ContentParts:
			for _, p := range msg.Content.Parts {
				switch p.Type {
				case models.PartText:
					sm.MultiContent = append(sm.MultiContent, schema.ChatMessagePart{
						Type: schema.ChatMessagePartTypeText,
						Text: p.Text,
					})
				case models.PartImageURL:
					sm.MultiContent = append(sm.MultiContent, schema.ChatMessagePart{
						Type:     schema.ChatMessagePartTypeImageURL,
						ImageURL: &schema.ChatMessageImageURL{URL: p.ImageURL.URL},
					})
				}
			}
		}
		out = append(out, sm)
	}
	return out
}
