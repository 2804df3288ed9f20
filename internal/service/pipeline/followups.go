package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"docchat/internal/metrics"
	"docchat/internal/models"
	"docchat/internal/service/ai"
)

const followupInstruction = "Based on the previous answer, suggest 3 relevant follow-up questions a user might ask next. " +
	"Respond with each question on a new line, no numbering or extra text."

// followups asks the text model for suggested next questions. Any failure
// yields an empty list.
func (p *Pipeline) followups(ctx context.Context, gw ai.Gateway, chatID int64, transcript []models.Message) []string {
	req := make([]models.Message, 0, len(transcript)+1)
	for _, msg := range sanitize(transcript) {
		// the text variant cannot take image parts
		req = append(req, models.NewTextMessage(msg.Role, msg.Content.PlainText()))
	}
	req = append(req, models.NewTextMessage(models.RoleUser, followupInstruction))

	ctx, cancel := context.WithTimeout(ctx, p.opts.ModelTimeout)
	defer cancel()
	reply, err := gw.Complete(ctx, req, ai.VariantText, p.opts.FollowupMaxTokens)
	if err != nil {
		p.log.Warn("follow-up generation failed", zap.Int64("chat_id", chatID), zap.Error(err))
		p.metrics.Ask(metrics.OutcomeNoFollowups)
		return []string{}
	}
	return parseFollowups(reply)
}

func parseFollowups(reply string) []string {
	out := make([]string, 0, 3)
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
