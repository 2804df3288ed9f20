package assistant

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"docchat/internal/models"
	"docchat/internal/redis"
)

const chatSnapshotTTL = 10 * time.Minute

// chatCache holds chat snapshots in redis. Writers invalidate after commit.
// A nil *chatCache is a disabled cache.
type chatCache struct {
	client *redis.Client
	log    *zap.Logger
}

func newChatCache(client *redis.Client) *chatCache {
	return &chatCache{client: client, log: zap.NewNop()}
}

func chatKey(id int64) string {
	return "chat:" + strconv.FormatInt(id, 10)
}

func (c *chatCache) get(ctx context.Context, id int64) (*models.Chat, bool) {
	if c == nil {
		return nil, false
	}
	var chat models.Chat
	if err := c.client.GetJSON(ctx, chatKey(id), &chat); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			c.log.Warn("load chat snapshot failed", zap.Int64("chat_id", id), zap.Error(err))
		}
		return nil, false
	}
	if chat.Messages == nil {
		chat.Messages = []models.Message{}
	}
	return &chat, true
}

func (c *chatCache) put(ctx context.Context, chat *models.Chat) {
	if c == nil || chat == nil {
		return
	}
	if err := c.client.SetJSON(ctx, chatKey(chat.ID), chat, chatSnapshotTTL); err != nil {
		c.log.Warn("store chat snapshot failed", zap.Int64("chat_id", chat.ID), zap.Error(err))
	}
}

func (c *chatCache) invalidate(ctx context.Context, id int64) {
	if c == nil {
		return
	}
	// must land even when the request was cancelled
	ctx = context.WithoutCancel(ctx)
	if err := c.client.Del(ctx, chatKey(id)); err != nil {
		c.log.Warn("invalidate chat snapshot failed", zap.Int64("chat_id", id), zap.Error(err))
	}
}
