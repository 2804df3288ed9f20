package assistant

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"docchat/internal/logger"
	"docchat/internal/redis"
)

// Service persists chats, folders and attachments.
type Service struct {
	db    *sql.DB
	log   *zap.Logger
	cache *chatCache
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithCache enables the redis chat snapshot cache. A nil client leaves it off.
func WithCache(client *redis.Client) Option {
	return func(s *Service) {
		if client != nil {
			s.cache = newChatCache(client)
		}
	}
}

// NewService builds a new assistant service.
func NewService(db *sql.DB, opts ...Option) *Service {
	s := &Service{db: db}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrNop(s.log)
	if s.cache != nil {
		s.cache.log = s.log
	}
	return s
}

// Ping reports whether the database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exists(ctx context.Context, q queryer, query string, id int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func chatExists(ctx context.Context, q queryer, id int64) (bool, error) {
	return exists(ctx, q, `SELECT 1 FROM chats WHERE id = ?`, id)
}

func folderExists(ctx context.Context, q queryer, id int64) (bool, error) {
	return exists(ctx, q, `SELECT 1 FROM folders WHERE id = ?`, id)
}
