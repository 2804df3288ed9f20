package assistant

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"docchat/internal/models"
)

const chatColumns = `id, title, messages, folder_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*models.Chat, error) {
	var (
		chat     models.Chat
		raw      sql.NullString
		folderID sql.NullInt64
	)
	if err := row.Scan(&chat.ID, &chat.Title, &raw, &folderID, &chat.CreatedAt); err != nil {
		return nil, err
	}
	if folderID.Valid {
		id := folderID.Int64
		chat.FolderID = &id
	}
	chat.Messages = models.DecodeMessages([]byte(raw.String))
	return &chat, nil
}

// CreateChat inserts an empty chat. A blank title becomes "Untitled".
func (s *Service) CreateChat(ctx context.Context, title string, folderID *int64) (*models.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultChatTitle
	}
	if folderID != nil {
		ok, err := folderExists(ctx, s.db, *folderID)
		if err != nil {
			return nil, models.Storage("lookup folder", err)
		}
		if !ok {
			return nil, models.NotFound("folder %d not found", *folderID)
		}
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (title, messages, folder_id, created_at) VALUES (?, '[]', ?, ?)`,
		title, nullableID(folderID), now,
	)
	if err != nil {
		return nil, models.Storage("create chat", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, models.Storage("chat id", err)
	}
	return &models.Chat{ID: id, Title: title, FolderID: folderID, Messages: []models.Message{}, CreatedAt: now}, nil
}

// GetChat returns one chat with its decoded message log. It may serve a
// cached snapshot; read-modify-write callers use LoadChat instead.
func (s *Service) GetChat(ctx context.Context, id int64) (*models.Chat, error) {
	if chat, ok := s.cache.get(ctx, id); ok {
		return chat, nil
	}
	chat, err := s.LoadChat(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.put(ctx, chat)
	return chat, nil
}

// LoadChat reads one chat from the database, bypassing the snapshot cache.
// A reader that misses the cache can put an old snapshot back after a
// writer's invalidate, so the cache is never the base for a write.
func (s *Service) LoadChat(ctx context.Context, id int64) (*models.Chat, error) {
	chat, err := scanChat(s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, models.NotFound("chat %d not found", id)
	}
	if err != nil {
		return nil, models.Storage("get chat", err)
	}
	return chat, nil
}

// ListChats returns chats newest identifier first, optionally narrowed to a folder.
func (s *Service) ListChats(ctx context.Context, filter models.FolderFilter) ([]models.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats`
	var args []any
	switch {
	case filter.Uncategorized:
		query += ` WHERE folder_id IS NULL`
	case filter.FolderID != nil:
		query += ` WHERE folder_id = ?`
		args = append(args, *filter.FolderID)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.Storage("list chats", err)
	}
	defer rows.Close()

	chats := make([]models.Chat, 0)
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, models.Storage("scan chat", err)
		}
		chats = append(chats, *chat)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Storage("list chats", err)
	}
	return chats, nil
}

// RenameChat sets a chat title.
func (s *Service) RenameChat(ctx context.Context, id int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Invalid("title is required")
	}
	return s.updateChat(ctx, id, "rename chat", `UPDATE chats SET title = ? WHERE id = ?`, title, id)
}

// SetChatFolder moves a chat into a folder; nil makes it uncategorized.
func (s *Service) SetChatFolder(ctx context.Context, id int64, folderID *int64) error {
	if folderID != nil {
		ok, err := folderExists(ctx, s.db, *folderID)
		if err != nil {
			return models.Storage("lookup folder", err)
		}
		if !ok {
			return models.NotFound("folder %d not found", *folderID)
		}
	}
	return s.updateChat(ctx, id, "set chat folder", `UPDATE chats SET folder_id = ? WHERE id = ?`, nullableID(folderID), id)
}

// ReplaceMessages overwrites the whole message log of a chat.
func (s *Service) ReplaceMessages(ctx context.Context, id int64, msgs []models.Message) error {
	payload, err := models.EncodeMessages(msgs)
	if err != nil {
		return models.Invalid("encode messages: %v", err)
	}
	return s.updateChat(ctx, id, "replace messages", `UPDATE chats SET messages = ? WHERE id = ?`, string(payload), id)
}

// updateChat checks existence and updates inside one transaction. MySQL
// reports zero affected rows for no-op updates, so RowsAffected is not used.
func (s *Service) updateChat(ctx context.Context, id int64, op, stmt string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Storage("begin tx", err)
	}
	defer tx.Rollback()

	ok, err := chatExists(ctx, tx, id)
	if err != nil {
		return models.Storage(op, err)
	}
	if !ok {
		return models.NotFound("chat %d not found", id)
	}
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return models.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Storage("commit "+op, err)
	}
	s.cache.invalidate(ctx, id)
	return nil
}

// DeleteChat removes the chat's attachments and then the chat in one
// transaction. Backing files are removed after commit; failures are logged.
func (s *Service) DeleteChat(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Storage("begin tx", err)
	}
	defer tx.Rollback()

	ok, err := chatExists(ctx, tx, id)
	if err != nil {
		return models.Storage("delete chat", err)
	}
	if !ok {
		return models.NotFound("chat %d not found", id)
	}
	paths, err := deleteAttachmentsTx(ctx, tx, `chat_id = ?`, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id); err != nil {
		return models.Storage("delete chat", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Storage("commit delete chat", err)
	}
	s.cache.invalidate(ctx, id)
	s.removeFiles(paths, zap.Int64("chat_id", id))
	return nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
