package assistant

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"docchat/internal/models"
)

const attachmentColumns = `id, chat_id, filename, filepath, mimetype, uploaded_at`

func scanAttachment(row rowScanner) (*models.Attachment, error) {
	var a models.Attachment
	if err := row.Scan(&a.ID, &a.ChatID, &a.Filename, &a.Path, &a.MediaType, &a.UploadedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// AddAttachment records an uploaded file for an existing chat.
func (s *Service) AddAttachment(ctx context.Context, chatID int64, filename, path, mediaType string) (*models.Attachment, error) {
	ok, err := chatExists(ctx, s.db, chatID)
	if err != nil {
		return nil, models.Storage("lookup chat", err)
	}
	if !ok {
		return nil, models.NotFound("chat %d not found", chatID)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (chat_id, filename, filepath, mimetype, uploaded_at) VALUES (?, ?, ?, ?, ?)`,
		chatID, filename, path, mediaType, now,
	)
	if err != nil {
		return nil, models.Storage("record attachment", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, models.Storage("attachment id", err)
	}
	return &models.Attachment{
		ID:         id,
		ChatID:     chatID,
		Filename:   filename,
		Path:       path,
		MediaType:  mediaType,
		UploadedAt: now,
	}, nil
}

// ListAttachments returns a chat's attachments newest first.
func (s *Service) ListAttachments(ctx context.Context, chatID int64) ([]models.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attachmentColumns+` FROM attachments WHERE chat_id = ? ORDER BY uploaded_at DESC, id DESC`,
		chatID,
	)
	if err != nil {
		return nil, models.Storage("list attachments", err)
	}
	defer rows.Close()

	out := make([]models.Attachment, 0)
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, models.Storage("scan attachment", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Storage("list attachments", err)
	}
	return out, nil
}

func (s *Service) GetAttachment(ctx context.Context, id int64) (*models.Attachment, error) {
	a, err := scanAttachment(s.db.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, models.NotFound("file %d not found", id)
	}
	if err != nil {
		return nil, models.Storage("get attachment", err)
	}
	return a, nil
}

// MostRecentAttachment returns the newest attachment of a chat, or nil when
// the chat has none.
func (s *Service) MostRecentAttachment(ctx context.Context, chatID int64) (*models.Attachment, error) {
	a, err := scanAttachment(s.db.QueryRowContext(ctx,
		`SELECT `+attachmentColumns+` FROM attachments WHERE chat_id = ? ORDER BY uploaded_at DESC, id DESC LIMIT 1`,
		chatID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.Storage("latest attachment", err)
	}
	return a, nil
}

// DeleteAttachment removes the row and then its backing file. A missing
// file is logged only.
func (s *Service) DeleteAttachment(ctx context.Context, id int64) error {
	a, err := s.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, id); err != nil {
		return models.Storage("delete attachment", err)
	}
	s.removeFiles([]string{a.Path}, zap.Int64("attachment_id", id))
	return nil
}

// DeleteAllForChat removes every attachment of a chat along with the files.
func (s *Service) DeleteAllForChat(ctx context.Context, chatID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Storage("begin tx", err)
	}
	defer tx.Rollback()

	paths, err := deleteAttachmentsTx(ctx, tx, `chat_id = ?`, chatID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return models.Storage("commit delete attachments", err)
	}
	s.removeFiles(paths, zap.Int64("chat_id", chatID))
	return nil
}

// deleteAttachmentsTx deletes attachment rows matching where and returns
// their file paths for removal once the transaction commits.
func deleteAttachmentsTx(ctx context.Context, tx *sql.Tx, where string, arg any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT filepath FROM attachments WHERE `+where, arg)
	if err != nil {
		return nil, models.Storage("list attachment files", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, models.Storage("scan attachment file", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, models.Storage("list attachment files", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE `+where, arg); err != nil {
		return nil, models.Storage("delete attachments", err)
	}
	return paths, nil
}

func (s *Service) removeFiles(paths []string, fields ...zap.Field) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.log.Warn("attachment file already missing", append(fields, zap.String("path", p))...)
			} else {
				s.log.Warn("remove attachment file failed", append(fields, zap.String("path", p), zap.Error(err))...)
			}
			continue
		}
		// prune the chat directory once it is empty
		_ = os.Remove(filepath.Dir(p))
	}
}
