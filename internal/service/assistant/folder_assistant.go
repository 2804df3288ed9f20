package assistant

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"docchat/internal/models"
)

func (s *Service) CreateFolder(ctx context.Context, name string) (*models.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.Invalid("folder name is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO folders (name, created_at) VALUES (?, ?)`, name, now)
	if err != nil {
		return nil, models.Storage("create folder", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, models.Storage("folder id", err)
	}
	return &models.Folder{ID: id, Name: name, CreatedAt: now}, nil
}

// ListFolders returns folders in creation order.
func (s *Service) ListFolders(ctx context.Context) ([]models.Folder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM folders ORDER BY id ASC`)
	if err != nil {
		return nil, models.Storage("list folders", err)
	}
	defer rows.Close()

	folders := make([]models.Folder, 0)
	for rows.Next() {
		var f models.Folder
		if err := rows.Scan(&f.ID, &f.Name, &f.CreatedAt); err != nil {
			return nil, models.Storage("scan folder", err)
		}
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Storage("list folders", err)
	}
	return folders, nil
}

func (s *Service) RenameFolder(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Invalid("folder name is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Storage("begin tx", err)
	}
	defer tx.Rollback()

	ok, err := folderExists(ctx, tx, id)
	if err != nil {
		return models.Storage("rename folder", err)
	}
	if !ok {
		return models.NotFound("folder %d not found", id)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE folders SET name = ? WHERE id = ?`, name, id); err != nil {
		return models.Storage("rename folder", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Storage("commit rename folder", err)
	}
	return nil
}

// DeleteFolder removes the folder, every chat in it and their attachments
// in one transaction: attachments first, then chats, then the folder.
func (s *Service) DeleteFolder(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Storage("begin tx", err)
	}
	defer tx.Rollback()

	ok, err := folderExists(ctx, tx, id)
	if err != nil {
		return models.Storage("delete folder", err)
	}
	if !ok {
		return models.NotFound("folder %d not found", id)
	}
	chatIDs, err := folderChatIDs(ctx, tx, id)
	if err != nil {
		return models.Storage("list folder chats", err)
	}
	paths, err := deleteAttachmentsTx(ctx, tx, `chat_id IN (SELECT id FROM chats WHERE folder_id = ?)`, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE folder_id = ?`, id); err != nil {
		return models.Storage("delete folder chats", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id); err != nil {
		return models.Storage("delete folder", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Storage("commit delete folder", err)
	}

	for _, chatID := range chatIDs {
		s.cache.invalidate(ctx, chatID)
	}
	s.removeFiles(paths, zap.Int64("folder_id", id))
	return nil
}

func folderChatIDs(ctx context.Context, tx *sql.Tx, folderID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM chats WHERE folder_id = ?`, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
