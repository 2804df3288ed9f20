package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docchat/internal/models"
)

// uploadFile stores a multipart "file" under <base>/<chat id>/ and records
// it as the chat's newest attachment.
func (h *Handler) uploadFile(c *gin.Context) {
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.store.GetChat(c.Request.Context(), chatID); err != nil {
		var nf *models.NotFoundError
		if errors.As(err, &nf) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.writeError(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	filename := filepath.Base(file.Filename)
	if filename == "." || filename == string(filepath.Separator) || strings.TrimSpace(filename) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}

	destDir := filepath.Join(h.fileBase, strconv.FormatInt(chatID, 10))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		h.writeError(c, models.Storage("create upload directory", err))
		return
	}
	destPath := filepath.Join(destDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filename))
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		h.writeError(c, models.Storage("save upload", err))
		return
	}

	mediaType := file.Header.Get("Content-Type")
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = sniffMediaType(destPath)
	}
	att, err := h.store.AddAttachment(c.Request.Context(), chatID, filename, destPath, mediaType)
	if err != nil {
		if rmErr := os.Remove(destPath); rmErr != nil {
			h.log.Warn("remove unrecorded upload failed", zap.String("path", destPath), zap.Error(rmErr))
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": att.ID, "filename": att.Filename})
}

func sniffMediaType(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := io.ReadFull(f, buf)
	return http.DetectContentType(buf[:n])
}

// getFile streams an attachment under its original name and stored type.
func (h *Handler) getFile(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	att, err := h.store.GetAttachment(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if _, err := os.Stat(att.Path); err != nil {
		h.log.Warn("attachment file missing",
			zap.Int64("attachment_id", att.ID), zap.String("path", att.Path), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.Header("Content-Type", att.MediaType)
	c.FileAttachment(att.Path, att.Filename)
}

func (h *Handler) deleteFile(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteAttachment(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
