package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"docchat/internal/models"
)

// listChats answers GET /chats. ?folder_id=<id> narrows to one folder and
// ?folder_id=none to chats outside any folder.
func (h *Handler) listChats(c *gin.Context) {
	var filter models.FolderFilter
	if raw, ok := c.GetQuery("folder_id"); ok {
		switch raw = strings.TrimSpace(raw); raw {
		case "none", "null", "":
			filter.Uncategorized = true
		default:
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid folder_id"})
				return
			}
			filter.FolderID = &id
		}
	}
	chats, err := h.store.ListChats(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if chats == nil {
		chats = make([]models.Chat, 0)
	}
	c.JSON(http.StatusOK, chats)
}

func (h *Handler) createChat(c *gin.Context) {
	var req struct {
		Title    string `json:"title"`
		FolderID *int64 `json:"folder_id"`
	}
	// an empty body creates an untitled chat
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	chat, err := h.store.CreateChat(c.Request.Context(), req.Title, req.FolderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *Handler) getChat(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	chat, err := h.store.GetChat(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (h *Handler) renameChat(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.store.RenameChat(c.Request.Context(), id, req.Title); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "title": strings.TrimSpace(req.Title)})
}

func (h *Handler) setChatFolder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		FolderID *int64 `json:"folder_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.store.SetChatFolder(c.Request.Context(), id, req.FolderID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "folder_id": req.FolderID})
}

// replaceMessages overwrites the whole log with the posted sequence.
func (h *Handler) replaceMessages(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	raw := bytes.TrimSpace(req.Messages)
	if len(raw) == 0 || raw[0] != '[' {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must be an array"})
		return
	}
	var msgs []models.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must be an array"})
		return
	}
	if err := h.store.ReplaceMessages(c.Request.Context(), id, msgs); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "count": len(msgs)})
}

func (h *Handler) deleteChat(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteChat(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listAttachments(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	atts, err := h.store.ListAttachments(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if atts == nil {
		atts = make([]models.Attachment, 0)
	}
	c.JSON(http.StatusOK, atts)
}

// clearAttachments drops every attachment of a chat but keeps its messages.
func (h *Handler) clearAttachments(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.store.LoadChat(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.store.DeleteAllForChat(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
