package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type askRequest struct {
	Question string `json:"question"`
	ChatID   *int64 `json:"chatId"`
}

func (h *Handler) ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ChatID != nil && *req.ChatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chatId"})
		return
	}
	res, err := h.pipeline.Ask(c.Request.Context(), req.ChatID, req.Question)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type editRequest struct {
	ChatID       int64  `json:"chatId"`
	MessageIndex *int   `json:"messageIndex"`
	Text         string `json:"text"`
}

// editMessage rewrites one user message and regenerates the reply after it.
func (h *Handler) editMessage(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ChatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chatId is required"})
		return
	}
	if req.MessageIndex == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messageIndex is required"})
		return
	}
	res, err := h.pipeline.EditMessage(c.Request.Context(), req.ChatID, *req.MessageIndex, req.Text)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) setAPIKey(c *gin.Context) {
	var req struct {
		APIKey string `json:"apikey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "apikey is required"})
		return
	}
	h.creds.Set(req.APIKey)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
