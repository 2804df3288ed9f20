package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"docchat/internal/models"
)

type folderRequest struct {
	Name string `json:"name"`
}

func (h *Handler) listFolders(c *gin.Context) {
	folders, err := h.store.ListFolders(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if folders == nil {
		folders = make([]models.Folder, 0)
	}
	c.JSON(http.StatusOK, folders)
}

func (h *Handler) createFolder(c *gin.Context) {
	var req folderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	folder, err := h.store.CreateFolder(c.Request.Context(), req.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, folder)
}

func (h *Handler) renameFolder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req folderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.store.RenameFolder(c.Request.Context(), id, req.Name); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "name": strings.TrimSpace(req.Name)})
}

// deleteFolder removes the folder with its chats and their attachments.
func (h *Handler) deleteFolder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteFolder(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
