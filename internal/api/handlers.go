package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docchat/internal/logger"
	"docchat/internal/metrics"
	"docchat/internal/models"
	"docchat/internal/service/ai"
	"docchat/internal/service/assistant"
	"docchat/internal/service/pipeline"
)

const defaultMaxUploadBytes = 20 << 20

// Options configures the HTTP surface.
type Options struct {
	FileBaseDir    string
	MaxUploadBytes int64
	AllowedOrigin  string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Handler wires HTTP routes to the store and the answer pipeline.
type Handler struct {
	store     *assistant.Service
	pipeline  *pipeline.Pipeline
	creds     *ai.Credentials
	fileBase  string
	maxUpload int64
	origin    string
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// NewHandler constructs a Handler instance.
func NewHandler(store *assistant.Service, pipe *pipeline.Pipeline, creds *ai.Credentials, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	return &Handler{
		store:     store,
		pipeline:  pipe,
		creds:     creds,
		fileBase:  opts.FileBaseDir,
		maxUpload: opts.MaxUploadBytes,
		origin:    opts.AllowedOrigin,
		log:       logger.OrNop(opts.Logger),
		metrics:   opts.Metrics,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestID(), h.accessLog(), cors(h.origin))

	router.GET("/healthz", h.healthz)
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	chats := router.Group("/chats")
	chats.GET("", h.listChats)
	chats.POST("", h.createChat)
	chats.GET("/:id", h.getChat)
	chats.PUT("/:id", h.renameChat)
	chats.DELETE("/:id", h.deleteChat)
	chats.PUT("/:id/folder", h.setChatFolder)
	chats.POST("/:id/messages", h.replaceMessages)
	chats.GET("/:id/pdfs", h.listAttachments)
	chats.DELETE("/:id/pdfs", h.clearAttachments)

	router.POST("/upload/:id", h.uploadFile)
	router.GET("/files/:id", h.getFile)
	router.DELETE("/files/:id", h.deleteFile)

	folders := router.Group("/folders")
	folders.GET("", h.listFolders)
	folders.POST("", h.createFolder)
	folders.PUT("/:id", h.renameFolder)
	folders.DELETE("/:id", h.deleteFolder)

	api := router.Group("/api")
	api.POST("/ask", h.ask)
	api.POST("/edit", h.editMessage)
	api.POST("/set-openai-key", h.setAPIKey)
}

func (h *Handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "model_configured": h.creds.Configured()})
}

// pathID parses a positive integer path parameter, answering 400 otherwise.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// writeError maps the error taxonomy onto HTTP statuses. Upstream and
// storage failures fall through to 500.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		validation *models.ValidationError
		notFound   *models.NotFoundError
		missingKey *models.ConfigurationError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation), errors.As(err, &missingKey):
		status = http.StatusBadRequest
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("request_id", RequestIDFromContext(c)),
			zap.String("route", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
