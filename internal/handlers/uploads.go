package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/upload"
)

// ChunkStore is the ingestion side of chunked uploads.
type ChunkStore interface {
	PutChunk(ctx context.Context, uploadID string, index, total int, body io.Reader) (int64, error)
	Merge(ctx context.Context, uploadID, filename string, total int) (upload.Asset, error)
}

// UploadHandler exposes chunk ingestion over HTTP.
type UploadHandler struct {
	store ChunkStore
}

// NewUploadHandler builds an UploadHandler.
func NewUploadHandler(store ChunkStore) *UploadHandler {
	return &UploadHandler{store: store}
}

// PutChunk stores the raw request body as chunk :index of :upload_id.
func (h *UploadHandler) PutChunk(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, upload.ErrorBody{Error: "invalid chunk index", Code: "invalid"})
		return
	}
	total, err := upload.ParseTotal(c.Query("total"))
	if err != nil {
		h.fail(c, err)
		return
	}

	n, err := h.store.PutChunk(c.Request.Context(), c.Param("upload_id"), index, total, c.Request.Body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index, "size": n})
}

// Merge assembles every chunk of :upload_id into one asset.
func (h *UploadHandler) Merge(c *gin.Context) {
	var req struct {
		Filename string `json:"filename" binding:"required"`
		Total    int    `json:"total" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, upload.ErrorBody{Error: err.Error(), Code: "invalid"})
		return
	}

	asset, err := h.store.Merge(c.Request.Context(), c.Param("upload_id"), req.Filename, req.Total)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

func (h *UploadHandler) fail(c *gin.Context, err error) {
	status, body := upload.ErrorResponse(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("upload failed",
			zap.String("upload_id", c.Param("upload_id")),
			zap.String("request_id", requestIDFromContext(c)),
			zap.Error(err))
	}
	c.JSON(status, body)
}
