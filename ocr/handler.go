package ocr

import (
	"context"
	"net/http"
	"strings"

	"orcha/authorization"
	"orcha/document"
	"orcha/logging"

	"github.com/gin-gonic/gin"
)

// URIResolver 把对象存储中的键转换为 OCR 服务可拉取的地址。
type URIResolver interface {
	Resolve(ctx context.Context, uri string) (string, error)
}

type Handler struct {
	client   *Client
	resolver URIResolver
}

// NewHandler resolver 可以为 nil，此时 file_uri 原样转发。
func NewHandler(client *Client, resolver URIResolver) *Handler {
	return &Handler{client: client, resolver: resolver}
}

// RegisterRoutes 注册 POST /orcha/ocr 与 POST /orcha/ocr/extract。
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/orcha/ocr", h.handleURI)
	group.POST("/orcha/ocr/extract", h.handleExtract)
}

type uriPayload struct {
	UserID   uint64 `json:"user_id"`
	TenantID string `json:"tenant_id"`
	FileURI  string `json:"file_uri"`
	Mode     string `json:"mode"`
}

func (h *Handler) handleURI(c *gin.Context) {
	var req uriPayload
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.FileURI) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "file_uri is required"})
		return
	}
	if _, err := authorization.ResolveUser(c, req.UserID); err != nil {
		authorization.AbortForUserError(c, err)
		return
	}
	if h.client == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "ocr service is not configured"})
		return
	}

	ctx := c.Request.Context()
	target := strings.TrimSpace(req.FileURI)
	if h.resolver != nil {
		resolved, err := h.resolver.Resolve(ctx, target)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
			return
		}
		target = resolved
	}

	result, err := h.client.ExtractURI(ctx, target)
	if err != nil {
		logging.FromContext(ctx).Error("ocr: uri extraction failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"result":   gin.H{"text": result.Text, "lines_count": result.LineCount},
		"file_uri": req.FileURI,
	})
}

type extractRequest struct {
	UserID    uint64 `json:"user_id"`
	TenantID  string `json:"tenant_id"`
	ImageData string `json:"image_data"`
	Filename  string `json:"filename"`
	Language  string `json:"language"`
}

func (h *Handler) handleExtract(c *gin.Context) {
	var req extractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid request payload"})
		return
	}
	if _, err := authorization.ResolveUser(c, req.UserID); err != nil {
		authorization.AbortForUserError(c, err)
		return
	}
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = "image"
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = "en"
	}
	if strings.TrimSpace(req.ImageData) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "image_data is required", "filename": filename})
		return
	}
	if h.client == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "ocr service is not configured", "filename": filename})
		return
	}

	payload, err := document.DecodePayload(req.ImageData)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "image_data is not valid base64", "filename": filename})
		return
	}

	result, err := h.client.ExtractText(c.Request.Context(), payload, filename, language)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("ocr: extraction failed", "filename", filename, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "error": err.Error(), "filename": filename})
		return
	}

	message := result.Message
	if message == "" {
		message = "Text extracted successfully"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "success",
		"extracted_text": result.Text,
		"lines_count":    result.LineCount,
		"message":        message,
		"filename":       filename,
		"language":       language,
	})
}
