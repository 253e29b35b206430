package llm

import (
	"net/http"

	"orcha/logging"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	client *Client
}

func NewHandler(client *Client) *Handler {
	return &Handler{client: client}
}

// RegisterRoutes 注册 GET /models。
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/models", h.handleModels)
}

func (h *Handler) handleModels(c *gin.Context) {
	models, source, err := h.client.Models(c.Request.Context())
	if err != nil {
		logging.FromContext(c.Request.Context()).Warn("llm: list models failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "model runtime unavailable"})
		return
	}
	if models == nil {
		models = []ModelOption{}
	}
	c.JSON(http.StatusOK, gin.H{"models": models, "source": source})
}
