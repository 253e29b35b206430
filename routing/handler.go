package routing

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	topK   int
	rerank bool
}

func NewHandler(topK int, rerank bool) *Handler {
	return &Handler{topK: topK, rerank: rerank}
}

// RegisterRoutes 注册 POST /orcha/route。
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/orcha/route", h.handleRoute)
}

func (h *Handler) handleRoute(c *gin.Context) {
	var req SuggestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	c.JSON(http.StatusOK, Suggest(req, h.topK, h.rerank))
}
