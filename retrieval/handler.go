package retrieval

import (
	"net/http"
	"strings"

	"orcha/authorization"
	"orcha/logging"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	retriever Retriever
	topK      int
	rerank    bool
}

// NewHandler retriever 为 nil 时接口返回 503。
func NewHandler(retriever Retriever, topK int, rerank bool) *Handler {
	return &Handler{retriever: retriever, topK: topK, rerank: rerank}
}

// RegisterRoutes 注册 /orcha/rag/query 与 /orcha/ingest。
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/orcha/rag/query", h.handleQuery)
	group.POST("/orcha/ingest", h.handleIngest)
}

type queryPayload struct {
	UserID   uint64 `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Query    string `json:"query"`
	K        int    `json:"k"`
	Rerank   *bool  `json:"rerank"`
}

func (h *Handler) handleQuery(c *gin.Context) {
	var req queryPayload
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "query is required"})
		return
	}
	if h.retriever == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "retrieval is disabled"})
		return
	}
	k := req.K
	if k <= 0 {
		k = h.topK
	}
	rerank := h.rerank
	if req.Rerank != nil {
		rerank = *req.Rerank
	}

	contexts, err := h.retriever.Query(c.Request.Context(), req.Query, k, rerank)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("retrieval: query failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "error": err.Error()})
		return
	}
	if contexts == nil {
		contexts = []Context{}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": gin.H{"contexts": contexts}})
}

func (h *Handler) handleIngest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid request payload"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	if h.retriever == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "retrieval is disabled"})
		return
	}
	if userID, ok := authorization.CurrentUser(c); ok {
		if req.Metadata == nil {
			req.Metadata = map[string]any{}
		}
		req.Metadata["requested_by"] = userID
	}

	result, err := h.retriever.Ingest(c.Request.Context(), req)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("retrieval: ingest failed", "source", req.Source, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": result})
}
