package conversation

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"orcha/authorization"
	"orcha/logging"

	"github.com/gin-gonic/gin"
)

// Handler 暴露会话管理接口。
type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes 在给定分组下注册 /conversations 路由。
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	conversations := group.Group("/conversations")
	conversations.POST("", h.handleCreate)
	conversations.GET("/:user_id", h.handleList)
	conversations.GET("/:user_id/:conversation_id", h.handleGet)
	conversations.PUT("/:user_id/:conversation_id", h.handleRename)
	conversations.DELETE("/:user_id/:conversation_id", h.handleDelete)
}

type createRequest struct {
	UserID   uint64 `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Title    string `json:"title"`
}

type renameRequest struct {
	Title string `json:"title"`
}

func (h *Handler) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	userID, err := authorization.ResolveUser(c, req.UserID)
	if err != nil {
		authorization.AbortForUserError(c, err)
		return
	}

	conv, err := h.store.Create(c.Request.Context(), userID, req.TenantID, req.Title)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("conversation: create failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) handleList(c *gin.Context) {
	userID, ok := h.pathUser(c)
	if !ok {
		return
	}
	limit := parseIntDefault(c.Query("limit"), 50)
	offset := parseIntDefault(c.Query("offset"), 0)

	list, err := h.store.List(c.Request.Context(), userID, limit, offset)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("conversation: list failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) handleGet(c *gin.Context) {
	userID, ok := h.pathUser(c)
	if !ok {
		return
	}
	convID, ok := parseConversationParam(c)
	if !ok {
		return
	}

	conv, messages, err := h.store.Get(c.Request.Context(), userID, convID)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	if messages == nil {
		messages = []Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     messages,
	})
}

func (h *Handler) handleRename(c *gin.Context) {
	userID, ok := h.pathUser(c)
	if !ok {
		return
	}
	convID, ok := parseConversationParam(c)
	if !ok {
		return
	}
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	conv, err := h.store.Rename(c.Request.Context(), userID, convID, req.Title)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) handleDelete(c *gin.Context) {
	userID, ok := h.pathUser(c)
	if !ok {
		return
	}
	convID, ok := parseConversationParam(c)
	if !ok {
		return
	}

	if err := h.store.SoftDelete(c.Request.Context(), userID, convID); err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "conversation_id": convID})
}

// pathUser 解析路径中的用户并与令牌用户比对。
func (h *Handler) pathUser(c *gin.Context) (uint64, bool) {
	requested, err := authorization.ParseUserParam(c, "user_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, false
	}
	userID, err := authorization.ResolveUser(c, requested)
	if err != nil {
		authorization.AbortForUserError(c, err)
		return 0, false
	}
	return userID, true
}

func (h *Handler) writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	logging.FromContext(c.Request.Context()).Error("conversation: request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "conversation request failed"})
}

func parseConversationParam(c *gin.Context) (uint64, bool) {
	raw := strings.TrimSpace(c.Param("conversation_id"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return id, true
}

func parseIntDefault(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
