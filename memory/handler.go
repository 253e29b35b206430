package memory

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"orcha/authorization"
	"orcha/logging"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// RegisterRoutes 注册 /memories 路由。
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	memories := group.Group("/memories")
	memories.POST("", h.handleCreate)
	memories.GET("/:user_id", h.handleList)
	memories.DELETE("/:user_id/:memory_id", h.handleDelete)
}

func (h *Handler) handleCreate(c *gin.Context) {
	var req NewEntry
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	userID, err := authorization.ResolveUser(c, req.UserID)
	if err != nil {
		authorization.AbortForUserError(c, err)
		return
	}
	req.UserID = userID

	entry, err := h.repo.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrEmptyContent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
			return
		}
		logging.FromContext(c.Request.Context()).Error("memory: create failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store memory"})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) handleList(c *gin.Context) {
	userID, ok := pathUser(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := h.repo.List(c.Request.Context(), userID, limit, offset)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("memory: list failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list memories"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) handleDelete(c *gin.Context) {
	userID, ok := pathUser(c)
	if !ok {
		return
	}
	entryID, err := strconv.ParseUint(strings.TrimSpace(c.Param("memory_id")), 10, 64)
	if err != nil || entryID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid memory id"})
		return
	}

	if err := h.repo.Deactivate(c.Request.Context(), userID, entryID); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "memory not found"})
			return
		}
		logging.FromContext(c.Request.Context()).Error("memory: delete failed", "memory_id", entryID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete memory"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "memory_id": entryID})
}

func pathUser(c *gin.Context) (uint64, bool) {
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
