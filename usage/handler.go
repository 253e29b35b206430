package usage

import (
	"net/http"

	"orcha/authorization"
	"orcha/logging"

	"github.com/gin-gonic/gin"
)

// Handler 暴露 token 用量查询与重置接口。
type Handler struct {
	tracker *Tracker
	guard   *authorization.Guard
}

func NewHandler(tracker *Tracker, guard *authorization.Guard) *Handler {
	return &Handler{tracker: tracker, guard: guard}
}

// RegisterRoutes 重置接口仅对 admin 角色开放（未启用鉴权时不限制）。
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	tokens := group.Group("/tokens")
	tokens.GET("/usage/:user_id", h.handleGet)
	tokens.POST("/reset/:user_id", h.guard.RequireAnyRole("admin"), h.handleReset)
}

func (h *Handler) handleGet(c *gin.Context) {
	requested, err := authorization.ParseUserParam(c, "user_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := authorization.ResolveUser(c, requested)
	if err != nil {
		authorization.AbortForUserError(c, err)
		return
	}

	snapshot, err := h.tracker.Get(c.Request.Context(), userID)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("usage: get failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load token usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":       userID,
		"current_usage": snapshot.CurrentUsage,
		"reset_at":      snapshot.ResetAt,
		"daily_limit":   h.tracker.Limit(),
	})
}

func (h *Handler) handleReset(c *gin.Context) {
	userID, err := authorization.ParseUserParam(c, "user_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existed, err := h.tracker.Reset(c.Request.Context(), userID)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("usage: reset failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset token usage"})
		return
	}
	logging.FromContext(c.Request.Context()).Info("usage: counter reset", "user_id", userID, "existed", existed)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "user_id": userID, "reset": existed})
}
