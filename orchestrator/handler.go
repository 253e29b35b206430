package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"orcha/authorization"
	"orcha/conversation"
	"orcha/logging"
	"orcha/usage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsReadTimeout  = 10 * time.Minute
	wsWriteTimeout = 10 * time.Second
	wsMaxFrame     = 32 << 20
)

// TurnHandler 由 Engine 实现，便于在处理器测试中替换。
type TurnHandler interface {
	HandleTurn(ctx context.Context, req TurnRequest) (TurnResponse, error)
}

type Handler struct {
	turns    TurnHandler
	upgrader websocket.Upgrader
}

func NewHandler(turns TurnHandler) *Handler {
	return &Handler{
		turns: turns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 跨域由 CORS 中间件和令牌校验负责。
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes 注册 POST /orcha/chat 与 GET /orcha/ws。
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/orcha/chat", h.handleChat)
	group.GET("/orcha/ws", h.handleStream)
}

func (h *Handler) handleChat(c *gin.Context) {
	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, TurnResponse{
			Status:   StatusError,
			Message:  InvalidMessage,
			Contexts: nonNilContexts(nil),
			Error:    "invalid request payload",
		})
		return
	}
	userID, err := authorization.ResolveUser(c, req.UserID)
	if err != nil {
		authorization.AbortForUserError(c, err)
		return
	}
	req.UserID = userID

	resp, err := h.turns.HandleTurn(c.Request.Context(), req)
	c.JSON(StatusCode(err), resp)
}

// handleStream 每收到一帧请求执行一轮，并回写一帧响应。
func (h *Handler) handleStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.FromContext(c.Request.Context()).Warn("orchestrator: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxFrame)

	ctx := c.Request.Context()
	logger := logging.FromContext(ctx)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		var req TurnRequest
		if err := conn.ReadJSON(&req); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) || (closeErr.Code != websocket.CloseNormalClosure && closeErr.Code != websocket.CloseGoingAway) {
				logger.Info("orchestrator: websocket closed", "error", err)
			}
			return
		}

		var resp TurnResponse
		userID, err := authorization.ResolveUser(c, req.UserID)
		if err != nil {
			resp = TurnResponse{Status: StatusError, Message: ApologyMessage, Contexts: nonNilContexts(nil), Error: err.Error()}
		} else {
			req.UserID = userID
			resp, _ = h.turns.HandleTurn(ctx, req)
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			logger.Warn("orchestrator: websocket write failed", "error", err)
			return
		}
	}
}

// StatusCode 把引擎错误映射为 HTTP 状态码。
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidTurn):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, usage.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrModelFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
