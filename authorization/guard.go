package authorization

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"orcha/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userIDKey = "orcha_user_id"
	rolesKey  = "orcha_roles"
)

var (
	// ErrUserRequired 表示请求未携带可识别的用户。
	ErrUserRequired = errors.New("authorization: user id is required")
	// ErrForbidden 表示令牌中的用户与请求目标不一致。
	ErrForbidden = errors.New("authorization: user mismatch")
)

// Guard 校验 HS256 Bearer 令牌；令牌签发不在本服务中。
type Guard struct {
	secret    []byte
	userClaim string
}

// NewGuard 未配置密钥时返回 nil，此时所有守卫方法都直接放行。
func NewGuard(cfg config.AuthConfig) *Guard {
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" {
		return nil
	}
	claim := strings.TrimSpace(cfg.UserClaim)
	if claim == "" {
		claim = "user_id"
	}
	return &Guard{secret: []byte(secret), userClaim: claim}
}

// Enabled 报告是否启用了令牌校验。
func (g *Guard) Enabled() bool {
	return g != nil && len(g.secret) > 0
}

// RequireAuthenticated 确保请求携带有效的 JWT，并把用户信息写入上下文。
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if !g.Enabled() {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw = strings.TrimSpace(c.Query("token"))
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims, err := g.parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		userID := parseUserIDClaim(claims[g.userClaim])
		if userID == 0 {
			userID = parseUserIDClaim(claims["sub"])
		}
		if userID == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token carries no user"})
			return
		}

		c.Set(userIDKey, userID)
		c.Set(rolesKey, extractRolesClaim(claims["roles"]))
		c.Next()
	}
}

// RequireAnyRole 要求请求至少具备指定角色之一；未启用校验时放行。
func (g *Guard) RequireAnyRole(roles ...string) gin.HandlerFunc {
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		if trimmed := strings.ToLower(strings.TrimSpace(role)); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	if !g.Enabled() || len(normalized) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		current, _ := c.Get(rolesKey)
		have, _ := current.([]string)
		for _, candidate := range have {
			candidate = strings.ToLower(strings.TrimSpace(candidate))
			for _, expected := range normalized {
				if candidate == expected {
					c.Next()
					return
				}
			}
		}
		message := fmt.Sprintf("one of [%s] roles required", strings.Join(normalized, ", "))
		if len(normalized) == 1 {
			message = fmt.Sprintf("%s role required", normalized[0])
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": message})
	}
}

func (g *Guard) parse(raw string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("authorization: invalid claims")
	}
	return claims, nil
}

// CurrentUser 返回令牌中的用户 ID。
func CurrentUser(c *gin.Context) (uint64, bool) {
	if c == nil {
		return 0, false
	}
	value, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	id, ok := value.(uint64)
	return id, ok && id > 0
}

// ResolveUser 合并令牌用户与请求声明的用户。
// 有令牌时以令牌为准，声明的用户不同则拒绝；无令牌时必须提供声明的用户。
func ResolveUser(c *gin.Context, requested uint64) (uint64, error) {
	if tokenUser, ok := CurrentUser(c); ok {
		if requested != 0 && requested != tokenUser {
			return 0, ErrForbidden
		}
		return tokenUser, nil
	}
	if requested == 0 {
		return 0, ErrUserRequired
	}
	return requested, nil
}

// AbortForUserError 将 ResolveUser 的错误写成响应。
func AbortForUserError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, ErrForbidden) {
		status = http.StatusForbidden
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// ParseUserParam 解析路径参数中的用户 ID。
func ParseUserParam(c *gin.Context, name string) (uint64, error) {
	raw := strings.TrimSpace(c.Param(name))
	if raw == "" {
		return 0, ErrUserRequired
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("authorization: invalid user id %q", raw)
	}
	return id, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// parseUserIDClaim 从 JWT 声明中解析用户 ID。
func parseUserIDClaim(raw any) uint64 {
	switch v := raw.(type) {
	case float64:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case int64:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case uint64:
		return v
	case json.Number:
		parsed, err := v.Int64()
		if err != nil || parsed <= 0 {
			return 0
		}
		return uint64(parsed)
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

// extractRolesClaim 从 JWT 声明中解析角色列表。
func extractRolesClaim(raw any) []string {
	switch values := raw.(type) {
	case []string:
		return values
	case []any:
		roles := make([]string, 0, len(values))
		for _, value := range values {
			if s, ok := value.(string); ok && strings.TrimSpace(s) != "" {
				roles = append(roles, s)
			}
		}
		return roles
	case string:
		var roles []string
		for _, part := range strings.Split(values, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				roles = append(roles, trimmed)
			}
		}
		return roles
	default:
		return nil
	}
}
