package authorization

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"orcha/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newGuardedRouter(g *Guard, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{g.RequireAuthenticated()}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		userID, err := ResolveUser(c, 0)
		if err != nil {
			AbortForUserError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	r.GET("/me", handlers...)
	return r
}

func TestNewGuard_DisabledWithoutSecret(t *testing.T) {
	g := NewGuard(config.AuthConfig{})
	assert.Nil(t, g)
	assert.False(t, g.Enabled())

	r := newGuardedRouter(g)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code, "no token and no declared user")
}

func TestRequireAuthenticated(t *testing.T) {
	g := NewGuard(config.AuthConfig{JWTSecret: testSecret})
	r := newGuardedRouter(g)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other", jwt.MapClaims{"user_id": 5}), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"user_id": 5, "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized},
		{"no user", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"name": "x"}), http.StatusUnauthorized},
		{"user_id claim", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"user_id": 5}), http.StatusOK},
		{"sub claim", "bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "12"}), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}
}

func TestResolveUser_Mismatch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set(userIDKey, uint64(5))

	id, err := ResolveUser(c, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), id)

	_, err = ResolveUser(c, 6)
	require.ErrorIs(t, err, ErrForbidden)

	id, err = ResolveUser(c, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), id)
}

func TestRequireAnyRole(t *testing.T) {
	g := NewGuard(config.AuthConfig{JWTSecret: testSecret})
	r := newGuardedRouter(g, g.RequireAnyRole("Admin"))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.MapClaims{"user_id": 1, "roles": []string{"member"}}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.MapClaims{"user_id": 1, "roles": []string{"admin"}}))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestParseUserIDClaim(t *testing.T) {
	assert.Equal(t, uint64(3), parseUserIDClaim(float64(3)))
	assert.Equal(t, uint64(0), parseUserIDClaim(float64(-1)))
	assert.Equal(t, uint64(9), parseUserIDClaim("9"))
	assert.Equal(t, uint64(0), parseUserIDClaim("abc"))
	assert.Equal(t, uint64(0), parseUserIDClaim(nil))
}

func TestRateLimiter(t *testing.T) {
	assert.Nil(t, NewRateLimiter(0, 5))

	l := NewRateLimiter(1, 2)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("ip:1"))
	assert.True(t, l.allow("ip:1"))
	assert.False(t, l.allow("ip:1"))
	assert.True(t, l.allow("ip:2"), "buckets are per key")

	now = now.Add(time.Second)
	assert.True(t, l.allow("ip:1"))

	now = now.Add(visitorIdleTTL + sweepInterval)
	l.allow("ip:3")
	_, kept := l.visitors["ip:1"]
	assert.False(t, kept, "idle visitors are swept")
}
