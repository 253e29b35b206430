package memory

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"orcha/config"
	"orcha/database"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := NewRepository(db, NewRecentCache(nil, 0))
	require.NoError(t, repo.AutoMigrate(context.Background()))
	return repo
}

func TestRecent_OldestFirstAndActiveOnly(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	var ids []uint64
	for i := 1; i <= 7; i++ {
		entry, err := repo.Create(ctx, NewEntry{UserID: 1, Content: fmt.Sprintf("fact %d", i)})
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}
	_, err := repo.Create(ctx, NewEntry{UserID: 2, Content: "someone else"})
	require.NoError(t, err)
	require.NoError(t, repo.Deactivate(ctx, 1, ids[6]))

	recent, err := repo.Recent(ctx, 1, 5)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	var contents []string
	for _, e := range recent {
		contents = append(contents, e.Content)
	}
	assert.Equal(t, []string{"fact 2", "fact 3", "fact 4", "fact 5", "fact 6"}, contents)

	none, err := repo.Recent(ctx, 3, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCreate_Fields(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.Create(ctx, NewEntry{UserID: 1, Content: "  "})
	require.ErrorIs(t, err, ErrEmptyContent)

	entry, err := repo.Create(ctx, NewEntry{
		UserID:         1,
		Content:        "prefers email",
		Title:          "contact",
		ConversationID: 9,
		Source:         SourceAutoExtraction,
		Tags:           []string{"contact"},
	})
	require.NoError(t, err)
	assert.Equal(t, SourceAutoExtraction, entry.Source)
	require.NotNil(t, entry.ConversationID)
	assert.Equal(t, uint64(9), *entry.ConversationID)
	assert.JSONEq(t, `["contact"]`, string(entry.Tags))

	manual, err := repo.Create(ctx, NewEntry{UserID: 1, Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "manual", manual.Source)
	assert.Nil(t, manual.Title)
}

func TestDeactivate_WrongOwner(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	entry, err := repo.Create(ctx, NewEntry{UserID: 1, Content: "x"})
	require.NoError(t, err)
	require.ErrorIs(t, repo.Deactivate(ctx, 2, entry.ID), ErrNotFound)
	require.NoError(t, repo.Deactivate(ctx, 1, entry.ID))
	require.ErrorIs(t, repo.Deactivate(ctx, 1, entry.ID), ErrNotFound)
}

func TestRecentCache_NilIsNoop(t *testing.T) {
	var c *RecentCache
	_, err := c.get(context.Background(), 1, 5)
	require.Error(t, err)
	c.store(context.Background(), 1, 5, nil)
	c.invalidate(context.Background(), 1)

	assert.Equal(t, "orcha:memory:recent:4:5", (&RecentCache{}).key(4, 5))
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	repo := newTestRepository(t)
	r := gin.New()
	NewHandler(repo).RegisterRoutes(r.Group("/api/v1"))

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/api/v1/memories", `{"user_id": 3, "content": "likes tea"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(http.MethodGet, "/api/v1/memories/3", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "likes tea")

	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/api/v1/memories", `{"user_id": 3}`).Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodDelete, "/api/v1/memories/3/999", "").Code)
}
