package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"orcha/config"

	"github.com/gin-gonic/gin"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAPI struct {
	lastReq   openai.ChatCompletionRequest
	resp      openai.ChatCompletionResponse
	err       error
	models    openai.ModelsList
	modelsErr error
	deadline  bool
}

func (m *mockAPI) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.lastReq = req
	_, m.deadline = ctx.Deadline()
	return m.resp, m.err
}

func (m *mockAPI) ListModels(context.Context) (openai.ModelsList, error) {
	return m.models, m.modelsErr
}

func testConfig() config.LLMConfig {
	return config.LLMConfig{TextModel: "qwen2.5-7b", VisionModel: "llava-v1.6-34b", Timeout: time.Minute}
}

func TestComplete_TextMessages(t *testing.T) {
	api := &mockAPI{resp: openai.ChatCompletionResponse{
		Model:   "qwen2.5-7b",
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "  hi there "}}},
		Usage:   openai.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14},
	}}
	client := NewClientWithAPI(api, testConfig())

	out, err := client.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "hello"},
		},
		MaxTokens: 256,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out.Text)
	assert.Equal(t, "qwen2.5-7b", out.Model)
	assert.Equal(t, int64(14), out.Usage.Total())
	assert.True(t, api.deadline, "timeout is applied")

	require.Len(t, api.lastReq.Messages, 2)
	assert.Equal(t, "hello", api.lastReq.Messages[1].Content)
	assert.Nil(t, api.lastReq.Messages[1].MultiContent)
	assert.Equal(t, 256, api.lastReq.MaxTokens)
	assert.Empty(t, api.lastReq.Model)
}

func TestComplete_MultiPart(t *testing.T) {
	api := &mockAPI{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "a cat"}}},
	}}
	client := NewClientWithAPI(api, testConfig())

	out, err := client.Complete(context.Background(), Request{
		Model: "llava-v1.6-34b",
		Messages: []Message{{Role: RoleUser, Parts: []Part{
			{Text: "what is this"},
			{ImageURL: "data:image/png;base64,AAA"},
			{ImageURL: "data:image/jpeg;base64,BBB"},
		}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "llava-v1.6-34b", out.Model, "request model is used when the response omits it")

	msg := api.lastReq.Messages[0]
	assert.Empty(t, msg.Content)
	require.Len(t, msg.MultiContent, 3)
	assert.Equal(t, openai.ChatMessagePartTypeText, msg.MultiContent[0].Type)
	assert.Equal(t, "what is this", msg.MultiContent[0].Text)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, msg.MultiContent[1].Type)
	assert.Equal(t, "data:image/png;base64,AAA", msg.MultiContent[1].ImageURL.URL)
	assert.Equal(t, "data:image/jpeg;base64,BBB", msg.MultiContent[2].ImageURL.URL)
}

func TestComplete_Errors(t *testing.T) {
	client := NewClientWithAPI(&mockAPI{}, testConfig())
	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)

	_, err = client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.ErrorIs(t, err, ErrEmptyResponse)

	boom := errors.New("connection refused")
	client = NewClientWithAPI(&mockAPI{err: boom}, testConfig())
	_, err = client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.ErrorIs(t, err, boom)
}

func TestUsageTotal(t *testing.T) {
	assert.Equal(t, int64(9), Usage{PromptTokens: 4, CompletionTokens: 5}.Total())
	assert.Equal(t, int64(12), Usage{PromptTokens: 4, CompletionTokens: 5, TotalTokens: 12}.Total())
	assert.Equal(t, int64(0), Usage{}.Total())
}

func TestModels_RuntimeAndFallback(t *testing.T) {
	api := &mockAPI{models: openai.ModelsList{Models: []openai.Model{{ID: "llava-v1.6-34b", OwnedBy: "lmstudio"}, {ID: ""}}}}
	client := NewClientWithAPI(api, testConfig())

	models, source, err := client.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceRuntime, source)
	require.Len(t, models, 1)
	assert.Contains(t, models[0].Capabilities, CapabilityVision)

	api.modelsErr = errors.New("down")
	models, source, err = client.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceCatalog, source)
	require.Len(t, models, 2)
	assert.Equal(t, "qwen2.5-7b", models[0].Name)

	empty := NewClientWithAPI(&mockAPI{modelsErr: errors.New("down")}, config.LLMConfig{})
	_, _, err = empty.Models(context.Background())
	require.Error(t, err)
}

func TestLoadCatalog_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"models":[{"name":"m1"},{"name":"M1"},{"name":" "},{"name":"m2","capabilities":["chat","Chat"]}]}`), 0o600))

	catalog := LoadCatalog(config.LLMConfig{CatalogFile: path})
	require.Len(t, catalog, 2)
	assert.Equal(t, "m1", catalog[0].DisplayName)
	assert.Equal(t, []string{"chat"}, catalog[1].Capabilities)

	fallback := LoadCatalog(config.LLMConfig{CatalogFile: filepath.Join(dir, "missing.json"), VisionModel: "v"})
	require.Len(t, fallback, 1)
	assert.Equal(t, "v", fallback[0].Name)
}

func TestHandler_Models(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(NewClientWithAPI(&mockAPI{modelsErr: errors.New("down")}, config.LLMConfig{})).RegisterRoutes(r.Group("/api/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)

	r = gin.New()
	NewHandler(NewClientWithAPI(&mockAPI{modelsErr: errors.New("down")}, testConfig())).RegisterRoutes(r.Group("/api/v1"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"source":"catalog"`)
}
