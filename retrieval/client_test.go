package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"orcha/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeRAG(t *testing.T) (*httptest.Server, *[]IngestRequest) {
	t.Helper()
	var ingested []IngestRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Query {
		case "legacy":
			_, _ = w.Write([]byte(`{"results":[{"doc_id":"d1","chunk":"old shape"},{"content":"bare"}]}`))
		case "boom":
			http.Error(w, "index offline", http.StatusServiceUnavailable)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"contexts": []map[string]any{
				{"source": "policy.pdf", "text": "deductible is 500", "score": 0.91},
			}, "echo_k": req.K})
		}
	})
	mux.HandleFunc("/ingest", func(w http.ResponseWriter, r *http.Request) {
		var req IngestRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		ingested = append(ingested, req)
		_, _ = w.Write([]byte(`{"status":"indexed","chunks_ingested":3}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &ingested
}

func TestHTTPClient_Query(t *testing.T) {
	srv, _ := newFakeRAG(t)
	client := NewHTTPClient(config.RetrievalConfig{BaseURL: srv.URL})

	contexts, err := client.Query(context.Background(), "deductible", 8, true)
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Equal(t, "policy.pdf", contexts[0].Source)
	require.NotNil(t, contexts[0].Score)
	assert.InDelta(t, 0.91, *contexts[0].Score, 1e-9)

	contexts, err = client.Query(context.Background(), "legacy", 8, true)
	require.NoError(t, err)
	require.Len(t, contexts, 2)
	assert.Equal(t, Context{Source: "d1", Text: "old shape"}, contexts[0])
	assert.Equal(t, "bare", contexts[1].Text)
	assert.Equal(t, "context_1", contexts[1].SourceOrDefault(1))

	_, err = client.Query(context.Background(), "boom", 8, true)
	require.Error(t, err)

	contexts, err = client.Query(context.Background(), "   ", 8, true)
	require.NoError(t, err)
	assert.Empty(t, contexts)
}

func TestHTTPClient_Ingest(t *testing.T) {
	srv, ingested := newFakeRAG(t)
	client := NewHTTPClient(config.RetrievalConfig{BaseURL: srv.URL})

	_, err := client.Ingest(context.Background(), IngestRequest{Source: "x"})
	require.Error(t, err)

	result, err := client.Ingest(context.Background(), IngestRequest{
		Source:   "attachment_7",
		Content:  "claim form text",
		Metadata: map[string]any{"user_id": 7},
	})
	require.NoError(t, err)
	assert.Equal(t, IngestResult{Source: "attachment_7", Chunks: 3, Status: "indexed"}, result)
	require.Len(t, *ingested, 1)
	assert.Equal(t, "claim form text", (*ingested)[0].Content)
}

func TestNewHTTPClient_Disabled(t *testing.T) {
	assert.Nil(t, NewHTTPClient(config.RetrievalConfig{}))
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, _ := newFakeRAG(t)
	r := gin.New()
	NewHandler(NewHTTPClient(config.RetrievalConfig{BaseURL: srv.URL}), 8, true).RegisterRoutes(r.Group("/api/v1"))

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := post("/api/v1/orcha/rag/query", `{"query": "deductible"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "deductible is 500")

	assert.Equal(t, http.StatusBadRequest, post("/api/v1/orcha/rag/query", `{}`).Code)
	assert.Equal(t, http.StatusBadGateway, post("/api/v1/orcha/rag/query", `{"query": "boom"}`).Code)

	w = post("/api/v1/orcha/ingest", `{"source": "user", "uri": "s3://bucket/a.pdf"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusBadRequest, post("/api/v1/orcha/ingest", `{"source": "user"}`).Code)

	r = gin.New()
	NewHandler(nil, 8, true).RegisterRoutes(r.Group("/api/v1"))
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orcha/rag/query", strings.NewReader(`{"query":"x"}`))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
