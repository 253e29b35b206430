package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"orcha/config"
)

const maxResponseBytes = 8 << 20

// HTTPClient 调用外部 RAG 服务的 /query 与 /ingest。
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient base_url 为空时返回 nil。
func NewHTTPClient(cfg config.RetrievalConfig) *HTTPClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{httpClient: &http.Client{Timeout: timeout}, baseURL: base}
}

type queryRequest struct {
	Query  string `json:"query"`
	K      int    `json:"k"`
	Rerank bool   `json:"rerank"`
}

// rawContext 兼容服务端不同版本的字段命名。
type rawContext struct {
	Source  string   `json:"source"`
	DocID   string   `json:"doc_id"`
	Text    string   `json:"text"`
	Chunk   string   `json:"chunk"`
	Content string   `json:"content"`
	Score   *float64 `json:"score"`
}

type queryResponse struct {
	Contexts []rawContext `json:"contexts"`
	Results  []rawContext `json:"results"`
}

func (c *HTTPClient) Query(ctx context.Context, query string, k int, rerank bool) ([]Context, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 8
	}
	var resp queryResponse
	if err := c.post(ctx, "/query", queryRequest{Query: query, K: k, Rerank: rerank}, &resp); err != nil {
		return nil, err
	}

	raw := resp.Contexts
	if len(raw) == 0 {
		raw = resp.Results
	}
	contexts := make([]Context, 0, len(raw))
	for _, item := range raw {
		contexts = append(contexts, item.normalize())
	}
	return contexts, nil
}

func (c *HTTPClient) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if err := req.Validate(); err != nil {
		return IngestResult{}, err
	}
	var raw map[string]any
	if err := c.post(ctx, "/ingest", req, &raw); err != nil {
		return IngestResult{}, err
	}

	result := IngestResult{Source: req.Source, Status: "ok"}
	if status, ok := raw["status"].(string); ok && status != "" {
		result.Status = status
	}
	for _, key := range []string{"chunks", "chunks_ingested", "count"} {
		if n, ok := raw[key].(float64); ok {
			result.Chunks = int(n)
			break
		}
	}
	return result, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, target any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("retrieval: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("retrieval: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("retrieval: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("retrieval: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("retrieval: %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("retrieval: decode %s response: %w", path, err)
	}
	return nil
}

func (r rawContext) normalize() Context {
	source := r.Source
	if source == "" {
		source = r.DocID
	}
	text := r.Text
	if text == "" {
		text = r.Chunk
	}
	if text == "" {
		text = r.Content
	}
	return Context{Source: source, Text: text, Score: r.Score}
}
