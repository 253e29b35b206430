package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type QdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

type QdrantSearchResult struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// QdrantClient 通过 REST 接口访问 Qdrant。
type QdrantClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewQdrantClient(baseURL, apiKey string, timeout time.Duration) (*QdrantClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &QdrantClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
	}, nil
}

// EnsureCollection 以余弦距离创建集合，已存在时 Qdrant 返回 409，视为成功。
func (c *QdrantClient) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	if vectorSize <= 0 {
		return errors.New("knowledge: vector size must be positive")
	}
	payload := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	err := c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(name), payload, nil)
	var statusErr *qdrantStatusError
	if errors.As(err, &statusErr) && statusErr.code == http.StatusConflict {
		return nil
	}
	return err
}

func (c *QdrantClient) UpsertPoints(ctx context.Context, collection string, points []QdrantPoint) error {
	if len(points) == 0 {
		return nil
	}
	path := "/collections/" + url.PathEscape(collection) + "/points?wait=true"
	return c.do(ctx, http.MethodPut, path, map[string]any{"points": points}, nil)
}

func (c *QdrantClient) DeletePoints(ctx context.Context, collection string, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	path := "/collections/" + url.PathEscape(collection) + "/points/delete?wait=true"
	return c.do(ctx, http.MethodPost, path, map[string]any{"points": pointIDs}, nil)
}

func (c *QdrantClient) Search(ctx context.Context, collection string, vector []float32, limit int) ([]QdrantSearchResult, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	payload := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}

	var decoded struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := "/collections/" + url.PathEscape(collection) + "/points/search"
	if err := c.do(ctx, http.MethodPost, path, payload, &decoded); err != nil {
		return nil, err
	}

	results := make([]QdrantSearchResult, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		results = append(results, QdrantSearchResult{
			ID:      stringifyQdrantID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return results, nil
}

type qdrantStatusError struct {
	code int
	body string
}

func (e *qdrantStatusError) Error() string {
	return fmt.Sprintf("knowledge: qdrant status %d: %s", e.code, e.body)
}

func (c *QdrantClient) do(ctx context.Context, method, path string, payload, target any) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return fmt.Errorf("knowledge: encode qdrant payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("knowledge: create qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("knowledge: qdrant request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &qdrantStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("knowledge: decode qdrant response: %w", err)
	}
	return nil
}

func stringifyQdrantID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
