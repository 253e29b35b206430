package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// Context 是检索返回的一段上下文。
type Context struct {
	Source string   `json:"source"`
	Text   string   `json:"text"`
	Score  *float64 `json:"score,omitempty"`
}

// IngestRequest 描述一次入库。Content 与 URI 至少提供一个。
type IngestRequest struct {
	Source   string         `json:"source"`
	URI      string         `json:"uri,omitempty"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type IngestResult struct {
	Source string `json:"source"`
	Chunks int    `json:"chunks"`
	Status string `json:"status,omitempty"`
}

// Retriever 是检索协作方的调用契约。
type Retriever interface {
	Query(ctx context.Context, query string, k int, rerank bool) ([]Context, error)
	Ingest(ctx context.Context, req IngestRequest) (IngestResult, error)
}

// SourceOrDefault 返回上下文来源，缺省时为 context_{index}。
func (c Context) SourceOrDefault(index int) string {
	if src := strings.TrimSpace(c.Source); src != "" {
		return src
	}
	return fmt.Sprintf("context_%d", index)
}

// Validate 检查入库请求的最小字段。
func (r IngestRequest) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("retrieval: ingest source is required")
	}
	if strings.TrimSpace(r.Content) == "" && strings.TrimSpace(r.URI) == "" {
		return fmt.Errorf("retrieval: ingest needs content or uri")
	}
	return nil
}
