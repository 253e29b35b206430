package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultEmbeddingBatch = 16

type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// EmbeddingAPI 是 openai.Client 中嵌入接口的子集。
type EmbeddingAPI interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIEmbedder 调用 OpenAI 兼容的 /embeddings 接口，按 maxBatch 分批。
type OpenAIEmbedder struct {
	api        EmbeddingAPI
	model      string
	maxBatch   int
	dimensions int
}

func NewOpenAIEmbedder(baseURL, apiKey, model string, maxBatch, dimensions int) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		cfg.BaseURL = base
	}
	return NewEmbedderWithAPI(openai.NewClientWithConfig(cfg), model, maxBatch, dimensions)
}

func NewEmbedderWithAPI(api EmbeddingAPI, model string, maxBatch, dimensions int) *OpenAIEmbedder {
	if maxBatch <= 0 {
		maxBatch = defaultEmbeddingBatch
	}
	return &OpenAIEmbedder{api: api, model: strings.TrimSpace(model), maxBatch: maxBatch, dimensions: dimensions}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if e == nil || e.api == nil {
		return nil, errors.New("knowledge: embedder is not configured")
	}
	sanitized := make([]string, 0, len(inputs))
	for _, item := range inputs {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			sanitized = append(sanitized, trimmed)
		}
	}
	if len(sanitized) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(sanitized))
	for start := 0; start < len(sanitized); start += e.maxBatch {
		end := start + e.maxBatch
		if end > len(sanitized) {
			end = len(sanitized)
		}
		vectors, err := e.embedBatch(ctx, sanitized[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vectors...)
	}
	return results, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	resp, err := e.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      batch,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: embedding request failed: %w", err)
	}
	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("knowledge: embedding response count mismatch (expected %d, got %d)", len(batch), len(resp.Data))
	}

	vectors := make([][]float32, len(batch))
	for i, item := range resp.Data {
		idx := item.Index
		if idx < 0 || idx >= len(batch) || vectors[idx] != nil {
			idx = i
		}
		if e.dimensions > 0 && len(item.Embedding) != e.dimensions {
			return nil, fmt.Errorf("knowledge: embedding length %d does not match expected %d", len(item.Embedding), e.dimensions)
		}
		vectors[idx] = item.Embedding
	}
	return vectors, nil
}
