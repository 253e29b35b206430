package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"orcha/config"
	"orcha/logging"
	"orcha/retrieval"

	"github.com/google/uuid"
)

// rerankOversample 开启重排时先取 k 的若干倍候选，再按词面重叠重新排序。
const rerankOversample = 3

// VectorStore 是 Service 依赖的向量库操作。
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int) error
	UpsertPoints(ctx context.Context, collection string, points []QdrantPoint) error
	DeletePoints(ctx context.Context, collection string, pointIDs []string) error
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]QdrantSearchResult, error)
}

// Service 是进程内的检索后端：入库时切分、嵌入并写入 Qdrant，查询时嵌入后检索。
type Service struct {
	vectors    VectorStore
	embedder   Embedder
	chunker    *chunker
	collection string
	vectorSize int
}

var _ retrieval.Retriever = (*Service)(nil)

// NewService 根据 knowledge 配置组装 Qdrant 客户端与嵌入器。
func NewService(cfg config.KnowledgeConfig, timeout time.Duration) (*Service, error) {
	vectors, err := NewQdrantClient(cfg.QdrantURL, cfg.QdrantAPIKey, timeout)
	if err != nil {
		return nil, err
	}
	embedder := NewOpenAIEmbedder(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.EmbeddingMaxBatch, cfg.VectorSize)
	return NewServiceWith(vectors, embedder, cfg), nil
}

// NewServiceWith 允许注入向量库与嵌入器。
func NewServiceWith(vectors VectorStore, embedder Embedder, cfg config.KnowledgeConfig) *Service {
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		collection = "orcha_documents"
	}
	return &Service{
		vectors:    vectors,
		embedder:   embedder,
		chunker:    newChunker(cfg.ChunkMaxChars, cfg.ChunkMinChars),
		collection: collection,
		vectorSize: cfg.VectorSize,
	}
}

// Ingest 切分文本并写入向量库。该后端不抓取 URI，只接受正文。
func (s *Service) Ingest(ctx context.Context, req retrieval.IngestRequest) (retrieval.IngestResult, error) {
	if err := req.Validate(); err != nil {
		return retrieval.IngestResult{}, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return retrieval.IngestResult{}, errors.New("knowledge: content is required, uri-only ingestion needs the http backend")
	}

	chunks := s.chunker.split(req.Content)
	if len(chunks) == 0 {
		return retrieval.IngestResult{}, errors.New("knowledge: content is too short to chunk")
	}
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	embeddings, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return retrieval.IngestResult{}, err
	}
	if len(embeddings) != len(chunks) {
		return retrieval.IngestResult{}, fmt.Errorf("knowledge: embedding count mismatch (expected %d, got %d)", len(chunks), len(embeddings))
	}

	size := s.vectorSize
	if size <= 0 {
		size = len(embeddings[0])
	}
	if err := s.vectors.EnsureCollection(ctx, s.collection, size); err != nil {
		return retrieval.IngestResult{}, err
	}

	points := make([]QdrantPoint, len(chunks))
	for i, chunk := range chunks {
		payload := map[string]any{
			"source": req.Source,
			"seq":    chunk.Seq,
			"text":   chunk.Text,
		}
		if req.URI != "" {
			payload["uri"] = req.URI
		}
		if len(req.Metadata) > 0 {
			payload["metadata"] = req.Metadata
		}
		points[i] = QdrantPoint{ID: uuid.NewString(), Vector: embeddings[i], Payload: payload}
	}

	if err := s.vectors.UpsertPoints(ctx, s.collection, points); err != nil {
		ids := make([]string, len(points))
		for i, p := range points {
			ids[i] = p.ID
		}
		if cleanupErr := s.vectors.DeletePoints(context.WithoutCancel(ctx), s.collection, ids); cleanupErr != nil {
			logging.FromContext(ctx).Warn("knowledge: cleanup qdrant points failed", "error", cleanupErr)
		}
		return retrieval.IngestResult{}, err
	}
	return retrieval.IngestResult{Source: req.Source, Chunks: len(points), Status: "ok"}, nil
}

// Query 嵌入查询后检索；rerank 为 true 时结合词面重叠对候选重新排序。
func (s *Service) Query(ctx context.Context, query string, k int, rerank bool) ([]retrieval.Context, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 8
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("knowledge: empty query embedding")
	}

	limit := k
	if rerank {
		limit = k * rerankOversample
	}
	hits, err := s.vectors.Search(ctx, s.collection, vectors[0], limit)
	if err != nil {
		return nil, err
	}

	contexts := make([]retrieval.Context, 0, len(hits))
	for _, hit := range hits {
		text, _ := hit.Payload["text"].(string)
		source, _ := hit.Payload["source"].(string)
		if source == "" {
			source = hit.ID
		}
		score := hit.Score
		contexts = append(contexts, retrieval.Context{Source: source, Text: text, Score: &score})
	}
	if rerank {
		rerankByOverlap(query, contexts)
	}
	if len(contexts) > k {
		contexts = contexts[:k]
	}
	return contexts, nil
}

// rerankByOverlap 用 0.7×向量分 + 0.3×查询词覆盖率重新打分并排序。
func rerankByOverlap(query string, contexts []retrieval.Context) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return
	}
	for i := range contexts {
		present := make(map[string]struct{})
		for _, word := range tokenize(contexts[i].Text) {
			present[word] = struct{}{}
		}
		hit := 0
		for _, term := range terms {
			if _, ok := present[term]; ok {
				hit++
			}
		}
		base := 0.0
		if contexts[i].Score != nil {
			base = *contexts[i].Score
		}
		blended := 0.7*base + 0.3*float64(hit)/float64(len(terms))
		contexts[i].Score = &blended
	}
	sort.SliceStable(contexts, func(a, b int) bool {
		return *contexts[a].Score > *contexts[b].Score
	})
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
