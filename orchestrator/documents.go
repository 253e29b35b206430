package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"orcha/attachment"
	"orcha/document"
	"orcha/logging"
	"orcha/metrics"
	"orcha/prompt"
	"orcha/retrieval"
)

// processDocuments 提取文档附件的文本。
// 内联 PDF 先在本地提取，失败时交给 OCR；只有 URI 的文档交给 OCR 拉取后写入检索库，
// 此时返回 ingested=true，本轮强制开启检索。
func (e *Engine) processDocuments(ctx context.Context, req TurnRequest, docs []attachment.Attachment) ([]prompt.DocumentText, bool) {
	logger := logging.FromContext(ctx)
	var (
		texts    []prompt.DocumentText
		ingested bool
	)
	for _, doc := range docs {
		name := doc.Filename
		if name == "" {
			name = fmt.Sprintf("attachment_%d", doc.Index+1)
		}

		if doc.Remote() {
			text, err := e.recognizeURI(ctx, doc.URI)
			if err != nil {
				logger.Warn("orchestrator: remote document skipped", "filename", name, "error", err)
				continue
			}
			if e.ingest(ctx, req, doc.URI, text) {
				ingested = true
				continue
			}
			texts = append(texts, prompt.DocumentText{Filename: name, Text: text})
			continue
		}

		text, err := e.extractInline(ctx, doc, name)
		if err != nil {
			logger.Warn("orchestrator: document skipped", "filename", name, "error", err)
			continue
		}
		texts = append(texts, prompt.DocumentText{Filename: name, Text: text})
	}
	return texts, ingested
}

func (e *Engine) extractInline(ctx context.Context, doc attachment.Attachment, name string) (string, error) {
	var localErr error
	if e.deps.Documents != nil {
		text, err := e.deps.Documents.ExtractText(doc.Payload)
		if err == nil && strings.TrimSpace(text) != "" {
			return text, nil
		}
		localErr = err
		logging.FromContext(ctx).Info("orchestrator: local extraction failed, trying OCR", "filename", name, "error", err)
	}
	if e.deps.OCR == nil {
		if localErr == nil {
			localErr = document.ErrNoText
		}
		return "", localErr
	}

	payload, err := document.DecodePayload(doc.Payload)
	if err != nil {
		return "", err
	}
	start := time.Now()
	result, err := e.deps.OCR.ExtractText(ctx, payload, name, e.opts.OCRLanguage)
	e.deps.Metrics.ObserveCollaborator(collaboratorOCR, metrics.Outcome(err), time.Since(start))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Text) == "" {
		return "", document.ErrNoText
	}
	return result.Text, nil
}

func (e *Engine) recognizeURI(ctx context.Context, uri string) (string, error) {
	if e.deps.OCR == nil {
		return "", fmt.Errorf("orchestrator: ocr is not configured")
	}
	target := uri
	if e.deps.Resolver != nil {
		resolved, err := e.deps.Resolver.Resolve(ctx, uri)
		if err != nil {
			return "", err
		}
		target = resolved
	}
	start := time.Now()
	result, err := e.deps.OCR.ExtractURI(ctx, target)
	e.deps.Metrics.ObserveCollaborator(collaboratorOCR, metrics.Outcome(err), time.Since(start))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Text) == "" {
		return "", document.ErrNoText
	}
	return result.Text, nil
}

// ingest 把 OCR 文本写入检索库，返回是否成功。
func (e *Engine) ingest(ctx context.Context, req TurnRequest, uri, text string) bool {
	if e.deps.Retriever == nil {
		return false
	}
	result, err := e.deps.Retriever.Ingest(ctx, retrieval.IngestRequest{
		Source:  fmt.Sprintf("attachment_%d", req.UserID),
		URI:     uri,
		Content: text,
		Metadata: map[string]any{
			"user_id":          req.UserID,
			"original_message": req.Message,
			"type":             "ocr_document",
		},
	})
	if err != nil {
		logging.FromContext(ctx).Warn("orchestrator: attachment ingest failed", "uri", uri, "error", err)
		return false
	}
	logging.FromContext(ctx).Info("orchestrator: attachment ingested", "uri", uri, "chunks", result.Chunks)
	return true
}
