// Package orchestrator runs one chat turn end to end: it resolves the
// conversation, persists both sides of the exchange, assembles the model
// input and keeps the per-user token counter current.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"orcha/attachment"
	"orcha/conversation"
	"orcha/llm"
	"orcha/logging"
	"orcha/memory"
	"orcha/metrics"
	"orcha/prompt"
	"orcha/retrieval"
	"orcha/routing"
	"orcha/usage"

	"gorm.io/datatypes"
)

const (
	collaboratorLLM = "llm"
	collaboratorOCR = "ocr"

	routeText   = "text"
	routeVision = "vision"
)

// Dependencies 汇总引擎的协作方。Documents、OCR、Resolver、Retriever、
// Memory、Usage 与 Metrics 可以为 nil，对应的步骤会被跳过。
type Dependencies struct {
	Store     ConversationStore
	Usage     UsageTracker
	Context   ContextBuilder
	Router    *routing.Router
	Model     llm.Completer
	Documents DocumentExtractor
	OCR       TextRecognizer
	Resolver  URIResolver
	Retriever retrieval.Retriever
	Memory    MemoryWriter
	Metrics   *metrics.Recorder
}

type Options struct {
	DocumentMaxChars int
	OCRLanguage      string
	AutoCapture      bool
}

type Engine struct {
	deps Dependencies
	opts Options
	now  func() time.Time
}

func NewEngine(deps Dependencies, opts Options) *Engine {
	if strings.TrimSpace(opts.OCRLanguage) == "" {
		opts.OCRLanguage = "en"
	}
	return &Engine{deps: deps, opts: opts, now: time.Now}
}

// turn 保存一轮处理过程中逐步得到的状态，供失败路径复用。
type turn struct {
	req       TurnRequest
	started   time.Time
	conv      *conversation.Conversation
	userMsg   *conversation.Message
	snapshot  usage.Snapshot
	route     routing.Route
	contexts  []retrieval.Context
	modelUsed string
}

// HandleTurn 执行一轮对话。失败时同时返回带有道歉文案的响应和内部错误，
// 调用方据此决定 HTTP 状态码。
func (e *Engine) HandleTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	t := &turn{req: req, started: e.now()}
	logger := logging.FromContext(ctx).With("user_id", req.UserID)

	classification := attachment.Classify(attachment.ParseDescriptors(req.Attachments))
	if req.UserID == 0 || (strings.TrimSpace(req.Message) == "" && classification.Total() == 0) {
		return e.fail(ctx, t, ErrInvalidTurn, InvalidMessage)
	}

	conv, err := e.deps.Store.ResolveOrCreate(ctx, req.UserID, req.ConversationID, req.TenantID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return e.fail(ctx, t, err, NotFoundMessage)
		}
		return e.fail(ctx, t, err, ApologyMessage)
	}
	t.conv = conv
	logger = logger.With("conversation_id", conv.ID)

	// 会话确定之后，客户端断开不再中止本轮，保证助手消息仍会落库。
	ctx = logging.WithContext(context.WithoutCancel(ctx), logger)

	if e.deps.Usage != nil {
		snapshot, err := e.deps.Usage.CheckQuota(ctx, req.UserID)
		t.snapshot = snapshot
		if errors.Is(err, usage.ErrQuotaExceeded) {
			return e.fail(ctx, t, err, QuotaMessage)
		}
		if err != nil {
			logger.Warn("orchestrator: quota check skipped", "error", err)
		}
	}

	userMsg, err := e.deps.Store.AppendMessage(ctx, conversation.NewMessage{
		ConversationID: conv.ID,
		Role:           conversation.RoleUser,
		Content:        req.Message,
		Attachments:    classification.JSON(),
	})
	if err != nil {
		return e.fail(ctx, t, err, ApologyMessage)
	}
	t.userMsg = userMsg

	if _, err := e.deps.Store.SetTitleIfUnset(ctx, conv.ID, titleSource(req.Message, classification)); err != nil {
		logger.Warn("orchestrator: set title failed", "error", err)
	}

	docs, ingested := e.processDocuments(ctx, req, classification.Documents)
	text := prompt.EnhanceWithDocuments(req.Message, docs, e.opts.DocumentMaxChars)
	t.route = e.deps.Router.Dispatch(classification.Images, text)
	if t.route.Vision {
		logger.Info("orchestrator: routing to vision model", "model", t.route.Model, "images", t.route.ImagesCount)
	}

	assembly, err := e.deps.Context.Build(ctx, prompt.Input{
		UserID:           req.UserID,
		ConversationID:   conv.ID,
		CurrentMessageID: userMsg.ID,
		Text:             req.Message,
		UseRetrieval:     req.UseRAG || ingested,
		RetrievalQuery:   req.Message,
		Current:          t.route.Message,
	})
	if err != nil {
		return e.fail(ctx, t, err, ApologyMessage)
	}
	t.contexts = assembly.Contexts

	start := time.Now()
	completion, err := e.deps.Model.Complete(ctx, llm.Request{
		Model:     t.route.Model,
		Messages:  assembly.Messages,
		MaxTokens: t.route.MaxTokens,
	})
	e.deps.Metrics.ObserveCollaborator(collaboratorLLM, metrics.Outcome(err), time.Since(start))
	if err != nil {
		return e.fail(ctx, t, errors.Join(ErrModelFailure, err), ApologyMessage)
	}

	reply := strings.TrimSpace(completion.Text)
	if reply == "" {
		reply = EmptyReply
	}
	t.modelUsed = completion.Model
	if t.modelUsed == "" {
		t.modelUsed = t.route.Model
	}
	tokens := completion.Usage.Total()
	tokenCount := int(tokens)
	elapsed := e.now().Sub(t.started).Milliseconds()

	if _, err := e.deps.Store.AppendMessage(ctx, conversation.NewMessage{
		ConversationID:   conv.ID,
		Role:             conversation.RoleAssistant,
		Content:          reply,
		TokenCount:       &tokenCount,
		ModelUsed:        t.modelUsed,
		ProcessingTimeMS: &elapsed,
		RAGContexts:      contextsJSON(t.contexts),
	}); err != nil {
		logger.Error("orchestrator: persist assistant message failed", "error", err)
	}

	e.recordUsage(ctx, logger, t, tokens)
	e.deps.Metrics.AddTokens(t.modelUsed, tokens)

	if assembly.Mode == prompt.ModeUnrestricted {
		e.captureMemory(ctx, logger, req.UserID, conv.ID, reply)
	}

	e.deps.Metrics.ObserveTurn(StatusOK, routeLabel(t.route), e.now().Sub(t.started))
	logger.Info("orchestrator: turn completed",
		"model", t.modelUsed,
		"tokens", tokens,
		"history", assembly.HistoryCount,
		"memories", assembly.MemoryCount,
		"contexts", len(t.contexts),
		"elapsed_ms", elapsed,
	)

	return TurnResponse{
		Status:          StatusOK,
		Message:         reply,
		ConversationID:  conv.ID,
		Contexts:        nonNilContexts(t.contexts),
		TokenUsage:      t.snapshot,
		VisionProcessed: t.route.Vision,
		ImagesCount:     t.route.ImagesCount,
		ModelUsed:       t.modelUsed,
	}, nil
}

// recordUsage 失败只记录日志，不影响本轮结果。
func (e *Engine) recordUsage(ctx context.Context, logger *slog.Logger, t *turn, tokens int64) {
	if e.deps.Usage == nil {
		return
	}
	snapshot, err := e.deps.Usage.Increment(ctx, t.req.UserID, tokens)
	if err != nil {
		logger.Warn("orchestrator: token usage update failed", "tokens", tokens, "error", err)
		return
	}
	t.snapshot = snapshot
}

func (e *Engine) captureMemory(ctx context.Context, logger *slog.Logger, userID, conversationID uint64, reply string) {
	if !e.opts.AutoCapture || e.deps.Memory == nil || reply == EmptyReply {
		return
	}
	entry, err := e.deps.Memory.Create(ctx, memory.NewEntry{
		UserID:         userID,
		Content:        reply,
		ConversationID: conversationID,
		Source:         memory.SourceAutoExtraction,
	})
	if err != nil {
		logger.Warn("orchestrator: memory capture failed", "error", err)
		return
	}
	logger.Info("orchestrator: memory captured", "memory_id", entry.ID)
}

// fail 构造失败响应。用户消息已经写入时补写一条带错误信息的助手消息，
// 使会话历史保持成对。
func (e *Engine) fail(ctx context.Context, t *turn, err error, message string) (TurnResponse, error) {
	logger := logging.FromContext(ctx)
	if errors.Is(err, ErrInvalidTurn) || errors.Is(err, conversation.ErrNotFound) || errors.Is(err, usage.ErrQuotaExceeded) {
		logger.Warn("orchestrator: turn rejected", "error", err)
	} else {
		logger.Error("orchestrator: turn failed", "error", err)
	}

	resp := TurnResponse{
		Status:     StatusError,
		Message:    message,
		Contexts:   nonNilContexts(t.contexts),
		TokenUsage: t.snapshot,
		Error:      err.Error(),
	}
	if t.conv != nil {
		resp.ConversationID = t.conv.ID
	}
	if t.userMsg != nil {
		elapsed := e.now().Sub(t.started).Milliseconds()
		if _, perr := e.deps.Store.AppendMessage(ctx, conversation.NewMessage{
			ConversationID:   t.conv.ID,
			Role:             conversation.RoleAssistant,
			Content:          message,
			ModelUsed:        t.route.Model,
			ProcessingTimeMS: &elapsed,
			ErrorMessage:     err.Error(),
		}); perr != nil {
			logger.Error("orchestrator: persist error message failed", "error", perr)
		}
	}
	e.deps.Metrics.ObserveTurn(StatusError, routeLabel(t.route), e.now().Sub(t.started))
	return resp, err
}

func titleSource(message string, classification attachment.Classification) string {
	if strings.TrimSpace(message) != "" {
		return message
	}
	for _, group := range [][]attachment.Attachment{classification.Images, classification.Documents, classification.Unknown} {
		for _, a := range group {
			if a.Filename != "" {
				return a.Filename
			}
		}
	}
	return defaultTitle
}

func contextsJSON(contexts []retrieval.Context) datatypes.JSON {
	if len(contexts) == 0 {
		return nil
	}
	encoded, err := json.Marshal(contexts)
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}

func nonNilContexts(contexts []retrieval.Context) []retrieval.Context {
	if contexts == nil {
		return []retrieval.Context{}
	}
	return contexts
}

func routeLabel(route routing.Route) string {
	if route.Vision {
		return routeVision
	}
	return routeText
}
