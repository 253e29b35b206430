// Package prompt builds the ordered message list sent to the language model.
package prompt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"orcha/config"
	"orcha/conversation"
	"orcha/llm"
	"orcha/logging"
	"orcha/memory"
	"orcha/metrics"
	"orcha/retrieval"

	"golang.org/x/sync/errgroup"
)

// Context layers reported to metrics.
const (
	LayerHistory   = "history"
	LayerMemory    = "memory"
	LayerRetrieval = "retrieval"
)

// HistorySource 按消息 ID 读取当前轮次之前的历史。
type HistorySource interface {
	ListRecentBefore(ctx context.Context, conversationID, beforeMessageID uint64, limit int) ([]conversation.Message, error)
}

// MemorySource 返回用户最近的有效记忆，按时间正序。
type MemorySource interface {
	Recent(ctx context.Context, userID uint64, limit int) ([]memory.Entry, error)
}

// Input 是一轮组装所需的全部输入。
type Input struct {
	UserID           uint64
	ConversationID   uint64
	CurrentMessageID uint64
	// Text 是用户原始输入，用于选择模式。
	Text string
	// UseRetrieval 为 true 时以 RetrievalQuery 检索，为空则回退到 Text。
	UseRetrieval   bool
	RetrievalQuery string
	// Current 是已经由路由层构造好的本轮用户消息。
	Current llm.Message
}

// Assembly 是组装结果。
type Assembly struct {
	Mode         Mode
	Messages     []llm.Message
	Contexts     []retrieval.Context
	MemoryCount  int
	HistoryCount int
}

// Assembler 组装系统提示词、记忆、检索片段、历史与当前消息。
// 任一依赖为 nil 时跳过对应的层，历史除外。
type Assembler struct {
	history   HistorySource
	memory    MemorySource
	retriever retrieval.Retriever
	ctxCfg    config.ContextConfig
	ragCfg    config.RetrievalConfig
	metrics   *metrics.Recorder
}

func NewAssembler(history HistorySource, mem MemorySource, retriever retrieval.Retriever, ctxCfg config.ContextConfig, ragCfg config.RetrievalConfig, recorder *metrics.Recorder) *Assembler {
	return &Assembler{
		history:   history,
		memory:    mem,
		retriever: retriever,
		ctxCfg:    ctxCfg,
		ragCfg:    ragCfg,
		metrics:   recorder,
	}
}

// Build 并发加载三层上下文。历史加载失败会使整轮失败；
// 记忆与检索失败只记录日志，本轮在缺少该层的情况下继续。
func (a *Assembler) Build(ctx context.Context, in Input) (Assembly, error) {
	mode := SelectMode(in.Text)
	augment := mode.AllowsAugmentation()

	var (
		history  []conversation.Message
		entries  []memory.Entry
		contexts []retrieval.Context
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		loaded, err := a.loadHistory(groupCtx, in)
		if err != nil {
			return err
		}
		history = loaded
		return nil
	})
	if augment && a.memory != nil && a.ctxCfg.MemoryEntries > 0 {
		group.Go(func() error {
			entries = a.loadMemory(groupCtx, in.UserID)
			return nil
		})
	}
	if augment && in.UseRetrieval && a.retriever != nil {
		group.Go(func() error {
			contexts = a.loadContexts(groupCtx, in)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Assembly{}, err
	}

	system := mode.SystemPrompt()
	if augment {
		system += MemoryBlock(entries, a.ctxCfg.MemoryEntryChars, a.memoryBudget())
		system += SourcesBlock(contexts, a.ragCfg.MaxSnippets, a.ragCfg.SnippetChars)
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	historyCount := 0
	for _, msg := range history {
		role, ok := historyRole(msg.Role)
		if !ok || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		messages = append(messages, llm.Message{Role: role, Content: msg.Content})
		historyCount++
	}
	current := in.Current
	if current.Role == "" {
		current.Role = llm.RoleUser
	}
	messages = append(messages, current)

	return Assembly{
		Mode:         mode,
		Messages:     messages,
		Contexts:     contexts,
		MemoryCount:  len(entries),
		HistoryCount: historyCount,
	}, nil
}

func (a *Assembler) loadHistory(ctx context.Context, in Input) ([]conversation.Message, error) {
	if a.history == nil {
		return nil, fmt.Errorf("prompt: history source is not configured")
	}
	history, err := a.history.ListRecentBefore(ctx, in.ConversationID, in.CurrentMessageID, a.ctxCfg.HistoryLimit)
	if err != nil {
		a.metrics.LayerFailed(LayerHistory)
		return nil, fmt.Errorf("prompt: load history: %w", err)
	}
	return history, nil
}

func (a *Assembler) loadMemory(ctx context.Context, userID uint64) []memory.Entry {
	if a.ctxCfg.MemoryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.ctxCfg.MemoryTimeout)
		defer cancel()
	}
	start := time.Now()
	entries, err := a.memory.Recent(ctx, userID, a.ctxCfg.MemoryEntries)
	a.metrics.ObserveCollaborator(LayerMemory, metrics.Outcome(err), time.Since(start))
	if err != nil {
		a.metrics.LayerFailed(LayerMemory)
		logging.FromContext(ctx).Warn("prompt: memory layer skipped", "user_id", userID, "error", err)
		return nil
	}
	return entries
}

func (a *Assembler) loadContexts(ctx context.Context, in Input) []retrieval.Context {
	if a.ragCfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.ragCfg.Timeout)
		defer cancel()
	}
	query := strings.TrimSpace(in.RetrievalQuery)
	if query == "" {
		query = strings.TrimSpace(in.Text)
	}
	if query == "" {
		return nil
	}
	start := time.Now()
	contexts, err := a.retriever.Query(ctx, query, a.ragCfg.TopK, a.ragCfg.Rerank)
	a.metrics.ObserveCollaborator(LayerRetrieval, metrics.Outcome(err), time.Since(start))
	if err != nil {
		a.metrics.LayerFailed(LayerRetrieval)
		logging.FromContext(ctx).Warn("prompt: retrieval layer skipped", "conversation_id", in.ConversationID, "error", err)
		return nil
	}
	return contexts
}

func (a *Assembler) memoryBudget() int {
	return a.ctxCfg.MemoryTokenBudget * a.ctxCfg.CharsPerToken
}

func historyRole(role conversation.Role) (string, bool) {
	switch role {
	case conversation.RoleUser:
		return llm.RoleUser, true
	case conversation.RoleAssistant:
		return llm.RoleAssistant, true
	default:
		return "", false
	}
}
