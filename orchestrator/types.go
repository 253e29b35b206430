package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"orcha/conversation"
	"orcha/memory"
	"orcha/ocr"
	"orcha/prompt"
	"orcha/retrieval"
	"orcha/usage"
)

// Stable user-facing replies.
const (
	ApologyMessage  = "Sorry, I encountered an error processing your request. Please try again."
	EmptyReply      = "I apologize, but I couldn't generate a proper response. Please try again."
	QuotaMessage    = "You have reached your token limit for the current 24-hour window. Please try again later."
	NotFoundMessage = "Conversation not found."
	InvalidMessage  = "Your message is empty. Please enter some text or attach a file."

	defaultTitle = "New conversation"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

var (
	// ErrInvalidTurn 表示请求缺少用户或内容。
	ErrInvalidTurn = errors.New("orchestrator: turn has no user or no content")
	// ErrModelFailure 包装主模型调用的失败，整轮失败。
	ErrModelFailure = errors.New("orchestrator: language model call failed")
)

// TurnRequest 是一轮对话的输入。
type TurnRequest struct {
	UserID         uint64            `json:"user_id"`
	TenantID       string            `json:"tenant_id,omitempty"`
	Message        string            `json:"message"`
	Attachments    []json.RawMessage `json:"attachments,omitempty"`
	UseRAG         bool              `json:"use_rag"`
	ConversationID uint64            `json:"conversation_id,omitempty"`
}

// TurnResponse 的 contexts 永远不为 null，error 只在失败时出现。
type TurnResponse struct {
	Status          string              `json:"status"`
	Message         string              `json:"message"`
	ConversationID  uint64              `json:"conversation_id"`
	Contexts        []retrieval.Context `json:"contexts"`
	TokenUsage      usage.Snapshot      `json:"token_usage"`
	VisionProcessed bool                `json:"vision_processed,omitempty"`
	ImagesCount     int                 `json:"images_count,omitempty"`
	ModelUsed       string              `json:"model_used,omitempty"`
	Error           string              `json:"error,omitempty"`
}

type ConversationStore interface {
	ResolveOrCreate(ctx context.Context, userID, conversationID uint64, tenantID string) (*conversation.Conversation, error)
	AppendMessage(ctx context.Context, in conversation.NewMessage) (*conversation.Message, error)
	SetTitleIfUnset(ctx context.Context, conversationID uint64, source string) (bool, error)
}

type UsageTracker interface {
	CheckQuota(ctx context.Context, userID uint64) (usage.Snapshot, error)
	Increment(ctx context.Context, userID uint64, tokens int64) (usage.Snapshot, error)
}

// ContextBuilder 由 prompt.Assembler 实现。
type ContextBuilder interface {
	Build(ctx context.Context, in prompt.Input) (prompt.Assembly, error)
}

// DocumentExtractor 在本地同步提取 PDF 文本。
type DocumentExtractor interface {
	ExtractText(payload string) (string, error)
}

type TextRecognizer interface {
	ExtractText(ctx context.Context, payload []byte, filename, language string) (ocr.Result, error)
	ExtractURI(ctx context.Context, fileURI string) (ocr.Result, error)
}

type URIResolver interface {
	Resolve(ctx context.Context, uri string) (string, error)
}

type MemoryWriter interface {
	Create(ctx context.Context, in memory.NewEntry) (*memory.Entry, error)
}
