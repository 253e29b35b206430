package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"orcha/config"
	"orcha/conversation"
	"orcha/database"
	"orcha/llm"
	"orcha/memory"
	"orcha/ocr"
	"orcha/prompt"
	"orcha/retrieval"
	"orcha/routing"
	"orcha/usage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	mu       sync.Mutex
	requests []llm.Request
	replies  []llm.Completion
	err      error
	onCall   func()
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return llm.Completion{}, f.err
	}
	if len(f.replies) == 0 {
		return llm.Completion{Text: "ok", Model: req.Model}, nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

func (f *fakeCompleter) last(t *testing.T) llm.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

type fakeExtractor struct{ text string }

func (f fakeExtractor) ExtractText(string) (string, error) {
	if f.text == "" {
		return "", errors.New("no text layer")
	}
	return f.text, nil
}

type fakeOCR struct {
	text string
	uris []string
}

func (f *fakeOCR) ExtractText(_ context.Context, payload []byte, filename, _ string) (ocr.Result, error) {
	return ocr.Result{Text: f.text + ":" + filename + ":" + string(payload), LineCount: 1}, nil
}

func (f *fakeOCR) ExtractURI(_ context.Context, uri string) (ocr.Result, error) {
	f.uris = append(f.uris, uri)
	return ocr.Result{Text: f.text, LineCount: 1}, nil
}

type fakeRetriever struct {
	mu       sync.Mutex
	ingested []retrieval.IngestRequest
	queries  []string
}

func (f *fakeRetriever) Query(_ context.Context, query string, _ int, _ bool) ([]retrieval.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return []retrieval.Context{{Source: "policy.pdf", Text: "Dental is covered up to 1000."}}, nil
}

func (f *fakeRetriever) Ingest(_ context.Context, req retrieval.IngestRequest) (retrieval.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, req)
	return retrieval.IngestResult{Source: req.Source, Chunks: 1}, nil
}

type fakeMemory struct {
	entries []memory.NewEntry
}

func (f *fakeMemory) Create(_ context.Context, in memory.NewEntry) (*memory.Entry, error) {
	f.entries = append(f.entries, in)
	return &memory.Entry{ID: uint64(len(f.entries)), UserID: in.UserID, Content: in.Content}, nil
}

type testEnv struct {
	engine  *Engine
	store   *conversation.Store
	tracker *usage.Tracker
	model   *fakeCompleter
}

type envOption func(*Dependencies, *Options)

func newTestEnv(t *testing.T, limit int64, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := conversation.NewStore(db)
	require.NoError(t, store.AutoMigrate(ctx))
	tracker := usage.NewTracker(db, usage.DefaultWindow, limit)
	require.NoError(t, tracker.AutoMigrate(ctx))

	model := &fakeCompleter{}
	deps := Dependencies{
		Store:  store,
		Usage:  tracker,
		Router: routing.NewRouter(config.LLMConfig{VisionModel: "llava-v1.6-34b", VisionMaxTokens: 1024}),
		Model:  model,
	}
	options := Options{DocumentMaxChars: 20000, AutoCapture: true}
	for _, opt := range opts {
		opt(&deps, &options)
	}
	deps.Context = prompt.NewAssembler(store, nil, deps.Retriever,
		config.ContextConfig{HistoryLimit: 10, MemoryEntries: 5, MemoryEntryChars: 2000, MemoryTokenBudget: 1000, CharsPerToken: 4},
		config.RetrievalConfig{Timeout: time.Second, TopK: 8, Rerank: true, MaxSnippets: 4, SnippetChars: 800},
		nil,
	)

	return &testEnv{engine: NewEngine(deps, options), store: store, tracker: tracker, model: model}
}

func (env *testEnv) messages(t *testing.T, userID, convID uint64) []conversation.Message {
	t.Helper()
	_, messages, err := env.store.Get(context.Background(), userID, convID)
	require.NoError(t, err)
	return messages
}

func contents(messages []llm.Message) []string {
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg.Role+":"+msg.Content)
	}
	return out
}

func TestHandleTurn_HelloThenFollowUp(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	env.model.replies = []llm.Completion{
		{Text: "Hi there!", Model: "qwen", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		{Text: "You said Hello.", Model: "qwen", Usage: llm.Usage{TotalTokens: 20}},
	}

	first, err := env.engine.HandleTurn(ctx, TurnRequest{UserID: 5, Message: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, first.Status)
	assert.NotZero(t, first.ConversationID)
	assert.Equal(t, "Hi there!", first.Message)
	assert.False(t, first.VisionProcessed)
	assert.NotNil(t, first.Contexts)
	assert.Empty(t, first.Contexts)
	assert.Equal(t, int64(15), first.TokenUsage.CurrentUsage)
	require.NotNil(t, first.TokenUsage.ResetAt)

	encoded, err := json.Marshal(first)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"contexts":[]`)
	assert.NotContains(t, string(encoded), `"vision_processed"`)
	assert.NotContains(t, string(encoded), `"error"`)

	firstReq := env.model.last(t)
	assert.Equal(t, []string{"system:" + prompt.RestrictedSystemPrompt, "user:Hello"}, contents(firstReq.Messages))

	second, err := env.engine.HandleTurn(ctx, TurnRequest{UserID: 5, Message: "What did I just say?", ConversationID: first.ConversationID})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, int64(35), second.TokenUsage.CurrentUsage)

	secondReq := env.model.last(t)
	assert.Equal(t, []string{
		"system:" + prompt.RestrictedSystemPrompt,
		"user:Hello",
		"assistant:Hi there!",
		"user:What did I just say?",
	}, contents(secondReq.Messages))

	stored := env.messages(t, 5, first.ConversationID)
	require.Len(t, stored, 4)
	require.NotNil(t, stored[1].TokenCount)
	assert.Equal(t, 15, *stored[1].TokenCount)
	require.NotNil(t, stored[1].ModelUsed)
	assert.Equal(t, "qwen", *stored[1].ModelUsed)
	assert.NotNil(t, stored[1].ProcessingTimeMS)

	conv, _, err := env.store.Get(ctx, 5, first.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv.Title)
	assert.Equal(t, "Hello", *conv.Title)
}

func TestHandleTurn_VisionRouting(t *testing.T) {
	env := newTestEnv(t, 0)
	req := TurnRequest{
		UserID: 1,
		Attachments: []json.RawMessage{
			json.RawMessage(`{"type": "image", "base64": "AAA", "filename": "card.jpg"}`),
			json.RawMessage(`{"type": "file", "mime": "image/png", "data": "data:image/png;base64,BBB"}`),
		},
	}

	resp, err := env.engine.HandleTurn(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.VisionProcessed)
	assert.Equal(t, 2, resp.ImagesCount)

	sent := env.model.last(t)
	assert.Equal(t, "llava-v1.6-34b", sent.Model)
	assert.Equal(t, 1024, sent.MaxTokens)
	current := sent.Messages[len(sent.Messages)-1]
	require.Len(t, current.Parts, 3)
	assert.Equal(t, routing.ImagePrompt, current.Parts[0].Text)
	assert.Equal(t, "data:image/jpeg;base64,AAA", current.Parts[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,BBB", current.Parts[2].ImageURL)

	conv, messages, err := env.store.Get(context.Background(), 1, resp.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv.Title)
	assert.Equal(t, "card.jpg", *conv.Title)
	assert.Contains(t, string(messages[0].Attachments), `"kind":"image"`)
}

func TestHandleTurn_ModelFailure(t *testing.T) {
	env := newTestEnv(t, 0)
	env.model.err = errors.New("connection refused")

	resp, err := env.engine.HandleTurn(context.Background(), TurnRequest{UserID: 2, Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelFailure)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, ApologyMessage, resp.Message)
	assert.Contains(t, resp.Error, "connection refused")
	assert.NotZero(t, resp.ConversationID)
	assert.NotNil(t, resp.Contexts)

	stored := env.messages(t, 2, resp.ConversationID)
	require.Len(t, stored, 2)
	assert.Equal(t, conversation.RoleAssistant, stored[1].Role)
	require.NotNil(t, stored[1].ErrorMessage)
	assert.Contains(t, *stored[1].ErrorMessage, "connection refused")

	snapshot, err := env.tracker.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Zero(t, snapshot.CurrentUsage)
}

func TestHandleTurn_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10)
	env.model.replies = []llm.Completion{{Text: "first", Usage: llm.Usage{TotalTokens: 12}}}

	first, err := env.engine.HandleTurn(ctx, TurnRequest{UserID: 3, Message: "hello"})
	require.NoError(t, err)

	resp, err := env.engine.HandleTurn(ctx, TurnRequest{UserID: 3, Message: "again", ConversationID: first.ConversationID})
	require.ErrorIs(t, err, usage.ErrQuotaExceeded)
	assert.Equal(t, QuotaMessage, resp.Message)
	assert.Equal(t, int64(12), resp.TokenUsage.CurrentUsage)
	assert.Len(t, env.messages(t, 3, first.ConversationID), 2)
}

func TestHandleTurn_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t, 0)

	_, err := env.engine.HandleTurn(context.Background(), TurnRequest{UserID: 1, Message: "  "})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	resp, err := env.engine.HandleTurn(context.Background(), TurnRequest{UserID: 1, Message: "hi", ConversationID: 999})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
	assert.Equal(t, NotFoundMessage, resp.Message)

	first, err := env.engine.HandleTurn(context.Background(), TurnRequest{UserID: 1, Message: "mine"})
	require.NoError(t, err)
	_, err = env.engine.HandleTurn(context.Background(), TurnRequest{UserID: 2, Message: "steal", ConversationID: first.ConversationID})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	assert.Empty(t, env.model.requests[1:])
}

func TestHandleTurn_EmptyReplyFallback(t *testing.T) {
	env := newTestEnv(t, 0)
	env.model.replies = []llm.Completion{{Text: "  "}}

	resp, err := env.engine.HandleTurn(context.Background(), TurnRequest{UserID: 1, Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, EmptyReply, resp.Message)
}

func TestHandleTurn_InlineDocument(t *testing.T) {
	env := newTestEnv(t, 0, func(d *Dependencies, _ *Options) {
		d.Documents = fakeExtractor{text: "Dental is covered."}
	})
	req := TurnRequest{
		UserID:      1,
		Message:     "Is dental covered?",
		Attachments: []json.RawMessage{json.RawMessage(`{"type": "application/pdf", "base64": "JVBERi0x", "filename": "policy.pdf"}`)},
	}

	_, err := env.engine.HandleTurn(context.Background(), req)
	require.NoError(t, err)

	current := env.model.last(t).Messages
	text := current[len(current)-1].Content
	assert.True(t, strings.HasPrefix(text, "The user has attached a document with the following content:"))
	assert.Contains(t, text, "=== Document: policy.pdf ===\nDental is covered.")
	assert.Contains(t, text, "User's question: Is dental covered?")
}

func TestHandleTurn_InlineDocumentFallsBackToOCR(t *testing.T) {
	recognizer := &fakeOCR{text: "scanned"}
	env := newTestEnv(t, 0, func(d *Dependencies, _ *Options) {
		d.Documents = fakeExtractor{}
		d.OCR = recognizer
	})
	req := TurnRequest{
		UserID:      1,
		Message:     "summarize",
		Attachments: []json.RawMessage{json.RawMessage(`{"type": "application/pdf", "base64": "JVBERi0x", "filename": "scan.pdf"}`)},
	}

	_, err := env.engine.HandleTurn(context.Background(), req)
	require.NoError(t, err)

	current := env.model.last(t).Messages
	assert.Contains(t, current[len(current)-1].Content, "scanned:scan.pdf:%PDF-1")
}

func TestHandleTurn_RemoteDocumentIsIngested(t *testing.T) {
	recognizer := &fakeOCR{text: "claim form text"}
	rag := &fakeRetriever{}
	env := newTestEnv(t, 0, func(d *Dependencies, _ *Options) {
		d.OCR = recognizer
		d.Retriever = rag
	})
	req := TurnRequest{
		UserID:      9,
		Message:     "what does the form say?",
		Attachments: []json.RawMessage{json.RawMessage(`"http://files/form.pdf"`)},
	}

	resp, err := env.engine.HandleTurn(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://files/form.pdf"}, recognizer.uris)
	require.Len(t, rag.ingested, 1)
	assert.Equal(t, "attachment_9", rag.ingested[0].Source)
	assert.Equal(t, "claim form text", rag.ingested[0].Content)
	assert.Equal(t, "what does the form say?", rag.ingested[0].Metadata["original_message"])
	assert.Equal(t, []string{"what does the form say?"}, rag.queries)
	require.Len(t, resp.Contexts, 1)
	assert.Equal(t, "policy.pdf", resp.Contexts[0].Source)

	system := env.model.last(t).Messages[0].Content
	assert.Contains(t, system, "[policy.pdf] Dental is covered up to 1000.")

	stored := env.messages(t, 9, resp.ConversationID)
	assert.Contains(t, string(stored[1].RAGContexts), "policy.pdf")
}

func TestHandleTurn_MemoryCapture(t *testing.T) {
	mem := &fakeMemory{}
	env := newTestEnv(t, 0, func(d *Dependencies, _ *Options) {
		d.Memory = mem
	})
	env.model.replies = []llm.Completion{
		{Text: "You live in Lyon."},
		{Text: "Noted."},
	}

	resp, err := env.engine.HandleTurn(context.Background(), TurnRequest{UserID: 4, Message: prompt.MemoryTrigger + " about where I live."})
	require.NoError(t, err)
	require.Len(t, mem.entries, 1)
	assert.Equal(t, memory.SourceAutoExtraction, mem.entries[0].Source)
	assert.Equal(t, "You live in Lyon.", mem.entries[0].Content)
	assert.Equal(t, resp.ConversationID, mem.entries[0].ConversationID)
	assert.Equal(t, prompt.UnrestrictedSystemPrompt, env.model.last(t).Messages[0].Content)

	_, err = env.engine.HandleTurn(context.Background(), TurnRequest{UserID: 4, Message: "thanks", ConversationID: resp.ConversationID})
	require.NoError(t, err)
	assert.Len(t, mem.entries, 1)
}

func TestHandleTurn_ClientDisconnectStillPersists(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.model.replies = []llm.Completion{{Text: "still here", Usage: llm.Usage{TotalTokens: 7}}}
	env.model.onCall = cancel

	resp, err := env.engine.HandleTurn(ctx, TurnRequest{UserID: 6, Message: "start"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)

	stored := env.messages(t, 6, resp.ConversationID)
	require.Len(t, stored, 2)
	assert.Equal(t, "still here", stored[1].Content)
	assert.Equal(t, int64(7), resp.TokenUsage.CurrentUsage)
}
