package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"orcha/config"

	"github.com/sashabaranov/go-openai"
)

const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// ErrEmptyResponse 表示模型返回了零个候选结果。
var ErrEmptyResponse = errors.New("llm: model returned no choices")

// ChatAPI 是 openai.Client 中用到的最小子集，便于在测试中替换。
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Part 是多模态消息中的一段，Text 与 ImageURL 二选一。
type Part struct {
	Text     string
	ImageURL string
}

// Message 是发给模型的一条消息。Parts 非空时忽略 Content。
type Message struct {
	Role    string
	Content string
	Parts   []Part
}

// Request Model 为空表示使用运行时当前加载的模型。
type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Total 优先使用服务端给出的合计值。
func (u Usage) Total() int64 {
	if u.TotalTokens > 0 {
		return int64(u.TotalTokens)
	}
	total := int64(u.PromptTokens) + int64(u.CompletionTokens)
	if total < 0 {
		return 0
	}
	return total
}

type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// Completer 是编排层依赖的语言模型协作方。
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Client 通过 OpenAI 兼容协议调用本地或远端模型运行时。
type Client struct {
	api     ChatAPI
	timeout time.Duration
	catalog []ModelOption
}

// NewClient 按配置构造 go-openai 客户端。
func NewClient(cfg config.LLMConfig) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientCfg.BaseURL = base
	}
	return NewClientWithAPI(openai.NewClientWithConfig(clientCfg), cfg)
}

// NewClientWithAPI 允许注入自定义的 ChatAPI 实现。
func NewClientWithAPI(api ChatAPI, cfg config.LLMConfig) *Client {
	return &Client{
		api:     api,
		timeout: cfg.Timeout,
		catalog: LoadCatalog(cfg),
	}
}

// Complete 发送一次非流式补全请求，超时由配置的 llm.timeout 控制。
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	if len(req.Messages) == 0 {
		return Completion{}, errors.New("llm: messages cannot be empty")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payload := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		MaxTokens: req.MaxTokens,
	}
	for _, msg := range req.Messages {
		payload.Messages = append(payload.Messages, msg.toOpenAI())
	}

	resp, err := c.api.CreateChatCompletion(ctx, payload)
	if err != nil {
		return Completion{}, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, ErrEmptyResponse
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return Completion{
		Text:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Model: model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Models 列出运行时可用模型；运行时不可达时回退到配置的目录。
func (c *Client) Models(ctx context.Context) ([]ModelOption, string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	list, err := c.api.ListModels(ctx)
	if err != nil {
		if len(c.catalog) > 0 {
			return append([]ModelOption(nil), c.catalog...), SourceCatalog, nil
		}
		return nil, "", fmt.Errorf("llm: list models: %w", err)
	}

	options := make([]ModelOption, 0, len(list.Models))
	for _, m := range list.Models {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			continue
		}
		option := ModelOption{Provider: m.OwnedBy, Name: id, DisplayName: id}
		if known, ok := c.lookup(id); ok {
			option.DisplayName = known.DisplayName
			option.Capabilities = known.Capabilities
		}
		options = append(options, option)
	}
	return options, SourceRuntime, nil
}

func (c *Client) lookup(name string) (ModelOption, bool) {
	for _, option := range c.catalog {
		if strings.EqualFold(option.Name, name) {
			return option, true
		}
	}
	return ModelOption{}, false
}

func (m Message) toOpenAI() openai.ChatCompletionMessage {
	if len(m.Parts) == 0 {
		return openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.ImageURL != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL},
			})
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: p.Text,
		})
	}
	return openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts}
}
