// Package routing chooses the model and payload shape for a turn and
// suggests an endpoint from message intent.
package routing

import (
	"strings"

	"orcha/attachment"
	"orcha/config"
	"orcha/llm"
)

// ImagePrompt 在用户只发送图片时代替空文本。
const ImagePrompt = "User provided an image; analyze it."

const defaultImageFormat = "jpeg"

// Route 是一次路由决策。
type Route struct {
	// Model 为空表示使用运行时当前加载的模型。
	Model       string
	Vision      bool
	MaxTokens   int
	Message     llm.Message
	ImagesCount int
}

// Router 按是否包含图片选择视觉模型或默认文本模型。
type Router struct {
	textModel       string
	visionModel     string
	maxTokens       int
	visionMaxTokens int
}

func NewRouter(cfg config.LLMConfig) *Router {
	return &Router{
		textModel:       strings.TrimSpace(cfg.TextModel),
		visionModel:     strings.TrimSpace(cfg.VisionModel),
		maxTokens:       cfg.MaxTokens,
		visionMaxTokens: cfg.VisionMaxTokens,
	}
}

// Dispatch 构造本轮的用户消息。
// 有图片时生成 [文本, 图片...] 的多段内容，图片保持附件顺序且全部保留。
func (r *Router) Dispatch(images []attachment.Attachment, text string) Route {
	if len(images) == 0 {
		return Route{
			Model:     r.textModel,
			MaxTokens: r.maxTokens,
			Message:   llm.Message{Role: llm.RoleUser, Content: text},
		}
	}

	if strings.TrimSpace(text) == "" {
		text = ImagePrompt
	}
	parts := make([]llm.Part, 0, len(images)+1)
	parts = append(parts, llm.Part{Text: text})
	for _, img := range images {
		parts = append(parts, llm.Part{ImageURL: ImageDataURL(img)})
	}
	return Route{
		Model:       r.visionModel,
		Vision:      true,
		MaxTokens:   r.visionMaxTokens,
		Message:     llm.Message{Role: llm.RoleUser, Content: text, Parts: parts},
		ImagesCount: len(images),
	}
}

// ImageDataURL 去掉客户端带来的 data URI 前缀，按推断的子类型重新封装。
func ImageDataURL(img attachment.Attachment) string {
	return "data:image/" + ImageFormat(img) + ";base64," + attachment.StripDataURI(img.Payload)
}

// ImageFormat 依次从声明类型和 data URI 中取图片子类型，取不到时为 jpeg。
func ImageFormat(img attachment.Attachment) string {
	for _, candidate := range []string{img.MediaType, attachment.DataURIMediaType(img.Payload)} {
		if format := subtype(candidate); format != "" {
			return format
		}
	}
	return defaultImageFormat
}

func subtype(mediaType string) string {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	i := strings.IndexByte(mediaType, '/')
	if i < 0 || !strings.HasPrefix(mediaType, "image/") {
		return ""
	}
	return strings.TrimSpace(mediaType[i+1:])
}
