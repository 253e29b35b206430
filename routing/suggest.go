package routing

import (
	"encoding/json"
	"strings"
)

// Endpoints suggested by Suggest.
const (
	EndpointOCR    = "/api/v1/orcha/ocr"
	EndpointIngest = "/api/v1/orcha/ingest"
	EndpointRAG    = "/api/v1/orcha/rag/query"
	EndpointChat   = "/api/v1/orcha/chat"
)

var (
	ocrKeywords    = []string{"scan", "ocr", "extract text", "read file"}
	ingestKeywords = []string{"ingest", "index", "add document", "load dataset"}
	ragKeywords    = []string{"rag", "search", "retrieve", "context"}
)

// SuggestRequest 是 /orcha/route 的请求体。
type SuggestRequest struct {
	UserID      UserRef           `json:"user_id"`
	TenantID    string            `json:"tenant_id"`
	Message     string            `json:"message"`
	Attachments []json.RawMessage `json:"attachments"`
	UseRAG      bool              `json:"use_rag"`
}

// UserRef 同时接受字符串和数字形式的用户 ID。
type UserRef string

func (u *UserRef) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*u = UserRef(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	*u = UserRef(number.String())
	return nil
}

// Decision 给出下一步应调用的接口以及预填好的请求体。
type Decision struct {
	Endpoint        string         `json:"endpoint"`
	Reason          string         `json:"reason"`
	PreparedPayload map[string]any `json:"prepared_payload"`
}

// Suggest 依次匹配 OCR、入库、检索意图，都不命中时回到普通对话。
func Suggest(req SuggestRequest, topK int, rerank bool) Decision {
	text := strings.ToLower(req.Message)
	user := strings.TrimSpace(string(req.UserID))
	if user == "" {
		user = "anonymous"
	}
	var tenant any
	if t := strings.TrimSpace(req.TenantID); t != "" {
		tenant = t
	}

	if len(req.Attachments) > 0 || containsAny(text, ocrKeywords) {
		return Decision{
			Endpoint: EndpointOCR,
			Reason:   "attachments or OCR intent detected",
			PreparedPayload: map[string]any{
				"user_id":   user,
				"tenant_id": tenant,
				"file_uri":  firstAttachmentURI(req.Attachments),
				"mode":      "auto",
			},
		}
	}

	if containsAny(text, ingestKeywords) {
		return Decision{
			Endpoint: EndpointIngest,
			Reason:   "ingest intent detected",
			PreparedPayload: map[string]any{
				"source":   "user",
				"uri":      "",
				"metadata": map[string]any{"requested_by": user},
			},
		}
	}

	if req.UseRAG || containsAny(text, ragKeywords) {
		return Decision{
			Endpoint: EndpointRAG,
			Reason:   "RAG intent detected",
			PreparedPayload: map[string]any{
				"user_id":   user,
				"tenant_id": tenant,
				"query":     req.Message,
				"k":         topK,
				"rerank":    rerank,
			},
		}
	}

	attachments := req.Attachments
	if attachments == nil {
		attachments = []json.RawMessage{}
	}
	return Decision{
		Endpoint: EndpointChat,
		Reason:   "default to chat",
		PreparedPayload: map[string]any{
			"user_id":     user,
			"tenant_id":   tenant,
			"message":     req.Message,
			"attachments": attachments,
			"use_rag":     req.UseRAG,
		},
	}
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func firstAttachmentURI(raw []json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var uri string
	if err := json.Unmarshal(raw[0], &uri); err == nil {
		return strings.TrimSpace(uri)
	}
	var descriptor struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(raw[0], &descriptor); err == nil {
		return strings.TrimSpace(descriptor.URI)
	}
	return ""
}
