package attachment

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Kind 是附件分类结果的判别标签。
type Kind string

const (
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindUnknown  Kind = "unknown"
)

// pdfSignature 是 "%PDF" 的 base64 编码前缀。
const pdfSignature = "JVBERi"

// Descriptor 描述客户端上传的一个附件。
// 载荷可能出现在 base64 或 data 字段，两者都需要接受。
type Descriptor struct {
	Type     string `json:"type,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	URI      string `json:"uri,omitempty"`
	Base64   string `json:"base64,omitempty"`
	Data     string `json:"data,omitempty"`
}

// Attachment 为分类后的附件，Kind 决定其余字段的含义。
type Attachment struct {
	Kind      Kind
	Index     int
	MediaType string
	Filename  string
	// Payload 保留客户端提供的 base64 原文，可能带有 data URI 前缀。
	Payload string
	// URI 仅在文档没有内联载荷、需要远程 OCR 时设置。
	URI string
}

// Remote 报告文档是否只能通过 URI 获取。
func (a Attachment) Remote() bool {
	return a.Kind == KindDocument && a.Payload == "" && a.URI != ""
}

// Classification 是一次分类的结果，各列表保持输入顺序。
type Classification struct {
	Images    []Attachment
	Documents []Attachment
	Unknown   []Attachment
}

// HasImages 报告本轮是否需要走视觉模型。
func (c Classification) HasImages() bool {
	return len(c.Images) > 0
}

// Total 返回参与分类的附件总数。
func (c Classification) Total() int {
	return len(c.Images) + len(c.Documents) + len(c.Unknown)
}

// ParseDescriptors 宽松地解析请求中的附件数组。
// 纯字符串视为 URI，无法解析的条目直接跳过。
func ParseDescriptors(raw []json.RawMessage) []Descriptor {
	descriptors := make([]Descriptor, 0, len(raw))
	for _, item := range raw {
		trimmed := bytes.TrimSpace(item)
		if len(trimmed) == 0 {
			continue
		}
		switch trimmed[0] {
		case '{':
			var d Descriptor
			if err := json.Unmarshal(trimmed, &d); err != nil {
				continue
			}
			descriptors = append(descriptors, d)
		case '"':
			var uri string
			if err := json.Unmarshal(trimmed, &uri); err != nil {
				continue
			}
			if uri = strings.TrimSpace(uri); uri != "" {
				descriptors = append(descriptors, Descriptor{URI: uri})
			}
		}
	}
	return descriptors
}

// Classify 将附件划分为图片、文档和未知三类。纯函数，不会因畸形条目失败。
func Classify(descriptors []Descriptor) Classification {
	var result Classification
	for i, d := range descriptors {
		a := Attachment{
			Index:     i,
			MediaType: d.mediaType(),
			Filename:  strings.TrimSpace(d.Filename),
			Payload:   d.payload(),
		}

		switch {
		case d.isImage() && a.Payload != "":
			a.Kind = KindImage
			result.Images = append(result.Images, a)
		case a.Payload != "" && d.isDocument(a.Payload):
			a.Kind = KindDocument
			result.Documents = append(result.Documents, a)
		case a.Payload == "" && strings.TrimSpace(d.URI) != "":
			a.Kind = KindDocument
			a.URI = strings.TrimSpace(d.URI)
			result.Documents = append(result.Documents, a)
		default:
			a.Kind = KindUnknown
			a.URI = strings.TrimSpace(d.URI)
			result.Unknown = append(result.Unknown, a)
		}
	}
	return result
}

// payload 依次检查两个载荷字段。
func (d Descriptor) payload() string {
	if p := strings.TrimSpace(d.Base64); p != "" {
		return p
	}
	return strings.TrimSpace(d.Data)
}

// mediaType 优先使用带斜杠的声明类型。
func (d Descriptor) mediaType() string {
	typ := strings.ToLower(strings.TrimSpace(d.Type))
	mime := strings.ToLower(strings.TrimSpace(d.Mime))
	if strings.Contains(typ, "/") {
		return typ
	}
	if mime != "" {
		return mime
	}
	return typ
}

func (d Descriptor) isImage() bool {
	typ := strings.ToLower(strings.TrimSpace(d.Type))
	mime := strings.ToLower(strings.TrimSpace(d.Mime))
	return typ == "image" || strings.HasPrefix(typ, "image/") || strings.HasPrefix(mime, "image/")
}

func (d Descriptor) isDocument(payload string) bool {
	typ := strings.ToLower(strings.TrimSpace(d.Type))
	mime := strings.ToLower(strings.TrimSpace(d.Mime))
	if isPDFType(typ) || isPDFType(mime) {
		return true
	}
	return strings.HasPrefix(StripDataURI(payload), pdfSignature)
}

func isPDFType(value string) bool {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}
	return value == "application/pdf" || value == "application/x-pdf" || value == "pdf"
}

// StripDataURI 去掉 "data:<type>;base64," 前缀。
func StripDataURI(payload string) string {
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "data:") {
		return trimmed
	}
	if i := strings.IndexByte(trimmed, ','); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// DataURIMediaType 提取 data URI 中声明的类型，没有时返回空串。
func DataURIMediaType(payload string) string {
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "data:") {
		return ""
	}
	header := strings.TrimPrefix(trimmed, "data:")
	if i := strings.IndexByte(header, ','); i >= 0 {
		header = header[:i]
	}
	if i := strings.IndexByte(header, ';'); i >= 0 {
		header = header[:i]
	}
	return strings.ToLower(strings.TrimSpace(header))
}
