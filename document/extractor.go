package document

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"orcha/attachment"

	"github.com/ledongthuc/pdf"
)

var (
	// ErrNotPDF 表示载荷不是 PDF 文档。
	ErrNotPDF = errors.New("document: payload is not a PDF")
	// ErrNoText 表示 PDF 中没有可提取的文本层（多为扫描件）。
	ErrNoText = errors.New("document: no extractable text")
)

const truncatedMarker = "\n[... document truncated ...]"

// PDFExtractor 在本地同步提取 PDF 文本，不访问网络。
type PDFExtractor struct {
	maxPages int
}

// NewPDFExtractor maxPages 小于等于 0 时不限制页数。
func NewPDFExtractor(maxPages int) *PDFExtractor {
	return &PDFExtractor{maxPages: maxPages}
}

// ExtractText 解码 base64 载荷并按页拼接纯文本。
func (e *PDFExtractor) ExtractText(payload string) (text string, err error) {
	// pdf 解析器遇到损坏的内容流会 panic。
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("document: malformed pdf: %v", r)
		}
	}()

	raw, err := DecodePayload(payload)
	if err != nil {
		return "", err
	}
	if !bytes.HasPrefix(raw, []byte("%PDF")) {
		return "", ErrNotPDF
	}

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("document: open pdf: %w", err)
	}

	pages := reader.NumPage()
	if e != nil && e.maxPages > 0 && pages > e.maxPages {
		pages = e.maxPages
	}

	var builder strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, pageErr := page.GetPlainText(nil)
		if pageErr != nil {
			return "", fmt.Errorf("document: read page %d: %w", i, pageErr)
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(pageText)
	}

	if builder.Len() == 0 {
		return "", ErrNoText
	}
	return builder.String(), nil
}

// DecodePayload 去掉 data URI 前缀后解码 base64，兼容无填充的编码。
func DecodePayload(payload string) ([]byte, error) {
	cleaned := attachment.StripDataURI(payload)
	if cleaned == "" {
		return nil, errors.New("document: empty payload")
	}
	raw, err := base64.StdEncoding.DecodeString(cleaned)
	if err == nil {
		return raw, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("document: decode base64: %w", err)
}

// Wrap 用起止标记包裹一份附件文本。
func Wrap(filename, text string) string {
	name := strings.TrimSpace(filename)
	if name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("\n\n=== Document: %s ===\n%s\n=== End of %s ===\n", name, strings.TrimSpace(text), name)
}

// Bound 将合并后的附件文本限制在 maxChars 个字符以内。
func Bound(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars]) + truncatedMarker
}
