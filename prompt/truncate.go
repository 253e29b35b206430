package prompt

import (
	"fmt"
	"strings"

	"orcha/document"
	"orcha/memory"
	"orcha/retrieval"
)

const ellipsis = "..."

// KeepTail 保留 text 的最后 maxChars 个字符，被截断时以 "..." 开头。
func KeepTail(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	if maxChars <= len(ellipsis) {
		return string(runes[len(runes)-maxChars:])
	}
	return ellipsis + string(runes[len(runes)-(maxChars-len(ellipsis)):])
}

// KeepHead 保留 text 的前 maxChars 个字符。
func KeepHead(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}

// MemoryBlock 把记忆拼成一条系统消息。
// 每条先按 entryChars 截断，拼接后再按 totalChars 截断，避免单条过长挤掉其余记忆。
func MemoryBlock(entries []memory.Entry, entryChars, totalChars int) string {
	var builder strings.Builder
	for _, entry := range entries {
		content := strings.TrimSpace(entry.Content)
		if content == "" {
			continue
		}
		builder.WriteString("- ")
		if entry.Title != nil && strings.TrimSpace(*entry.Title) != "" {
			builder.WriteString(strings.TrimSpace(*entry.Title))
			builder.WriteString(": ")
		}
		if entryChars > 0 {
			content = KeepTail(content, entryChars)
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	if builder.Len() == 0 {
		return ""
	}
	body := strings.TrimRight(builder.String(), "\n")
	if totalChars > 0 {
		body = KeepTail(body, totalChars)
	}
	return "\n\n=== USER MEMORY ===\n" + body + "\n"
}

// SourcesBlock 取前 maxSnippets 段检索结果，每段保留前 snippetChars 个字符。
func SourcesBlock(contexts []retrieval.Context, maxSnippets, snippetChars int) string {
	if len(contexts) == 0 || maxSnippets <= 0 {
		return ""
	}
	var builder strings.Builder
	builder.WriteString("\n\n=== SOURCES ===\n")
	for i, c := range contexts {
		if i >= maxSnippets {
			break
		}
		text := c.Text
		if snippetChars > 0 {
			text = KeepHead(text, snippetChars)
		}
		fmt.Fprintf(&builder, "[%s] %s\n\n", c.SourceOrDefault(i), text)
	}
	return builder.String()
}

// DocumentText 是一份已提取的附件文本。
type DocumentText struct {
	Filename string
	Text     string
}

// EnhanceWithDocuments 把附件文本拼在用户问题之前；没有文档时原样返回。
func EnhanceWithDocuments(message string, docs []DocumentText, maxChars int) string {
	var builder strings.Builder
	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			continue
		}
		builder.WriteString(document.Wrap(doc.Filename, doc.Text))
	}
	if builder.Len() == 0 {
		return message
	}
	combined := document.Bound(builder.String(), maxChars)
	return "The user has attached a document with the following content:\n\n" +
		combined +
		"\n\nUser's question: " + message +
		"\n\nPlease answer the user's question based on the document content above."
}
