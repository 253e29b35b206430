package prompt

import (
	"strings"
	"testing"

	"orcha/memory"

	"github.com/stretchr/testify/assert"
)

func TestKeepTail(t *testing.T) {
	assert.Equal(t, "abc", KeepTail("abc", 5))
	assert.Equal(t, "...fgh", KeepTail("abcdefgh", 6))
	assert.Equal(t, "gh", KeepTail("abcdefgh", 2))
	assert.Equal(t, "...和平", KeepTail("你好世界和平", 5))
	assert.Equal(t, "", KeepTail("abc", 0))
}

func TestKeepHead(t *testing.T) {
	assert.Equal(t, "ab", KeepHead("abcdef", 2))
	assert.Equal(t, "你好", KeepHead("你好世界", 2))
	assert.Equal(t, "abc", KeepHead("abc", 10))
}

func TestMemoryBlock_TwoStageTruncation(t *testing.T) {
	long := strings.Repeat("x", 3000) + "TAIL"
	entries := []memory.Entry{
		{Content: "first fact"},
		{Content: long},
		{Content: "   "},
	}

	block := MemoryBlock(entries, 2000, 100)
	body := strings.TrimPrefix(block, "\n\n=== USER MEMORY ===\n")
	assert.True(t, strings.HasPrefix(body, "..."))
	assert.True(t, strings.HasSuffix(body, "TAIL\n"))
	assert.Len(t, []rune(strings.TrimSuffix(body, "\n")), 100)

	block = MemoryBlock(entries, 10, 4000)
	assert.Contains(t, block, "- first fact\n")
	assert.Contains(t, block, "- ...xxxTAIL\n")

	assert.Empty(t, MemoryBlock(nil, 10, 10))
}

func TestEnhanceWithDocuments(t *testing.T) {
	assert.Equal(t, "question", EnhanceWithDocuments("question", nil, 100))
	assert.Equal(t, "question", EnhanceWithDocuments("question", []DocumentText{{Filename: "a.pdf", Text: " "}}, 100))

	out := EnhanceWithDocuments("what is covered?", []DocumentText{{Filename: "policy.pdf", Text: "Dental is covered."}}, 20000)
	assert.True(t, strings.HasPrefix(out, "The user has attached a document with the following content:\n\n"))
	assert.Contains(t, out, "=== Document: policy.pdf ===\nDental is covered.\n=== End of policy.pdf ===")
	assert.Contains(t, out, "User's question: what is covered?")
	assert.True(t, strings.HasSuffix(out, "Please answer the user's question based on the document content above."))
}
