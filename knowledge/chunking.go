package knowledge

import "strings"

// Chunk 是切分后的一段文本，Seq 从 1 开始。
type Chunk struct {
	Seq  int
	Text string
}

// chunker 面向 OCR 输出：先按行聚合，超长的行再按句末切开。
type chunker struct {
	maxChars int
	minChars int
}

// newChunker minChars 不合法时取 maxChars 的一半，且不少于 200。
func newChunker(maxChars, minChars int) *chunker {
	if maxChars <= 0 {
		maxChars = 800
	}
	if minChars <= 0 || minChars >= maxChars {
		minChars = max(maxChars/2, 200)
	}
	return &chunker{maxChars: maxChars, minChars: minChars}
}

func (c *chunker) split(text string) []Chunk {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var (
		chunks  []Chunk
		pending []rune
	)
	flush := func() {
		if piece := strings.TrimSpace(string(pending)); piece != "" {
			chunks = append(chunks, Chunk{Seq: len(chunks) + 1, Text: piece})
		}
		pending = pending[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, piece := range c.cutLine([]rune(line)) {
			// 拼上这一段会超出上限时先落一块。
			if len(pending) > 0 && len(pending)+1+len(piece) > c.maxChars {
				flush()
			}
			if len(pending) > 0 {
				pending = append(pending, '\n')
			}
			pending = append(pending, piece...)
		}
	}
	flush()
	return chunks
}

// cutLine 把单行切成不超过 maxChars 的片段，尽量停在 [minChars, maxChars] 内的句末。
func (c *chunker) cutLine(line []rune) [][]rune {
	var pieces [][]rune
	for len(line) > c.maxChars {
		end := sentenceEnd(line, c.minChars, c.maxChars)
		pieces = append(pieces, []rune(strings.TrimSpace(string(line[:end]))))
		line = []rune(strings.TrimSpace(string(line[end:])))
	}
	if len(line) > 0 {
		pieces = append(pieces, line)
	}
	return pieces
}

func sentenceEnd(runes []rune, lo, hi int) int {
	for i := hi - 1; i >= lo && i >= 0; i-- {
		switch runes[i] {
		case '。', '！', '？', '.', '!', '?', ';', '；':
			return i + 1
		}
	}
	return hi
}
