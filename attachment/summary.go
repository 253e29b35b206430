package attachment

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// Summary 是持久化到消息行上的附件元数据，不含原始载荷。
type Summary struct {
	Kind      Kind   `json:"kind"`
	MediaType string `json:"media_type,omitempty"`
	Filename  string `json:"filename,omitempty"`
	URI       string `json:"uri,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
}

// Summaries 按原始顺序生成附件摘要。
func (c Classification) Summaries() []Summary {
	total := c.Total()
	if total == 0 {
		return nil
	}
	ordered := make([]Summary, total)
	present := make([]bool, total)
	for _, group := range [][]Attachment{c.Images, c.Documents, c.Unknown} {
		for _, a := range group {
			if a.Index < 0 || a.Index >= total {
				continue
			}
			ordered[a.Index] = a.summary()
			present[a.Index] = true
		}
	}
	result := make([]Summary, 0, total)
	for i, s := range ordered {
		if present[i] {
			result = append(result, s)
		}
	}
	return result
}

// JSON 编码摘要用于 datatypes.JSON 列，无附件时返回 nil。
func (c Classification) JSON() datatypes.JSON {
	summaries := c.Summaries()
	if len(summaries) == 0 {
		return nil
	}
	encoded, err := json.Marshal(summaries)
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}

func (a Attachment) summary() Summary {
	return Summary{
		Kind:      a.Kind,
		MediaType: a.MediaType,
		Filename:  a.Filename,
		URI:       a.URI,
		Bytes:     decodedLen(StripDataURI(a.Payload)),
	}
}

// decodedLen 估算 base64 解码后的字节数。
func decodedLen(encoded string) int {
	n := len(encoded)
	if n == 0 {
		return 0
	}
	padding := 0
	for i := n - 1; i >= 0 && encoded[i] == '='; i-- {
		padding++
	}
	size := n*3/4 - padding
	if size < 0 {
		return 0
	}
	return size
}
