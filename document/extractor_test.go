package document

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText_RejectsNonPDF(t *testing.T) {
	e := NewPDFExtractor(0)

	_, err := e.ExtractText(base64.StdEncoding.EncodeToString([]byte("plain text")))
	require.ErrorIs(t, err, ErrNotPDF)

	_, err = e.ExtractText("")
	require.Error(t, err)

	_, err = e.ExtractText("***not-base64***")
	require.ErrorContains(t, err, "decode base64")
}

func TestExtractText_CorruptPDF(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4\ngarbage without xref"))
	_, err := NewPDFExtractor(0).ExtractText(payload)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotPDF)
}

func TestDecodePayload(t *testing.T) {
	raw, err := DecodePayload("data:application/pdf;base64,JVBERg==")
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(raw))

	raw, err = DecodePayload("JVBERg")
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(raw))
}

func TestWrap(t *testing.T) {
	assert.Equal(t,
		"\n\n=== Document: policy.pdf ===\nCoverage starts in May.\n=== End of policy.pdf ===\n",
		Wrap("policy.pdf", "  Coverage starts in May.\n"))
	assert.Contains(t, Wrap("", "x"), "=== Document: attachment ===")
}

func TestBound(t *testing.T) {
	assert.Equal(t, "short", Bound("short", 10))
	assert.Equal(t, "unbounded", Bound("unbounded", 0))

	long := strings.Repeat("é", 30)
	bounded := Bound(long, 10)
	assert.True(t, strings.HasPrefix(bounded, strings.Repeat("é", 10)))
	assert.True(t, strings.HasSuffix(bounded, truncatedMarker))
}
