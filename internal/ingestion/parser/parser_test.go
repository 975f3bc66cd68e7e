package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble8/nooble8/internal/common/config"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
)

func testLimits() config.IngestionConfig {
	return config.IngestionConfig{
		MaxPDFBytes:     50 << 20,
		MaxDOCXBytes:    20 << 20,
		MaxGenericBytes: 10 << 20,
	}
}

func newTestParser() *Parser {
	return New(testLimits(), logger.Default())
}

func TestParseInlineText(t *testing.T) {
	p := newTestParser()
	doc, err := p.Parse(context.Background(), Request{
		DocumentType: TypeInline,
		Content:      []byte("Hello world. Second sentence."),
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world. Second sentence.", doc.Content)
	assert.False(t, doc.IsMarkdown)
	assert.Equal(t, "raw", doc.ExtractionMethod)
}

func TestParseMarkdownSkipsCleaning(t *testing.T) {
	p := newTestParser()
	raw := "# Title\n\n\n\n\nSome   spaced    text\n---\n"
	doc, err := p.Parse(context.Background(), Request{
		DocumentType: "md",
		Content:      []byte(raw),
	})
	require.NoError(t, err)
	assert.True(t, doc.IsMarkdown)
	assert.Equal(t, raw, doc.Content)
}

func TestParseRejectsOversize(t *testing.T) {
	p := New(config.IngestionConfig{MaxGenericBytes: 8, MaxPDFBytes: 8, MaxDOCXBytes: 8}, logger.Default())
	_, err := p.Parse(context.Background(), Request{
		DocumentType: TypeText,
		Content:      []byte("far too many bytes"),
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodePayloadTooLarge, apperrors.Code(err))
}

func TestParseRejectsEmptyAndUnknown(t *testing.T) {
	p := newTestParser()
	_, err := p.Parse(context.Background(), Request{DocumentType: TypeText, Content: []byte("   \n  ")})
	assert.True(t, apperrors.IsValidation(err))

	_, err = p.Parse(context.Background(), Request{DocumentType: "xlsx", Content: []byte("x")})
	assert.True(t, apperrors.IsValidation(err))
}

func TestParseURL(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("Remote body. With sentences."))
	}))
	defer server.Close()

	p := newTestParser()
	doc, err := p.Parse(context.Background(), Request{DocumentType: TypeURL, URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "Remote body. With sentences.", doc.Content)
	assert.Equal(t, fetchUserAgent, gotUA)

	server404 := httptest.NewServer(http.NotFoundHandler())
	defer server404.Close()
	_, err = p.Parse(context.Background(), Request{DocumentType: TypeURL, URL: server404.URL})
	assert.True(t, apperrors.IsValidation(err))
}

func docxBytes(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

const docxBody = `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p>
      <w:pPr><w:pStyle w:val="Heading1"/></w:pPr>
      <w:r><w:t>Report</w:t></w:r>
    </w:p>
    <w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
    <w:tbl>
      <w:tr>
        <w:tc><w:p><w:r><w:t>Name</w:t></w:r></w:p></w:tc>
        <w:tc><w:p><w:r><w:t>Value</w:t></w:r></w:p></w:tc>
      </w:tr>
      <w:tr>
        <w:tc><w:p><w:r><w:t>alpha</w:t></w:r></w:p></w:tc>
        <w:tc><w:p><w:r><w:t>1</w:t></w:r></w:p></w:tc>
      </w:tr>
    </w:tbl>
  </w:body>
</w:document>`

func TestParseDOCX(t *testing.T) {
	p := newTestParser()
	doc, err := p.Parse(context.Background(), Request{
		DocumentType: TypeDOCX,
		Content:      docxBytes(t, docxBody),
	})
	require.NoError(t, err)
	assert.True(t, doc.HasTables)
	assert.Contains(t, doc.Content, "# Report")
	assert.Contains(t, doc.Content, "First paragraph.")
	assert.Contains(t, doc.Content, tableOpen)
	assert.Contains(t, doc.Content, "Name\tValue")
	assert.Contains(t, doc.Content, "alpha\t1")
	assert.Contains(t, doc.Content, tableClose)
}

func TestParseDOCXInvalid(t *testing.T) {
	p := newTestParser()
	_, err := p.Parse(context.Background(), Request{DocumentType: TypeDOCX, Content: []byte("not a zip")})
	assert.True(t, apperrors.IsValidation(err))
}

func TestCleanText(t *testing.T) {
	raw := "Line   with    runs\x00\x07\n\n\n\n\nNext line  \n====\n  trimmed  "
	cleaned := cleanText(raw)
	assert.Equal(t, "Line with runs\n\nNext line\ntrimmed", cleaned)
}

func TestGentleCleanKeepsTableSpacing(t *testing.T) {
	raw := tableOpen + "\na   b   c\n" + tableClose + "\n\n\n\n\n\nafter"
	cleaned := gentleCleanText(raw)
	assert.Contains(t, cleaned, "a   b   c")
	assert.NotContains(t, cleaned, "\n\n\n\n")
}

func TestSplitterSingleChunk(t *testing.T) {
	p := newTestParser()
	doc := &Document{Content: "Hello world. Second sentence.", ExtractionMethod: "raw"}
	chunks := p.Chunk(doc, 64, 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Hello world. Second sentence.", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 0, chunks[0].StartChar)
	assert.Equal(t, len(doc.Content), chunks[0].EndChar)
	assert.Equal(t, 4, chunks[0].WordCount)
	assert.Equal(t, "raw", chunks[0].Metadata["extraction_method"])
}

func TestSplitterRespectsSizeAndOverlap(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("This sentence has some words in it. ", 10))
	p := newTestParser()
	chunks := p.Chunk(&Document{Content: text}, 100, 40)
	require.Greater(t, len(chunks), 1)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.Content)
	}
	// Overlap makes consecutive chunks share trailing/leading text.
	assert.Less(t, chunks[1].StartChar, chunks[0].EndChar)
}

func TestSplitterOversizedSentence(t *testing.T) {
	long := strings.Repeat("word ", 60) + "end."
	p := newTestParser()
	chunks := p.Chunk(&Document{Content: long}, 50, 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, strings.TrimSpace(long), chunks[0].Content)
}

func TestSplitterCacheReuse(t *testing.T) {
	cache := newSplitterCache()
	a := cache.get(256, 32)
	b := cache.get(256, 32)
	c := cache.get(512, 32)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
