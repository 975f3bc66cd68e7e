// Package parser extracts, cleans, and chunks documents for ingestion.
package parser

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/common/config"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
)

// Declared document types.
const (
	TypePDF      = "pdf"
	TypeDOCX     = "docx"
	TypeMarkdown = "markdown"
	TypeText     = "txt"
	TypeURL      = "url"
	TypeInline   = "inline"
)

// Document is the extracted text plus extraction facts.
type Document struct {
	Content          string
	IsMarkdown       bool
	HasTables        bool
	PageCount        int
	ExtractionMethod string
}

// Request describes one extraction. Exactly one of Content (raw bytes or
// inline text) or URL is consulted, depending on DocumentType.
type Request struct {
	DocumentType string
	DocumentName string
	Content      []byte
	URL          string
}

// Parser dispatches extraction by document type and owns the splitter cache.
type Parser struct {
	limits    config.IngestionConfig
	splitters *splitterCache
	logger    *logger.Logger
}

// New creates a parser with the configured size limits.
func New(limits config.IngestionConfig, log *logger.Logger) *Parser {
	return &Parser{
		limits:    limits,
		splitters: newSplitterCache(),
		logger:    log.WithFields(zap.String("component", "parser")),
	}
}

// sizeLimit returns the pre-parse byte cap for a document type.
func (p *Parser) sizeLimit(documentType string) int64 {
	switch documentType {
	case TypePDF:
		return p.limits.MaxPDFBytes
	case TypeDOCX:
		return p.limits.MaxDOCXBytes
	default:
		return p.limits.MaxGenericBytes
	}
}

// Parse extracts and normalizes one document. Over-limit inputs fail before
// any parsing work.
func (p *Parser) Parse(ctx context.Context, req Request) (*Document, error) {
	documentType := normalizeType(req.DocumentType)

	if limit := p.sizeLimit(documentType); limit > 0 && int64(len(req.Content)) > limit {
		return nil, apperrors.PayloadTooLarge(documentType, int64(len(req.Content)), limit)
	}

	var (
		doc *Document
		err error
	)
	switch documentType {
	case TypePDF:
		doc, err = extractPDF(req.Content)
	case TypeDOCX:
		doc, err = extractDOCX(req.Content)
	case TypeMarkdown:
		doc = &Document{
			Content:          string(req.Content),
			IsMarkdown:       true,
			ExtractionMethod: "raw",
		}
	case TypeURL:
		doc, err = fetchURL(ctx, req.URL)
	case TypeText, TypeInline:
		doc = &Document{
			Content:          string(req.Content),
			ExtractionMethod: "raw",
		}
	default:
		return nil, apperrors.Validation(fmt.Sprintf("unsupported document type '%s'", req.DocumentType))
	}
	if err != nil {
		return nil, err
	}

	if !doc.IsMarkdown {
		if strings.Contains(doc.Content, tableOpen) {
			doc.Content = gentleCleanText(doc.Content)
		} else {
			doc.Content = cleanText(doc.Content)
		}
	}
	if strings.TrimSpace(doc.Content) == "" {
		return nil, apperrors.Validation("document has no extractable text")
	}
	return doc, nil
}

// Chunk splits an extracted document and stamps per-chunk extraction
// metadata.
func (p *Parser) Chunk(doc *Document, chunkSize, chunkOverlap int) []Chunk {
	chunks := p.splitters.get(chunkSize, chunkOverlap).split(doc.Content)
	for i := range chunks {
		chunks[i].Metadata["extraction_method"] = doc.ExtractionMethod
		chunks[i].Metadata["has_tables"] = doc.HasTables
		if doc.PageCount > 0 {
			chunks[i].Metadata["page_count"] = doc.PageCount
		}
	}
	return chunks
}

// normalizeType maps declared type aliases onto the closed set.
func normalizeType(documentType string) string {
	switch strings.ToLower(strings.TrimSpace(documentType)) {
	case "pdf":
		return TypePDF
	case "docx", "doc":
		return TypeDOCX
	case "markdown", "md":
		return TypeMarkdown
	case "txt", "text", "plain":
		return TypeText
	case "url", "html":
		return TypeURL
	case "inline", "content", "":
		return TypeInline
	default:
		return strings.ToLower(strings.TrimSpace(documentType))
	}
}
