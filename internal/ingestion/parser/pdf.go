package parser

import (
	"bytes"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	apperrors "github.com/nooble8/nooble8/internal/common/errors"
)

// extractPDF reads page text, converting detected table rows into pipe rows.
// The per-page path produces markdown-shaped output and is marked as such so
// the cleaner leaves it alone; when it fails the generic whole-document
// reader takes over.
func extractPDF(data []byte) (*Document, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperrors.Validation("invalid PDF document: " + err.Error())
	}

	pageCount := reader.NumPage()
	var pages []string
	structured := true
	hasTables := false

	for i := 1; i <= pageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			structured = false
			break
		}
		converted, pageHasTables := convertTableLines(text)
		hasTables = hasTables || pageHasTables
		pages = append(pages, converted)
	}

	if structured && len(pages) > 0 {
		return &Document{
			Content:          strings.Join(pages, "\n\n"),
			IsMarkdown:       true,
			HasTables:        hasTables,
			PageCount:        pageCount,
			ExtractionMethod: "pdf_markdown",
		}, nil
	}

	// Generic fallback.
	plain, err := reader.GetPlainText()
	if err != nil {
		return nil, apperrors.Validation("failed to extract PDF text: " + err.Error())
	}
	content, err := io.ReadAll(plain)
	if err != nil {
		return nil, apperrors.Internal("failed to read PDF text", err)
	}
	return &Document{
		Content:          string(content),
		PageCount:        pageCount,
		ExtractionMethod: "pdf_generic",
	}, nil
}

// convertTableLines rewrites lines that look like column-aligned table rows
// (three or more cells separated by runs of spaces) into pipe rows.
func convertTableLines(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	converted := false
	for i, line := range lines {
		cells := splitColumns(line)
		if len(cells) >= 3 {
			lines[i] = "| " + strings.Join(cells, " | ") + " |"
			converted = true
		}
	}
	return strings.Join(lines, "\n"), converted
}

// splitColumns splits a line on runs of two or more spaces.
func splitColumns(line string) []string {
	var cells []string
	for _, cell := range strings.Split(line, "  ") {
		cell = strings.TrimSpace(cell)
		if cell != "" {
			cells = append(cells, cell)
		}
	}
	return cells
}
