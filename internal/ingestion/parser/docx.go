package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	apperrors "github.com/nooble8/nooble8/internal/common/errors"
)

// extractDOCX reads word/document.xml out of the DOCX container. Headings
// become #-prefixed lines; tables are fenced with [TABLE] markers, one row
// per line with tab-separated cells.
func extractDOCX(data []byte) (*Document, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperrors.Validation("invalid DOCX document: " + err.Error())
	}

	var documentXML io.ReadCloser
	for _, file := range archive.File {
		if file.Name == "word/document.xml" {
			documentXML, err = file.Open()
			if err != nil {
				return nil, apperrors.Internal("failed to open DOCX body", err)
			}
			break
		}
	}
	if documentXML == nil {
		return nil, apperrors.Validation("DOCX document has no body")
	}
	defer documentXML.Close()

	content, hasTables, err := walkDocumentXML(documentXML)
	if err != nil {
		return nil, apperrors.Validation("failed to parse DOCX body: " + err.Error())
	}
	return &Document{
		Content:          content,
		HasTables:        hasTables,
		ExtractionMethod: "docx_structured",
	}, nil
}

// walkDocumentXML streams the OOXML token by token. Only paragraphs (w:p),
// runs of text (w:t), paragraph styles (w:pStyle), tables (w:tbl), rows
// (w:tr) and cells (w:tc) are interpreted.
func walkDocumentXML(r io.Reader) (string, bool, error) {
	decoder := xml.NewDecoder(r)

	var out strings.Builder
	var paragraph strings.Builder
	var cell strings.Builder
	var row []string
	headingDepth := 0
	inTable := false
	inCell := false
	hasTables := false

	flushParagraph := func() {
		text := strings.TrimSpace(paragraph.String())
		paragraph.Reset()
		if text == "" {
			return
		}
		if headingDepth > 0 {
			out.WriteString(strings.Repeat("#", headingDepth) + " " + text + "\n\n")
		} else {
			out.WriteString(text + "\n\n")
		}
		headingDepth = 0
	}

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", false, err
		}

		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				inTable = true
				hasTables = true
				out.WriteString(tableOpen + "\n")
			case "tr":
				row = row[:0]
			case "tc":
				inCell = true
				cell.Reset()
			case "pStyle":
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						headingDepth = headingLevel(attr.Value)
					}
				}
			case "t":
				var text string
				if err := decoder.DecodeElement(&text, &t); err != nil {
					return "", false, err
				}
				if inCell {
					cell.WriteString(text)
				} else {
					paragraph.WriteString(text)
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "tc":
				inCell = false
				row = append(row, strings.TrimSpace(cell.String()))
			case "tr":
				out.WriteString(strings.Join(row, "\t") + "\n")
			case "tbl":
				inTable = false
				out.WriteString(tableClose + "\n\n")
			case "p":
				if !inTable {
					flushParagraph()
				}
			}
		}
	}
	flushParagraph()
	return strings.TrimSpace(out.String()), hasTables, nil
}

// headingLevel maps a Heading<N> style onto the markdown depth.
func headingLevel(style string) int {
	if !strings.HasPrefix(style, "Heading") {
		return 0
	}
	switch strings.TrimPrefix(style, "Heading") {
	case "1":
		return 1
	case "2":
		return 2
	case "3":
		return 3
	case "4":
		return 4
	default:
		return 0
	}
}
