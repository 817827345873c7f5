package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"sibyl/chunker"
)

// PDFExtractor extracts page text from PDF files. It produces a single
// block whose text carries "<!-- PAGE N -->" markers between pages; the
// chunker later uses the markers to assign page numbers and strips them
// from stored content.
type PDFExtractor struct{}

func (e *PDFExtractor) Extensions() []string { return []string{"pdf"} }

func (e *PDFExtractor) Extract(ctx context.Context, path string) ([]Block, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	var b strings.Builder
	extracted := 0

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		b.WriteString(chunker.PageMarker(i))
		b.WriteString("\n")
		b.WriteString(text)
		b.WriteString("\n")
		extracted++
	}

	if extracted == 0 {
		return nil, nil
	}

	return []Block{{
		Text: b.String(),
		Meta: map[string]any{
			"file_type":   "pdf",
			"total_pages": totalPages,
			"paged":       true,
		},
	}}, nil
}
