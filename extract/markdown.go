package extract

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var mdHeaderRE = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

// MarkdownExtractor splits a Markdown file into blocks by header. Each
// block carries its own header plus the ancestor header path, so the
// embedding header can disambiguate deeply nested sections.
type MarkdownExtractor struct{}

func (e *MarkdownExtractor) Extensions() []string { return []string{"md", "markdown"} }

func (e *MarkdownExtractor) Extract(ctx context.Context, path string) ([]Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading markdown: %w", err)
	}
	return SplitMarkdown(string(data)), nil
}

// SplitMarkdown splits markdown text into header-scoped blocks. Exposed so
// URL ingestion can reuse it after HTML conversion.
func SplitMarkdown(text string) []Block {
	matches := mdHeaderRE.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		body := strings.TrimSpace(text)
		if body == "" {
			return nil
		}
		return []Block{{Text: body, Meta: map[string]any{"file_type": "md"}}}
	}

	var blocks []Block
	// Ancestor headers by level, for the section path.
	trail := make(map[int]string)

	// Preamble before the first header.
	if pre := strings.TrimSpace(text[:matches[0][0]]); pre != "" {
		blocks = append(blocks, Block{Text: pre, Meta: map[string]any{"file_type": "md"}})
	}

	for i, m := range matches {
		level := m[3] - m[2]
		header := strings.TrimSpace(text[m[4]:m[5]])

		trail[level] = header
		for l := level + 1; l <= 6; l++ {
			delete(trail, l)
		}

		bodyStart := m[1]
		bodyEnd := len(text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		body := strings.TrimSpace(text[bodyStart:bodyEnd])
		if body == "" {
			continue
		}

		meta := map[string]any{
			"file_type":      "md",
			"section_header": header,
			"header_level":   level,
		}
		if path := headerPath(trail, level); path != header {
			meta["section_path"] = path
		}
		blocks = append(blocks, Block{Text: body, Meta: meta})
	}
	return blocks
}

// headerPath joins ancestor headers from level 1 down to level.
func headerPath(trail map[int]string, level int) string {
	var parts []string
	for l := 1; l <= level; l++ {
		if h, ok := trail[l]; ok {
			parts = append(parts, h)
		}
	}
	return strings.Join(parts, " > ")
}
