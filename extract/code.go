package extract

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// codeLanguages maps extensions to language names.
var codeLanguages = map[string]string{
	"go":   "go",
	"py":   "python",
	"js":   "javascript",
	"ts":   "typescript",
	"jsx":  "javascript",
	"tsx":  "typescript",
	"java": "java",
	"rb":   "ruby",
	"rs":   "rust",
	"c":    "c",
	"h":    "c",
	"cpp":  "cpp",
	"cs":   "csharp",
	"sh":   "shell",
	"sql":  "sql",
}

// Top-level definition patterns per language family. Best effort: the
// names only enrich metadata, they never gate extraction.
var defPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^func\s+(?:\([^)]+\)\s+)?(\w+)`),          // go
	regexp.MustCompile(`(?m)^(?:async\s+)?def\s+(\w+)`),               // python
	regexp.MustCompile(`(?m)^class\s+(\w+)`),                          // python/java/js
	regexp.MustCompile(`(?m)^(?:export\s+)?function\s+(\w+)`),         // js/ts
	regexp.MustCompile(`(?m)^(?:pub\s+)?fn\s+(\w+)`),                  // rust
	regexp.MustCompile(`(?m)^type\s+(\w+)\s+(?:struct|interface)\b`),  // go
}

// CodeExtractor extracts source code as a single block with language and
// top-level definition names in metadata.
type CodeExtractor struct{}

func (e *CodeExtractor) Extensions() []string {
	exts := make([]string, 0, len(codeLanguages))
	for ext := range codeLanguages {
		exts = append(exts, ext)
	}
	return exts
}

func (e *CodeExtractor) Extract(ctx context.Context, path string) ([]Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading source file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}

	lang := codeLanguages[NormalizeExt(path)]
	meta := map[string]any{
		"file_type": NormalizeExt(path),
		"language":  lang,
		"code":      true,
	}
	if defs := topLevelDefs(text); len(defs) > 0 {
		meta["definitions"] = strings.Join(defs, ", ")
	}

	return []Block{{Text: text, Meta: meta}}, nil
}

// topLevelDefs collects up to 20 distinct top-level definition names.
func topLevelDefs(text string) []string {
	seen := make(map[string]bool)
	var defs []string
	for _, p := range defPatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			name := m[1]
			if seen[name] {
				continue
			}
			seen[name] = true
			defs = append(defs, name)
			if len(defs) >= 20 {
				return defs
			}
		}
	}
	return defs
}
