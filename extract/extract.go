// Package extract turns source files and URLs into text blocks carrying
// format-specific metadata. Each supported format registers an Extractor;
// ingestion picks one by file extension.
package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Block is a unit of extracted text plus format-specific metadata
// (page markers for PDF, section hierarchy for Markdown, heading for DOCX,
// row ranges for spreadsheets, language for code).
type Block struct {
	Text string
	Meta map[string]any
}

// Extractor converts a file into ordered text blocks.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]Block, error)
	Extensions() []string
}

// Registry maps file extensions to extractors.
type Registry struct {
	extractors map[string]Extractor
}

// NewRegistry returns a registry with all built-in extractors.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[string]Extractor)}
	for _, e := range []Extractor{
		&PDFExtractor{},
		&DOCXExtractor{},
		&SheetExtractor{},
		&MarkdownExtractor{},
		&CodeExtractor{},
		&TextExtractor{},
	} {
		for _, ext := range e.Extensions() {
			r.extractors[ext] = e
		}
	}
	return r
}

// Register adds or replaces the extractor for an extension.
func (r *Registry) Register(ext string, e Extractor) {
	r.extractors[strings.ToLower(ext)] = e
}

// ForPath returns the extractor for a file path, keyed by extension.
func (r *Registry) ForPath(path string) (Extractor, error) {
	ext := NormalizeExt(path)
	e, ok := r.extractors[ext]
	if !ok {
		return nil, fmt.Errorf("no extractor for %q files", ext)
	}
	return e, nil
}

// Supported reports whether the extension has a registered extractor.
func (r *Registry) Supported(path string) bool {
	_, ok := r.extractors[NormalizeExt(path)]
	return ok
}

// NormalizeExt returns the lowercased extension without the leading dot.
func NormalizeExt(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
