// Package chunker splits extracted document text into bounded, overlapping
// chunks. Splitting is a recursive separator descent; consecutive chunks
// share a sentence-aware overlap so an overlap never begins mid-word when
// punctuation is available.
package chunker

import (
	"strings"
)

// MinChunkChars is the default minimum chunk length. Shorter pieces are
// dropped to suppress page-number and header noise.
const MinChunkChars = 50

// Config controls the chunking behaviour.
type Config struct {
	ChunkSize  int      // Maximum characters per chunk.
	Overlap    int      // Trailing characters carried into the next chunk.
	MinChars   int      // Chunks shorter than this are dropped.
	Separators []string // Ordered, strongest first.
}

// Chunker converts text into ordered chunks.
type Chunker struct {
	cfg Config
}

// General returns the chunker profile for prose.
func General() *Chunker {
	return New(Config{ChunkSize: 1000, Overlap: 200})
}

// Code returns the chunker profile for source code. Code is only split at
// line boundaries.
func Code() *Chunker {
	return New(Config{ChunkSize: 1500, Overlap: 300, Separators: []string{"\n\n", "\n"}})
}

// Tabular returns the chunker profile for row-oriented data.
func Tabular() *Chunker {
	return New(Config{ChunkSize: 1200, Overlap: 100})
}

// New returns a Chunker with the given configuration. Zero-value fields are
// replaced with defaults.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 200
	}
	if cfg.MinChars == 0 {
		cfg.MinChars = MinChunkChars
	}
	if len(cfg.Separators) == 0 {
		cfg.Separators = []string{"\n\n", "\n", ". ", " "}
	}
	return &Chunker{cfg: cfg}
}

// Split breaks text into ordered chunks. Concatenating the chunks in order,
// with overlaps removed, covers the input modulo discarded below-minimum
// pieces.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	pieces := c.descend(text, c.cfg.Separators)
	merged := c.merge(pieces)

	out := make([]string, 0, len(merged))
	for _, chunk := range merged {
		chunk = strings.TrimSpace(chunk)
		if len(chunk) >= c.cfg.MinChars {
			out = append(out, chunk)
		}
	}
	return out
}

// descend splits text by the strongest separator; any piece still exceeding
// ChunkSize is re-split with the next separator. When all separators are
// exhausted the piece is hard-split at ChunkSize boundaries.
func (c *Chunker) descend(text string, separators []string) []string {
	if len(text) <= c.cfg.ChunkSize {
		return []string{text}
	}
	if len(separators) == 0 {
		return hardSplit(text, c.cfg.ChunkSize)
	}

	sep := separators[0]
	parts := splitKeep(text, sep)
	if len(parts) == 1 {
		// Separator absent, descend with the next one.
		return c.descend(text, separators[1:])
	}

	var pieces []string
	for _, part := range parts {
		if len(part) > c.cfg.ChunkSize {
			pieces = append(pieces, c.descend(part, separators[1:])...)
		} else {
			pieces = append(pieces, part)
		}
	}
	return pieces
}

// merge greedily concatenates pieces while the running chunk stays within
// ChunkSize; otherwise it emits the running chunk and starts the next one
// from the sentence-aware overlap of the emitted chunk.
func (c *Chunker) merge(pieces []string) []string {
	var (
		chunks  []string
		current strings.Builder
	)

	for _, piece := range pieces {
		if current.Len() > 0 && current.Len()+len(piece) > c.cfg.ChunkSize {
			emitted := current.String()
			chunks = append(chunks, emitted)
			current.Reset()
			current.WriteString(c.overlapTail(emitted))
		}
		current.WriteString(piece)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// overlapTail returns the overlap text to seed the next chunk with: within
// the trailing Overlap characters of the emitted chunk, start just after
// the last sentence-ending punctuation followed by whitespace. Falls back
// to a newline split, then to the raw character overlap.
func (c *Chunker) overlapTail(emitted string) string {
	if c.cfg.Overlap <= 0 || emitted == "" {
		return ""
	}

	window := emitted
	if len(window) > c.cfg.Overlap {
		window = window[len(window)-c.cfg.Overlap:]
	}

	if idx := lastSentenceEnd(window); idx >= 0 {
		return strings.TrimLeft(window[idx+1:], " \t\n")
	}
	if idx := strings.LastIndex(window, "\n"); idx >= 0 && idx+1 < len(window) {
		return window[idx+1:]
	}
	return window
}

// lastSentenceEnd returns the index of the last '.', '!' or '?' that is
// followed by whitespace, or -1.
func lastSentenceEnd(s string) int {
	for i := len(s) - 2; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			next := s[i+1]
			if next == ' ' || next == '\n' || next == '\t' {
				return i
			}
		}
	}
	return -1
}

// splitKeep splits text on sep, keeping the separator attached to the end
// of each piece so concatenation reproduces the input.
func splitKeep(text, sep string) []string {
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i < len(parts)-1 {
			p += sep
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// hardSplit cuts text at fixed-size boundaries.
func hardSplit(text string, size int) []string {
	var out []string
	for len(text) > size {
		out = append(out, text[:size])
		text = text[size:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
