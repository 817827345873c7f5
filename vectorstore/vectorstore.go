// Package vectorstore provides a persistent collection of
// (id, text, embedding, metadata) records with filtered scans and
// approximate nearest-neighbor queries over cosine distance.
package vectorstore

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// collectionNameRE validates collection names.
var collectionNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidCollectionName reports whether name is an acceptable collection name.
func ValidCollectionName(name string) bool {
	return collectionNameRE.MatchString(name)
}

// ScalarKind discriminates the Scalar sum type.
type ScalarKind int

const (
	KindString ScalarKind = iota
	KindInt
	KindFloat
	KindBool
)

// Scalar is a tagged scalar value: string, int, float, or bool. Chunk
// metadata only ever holds scalars; compound values are serialized to
// their string form before storage.
type Scalar struct {
	Kind ScalarKind
	Str  string
	Int  int64
	Flt  float64
	Bool bool
}

// S returns a string Scalar.
func S(v string) Scalar { return Scalar{Kind: KindString, Str: v} }

// I returns an int Scalar.
func I(v int64) Scalar { return Scalar{Kind: KindInt, Int: v} }

// F returns a float Scalar.
func F(v float64) Scalar { return Scalar{Kind: KindFloat, Flt: v} }

// B returns a bool Scalar.
func B(v bool) Scalar { return Scalar{Kind: KindBool, Bool: v} }

// String renders the scalar as text.
func (s Scalar) String() string {
	switch s.Kind {
	case KindInt:
		return strconv.FormatInt(s.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(s.Flt, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(s.Bool)
	default:
		return s.Str
	}
}

// Value returns the scalar as an any, for JSON encoding.
func (s Scalar) Value() any {
	switch s.Kind {
	case KindInt:
		return s.Int
	case KindFloat:
		return s.Flt
	case KindBool:
		return s.Bool
	default:
		return s.Str
	}
}

// Metadata is the open scalar map attached to every chunk. Known fields
// (document_id, chunk_index, ...) get typed accessors; unknown fields pass
// through as opaque scalars.
type Metadata map[string]Scalar

// Well-known metadata keys.
const (
	KeyDocumentID    = "document_id"
	KeySourceFile    = "source_file"
	KeyContentHash   = "content_hash"
	KeyChunkIndex    = "chunk_index"
	KeyTotalChunks   = "total_chunks"
	KeyPageNumber    = "page_number"
	KeySectionHeader = "section_header"
	KeyLanguage      = "language"
	KeyFileType      = "file_type"
)

// DocumentID returns the document_id field, or "".
func (m Metadata) DocumentID() string { return m.str(KeyDocumentID) }

// SourceFile returns the source_file field, or "".
func (m Metadata) SourceFile() string { return m.str(KeySourceFile) }

// ContentHash returns the content_hash field, or "".
func (m Metadata) ContentHash() string { return m.str(KeyContentHash) }

// SectionHeader returns the section_header field, or "".
func (m Metadata) SectionHeader() string { return m.str(KeySectionHeader) }

// ChunkIndex returns the chunk_index field, or -1 when absent.
func (m Metadata) ChunkIndex() int {
	if s, ok := m[KeyChunkIndex]; ok && s.Kind == KindInt {
		return int(s.Int)
	}
	return -1
}

// TotalChunks returns the total_chunks field, or 0 when absent.
func (m Metadata) TotalChunks() int {
	if s, ok := m[KeyTotalChunks]; ok && s.Kind == KindInt {
		return int(s.Int)
	}
	return 0
}

// PageNumber returns the page_number field, or 0 when absent.
func (m Metadata) PageNumber() int {
	if s, ok := m[KeyPageNumber]; ok && s.Kind == KindInt {
		return int(s.Int)
	}
	return 0
}

func (m Metadata) str(key string) string {
	if s, ok := m[key]; ok {
		return s.String()
	}
	return ""
}

// Plain converts the metadata to a plain map for JSON responses.
func (m Metadata) Plain() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Value()
	}
	return out
}

// Sanitize coerces an open map into scalar-only Metadata. Numeric and bool
// values keep their type; everything else is stored as its string form.
func Sanitize(raw map[string]any) Metadata {
	md := make(Metadata, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			md[k] = S(t)
		case int:
			md[k] = I(int64(t))
		case int64:
			md[k] = I(t)
		case float64:
			md[k] = F(t)
		case float32:
			md[k] = F(float64(t))
		case bool:
			md[k] = B(t)
		case nil:
			// dropped
		default:
			md[k] = S(fmt.Sprintf("%v", t))
		}
	}
	return md
}

// Record is a stored chunk: id, plain text, embedding, scalar metadata.
type Record struct {
	ID        string
	Content   string
	Embedding []float32
	Meta      Metadata
}

// Result is a query hit carrying the cosine distance (lower = more similar).
type Result struct {
	Record
	Distance float64
}

// Filter is a metadata equality filter for scans.
type Filter map[string]Scalar

// CollectionInfo summarises a collection.
type CollectionInfo struct {
	Name          string `json:"name"`
	ChunkCount    int    `json:"chunk_count"`
	DocumentCount int    `json:"document_count"`
}

// Collection is a named, dimension-homogeneous set of chunks.
type Collection interface {
	Name() string

	// Add inserts records. Every embedding must match the store dimension.
	Add(ctx context.Context, recs []Record) error

	// Query returns the n nearest neighbors by cosine distance, ascending.
	Query(ctx context.Context, embedding []float32, n int) ([]Result, error)

	// Get scans records matching all filter fields, up to limit.
	// A nil filter matches everything.
	Get(ctx context.Context, filter Filter, limit int) ([]Record, error)

	// Count returns the number of chunks in the collection.
	Count(ctx context.Context) (int, error)

	// DeleteIDs removes records in batches of at most 500 per statement.
	DeleteIDs(ctx context.Context, ids []string) error
}

// Store is the process-wide vector store.
type Store interface {
	// GetOrCreateCollection returns the named collection, creating it on
	// first use.
	GetOrCreateCollection(ctx context.Context, name string) (Collection, error)

	// HasCollection reports whether the named collection exists.
	HasCollection(ctx context.Context, name string) (bool, error)

	// ListCollections returns all collections with counts.
	ListCollections(ctx context.Context) ([]CollectionInfo, error)

	// DeleteCollection removes a collection and all its chunks.
	DeleteCollection(ctx context.Context, name string) error

	Close() error
}
