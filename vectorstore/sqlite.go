package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

const deleteBatchSize = 500

// SQLiteStore implements Store on SQLite with the sqlite-vec extension.
// Each collection gets its own vec0 virtual table so KNN queries are
// naturally scoped and collection deletion is a DROP TABLE. Chunk rows for
// all collections share one table.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

// NewSQLite opens (or creates) the vector database at path. dim is the
// embedding dimension for every collection; it never varies within a
// deployment.
func NewSQLite(path string, dim int) (*SQLiteStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS collections (
    name TEXT PRIMARY KEY,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chunks (
    id TEXT NOT NULL UNIQUE,
    collection TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
    content TEXT NOT NULL,
    document_id TEXT,
    source_file TEXT,
    content_hash TEXT,
    chunk_index INTEGER,
    metadata JSON
);

CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection);
CREATE INDEX IF NOT EXISTS idx_chunks_hash ON chunks(collection, content_hash);
CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(collection, document_id, chunk_index);
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &SQLiteStore{db: db, dim: dim}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Dim returns the deployment embedding dimension.
func (s *SQLiteStore) Dim() int { return s.dim }

// vecTable returns the quoted vec0 table name for a collection. The name
// has already passed ValidCollectionName, so interpolation is safe.
func vecTable(name string) string {
	return `"vec_` + name + `"`
}

// GetOrCreateCollection returns the named collection, creating it and its
// vec0 table on first use.
func (s *SQLiteStore) GetOrCreateCollection(ctx context.Context, name string) (Collection, error) {
	if !ValidCollectionName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return nil, fmt.Errorf("registering collection: %w", err)
	}

	ddl := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
			chunk_rowid INTEGER PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		)`, vecTable(name), s.dim)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("creating vec table: %w", err)
	}

	return &sqliteCollection{store: s, name: name}, nil
}

// HasCollection reports whether the named collection exists.
func (s *SQLiteStore) HasCollection(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM collections WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListCollections returns every collection with chunk and document counts.
func (s *SQLiteStore) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cl.name,
			COUNT(c.id),
			COUNT(DISTINCT c.document_id)
		FROM collections cl
		LEFT JOIN chunks c ON c.collection = cl.name
		GROUP BY cl.name
		ORDER BY cl.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []CollectionInfo
	for rows.Next() {
		var info CollectionInfo
		if err := rows.Scan(&info.Name, &info.ChunkCount, &info.DocumentCount); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// DeleteCollection removes a collection, its chunks, and its vec table.
func (s *SQLiteStore) DeleteCollection(ctx context.Context, name string) error {
	if !ValidCollectionName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE collection = ?`, name); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting collection row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+vecTable(name)); err != nil {
		return fmt.Errorf("dropping vec table: %w", err)
	}
	return tx.Commit()
}

// --- collection ---

type sqliteCollection struct {
	store *SQLiteStore
	name  string
}

func (c *sqliteCollection) Name() string { return c.name }

// Add inserts records and their embeddings in one transaction.
func (c *sqliteCollection) Add(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, r := range recs {
		if len(r.Embedding) != c.store.dim {
			return fmt.Errorf("%w: record %s has dimension %d, want %d",
				ErrDimensionMismatch, r.ID, len(r.Embedding), c.store.dim)
		}
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insChunk, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, collection, content, document_id, source_file, content_hash, chunk_index, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer insChunk.Close()

	insVec, err := tx.PrepareContext(ctx,
		`INSERT INTO `+vecTable(c.name)+` (chunk_rowid, embedding) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer insVec.Close()

	for _, r := range recs {
		metaJSON, err := json.Marshal(r.Meta.Plain())
		if err != nil {
			return fmt.Errorf("encoding metadata for %s: %w", r.ID, err)
		}

		var chunkIdx any
		if ci := r.Meta.ChunkIndex(); ci >= 0 {
			chunkIdx = ci
		}

		res, err := insChunk.ExecContext(ctx,
			r.ID, c.name, r.Content,
			r.Meta.DocumentID(), r.Meta.SourceFile(), r.Meta.ContentHash(),
			chunkIdx, string(metaJSON))
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", r.ID, err)
		}
		rowid, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := insVec.ExecContext(ctx, rowid, serializeFloat32(r.Embedding)); err != nil {
			return fmt.Errorf("inserting embedding for %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// Query performs a KNN search over the collection's vec table, returning
// results ordered by ascending cosine distance.
func (c *sqliteCollection) Query(ctx context.Context, embedding []float32, n int) ([]Result, error) {
	if len(embedding) != c.store.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, want %d", ErrDimensionMismatch, len(embedding), c.store.dim)
	}
	if n <= 0 {
		return nil, nil
	}

	rows, err := c.store.db.QueryContext(ctx, `
		SELECT ch.id, ch.content, ch.metadata, v.distance
		FROM `+vecTable(c.name)+` v
		JOIN chunks ch ON ch.rowid = v.chunk_rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(embedding), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r        Result
			metaJSON string
		)
		if err := rows.Scan(&r.ID, &r.Content, &metaJSON, &r.Distance); err != nil {
			return nil, err
		}
		r.Meta = decodeMeta(metaJSON)
		results = append(results, r)
	}
	return results, rows.Err()
}

// Get scans chunks matching the metadata filter. Known fields hit real
// columns; anything else goes through json_extract on the metadata blob.
func (c *sqliteCollection) Get(ctx context.Context, filter Filter, limit int) ([]Record, error) {
	query := `SELECT id, content, metadata FROM chunks WHERE collection = ?`
	args := []any{c.name}

	for key, val := range filter {
		switch key {
		case KeyDocumentID, KeySourceFile, KeyContentHash:
			query += fmt.Sprintf(" AND %s = ?", key)
			args = append(args, val.String())
		case KeyChunkIndex:
			query += " AND chunk_index = ?"
			args = append(args, val.Int)
		default:
			query += " AND json_extract(metadata, ?) = ?"
			args = append(args, "$."+key, val.Value())
		}
	}
	query += " ORDER BY rowid"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			r        Record
			metaJSON string
		)
		if err := rows.Scan(&r.ID, &r.Content, &metaJSON); err != nil {
			return nil, err
		}
		r.Meta = decodeMeta(metaJSON)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Count returns the number of chunks in the collection.
func (c *sqliteCollection) Count(ctx context.Context) (int, error) {
	var n int
	err := c.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE collection = ?`, c.name).Scan(&n)
	return n, err
}

// DeleteIDs removes chunks and their embeddings, at most 500 ids per
// statement.
func (c *sqliteCollection) DeleteIDs(ctx context.Context, ids []string) error {
	for len(ids) > 0 {
		batch := ids
		if len(batch) > deleteBatchSize {
			batch = batch[:deleteBatchSize]
		}
		ids = ids[len(batch):]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, 0, len(batch)+1)
		args = append(args, c.name)
		for _, id := range batch {
			args = append(args, id)
		}

		tx, err := c.store.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM `+vecTable(c.name)+` WHERE chunk_rowid IN (
				SELECT rowid FROM chunks WHERE collection = ? AND id IN (`+placeholders+`)
			)`, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("deleting embeddings: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE collection = ? AND id IN (`+placeholders+`)`,
			args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("deleting chunks: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// --- helpers ---

// decodeMeta parses a metadata JSON blob back into scalar Metadata.
// JSON numbers decode as float64; known integer fields are coerced back.
func decodeMeta(metaJSON string) Metadata {
	var raw map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &raw); err != nil {
		return Metadata{}
	}
	md := Sanitize(raw)
	for _, key := range []string{KeyChunkIndex, KeyTotalChunks, KeyPageNumber} {
		if s, ok := md[key]; ok && s.Kind == KindFloat {
			md[key] = I(int64(s.Flt))
		}
	}
	return md
}

func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
