// Package store – kb.go implements knowledge-base persistence.
//
// Sources own chunks; deleting a source cascades. Dedup is enforced at the
// schema level: (group_folder, content_hash) and (group_folder, url) are
// both unique. Chunk embeddings are little-endian packed float32 BLOBs so
// the search layer can load them without JSON overhead.
package store

import (
	"database/sql"
	"strings"
)

// KBSource is an ingested document.
type KBSource struct {
	ID          string
	GroupFolder string
	URL         string
	Title       string
	SourceType  string
	RawContent  string
	ContentHash string
	Tags        []string
	CreatedAt   string
	UpdatedAt   string
}

// KBChunk is a sub-window of a source's cleaned content, the unit of
// embedding and retrieval.
type KBChunk struct {
	ID                string
	SourceID          string
	ChunkIndex        int
	Content           string
	Embedding         []byte
	EmbeddingDim      int
	EmbeddingProvider string
	EmbeddingModel    string
	CreatedAt         string
}

// CreateKBSource inserts a source row.
func (s *Store) CreateKBSource(src KBSource) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO kb_sources (id, group_folder, url, title, source_type, raw_content, content_hash, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, src.ID, src.GroupFolder, nullable(src.URL), src.Title, src.SourceType,
		src.RawContent, src.ContentHash, strings.Join(src.Tags, ","), src.CreatedAt, src.UpdatedAt)
	return err
}

// UpdateKBSource rewrites a source's mutable fields, preserving created_at.
func (s *Store) UpdateKBSource(src KBSource) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		UPDATE kb_sources
		SET url = ?, title = ?, source_type = ?, raw_content = ?, content_hash = ?, tags = ?, updated_at = ?
		WHERE id = ?
	`, nullable(src.URL), src.Title, src.SourceType, src.RawContent,
		src.ContentHash, strings.Join(src.Tags, ","), src.UpdatedAt, src.ID)
	return err
}

// GetKBSource returns a source by ID, or nil.
func (s *Store) GetKBSource(id string) (*KBSource, error) {
	return s.queryKBSource(`SELECT id, group_folder, url, title, source_type, raw_content, content_hash, tags, created_at, updated_at
		FROM kb_sources WHERE id = ?`, id)
}

// GetKBSourceByURL returns the group's source with the given normalized
// URL, or nil.
func (s *Store) GetKBSourceByURL(groupFolder, url string) (*KBSource, error) {
	return s.queryKBSource(`SELECT id, group_folder, url, title, source_type, raw_content, content_hash, tags, created_at, updated_at
		FROM kb_sources WHERE group_folder = ? AND url = ?`, groupFolder, url)
}

// GetKBSourceByHash returns the group's source with the given content hash,
// or nil.
func (s *Store) GetKBSourceByHash(groupFolder, hash string) (*KBSource, error) {
	return s.queryKBSource(`SELECT id, group_folder, url, title, source_type, raw_content, content_hash, tags, created_at, updated_at
		FROM kb_sources WHERE group_folder = ? AND content_hash = ?`, groupFolder, hash)
}

// ListKBSources returns all sources in a group, newest first.
func (s *Store) ListKBSources(groupFolder string) ([]KBSource, error) {
	rows, err := s.db.Query(`
		SELECT id, group_folder, url, title, source_type, raw_content, content_hash, tags, created_at, updated_at
		FROM kb_sources WHERE group_folder = ? ORDER BY created_at DESC
	`, groupFolder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []KBSource
	for rows.Next() {
		src, err := scanKBSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// DeleteKBSource removes a source; its chunks cascade.
func (s *Store) DeleteKBSource(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`DELETE FROM kb_sources WHERE id = ?`, id)
	return err
}

// ReplaceKBChunks atomically replaces all chunks of a source.
func (s *Store) ReplaceKBChunks(sourceID string, chunks []KBChunk) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM kb_chunks WHERE source_id = ?`, sourceID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO kb_chunks (id, source_id, chunk_index, content, embedding, embedding_dim, embedding_provider, embedding_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		var emb any
		if len(c.Embedding) > 0 {
			emb = c.Embedding
		}
		if _, err := stmt.Exec(c.ID, sourceID, c.ChunkIndex, c.Content, emb,
			c.EmbeddingDim, c.EmbeddingProvider, c.EmbeddingModel, c.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// KBChunkRow joins a chunk with its source metadata for search.
type KBChunkRow struct {
	KBChunk
	GroupFolder string
	URL         string
	Title       string
	SourceType  string
}

// KBChunksWithEmbeddings returns every chunk in scope that has a stored
// embedding. Empty groupFolder means all groups.
func (s *Store) KBChunksWithEmbeddings(groupFolder string) ([]KBChunkRow, error) {
	query := `
		SELECT c.id, c.source_id, c.chunk_index, c.content, c.embedding, c.embedding_dim,
		       c.embedding_provider, c.embedding_model, c.created_at,
		       s.group_folder, COALESCE(s.url, ''), s.title, s.source_type
		FROM kb_chunks c JOIN kb_sources s ON s.id = c.source_id
		WHERE c.embedding IS NOT NULL
	`
	var args []any
	if groupFolder != "" {
		query += ` AND s.group_folder = ?`
		args = append(args, groupFolder)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []KBChunkRow
	for rows.Next() {
		var r KBChunkRow
		if err := rows.Scan(&r.ID, &r.SourceID, &r.ChunkIndex, &r.Content, &r.Embedding,
			&r.EmbeddingDim, &r.EmbeddingProvider, &r.EmbeddingModel, &r.CreatedAt,
			&r.GroupFolder, &r.URL, &r.Title, &r.SourceType); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// KBChunksMissingEmbeddings returns chunks stored without vectors, for the
// re-embed backfill pass.
func (s *Store) KBChunksMissingEmbeddings(groupFolder string) ([]KBChunkRow, error) {
	query := `
		SELECT c.id, c.source_id, c.chunk_index, c.content, COALESCE(c.embedding, x''), c.embedding_dim,
		       c.embedding_provider, c.embedding_model, c.created_at,
		       s.group_folder, COALESCE(s.url, ''), s.title, s.source_type
		FROM kb_chunks c JOIN kb_sources s ON s.id = c.source_id
		WHERE c.embedding IS NULL
	`
	var args []any
	if groupFolder != "" {
		query += ` AND s.group_folder = ?`
		args = append(args, groupFolder)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []KBChunkRow
	for rows.Next() {
		var r KBChunkRow
		if err := rows.Scan(&r.ID, &r.SourceID, &r.ChunkIndex, &r.Content, &r.Embedding,
			&r.EmbeddingDim, &r.EmbeddingProvider, &r.EmbeddingModel, &r.CreatedAt,
			&r.GroupFolder, &r.URL, &r.Title, &r.SourceType); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// UpdateKBChunkEmbedding backfills one chunk's vector.
func (s *Store) UpdateKBChunkEmbedding(chunkID string, embedding []byte, dim int, provider, model string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		UPDATE kb_chunks SET embedding = ?, embedding_dim = ?, embedding_provider = ?, embedding_model = ?
		WHERE id = ?
	`, embedding, dim, provider, model, chunkID)
	return err
}

// ---------- Internal ----------

func (s *Store) queryKBSource(query string, args ...any) (*KBSource, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanKBSource(rows)
}

func scanKBSource(rows *sql.Rows) (*KBSource, error) {
	var src KBSource
	var url sql.NullString
	var tags string
	err := rows.Scan(&src.ID, &src.GroupFolder, &url, &src.Title, &src.SourceType,
		&src.RawContent, &src.ContentHash, &tags, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	src.URL = url.String
	if tags != "" {
		src.Tags = strings.Split(tags, ",")
	}
	return &src, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
