// Package kb implements the knowledge-base ingest and retrieval pipeline:
// extract → clean → validate → chunk → embed → store, with per-group
// ingest locking and URL/content-hash deduplication.
package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

// Typed pipeline failures, checked with errors.Is.
var (
	ErrAlreadyIngested       = errors.New("url already ingested")
	ErrDuplicateContent      = errors.New("duplicate content")
	ErrExtractionFailed      = errors.New("extraction failed")
	ErrEmbeddingsUnavailable = errors.New("embeddings unavailable")
	ErrInvalidInput          = errors.New("invalid input")
	ErrNotFound              = errors.New("source not found")
)

// IsDuplicate reports whether err is one of the dedup outcomes, which
// background ingestion treats as expected noise.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrAlreadyIngested) || errors.Is(err, ErrDuplicateContent)
}

const maxContentBytes = 4 << 20

// minContentLength by source type; anything shorter is rejected as an
// extraction artifact.
var minContentLength = map[string]int{
	TypeArticle: 200,
	TypeVideo:   100,
	TypePDF:     100,
	TypeTweet:   30,
	TypeText:    20,
	TypeOther:   20,
}

// Pipeline is the knowledge-base service for all groups.
type Pipeline struct {
	store     *store.Store
	embedder  Embedder
	extractor *Extractor
	locksDir  string
	logger    *slog.Logger
}

// New creates the pipeline.
func New(st *store.Store, embedder Embedder, extractor *Extractor, locksDir string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:     st,
		embedder:  embedder,
		extractor: extractor,
		locksDir:  locksDir,
		logger:    logger.With("component", "kb"),
	}
}

// IngestRequest describes one ingest or update call.
type IngestRequest struct {
	GroupFolder string
	URL         string
	Content     string // direct text; skips extraction
	Title       string
	SourceType  string // caller override; detected from URL when empty
	Tags        []string
}

// Ingest runs the full pipeline and returns the created source.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*store.KBSource, error) {
	if req.GroupFolder == "" {
		return nil, fmt.Errorf("%w: group folder required", ErrInvalidInput)
	}
	if req.URL == "" && req.Content == "" {
		return nil, fmt.Errorf("%w: url or content required", ErrInvalidInput)
	}

	release, err := p.acquireLock(ctx, req.GroupFolder)
	if err != nil {
		return nil, err
	}
	defer release()

	normalized := ""
	if req.URL != "" {
		normalized = NormalizeURL(req.URL)
		existing, err := p.store.GetKBSourceByURL(req.GroupFolder, normalized)
		if err != nil {
			return nil, fmt.Errorf("url dedup lookup: %w", err)
		}
		if existing != nil {
			return existing, ErrAlreadyIngested
		}
	}

	src, err := p.buildSource(ctx, req, normalized, "")
	if err != nil {
		return nil, err
	}
	src.CreatedAt = store.Now()
	src.UpdatedAt = src.CreatedAt

	if err := p.store.CreateKBSource(*src); err != nil {
		return nil, fmt.Errorf("persisting source: %w", err)
	}
	if err := p.chunkAndEmbed(ctx, src); err != nil {
		return nil, err
	}
	p.logger.Info("kb: ingested source",
		"id", src.ID, "group", src.GroupFolder, "type", src.SourceType, "title", src.Title)
	return src, nil
}

// Update re-ingests an existing source, replacing its chunks and
// preserving created_at. With neither new content nor a URL it updates
// title/tags in place without re-chunking; with nothing supplied at all it
// is invalid.
func (p *Pipeline) Update(ctx context.Context, sourceID string, req IngestRequest) (*store.KBSource, error) {
	existing, err := p.store.GetKBSource(sourceID)
	if err != nil {
		return nil, fmt.Errorf("loading source: %w", err)
	}
	if existing == nil || existing.GroupFolder != req.GroupFolder {
		return nil, ErrNotFound
	}

	release, err := p.acquireLock(ctx, req.GroupFolder)
	if err != nil {
		return nil, err
	}
	defer release()

	// Metadata-only update: no new content and nothing to re-extract.
	if req.Content == "" && req.URL == "" && existing.URL == "" {
		if req.Title == "" && len(req.Tags) == 0 {
			return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
		}
		if req.Title != "" {
			existing.Title = req.Title
		}
		if len(req.Tags) > 0 {
			existing.Tags = req.Tags
		}
		existing.UpdatedAt = store.Now()
		if err := p.store.UpdateKBSource(*existing); err != nil {
			return nil, fmt.Errorf("updating source: %w", err)
		}
		return existing, nil
	}

	if req.URL == "" {
		req.URL = existing.URL
	}
	normalized := ""
	if req.URL != "" {
		normalized = NormalizeURL(req.URL)
	}

	src, err := p.buildSource(ctx, req, normalized, sourceID)
	if err != nil {
		return nil, err
	}
	src.ID = existing.ID
	src.CreatedAt = existing.CreatedAt
	src.UpdatedAt = store.Now()
	if src.Title == "" {
		src.Title = existing.Title
	}
	if len(src.Tags) == 0 {
		src.Tags = existing.Tags
	}

	if err := p.store.UpdateKBSource(*src); err != nil {
		return nil, fmt.Errorf("updating source: %w", err)
	}
	if err := p.chunkAndEmbed(ctx, src); err != nil {
		return nil, err
	}
	return src, nil
}

// Delete removes a source and its chunks. Scoped to the group.
func (p *Pipeline) Delete(groupFolder, sourceID string) error {
	existing, err := p.store.GetKBSource(sourceID)
	if err != nil {
		return fmt.Errorf("loading source: %w", err)
	}
	if existing == nil || existing.GroupFolder != groupFolder {
		return ErrNotFound
	}
	return p.store.DeleteKBSource(sourceID)
}

// List returns a group's sources.
func (p *Pipeline) List(groupFolder string) ([]store.KBSource, error) {
	return p.store.ListKBSources(groupFolder)
}

// Reembed backfills vectors for chunks stored while the provider was down.
// Returns the number of chunks updated.
func (p *Pipeline) Reembed(ctx context.Context, groupFolder string) (int, error) {
	missing, err := p.store.KBChunksMissingEmbeddings(groupFolder)
	if err != nil {
		return 0, fmt.Errorf("loading chunks: %w", err)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	texts := make([]string, len(missing))
	for i, c := range missing {
		texts[i] = c.Content
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i, c := range missing {
		if i >= len(vectors) || len(vectors[i]) == 0 {
			continue
		}
		if err := p.store.UpdateKBChunkEmbedding(c.ID, PackVector(vectors[i]),
			len(vectors[i]), p.embedder.Name(), p.embedder.Model()); err != nil {
			return updated, fmt.Errorf("updating chunk %s: %w", c.ID, err)
		}
		updated++
	}
	return updated, nil
}

// ---------- Search ----------

// SearchRequest scopes a semantic query. MinSimilarity nil means the 0.7
// default; an explicit 0 disables the similarity floor.
type SearchRequest struct {
	Query          string
	GroupFolder    string // empty searches all groups
	Limit          int
	MinSimilarity  *float64
	DedupeBySource bool
}

// SearchResult is one retrieval hit.
type SearchResult struct {
	ChunkID    string  `json:"chunkId"`
	SourceID   string  `json:"sourceId"`
	URL        string  `json:"url,omitempty"`
	Title      string  `json:"title"`
	SourceType string  `json:"sourceType"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Search embeds the query and ranks in-scope chunks by cosine similarity.
// When the provider is down it returns no results and logs a warning.
func (p *Pipeline) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidInput)
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	minSimilarity := 0.7
	if req.MinSimilarity != nil {
		minSimilarity = *req.MinSimilarity
	}

	vectors, err := p.embedder.Embed(ctx, []string{req.Query})
	if err != nil || len(vectors) == 0 || len(vectors[0]) == 0 {
		p.logger.Warn("kb: query embedding unavailable, returning no semantic hits", "error", err)
		return nil, nil
	}
	queryVec := vectors[0]

	chunks, err := p.store.KBChunksWithEmbeddings(req.GroupFolder)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}

	var hits []SearchResult
	for _, c := range chunks {
		sim := CosineSimilarity(queryVec, UnpackVector(c.Embedding))
		if sim < minSimilarity {
			continue
		}
		hits = append(hits, SearchResult{
			ChunkID:    c.ID,
			SourceID:   c.SourceID,
			URL:        c.URL,
			Title:      c.Title,
			SourceType: c.SourceType,
			Content:    c.Content,
			Similarity: sim,
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })

	if req.DedupeBySource {
		seen := make(map[string]bool)
		deduped := hits[:0]
		for _, h := range hits {
			if seen[h.SourceID] {
				continue
			}
			seen[h.SourceID] = true
			deduped = append(deduped, h)
		}
		hits = deduped
	}

	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	return hits, nil
}

// ---------- Internal ----------

// buildSource runs extract → clean → validate → hash-dedup and returns an
// unpersisted source. excludeID skips the hash-dedup match for updates.
func (p *Pipeline) buildSource(ctx context.Context, req IngestRequest, normalizedURL, excludeID string) (*store.KBSource, error) {
	sourceType := req.SourceType
	if sourceType == "" {
		if normalizedURL != "" {
			sourceType = DetectSourceType(normalizedURL)
		} else {
			sourceType = TypeText
		}
	}

	title := req.Title
	content := req.Content
	if content == "" {
		extracted, err := p.extractor.Extract(ctx, normalizedURL, sourceType)
		if err != nil {
			return nil, err
		}
		content = extracted.Content
		if title == "" {
			title = extracted.Title
		}
	}
	if title == "" {
		title = titleFromURL(normalizedURL)
	}

	content = Clean(content)

	minLen := minContentLength[sourceType]
	if minLen == 0 {
		minLen = minContentLength[TypeOther]
	}
	if len(content) < minLen {
		return nil, fmt.Errorf("%w: content too short (%d < %d) for %s", ErrExtractionFailed, len(content), minLen, sourceType)
	}
	if len(content) > maxContentBytes {
		content = content[:maxContentBytes]
		p.logger.Warn("kb: content truncated", "group", req.GroupFolder, "url", normalizedURL)
	}

	hash := ContentHash(content)
	dup, err := p.store.GetKBSourceByHash(req.GroupFolder, hash)
	if err != nil {
		return nil, fmt.Errorf("hash dedup lookup: %w", err)
	}
	if dup != nil && dup.ID != excludeID {
		return nil, fmt.Errorf("%w: matches source %s", ErrDuplicateContent, dup.ID)
	}

	return &store.KBSource{
		ID:          NewSourceID(),
		GroupFolder: req.GroupFolder,
		URL:         normalizedURL,
		Title:       title,
		SourceType:  sourceType,
		RawContent:  content,
		ContentHash: hash,
		Tags:        req.Tags,
	}, nil
}

// chunkAndEmbed replaces the source's chunks. Provider failures degrade to
// storing chunks without vectors.
func (p *Pipeline) chunkAndEmbed(ctx context.Context, src *store.KBSource) error {
	pieces := Chunk(src.RawContent)

	vectors, err := p.embedder.Embed(ctx, pieces)
	if err != nil {
		p.logger.Warn("kb: embedding failed, storing chunks without vectors",
			"source", src.ID, "error", err)
		vectors = nil
	}

	now := store.Now()
	chunks := make([]store.KBChunk, len(pieces))
	for i, piece := range pieces {
		c := store.KBChunk{
			ID:         uuid.NewString(),
			SourceID:   src.ID,
			ChunkIndex: i,
			Content:    piece,
			CreatedAt:  now,
		}
		if i < len(vectors) && len(vectors[i]) > 0 {
			c.Embedding = PackVector(vectors[i])
			c.EmbeddingDim = len(vectors[i])
			c.EmbeddingProvider = p.embedder.Name()
			c.EmbeddingModel = p.embedder.Model()
		}
		chunks[i] = c
	}

	if err := p.store.ReplaceKBChunks(src.ID, chunks); err != nil {
		return fmt.Errorf("persisting chunks: %w", err)
	}
	return nil
}

// acquireLock takes the per-group ingest lock (O_EXCL lock file). Locks
// older than 10 minutes are considered stale and broken.
func (p *Pipeline) acquireLock(ctx context.Context, groupFolder string) (func(), error) {
	if err := os.MkdirAll(p.locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating locks dir: %w", err)
	}
	path := filepath.Join(p.locksDir, "kb-"+groupFolder+".lock")

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > 10*time.Minute {
			p.logger.Warn("kb: breaking stale ingest lock", "group", groupFolder)
			os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// ---------- Helpers ----------

// trackingParams are query parameters stripped during URL normalization.
var trackingParams = map[string]bool{
	"fbclid": true, "gclid": true, "msclkid": true, "igshid": true,
	"mc_cid": true, "mc_eid": true, "ref": true, "ref_src": true, "s": true,
}

// NormalizeURL lowercases the scheme and host, strips tracking parameters,
// and trims the trailing slash, producing the KB's canonical URL form.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if trackingParams[key] || strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// Clean strips control characters (keeping newlines and tabs) and collapses
// runs of whitespace.
func Clean(content string) string {
	var sb strings.Builder
	sb.Grow(len(content))
	for _, r := range content {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		if r == 0x7f {
			continue
		}
		sb.WriteRune(r)
	}
	s := sb.String()

	// Collapse horizontal whitespace runs and excess blank lines.
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}

// ContentHash returns the SHA-256 of cleaned content, hex-encoded.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// NewSourceID mints a kb-<ts>-<rand> source id.
func NewSourceID() string {
	return fmt.Sprintf("kb-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
