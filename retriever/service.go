// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"modelgate/platform/shared/logger"
	"modelgate/platform/store"
)

// Sensitivity classifies a document's access level. Chunks inherit their
// document's sensitivity.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

// ValidSensitivity reports whether s is a known sensitivity level.
func ValidSensitivity(s Sensitivity) bool {
	switch s {
	case SensitivityPublic, SensitivityInternal, SensitivityConfidential, SensitivityRestricted:
		return true
	}
	return false
}

// Document is the stored metadata for an ingested context document.
type Document struct {
	ID          string      `json:"id"`
	OrgID       string      `json:"org_id"`
	Filename    string      `json:"filename"`
	Department  string      `json:"department"`
	Sensitivity Sensitivity `json:"sensitivity"`
	LastUpdated time.Time   `json:"last_updated"`
	ChunkCount  int         `json:"chunk_count"`
}

// Chunk is one immutable slice of a document with its embedding vector.
// Re-ingesting a document replaces its whole chunk set.
type Chunk struct {
	ChunkID    string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Vector     []float64 `json:"-"`
}

// DocumentInput is the ingestion payload.
type DocumentInput struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	Filename    string      `json:"filename"`
	Department  string      `json:"department"`
	Sensitivity Sensitivity `json:"sensitivity"`
}

// SearchFilters narrows search results by document metadata.
type SearchFilters struct {
	Department  string      `json:"department,omitempty"`
	Sensitivity Sensitivity `json:"sensitivity,omitempty"`
	After       time.Time   `json:"after,omitempty"`
	Before      time.Time   `json:"before,omitempty"`
}

// SearchOptions tunes a search call.
type SearchOptions struct {
	Limit     int           `json:"limit"`     // default 10
	Threshold float64       `json:"threshold"` // default 0.7
	Filters   SearchFilters `json:"filters"`
}

const (
	// DefaultSearchLimit caps results when the caller sets no limit.
	DefaultSearchLimit = 10

	// DefaultSearchThreshold is the minimum cosine similarity.
	DefaultSearchThreshold = 0.7
)

// SearchResult is one document-granular hit at its best-matching chunk.
type SearchResult struct {
	Document Document `json:"document"`
	Chunk    Chunk    `json:"chunk"`
	Score    float64  `json:"score"`

	// Fallback marks results computed from the pseudo-embedding; these are
	// low-confidence and reported as such in telemetry.
	Fallback bool `json:"fallback,omitempty"`
}

// Stats summarizes a tenant's document corpus.
type Stats struct {
	Documents     int            `json:"documents"`
	Chunks        int            `json:"chunks"`
	BySensitivity map[string]int `json:"by_sensitivity"`
	ByDepartment  map[string]int `json:"by_department"`
}

// Service is the context retriever: it vectorizes text, chunks documents,
// and cosine-searches per tenant.
type Service struct {
	meta     store.Store
	vectors  store.VectorStore
	embedder Embedder
	cache    *EmbeddingCache
	log      *logger.Logger
}

// NewService wires a retriever from its collaborators.
func NewService(meta store.Store, vectors store.VectorStore, embedder Embedder) *Service {
	return &Service{
		meta:     meta,
		vectors:  vectors,
		embedder: embedder,
		cache:    NewEmbeddingCache(DefaultEmbeddingCacheSize),
		log:      logger.New("retriever"),
	}
}

func docKey(orgID, docID string) string   { return fmt.Sprintf("doc:%s:%s", orgID, docID) }
func chunkPrefix(orgID string) string     { return fmt.Sprintf("chunk:%s:", orgID) }
func chunkKey(orgID, docID string, idx int) string {
	return fmt.Sprintf("chunk:%s:%s:%06d", orgID, docID, idx)
}

// embedTexts vectorizes texts through the LRU cache. Misses go upstream in
// one batched call; failures propagate as ErrEmbeddingUnavailable.
func (s *Service) embedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if vec, ok := s.cache.Get(text); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		vectors, err := s.embedder.Embed(ctx, missing)
		if err != nil {
			return nil, err
		}
		for j, vec := range vectors {
			out[missingIdx[j]] = vec
			s.cache.Set(missing[j], vec)
		}
	}
	return out, nil
}

// embedQuery vectorizes a query, degrading to the deterministic
// pseudo-embedding when the provider is unavailable.
func (s *Service) embedQuery(ctx context.Context, orgID, query string) (vec []float64, fallback bool) {
	if cached, ok := s.cache.Get(query); ok {
		return cached, false
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) != 1 {
		s.log.Warn(orgID, "", "embedding provider unavailable, using pseudo-embedding", map[string]interface{}{
			"low_confidence": true,
		})
		return PseudoEmbed(query, s.embedder.Dimension()), true
	}
	s.cache.Set(query, vectors[0])
	return vectors[0], false
}

// AddDocument chunks, embeds, and indexes a document. Re-ingesting the same
// id replaces all prior chunks. Embedding failures surface to the caller.
func (s *Service) AddDocument(ctx context.Context, orgID string, input DocumentInput) (*Document, error) {
	if input.ID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if !ValidSensitivity(input.Sensitivity) {
		return nil, fmt.Errorf("invalid sensitivity %q", input.Sensitivity)
	}

	contents := ChunkContent(input.Content)
	vectors, err := s.embedTexts(ctx, contents)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	// Replace, not merge: drop every existing chunk first.
	if err := s.removeChunks(ctx, orgID, input.ID); err != nil {
		return nil, err
	}

	doc := Document{
		ID:          input.ID,
		OrgID:       orgID,
		Filename:    input.Filename,
		Department:  input.Department,
		Sensitivity: input.Sensitivity,
		LastUpdated: time.Now().UTC(),
		ChunkCount:  len(contents),
	}

	for i, content := range contents {
		chunk := Chunk{
			ChunkID:    fmt.Sprintf("%s-%d", input.ID, i),
			DocumentID: input.ID,
			ChunkIndex: i,
			Content:    content,
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal chunk: %w", err)
		}
		if err := s.vectors.SetVector(ctx, chunkKey(orgID, input.ID, i), vectors[i], payload); err != nil {
			return nil, fmt.Errorf("failed to index chunk: %w", err)
		}
	}

	metaJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := s.meta.Set(ctx, docKey(orgID, input.ID), metaJSON); err != nil {
		return nil, fmt.Errorf("failed to persist document: %w", err)
	}

	s.log.Info(orgID, "", "document indexed", map[string]interface{}{
		"document_id": input.ID,
		"chunks":      len(contents),
	})
	return &doc, nil
}

// UpdateDocument re-ingests a document, replacing its chunk set.
func (s *Service) UpdateDocument(ctx context.Context, orgID string, input DocumentInput) (*Document, error) {
	return s.AddDocument(ctx, orgID, input)
}

// RemoveDocument deletes a document and all its chunks.
func (s *Service) RemoveDocument(ctx context.Context, orgID, docID string) error {
	if err := s.removeChunks(ctx, orgID, docID); err != nil {
		return err
	}
	return s.meta.Delete(ctx, docKey(orgID, docID))
}

func (s *Service) removeChunks(ctx context.Context, orgID, docID string) error {
	existing, err := s.vectors.ScanByPrefix(ctx, chunkPrefix(orgID)+docID+":")
	if err != nil {
		return fmt.Errorf("failed to scan chunks: %w", err)
	}
	for key := range existing {
		if err := s.vectors.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete chunk %s: %w", key, err)
		}
	}
	return nil
}

// GetDocument returns a document's metadata.
func (s *Service) GetDocument(ctx context.Context, orgID, docID string) (*Document, error) {
	data, err := s.meta.Get(ctx, docKey(orgID, docID))
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return &doc, nil
}

// Search embeds the query and returns document-granular results above the
// similarity threshold, best chunk per document, sorted by score descending.
// Search never fails on embedding outage; it degrades to the fallback vector.
func (s *Service) Search(ctx context.Context, orgID, query string, opts SearchOptions) ([]SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultSearchLimit
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultSearchThreshold
	}

	queryVec, fallback := s.embedQuery(ctx, orgID, query)

	matches, err := s.vectors.SearchByVector(ctx, chunkPrefix(orgID), queryVec, 0)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	// Best-scoring chunk per document.
	best := make(map[string]SearchResult)
	for _, m := range matches {
		if m.Score < opts.Threshold {
			continue
		}
		var chunk Chunk
		if err := json.Unmarshal(m.Value, &chunk); err != nil {
			continue
		}
		if prev, ok := best[chunk.DocumentID]; ok && prev.Score >= m.Score {
			continue
		}
		best[chunk.DocumentID] = SearchResult{Chunk: chunk, Score: m.Score, Fallback: fallback}
	}

	var results []SearchResult
	for docID, res := range best {
		doc, err := s.GetDocument(ctx, orgID, docID)
		if err != nil {
			continue // chunk without metadata: skip
		}
		if !matchesFilters(*doc, opts.Filters) {
			continue
		}
		res.Document = *doc
		results = append(results, res)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].Document.ID < results[j].Document.ID
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func matchesFilters(doc Document, f SearchFilters) bool {
	if f.Department != "" && doc.Department != f.Department {
		return false
	}
	if f.Sensitivity != "" && doc.Sensitivity != f.Sensitivity {
		return false
	}
	if !f.After.IsZero() && doc.LastUpdated.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && doc.LastUpdated.After(f.Before) {
		return false
	}
	return true
}

// SimilarDocuments returns documents close to the given one, using the mean
// of its chunk vectors as the query and excluding the document itself.
func (s *Service) SimilarDocuments(ctx context.Context, orgID, docID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	chunks, err := s.vectors.ScanByPrefix(ctx, chunkPrefix(orgID)+docID+":")
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, store.ErrNotFound
	}

	// Re-embed the chunk contents to recover vectors (cache makes this cheap).
	var texts []string
	for _, payload := range chunks {
		var chunk Chunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			continue
		}
		texts = append(texts, chunk.Content)
	}
	vectors, err := s.embedTexts(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	mean := make([]float64, s.embedder.Dimension())
	for _, vec := range vectors {
		for i := range vec {
			if i < len(mean) {
				mean[i] += vec[i]
			}
		}
	}
	for i := range mean {
		mean[i] /= float64(len(vectors))
	}

	matches, err := s.vectors.SearchByVector(ctx, chunkPrefix(orgID), mean, 0)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	best := make(map[string]SearchResult)
	for _, m := range matches {
		var chunk Chunk
		if err := json.Unmarshal(m.Value, &chunk); err != nil {
			continue
		}
		if chunk.DocumentID == docID {
			continue
		}
		if prev, ok := best[chunk.DocumentID]; ok && prev.Score >= m.Score {
			continue
		}
		best[chunk.DocumentID] = SearchResult{Chunk: chunk, Score: m.Score}
	}

	var results []SearchResult
	for id, res := range best {
		doc, err := s.GetDocument(ctx, orgID, id)
		if err != nil {
			continue
		}
		res.Document = *doc
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Stats summarizes the tenant's corpus.
func (s *Service) Stats(ctx context.Context, orgID string) (*Stats, error) {
	docs, err := s.meta.ScanByPrefix(ctx, fmt.Sprintf("doc:%s:", orgID))
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		BySensitivity: make(map[string]int),
		ByDepartment:  make(map[string]int),
	}
	for _, data := range docs {
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		stats.Documents++
		stats.Chunks += doc.ChunkCount
		stats.BySensitivity[string(doc.Sensitivity)]++
		if doc.Department != "" {
			stats.ByDepartment[doc.Department]++
		}
	}
	return stats, nil
}
