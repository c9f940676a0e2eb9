// Package vectorstore implements the four named embedding collections
// (high_impact_news, past_events, daily_news, keywords) over vectors.db,
// with brute-force cosine similarity search via gonum.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/hyperasset/sentinel/internal/external"
)

// Collection names.
const (
	CollectionHighImpactNews = "high_impact_news"
	CollectionPastEvents     = "past_events"
	CollectionDailyNews      = "daily_news"
	CollectionKeywords       = "keywords"
)

// ErrIDExists is returned when a document write collides with an existing
// (collection, id) pair. The caller MUST retry with a salted id (append a
// microsecond suffix).
var ErrIDExists = errors.New("vectorstore: document id already exists in collection")

// Document is one stored embedding with its source text and metadata.
type Document struct {
	ID         string
	Collection string
	Text       string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}

// SearchResult is one hit from SearchSimilar.
type SearchResult struct {
	ID         string
	Document   string
	Metadata   map[string]interface{}
	Distance   float64
	Similarity float64
}

// Store is the vector store adapter over vectors.db.
type Store struct {
	db    *sql.DB
	embed external.EmbeddingFunc
}

// New creates a vector store adapter. embed is the injected embedding
// function; the store itself is agnostic to the model that produced it.
func New(db *sql.DB, embed external.EmbeddingFunc) *Store {
	return &Store{db: db, embed: embed}
}

// AddDocument embeds text and inserts it into collection under id. On id
// collision within the collection, returns ErrIDExists; the caller must
// retry with a salted id.
func (s *Store) AddDocument(ctx context.Context, collection, id, text string, metadata map[string]interface{}) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM vector_documents WHERE collection = ? AND id = ?", collection, id,
	).Scan(&exists)
	if err == nil {
		return ErrIDExists
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check existing document: %w", err)
	}

	embedding, err := s.embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vector_documents (id, collection, text, embedding, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, collection, text, encodeEmbedding(embedding), string(metaJSON), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	return nil
}

// SearchSimilar embeds queryText and returns the k nearest documents in
// collection by cosine similarity, highest similarity first.
func (s *Store) SearchSimilar(ctx context.Context, queryText, collection string, k int) ([]SearchResult, error) {
	queryEmbedding, err := s.embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, text, embedding, metadata FROM vector_documents WHERE collection = ?", collection,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var id, text, metaJSON string
		var embeddingBlob []byte
		if err := rows.Scan(&id, &text, &embeddingBlob, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}

		embedding := decodeEmbedding(embeddingBlob)
		distance := cosineDistance(queryEmbedding, embedding)
		similarity := math.Max(0, 1-distance)

		var metadata map[string]interface{}
		_ = json.Unmarshal([]byte(metaJSON), &metadata)

		results = append(results, SearchResult{
			ID:         id,
			Document:   text,
			Metadata:   metadata,
			Distance:   distance,
			Similarity: similarity,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	sortBySimilarityDesc(results)
	if k > 0 && len(results) > k {
		results = results[:k]
	}

	return results, nil
}

// GetAllDocuments returns up to limit documents from collection in
// insertion order. For admin/inspection use only; never called from a hot
// path.
func (s *Store) GetAllDocuments(ctx context.Context, collection string, limit int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, text, metadata, created_at FROM vector_documents WHERE collection = ? ORDER BY rowid LIMIT ?",
		collection, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id, text, metaJSON, createdAt string
		if err := rows.Scan(&id, &text, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var metadata map[string]interface{}
		_ = json.Unmarshal([]byte(metaJSON), &metadata)
		createdTime, _ := time.Parse(time.RFC3339, createdAt)
		docs = append(docs, Document{ID: id, Collection: collection, Text: text, Metadata: metadata, CreatedAt: createdTime})
	}
	return docs, rows.Err()
}

// KeywordImportance pairs a keyword with its importance weight.
type KeywordImportance struct {
	Keyword    string  `json:"keyword"`
	Importance float64 `json:"importance"`
}

// StoreWeeklyKeywords stores one document per (stockCode, weekStart) in
// the keywords collection: the JSON-serialized keyword+importance list is
// the embedded text, and stock_code, week_start and timestamp go in its
// metadata.
func (s *Store) StoreWeeklyKeywords(ctx context.Context, stockCode, weekStart string, keywords []KeywordImportance) error {
	id := fmt.Sprintf("%s:%s", stockCode, weekStart)

	text, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}

	metadata := map[string]interface{}{
		"stock_code": stockCode,
		"week_start": weekStart,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}

	err = s.AddDocument(ctx, CollectionKeywords, id, string(text), metadata)
	if errors.Is(err, ErrIDExists) {
		return s.replaceDocument(ctx, CollectionKeywords, id, string(text), metadata)
	}
	return err
}

// replaceDocument re-embeds and overwrites an existing (collection, id)
// row, used where the caller intends an upsert rather than AddDocument's
// collision-reject semantics (e.g. the weekly keyword document, which is
// naturally keyed by week and meant to be refreshed).
func (s *Store) replaceDocument(ctx context.Context, collection, id, text string, metadata map[string]interface{}) error {
	embedding, err := s.embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE vector_documents SET text = ?, embedding = ?, metadata = ?, created_at = ?
		 WHERE collection = ? AND id = ?`,
		text, encodeEmbedding(embedding), string(metaJSON), time.Now().UTC().Format(time.RFC3339), collection, id,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// cosineDistance returns 1 - cosine_similarity(a, b), using gonum for the
// dot product and norms. Mismatched or empty vectors are treated as
// maximally distant (distance 1) rather than panicking.
func cosineDistance(a []float32, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 1
	}

	af := make([]float64, len(a))
	bf := make([]float64, len(b))
	for i := range a {
		af[i] = float64(a[i])
		bf[i] = float64(b[i])
	}

	dot := floats.Dot(af, bf)
	normA := floats.Norm(af, 2)
	normB := floats.Norm(bf, 2)
	if normA == 0 || normB == 0 {
		return 1
	}

	cosineSim := dot / (normA * normB)
	return 1 - cosineSim
}

func sortBySimilarityDesc(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
}
