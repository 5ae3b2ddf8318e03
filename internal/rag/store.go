package rag

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Chunk is one embedded span of a file, ready to store or just retrieved.
type Chunk struct {
	ID        string
	Namespace string
	Path      string
	Index     int
	Content   string
	StartLine int
	EndLine   int
	Tokens    int
	Embedding []float32
	CreatedAt time.Time
}

// Match is one search hit with its cosine similarity.
type Match struct {
	Chunk Chunk
	Score float64
}

// IndexStats summarizes a namespace's index.
type IndexStats struct {
	Files  int `json:"files"`
	Chunks int `json:"chunks"`
	Tokens int `json:"tokens"`
}

// VectorStore persists and queries embedded chunks per repository namespace.
type VectorStore interface {
	ReplaceFile(ctx context.Context, namespace, path string, chunks []Chunk) error
	Query(ctx context.Context, namespace string, embedding []float32, targetDirs []string, topK int) ([]Match, error)
	DeleteNamespace(ctx context.Context, namespace string) error
	Stats(ctx context.Context, namespace string) (*IndexStats, error)
}

// PostgresVectorStore stores chunks in a pgvector-backed table. Similarity
// uses cosine distance (`<=>`); rows are keyed by (namespace, path) so
// re-indexing a file replaces its chunks atomically.
type PostgresVectorStore struct {
	db        *sql.DB
	dimension int
}

// NewPostgresVectorStore wraps an existing connection. The repo_chunks table
// is created by the sessions migrations.
func NewPostgresVectorStore(db *sql.DB, dimension int) *PostgresVectorStore {
	if dimension <= 0 {
		dimension = 1536
	}
	return &PostgresVectorStore{db: db, dimension: dimension}
}

var _ VectorStore = (*PostgresVectorStore)(nil)

// ReplaceFile swaps a file's chunks inside one transaction.
func (s *PostgresVectorStore) ReplaceFile(ctx context.Context, namespace, path string, chunks []Chunk) error {
	for i, c := range chunks {
		if err := s.validateEmbedding(c.Embedding); err != nil {
			return fmt.Errorf("rag: chunk %d of %s: %w", i, path, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rag: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM repo_chunks WHERE namespace = $1 AND path = $2`,
		namespace, path,
	); err != nil {
		return fmt.Errorf("rag: delete chunks for %s: %w", path, err)
	}

	if len(chunks) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO repo_chunks
				(id, namespace, path, chunk_index, content, start_line, end_line, token_count, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector, $10)`)
		if err != nil {
			return fmt.Errorf("rag: prepare insert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, c := range chunks {
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			if _, err := stmt.ExecContext(ctx,
				c.ID, namespace, path, c.Index, c.Content,
				c.StartLine, c.EndLine, c.Tokens,
				encodeEmbedding(c.Embedding), now,
			); err != nil {
				return fmt.Errorf("rag: insert chunk %d of %s: %w", c.Index, path, err)
			}
		}
	}

	return tx.Commit()
}

// Query returns the topK most similar chunks in a namespace, optionally
// restricted to path prefixes.
func (s *PostgresVectorStore) Query(ctx context.Context, namespace string, embedding []float32, targetDirs []string, topK int) ([]Match, error) {
	if err := s.validateEmbedding(embedding); err != nil {
		return nil, fmt.Errorf("rag: query embedding: %w", err)
	}
	if topK <= 0 {
		topK = 10
	}

	query := `
		SELECT id, path, chunk_index, content, start_line, end_line, token_count,
			1 - (embedding <=> $1::vector) AS similarity
		FROM repo_chunks
		WHERE namespace = $2`
	args := []any{encodeEmbedding(embedding), namespace}
	argNum := 3

	if len(targetDirs) > 0 {
		clauses := make([]string, 0, len(targetDirs))
		for _, dir := range targetDirs {
			clauses = append(clauses, fmt.Sprintf("path LIKE $%d", argNum))
			args = append(args, strings.TrimSuffix(dir, "/")+"/%")
			argNum++
		}
		query += " AND (" + strings.Join(clauses, " OR ") + ")"
	}

	query += fmt.Sprintf(" ORDER BY embedding <=> $1::vector ASC LIMIT $%d", argNum)
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rag: search query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(
			&m.Chunk.ID, &m.Chunk.Path, &m.Chunk.Index, &m.Chunk.Content,
			&m.Chunk.StartLine, &m.Chunk.EndLine, &m.Chunk.Tokens, &m.Score,
		); err != nil {
			return nil, fmt.Errorf("rag: scan search result: %w", err)
		}
		m.Chunk.Namespace = namespace
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// DeleteNamespace removes every chunk of a repository index.
func (s *PostgresVectorStore) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repo_chunks WHERE namespace = $1`, namespace)
	if err != nil {
		return fmt.Errorf("rag: delete namespace %s: %w", namespace, err)
	}
	return nil
}

// Stats reports index size for a namespace.
func (s *PostgresVectorStore) Stats(ctx context.Context, namespace string) (*IndexStats, error) {
	stats := &IndexStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT path), COUNT(*), COALESCE(SUM(token_count), 0)
		FROM repo_chunks WHERE namespace = $1`,
		namespace,
	).Scan(&stats.Files, &stats.Chunks, &stats.Tokens)
	if err != nil {
		return nil, fmt.Errorf("rag: stats for %s: %w", namespace, err)
	}
	return stats, nil
}

func (s *PostgresVectorStore) validateEmbedding(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding is empty")
	}
	if s.dimension > 0 && len(embedding) != s.dimension {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.dimension)
	}
	for _, v := range embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("embedding contains invalid values")
		}
	}
	return nil
}

// encodeEmbedding renders a vector in pgvector's text format.
func encodeEmbedding(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}
