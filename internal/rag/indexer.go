package rag

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shadow-agent/shadow/internal/config"
	"github.com/shadow-agent/shadow/internal/tokens"
	"github.com/shadow-agent/shadow/internal/tools"
)

// maxIndexedFileBytes skips generated bundles and other oversized files.
const maxIndexedFileBytes = 512 * 1024

// skipDirs are directory names never worth indexing.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"__pycache__":  true,
}

// Indexer walks a repository checkout, chunks its text files, embeds them,
// and writes the result to the vector store. It also serves semantic search
// for the codebase_search tool.
type Indexer struct {
	store    VectorStore
	embedder Embedder
	splitter *Splitter
	batch    int
	logger   *slog.Logger
}

// NewIndexer wires an indexer from config.
func NewIndexer(store VectorStore, embedder Embedder, cfg config.IndexingConfig, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 64
	}
	return &Indexer{
		store:    store,
		embedder: embedder,
		splitter: NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		batch:    batch,
		logger:   logger,
	}
}

var _ tools.SemanticSearcher = (*Indexer)(nil)

// IndexRepository indexes every text file under root into the namespace,
// replacing any previous index for files it visits. Unreadable or binary
// files are skipped, not fatal.
func (ix *Indexer) IndexRepository(ctx context.Context, namespace, root string) (*IndexStats, error) {
	stats := &IndexStats{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		chunks, err := ix.indexFile(ctx, namespace, path, rel)
		if err != nil {
			ix.logger.Warn("file skipped during indexing", "path", rel, "error", err)
			return nil
		}
		if chunks > 0 {
			stats.Files++
			stats.Chunks += chunks
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("rag: index %s: %w", namespace, err)
	}

	ix.logger.Info("repository indexed",
		"namespace", namespace,
		"files", stats.Files,
		"chunks", stats.Chunks,
	)
	return stats, nil
}

func (ix *Indexer) indexFile(ctx context.Context, namespace, absPath, relPath string) (int, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 || info.Size() > maxIndexedFileBytes {
		return 0, nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return 0, err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		// Binary.
		return 0, nil
	}
	content := string(data)

	spans := ix.splitter.Split(content)
	if len(spans) == 0 {
		return 0, nil
	}

	chunks := make([]Chunk, 0, len(spans))
	for i, span := range spans {
		start, end := lineRange(content, span.StartOffset, span.EndOffset)
		chunks = append(chunks, Chunk{
			Namespace: namespace,
			Path:      relPath,
			Index:     i,
			Content:   span.Content,
			StartLine: start,
			EndLine:   end,
			Tokens:    tokens.Count("", span.Content),
		})
	}

	if err := ix.embedChunks(ctx, chunks); err != nil {
		return 0, err
	}
	if err := ix.store.ReplaceFile(ctx, namespace, relPath, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// embedChunks fills in embeddings batch by batch.
func (ix *Indexer) embedChunks(ctx context.Context, chunks []Chunk) error {
	for start := 0; start < len(chunks); start += ix.batch {
		end := start + ix.batch
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}
		vectors, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i := range vectors {
			chunks[start+i].Embedding = vectors[i]
		}
	}
	return nil
}

// Search embeds the query and returns the closest indexed snippets. It
// implements the codebase_search tool's backend.
func (ix *Indexer) Search(ctx context.Context, namespace, query string, targetDirs []string, topK int) ([]tools.SearchSnippet, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("rag: empty query")
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	matches, err := ix.store.Query(ctx, namespace, vectors[0], targetDirs, topK)
	if err != nil {
		return nil, err
	}

	snippets := make([]tools.SearchSnippet, 0, len(matches))
	for _, m := range matches {
		snippets = append(snippets, tools.SearchSnippet{
			File:      m.Chunk.Path,
			StartLine: m.Chunk.StartLine,
			EndLine:   m.Chunk.EndLine,
			Score:     m.Score,
			Content:   m.Chunk.Content,
		})
	}
	return snippets, nil
}

// Stats proxies index statistics for the HTTP indexing surface.
func (ix *Indexer) Stats(ctx context.Context, namespace string) (*IndexStats, error) {
	return ix.store.Stats(ctx, namespace)
}
