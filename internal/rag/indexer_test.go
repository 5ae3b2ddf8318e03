package rag

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/shadow-agent/shadow/internal/config"
)

type memVectorStore struct {
	mu    sync.Mutex
	files map[string][]Chunk // keyed by namespace + "/" + path
	hits  []Match
}

func newMemVectorStore() *memVectorStore {
	return &memVectorStore{files: make(map[string][]Chunk)}
}

func (m *memVectorStore) ReplaceFile(_ context.Context, namespace, path string, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[namespace+"/"+path] = append([]Chunk(nil), chunks...)
	return nil
}

func (m *memVectorStore) Query(_ context.Context, namespace string, _ []float32, _ []string, _ int) ([]Match, error) {
	return m.hits, nil
}

func (m *memVectorStore) DeleteNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.files {
		if strings.HasPrefix(key, namespace+"/") {
			delete(m.files, key)
		}
	}
	return nil
}

func (m *memVectorStore) Stats(_ context.Context, namespace string) (*IndexStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &IndexStats{}
	for key, chunks := range m.files {
		if !strings.HasPrefix(key, namespace+"/") {
			continue
		}
		stats.Files++
		stats.Chunks += len(chunks)
		for _, c := range chunks {
			stats.Tokens += c.Tokens
		}
	}
	return stats, nil
}

type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 4 }

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIndexRepositoryWalksAndStores(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {\n\trun()\n}\n")
	writeFile(t, root, "internal/run.go", "package internal\n\nfunc run() { startServerAndBlockUntilShutdown() }\n")
	writeFile(t, root, "node_modules/pkg/index.js", "module.exports = function neverIndexed() {}\n")
	writeFile(t, root, "logo.png", "binary\x00payload padded to be long enough")
	writeFile(t, root, "empty.txt", "")

	store := newMemVectorStore()
	ix := NewIndexer(store, &fakeEmbedder{}, config.IndexingConfig{ChunkSize: 200, ChunkOverlap: 0, BatchSize: 8}, nil)

	stats, err := ix.IndexRepository(context.Background(), "acme/widgets", root)
	if err != nil {
		t.Fatalf("IndexRepository: %v", err)
	}
	if stats.Files != 2 {
		t.Fatalf("stats.Files = %d, want 2", stats.Files)
	}
	if stats.Chunks < 2 {
		t.Fatalf("stats.Chunks = %d, want at least 2", stats.Chunks)
	}

	chunks, ok := store.files["acme/widgets/main.go"]
	if !ok {
		t.Fatal("main.go not stored under its relative path")
	}
	for i, c := range chunks {
		if c.Namespace != "acme/widgets" {
			t.Fatalf("chunk %d namespace = %q", i, c.Namespace)
		}
		if len(c.Embedding) != 4 {
			t.Fatalf("chunk %d embedding length = %d, want 4", i, len(c.Embedding))
		}
		if c.Tokens <= 0 {
			t.Fatalf("chunk %d has no token count", i)
		}
		if c.StartLine < 1 || c.EndLine < c.StartLine {
			t.Fatalf("chunk %d line range %d..%d", i, c.StartLine, c.EndLine)
		}
	}

	if _, ok := store.files["acme/widgets/node_modules/pkg/index.js"]; ok {
		t.Fatal("node_modules content was indexed")
	}
	if _, ok := store.files["acme/widgets/logo.png"]; ok {
		t.Fatal("binary file was indexed")
	}
	if _, ok := store.files["acme/widgets/empty.txt"]; ok {
		t.Fatal("empty file was indexed")
	}
}

func TestIndexRepositoryRespectsBatchSize(t *testing.T) {
	root := t.TempDir()

	var b strings.Builder
	for i := 0; i < 12; i++ {
		b.WriteString("func generatedHandlerNumberWithPadding() error { return dispatchToWorkerPoolQueue() }\n\n")
	}
	writeFile(t, root, "gen.go", b.String())

	store := newMemVectorStore()
	emb := &fakeEmbedder{}
	ix := NewIndexer(store, emb, config.IndexingConfig{ChunkSize: 100, ChunkOverlap: 0, BatchSize: 3}, nil)

	if _, err := ix.IndexRepository(context.Background(), "acme/widgets", root); err != nil {
		t.Fatalf("IndexRepository: %v", err)
	}
	if len(emb.batches) < 2 {
		t.Fatalf("batches = %d, want multiple", len(emb.batches))
	}
	for i, batch := range emb.batches {
		if len(batch) > 3 {
			t.Fatalf("batch %d has %d texts, exceeds batch size 3", i, len(batch))
		}
	}
}

func TestSearchMapsMatchesToSnippets(t *testing.T) {
	store := newMemVectorStore()
	store.hits = []Match{
		{
			Chunk: Chunk{
				Path:      "internal/run.go",
				Content:   "func run() {}",
				StartLine: 3,
				EndLine:   5,
			},
			Score: 0.91,
		},
	}
	ix := NewIndexer(store, &fakeEmbedder{}, config.IndexingConfig{}, nil)

	snippets, err := ix.Search(context.Background(), "acme/widgets", "where is the run loop", nil, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(snippets) != 1 {
		t.Fatalf("snippets = %d, want 1", len(snippets))
	}
	got := snippets[0]
	if got.File != "internal/run.go" || got.StartLine != 3 || got.EndLine != 5 {
		t.Fatalf("snippet = %+v", got)
	}
	if got.Score != 0.91 {
		t.Fatalf("score = %v", got.Score)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	ix := NewIndexer(newMemVectorStore(), &fakeEmbedder{}, config.IndexingConfig{}, nil)
	if _, err := ix.Search(context.Background(), "acme/widgets", "   ", nil, 5); err == nil {
		t.Fatal("expected error for blank query")
	}
}
