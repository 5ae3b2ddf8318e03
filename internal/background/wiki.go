package background

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shadow-agent/shadow/internal/sessions"
	"github.com/shadow-agent/shadow/pkg/models"
)

// wikiMaxFileHeadBytes is how much of a notable file is quoted to the model.
const wikiMaxFileHeadBytes = 2 * 1024

// wikiMaxOutlineEntries caps the tree outline sent to the model.
const wikiMaxOutlineEntries = 400

const wikiSystemPrompt = `You document codebases for engineers who have never seen them. ` +
	`Given a repository file outline and excerpts of key files, write a hierarchical summary: ` +
	`what the project does, how the major directories relate, the main entry points, and the ` +
	`technologies in use. Use Markdown headings per directory. Be concrete; do not speculate ` +
	`beyond what the outline shows.`

// wikiSkipDirs mirrors the indexer's skip list.
var wikiSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"__pycache__":  true,
}

// notableFiles are quoted in the prompt when present at the repo root.
var notableFiles = []string{
	"README.md", "readme.md", "go.mod", "package.json",
	"pyproject.toml", "Cargo.toml", "Makefile", "Dockerfile",
}

// UnderstandingStore persists wiki artifacts keyed by repository full name.
type UnderstandingStore interface {
	GetUnderstanding(ctx context.Context, repoFullName string) (*models.CodebaseUnderstanding, error)
	SaveUnderstanding(ctx context.Context, u *models.CodebaseUnderstanding) error
}

// Summarizer is one non-streaming model call, shared with the context
// compressor's contract.
type Summarizer interface {
	Summarize(ctx context.Context, modelID, system, prompt string) (string, error)
}

// WikiGenerator traverses a workspace, summarizes its structure with one
// model call, and writes a CodebaseUnderstanding record shared across tasks
// of the same repository.
type WikiGenerator struct {
	store      UnderstandingStore
	summarizer Summarizer
	modelID    string
	logger     *slog.Logger
}

// NewWikiGenerator wires a generator. modelID selects the summarizer model.
func NewWikiGenerator(store UnderstandingStore, summarizer Summarizer, modelID string, logger *slog.Logger) *WikiGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &WikiGenerator{
		store:      store,
		summarizer: summarizer,
		modelID:    modelID,
		logger:     logger,
	}
}

// IsFresh reports whether a stored understanding exists and is younger than
// maxAge.
func (g *WikiGenerator) IsFresh(ctx context.Context, repoFullName string, maxAge time.Duration) (bool, error) {
	u, err := g.store.GetUnderstanding(ctx, repoFullName)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if u == nil {
		return false, nil
	}
	return time.Since(u.GeneratedAt) < maxAge, nil
}

// Generate walks the workspace, asks the summarizer model for a hierarchical
// summary, and persists the result keyed by repository.
func (g *WikiGenerator) Generate(ctx context.Context, repoFullName, workspacePath string) (*models.CodebaseUnderstanding, error) {
	outline, fileCount, err := buildOutline(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("background: outline %s: %w", repoFullName, err)
	}
	if fileCount == 0 {
		return nil, fmt.Errorf("background: workspace %s is empty", workspacePath)
	}

	heads := collectNotableHeads(workspacePath)
	prompt := fmt.Sprintf("Repository: %s\n\nFile outline:\n%s\n%s", repoFullName, outline, heads)

	summary, err := g.summarizer.Summarize(ctx, g.modelID, wikiSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("background: summarize %s: %w", repoFullName, err)
	}

	u := &models.CodebaseUnderstanding{
		ID:           uuid.NewString(),
		RepoFullName: repoFullName,
		Summary:      summary,
		FileCount:    fileCount,
		GeneratedAt:  time.Now().UTC(),
	}
	if err := g.store.SaveUnderstanding(ctx, u); err != nil {
		return nil, fmt.Errorf("background: save understanding for %s: %w", repoFullName, err)
	}

	g.logger.Info("codebase wiki generated",
		"repo", repoFullName,
		"files", fileCount,
	)
	return u, nil
}

// buildOutline renders a sorted, depth-indented listing of the workspace,
// directories first within each level.
func buildOutline(root string) (string, int, error) {
	type entry struct {
		rel   string
		isDir bool
	}
	var entries []entry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep going
		}
		if path == root {
			return nil
		}
		if d.IsDir() && wikiSkipDirs[d.Name()] {
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		entries = append(entries, entry{rel: rel, isDir: d.IsDir()})
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	var b strings.Builder
	files := 0
	listed := 0
	for _, e := range entries {
		if !e.isDir {
			files++
		}
		if listed >= wikiMaxOutlineEntries {
			continue
		}
		depth := strings.Count(e.rel, string(filepath.Separator))
		b.WriteString(strings.Repeat("  ", depth))
		if e.isDir {
			b.WriteString(filepath.Base(e.rel) + "/\n")
		} else {
			b.WriteString(filepath.Base(e.rel) + "\n")
		}
		listed++
	}
	if len(entries) > wikiMaxOutlineEntries {
		fmt.Fprintf(&b, "... and %d more entries\n", len(entries)-wikiMaxOutlineEntries)
	}
	return b.String(), files, nil
}

// collectNotableHeads quotes the start of root-level manifest and readme
// files so the model sees what the project declares about itself.
func collectNotableHeads(root string) string {
	var b strings.Builder
	for _, name := range notableFiles {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		if len(data) > wikiMaxFileHeadBytes {
			data = data[:wikiMaxFileHeadBytes]
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", name, string(data))
	}
	return b.String()
}
