package gateway

import (
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/shadow-agent/shadow/internal/tools"
)

// maxFileContentBytes bounds the file content endpoint.
const maxFileContentBytes = 2 * 1024 * 1024

// treeNode is one entry of the workspace file tree.
type treeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"` // "file" | "dir"
	Children []*treeNode `json:"children,omitempty"`
}

func (s *Server) handleFileTree(w http.ResponseWriter, r *http.Request, userID string) {
	taskID := r.PathValue("taskID")
	if s.requireTask(w, r, taskID, userID) == nil {
		return
	}
	workspace, ok := s.variantWorkspace(w, r, taskID)
	if !ok {
		return
	}

	root, err := buildTree(workspace)
	if err != nil {
		s.logger.Error("file tree failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "file tree failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tree": root.Children})
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request, userID string) {
	taskID := r.PathValue("taskID")
	if s.requireTask(w, r, taskID, userID) == nil {
		return
	}
	workspace, ok := s.variantWorkspace(w, r, taskID)
	if !ok {
		return
	}

	relPath := r.URL.Query().Get("path")
	resolved, err := tools.Resolver{Root: workspace}.Resolve(relPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := os.Stat(resolved)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if info.IsDir() {
		writeError(w, http.StatusBadRequest, "path is a directory")
		return
	}
	if info.Size() > maxFileContentBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "file read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    relPath,
		"content": string(data),
		"size":    info.Size(),
	})
}

// variantWorkspace resolves the workspace path for the variantId query
// parameter, defaulting to the task's first variant.
func (s *Server) variantWorkspace(w http.ResponseWriter, r *http.Request, taskID string) (string, bool) {
	variantID := r.URL.Query().Get("variantId")
	if variantID == "" {
		variants, err := s.store.ListVariants(r.Context(), taskID)
		if err != nil || len(variants) == 0 {
			writeError(w, http.StatusNotFound, "no variants for task")
			return "", false
		}
		variantID = variants[0].ID
	}
	variant, err := s.store.GetVariant(r.Context(), variantID)
	if err != nil || variant.TaskID != taskID {
		writeError(w, http.StatusNotFound, "variant not found")
		return "", false
	}
	if variant.WorkspacePath == "" {
		writeError(w, http.StatusConflict, "workspace not prepared")
		return "", false
	}
	return variant.WorkspacePath, true
}

// buildTree walks the workspace into a nested node structure, directories
// before files at each level.
func buildTree(workspace string) (*treeNode, error) {
	root := &treeNode{Name: ".", Path: ".", Type: "dir"}
	nodes := map[string]*treeNode{".": root}

	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == workspace {
			return nil
		}
		if d.IsDir() && watchSkipDirs[d.Name()] {
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil {
			return nil
		}
		node := &treeNode{
			Name: d.Name(),
			Path: filepath.ToSlash(rel),
			Type: "file",
		}
		if d.IsDir() {
			node.Type = "dir"
			nodes[rel] = node
		}
		parent := nodes[filepath.Dir(rel)]
		if parent == nil {
			parent = root
		}
		parent.Children = append(parent.Children, node)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortTree(root)
	return root, nil
}

func sortTree(node *treeNode) {
	sort.Slice(node.Children, func(i, j int) bool {
		a, b := node.Children[i], node.Children[j]
		if a.Type != b.Type {
			return a.Type == "dir"
		}
		return a.Name < b.Name
	})
	for _, child := range node.Children {
		if child.Type == "dir" {
			sortTree(child)
		}
	}
}
