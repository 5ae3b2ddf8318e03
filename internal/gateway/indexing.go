package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// decodeJSON reads a bounded JSON request body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type indexRequest struct {
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ string) {
	if s.indexing == nil {
		writeError(w, http.StatusNotImplemented, "indexing is disabled")
		return
	}
	var req indexRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Namespace == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "namespace and path are required")
		return
	}
	stats, err := s.indexing.IndexRepository(r.Context(), req.Namespace, req.Path)
	if err != nil {
		s.logger.Error("indexing failed", "namespace", req.Namespace, "error", err)
		writeError(w, http.StatusInternalServerError, "indexing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"namespace": req.Namespace,
		"stats":     stats,
	})
}

type indexSearchRequest struct {
	Namespace         string   `json:"namespace"`
	Query             string   `json:"query"`
	TargetDirectories []string `json:"targetDirectories,omitempty"`
	TopK              int      `json:"topK,omitempty"`
}

func (s *Server) handleIndexSearch(w http.ResponseWriter, r *http.Request, _ string) {
	if s.indexing == nil {
		writeError(w, http.StatusNotImplemented, "indexing is disabled")
		return
	}
	var req indexSearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Namespace == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, "namespace and query are required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}
	snippets, err := s.indexing.Search(r.Context(), req.Namespace, req.Query, req.TargetDirectories, req.TopK)
	if err != nil {
		s.logger.Error("index search failed", "namespace", req.Namespace, "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": snippets})
}

func (s *Server) handleClearNamespace(w http.ResponseWriter, r *http.Request, _ string) {
	if s.cleaner == nil {
		writeError(w, http.StatusNotImplemented, "indexing is disabled")
		return
	}
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		writeError(w, http.StatusBadRequest, "namespace is required")
		return
	}
	if err := s.cleaner.DeleteNamespace(r.Context(), namespace); err != nil {
		s.logger.Error("namespace clear failed", "namespace", namespace, "error", err)
		writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespace": namespace, "cleared": true})
}
