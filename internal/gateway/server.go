// Package gateway is the external surface of the orchestrator: the HTTP
// API, the per-variant websocket room protocol, and the GitHub webhook.
// Every persisted mutation verifies that the caller owns the task.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shadow-agent/shadow/internal/agent"
	"github.com/shadow-agent/shadow/internal/agent/contextmgr"
	"github.com/shadow-agent/shadow/internal/background"
	"github.com/shadow-agent/shadow/internal/config"
	"github.com/shadow-agent/shadow/internal/hub"
	"github.com/shadow-agent/shadow/internal/observability"
	"github.com/shadow-agent/shadow/internal/rag"
	"github.com/shadow-agent/shadow/internal/sessions"
	"github.com/shadow-agent/shadow/internal/tools"
	"github.com/shadow-agent/shadow/pkg/models"
)

// AgentRunner is the orchestrator-facing side of the gateway.
type AgentRunner interface {
	SendMessage(ctx context.Context, req agent.SendMessageRequest) error
	StopStream(variantID string) error
	RegisterRuntime(variantID string, rt *agent.VariantRuntime)
	Runtime(variantID string) (*agent.VariantRuntime, bool)
}

// Indexing is the repository-index surface the HTTP API exposes.
type Indexing interface {
	IndexRepository(ctx context.Context, namespace, root string) (*rag.IndexStats, error)
	Search(ctx context.Context, namespace, query string, targetDirs []string, topK int) ([]tools.SearchSnippet, error)
	Stats(ctx context.Context, namespace string) (*rag.IndexStats, error)
}

// NamespaceCleaner deletes a repository's vector namespace.
type NamespaceCleaner interface {
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Server serves the HTTP API, websocket rooms, and webhook.
type Server struct {
	cfg        *config.Config
	store      sessions.Store
	hub        *hub.Hub
	agents     AgentRunner
	contexts   *contextmgr.Manager
	background *background.Manager
	indexing   Indexing
	cleaner    NamespaceCleaner
	auth       *Auth
	rooms      *roomBroker
	watchers   *watcherSet
	logger     *slog.Logger
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
}

// Options carries the server's collaborators.
type Options struct {
	Config     *config.Config
	Store      sessions.Store
	Hub        *hub.Hub
	Agents     AgentRunner
	Contexts   *contextmgr.Manager
	Background *background.Manager
	Indexing   Indexing
	Cleaner    NamespaceCleaner
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// NewServer wires the gateway.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        opts.Config,
		store:      opts.Store,
		hub:        opts.Hub,
		agents:     opts.Agents,
		contexts:   opts.Contexts,
		background: opts.Background,
		indexing:   opts.Indexing,
		cleaner:    opts.Cleaner,
		auth:       NewAuth(opts.Config.Auth),
		rooms:      newRoomBroker(),
		watchers:   newWatcherSet(logger),
		logger:     logger,
		metrics:    opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tasks/{taskID}/initiate", s.withAuth(s.handleInitiate))
	mux.HandleFunc("GET /api/tasks/{taskID}", s.withAuth(s.handleGetTask))
	mux.HandleFunc("GET /api/tasks/{taskID}/{variantID}/messages", s.withAuth(s.handleListMessages))
	mux.HandleFunc("GET /api/tasks/{taskID}/files/tree", s.withAuth(s.handleFileTree))
	mux.HandleFunc("GET /api/tasks/{taskID}/files/content", s.withAuth(s.handleFileContent))
	mux.HandleFunc("GET /api/context/usage/{taskID}", s.withAuth(s.handleContextUsage))

	mux.HandleFunc("POST /api/indexing/index", s.withAuth(s.handleIndex))
	mux.HandleFunc("POST /api/indexing/search", s.withAuth(s.handleIndexSearch))
	mux.HandleFunc("DELETE /api/indexing/clear-namespace", s.withAuth(s.handleClearNamespace))

	mux.HandleFunc("POST /api/webhooks/github", s.handleGitHubWebhook)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return s.instrument(mux)
}

// ListenAndServe runs the API server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.watchers.Close()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// instrument wraps handlers with request duration metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			s.metrics.HTTPRequestDuration.
				WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).
				Observe(time.Since(start).Seconds())
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so the websocket upgrade works behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: response writer does not support hijacking")
	}
	return h.Hijack()
}

// withAuth resolves the session user and rejects anonymous requests when a
// JWT secret is configured.
func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.UserID(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid session")
			return
		}
		next(w, r, userID)
	}
}

// requireTask loads a task and verifies ownership. A missing task writes 404
// and returns nil; a foreign task writes 403 and returns nil.
func (s *Server) requireTask(w http.ResponseWriter, r *http.Request, taskID, userID string) *models.Task {
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
		} else {
			s.logger.Error("task load failed", "task_id", taskID, "error", err)
			writeError(w, http.StatusInternalServerError, "task load failed")
		}
		return nil
	}
	if !s.auth.Owns(userID, task.UserID) {
		writeError(w, http.StatusForbidden, "not your task")
		return nil
	}
	return task
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
