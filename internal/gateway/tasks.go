package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shadow-agent/shadow/internal/agent"
	"github.com/shadow-agent/shadow/internal/catalog"
	"github.com/shadow-agent/shadow/internal/sessions"
	"github.com/shadow-agent/shadow/internal/tools"
	"github.com/shadow-agent/shadow/pkg/models"
)

// initiateRequest begins workspace preparation and background services for a
// task. The repository fields are used only when the task does not exist yet.
type initiateRequest struct {
	Message string   `json:"message"`
	Models  []string `json:"models"`
	UserID  string   `json:"userId"`

	RepoFullName string `json:"repoFullName,omitempty"`
	RepoURL      string `json:"repoUrl,omitempty"`
	BaseBranch   string `json:"baseBranch,omitempty"`
	Title        string `json:"title,omitempty"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request, userID string) {
	taskID := r.PathValue("taskID")

	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Models) == 0 {
		writeError(w, http.StatusBadRequest, "at least one model is required")
		return
	}
	for _, modelID := range req.Models {
		if _, err := catalog.Resolve(modelID); err != nil {
			writeError(w, http.StatusBadRequest, "unknown model "+modelID)
			return
		}
	}

	ctx := r.Context()
	task, err := s.store.GetTask(ctx, taskID)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		owner := userID
		if owner == "" {
			owner = req.UserID
		}
		task = &models.Task{
			ID:           taskID,
			UserID:       owner,
			RepoFullName: req.RepoFullName,
			RepoURL:      req.RepoURL,
			BaseBranch:   req.BaseBranch,
			Title:        req.Title,
			Status:       models.TaskInitializing,
		}
		if task.BaseBranch == "" {
			task.BaseBranch = "main"
		}
		if err := s.store.CreateTask(ctx, task); err != nil {
			s.logger.Error("task create failed", "task_id", taskID, "error", err)
			writeError(w, http.StatusInternalServerError, "task create failed")
			return
		}
	case err != nil:
		s.logger.Error("task load failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "task load failed")
		return
	default:
		if !s.auth.Owns(userID, task.UserID) {
			writeError(w, http.StatusForbidden, "not your task")
			return
		}
	}

	variants := make([]*models.Variant, 0, len(req.Models))
	for i, modelID := range req.Models {
		v, err := s.initVariant(ctx, task, modelID, i+1)
		if err != nil {
			s.logger.Error("variant initialization failed",
				"task_id", taskID, "model", modelID, "error", err)
			writeError(w, http.StatusInternalServerError, "variant initialization failed")
			return
		}
		variants = append(variants, v)
	}

	if s.background != nil && len(variants) > 0 {
		s.background.Start(context.Background(), task, variants[0].WorkspacePath)
		go s.watchBackground(task.ID, variants)
	}
	if err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskRunning); err != nil {
		s.logger.Warn("task status update failed", "task_id", taskID, "error", err)
	}

	// The initial message starts each variant's first run; readiness gating
	// may delay acceptance, so failures are reported to the room, not here.
	if req.Message != "" {
		keys := s.auth.Keys(r)
		for _, v := range variants {
			go s.sendUserMessage(task.ID, v.ID, req.Message, v.ModelID, userID, keys)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task":     task,
		"variants": variants,
	})
}

// initVariant creates the variant record, prepares its workspace directory,
// wires the tool registry and executor, and registers the runtime.
func (s *Server) initVariant(ctx context.Context, task *models.Task, modelID string, sequence int) (*models.Variant, error) {
	v := &models.Variant{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		ModelID:      modelID,
		Sequence:     sequence,
		ShadowBranch: models.ShadowBranchName(task.ID, sequence),
		Status:       models.VariantInitializing,
		InitStatus:   models.InitPrepareWorkspace,
	}
	v.WorkspacePath = filepath.Join(s.cfg.Server.WorkspaceRoot, task.ID, "variant-"+strconv.Itoa(sequence))
	if err := s.store.CreateVariant(ctx, v); err != nil {
		return nil, err
	}
	s.publishInitProgress(task.ID, v.ID, 1, 3, "preparing workspace")

	if err := os.MkdirAll(v.WorkspacePath, 0o755); err != nil {
		_ = s.store.UpdateVariantInit(ctx, v.ID, models.InitPrepareWorkspace, err.Error())
		return nil, err
	}

	var searcher tools.SemanticSearcher
	if s.indexing != nil {
		searcher = s.indexing
	}
	registry, err := tools.NewDefaultRegistry(s.cfg.Tools, tools.Deps{
		Workspace: v.WorkspacePath,
		TaskID:    task.ID,
		Todos:     s.store,
		TodoSink:  s.todoSink(task.ID, v.ID),
		Searcher:  searcher,
		Namespace: task.RepoFullName,
		Terminal:  s.terminalSink(task.ID, v.ID),
	})
	if err != nil {
		return nil, err
	}
	executor := tools.NewExecutor(registry, s.store, s.cfg.Tools.MaxResultBytes, s.logger, s.metrics)
	s.agents.RegisterRuntime(v.ID, &agent.VariantRuntime{
		WorkspacePath: v.WorkspacePath,
		Executor:      executor,
	})
	s.publishInitProgress(task.ID, v.ID, 2, 3, "starting background services")

	s.watchers.Watch(task.ID, v.ID, v.WorkspacePath, s.rooms)

	v.InitStatus = models.InitActive
	v.Status = models.VariantRunning
	if err := s.store.UpdateVariantInit(ctx, v.ID, models.InitActive, ""); err != nil {
		return nil, err
	}
	if err := s.store.UpdateVariantStatus(ctx, v.ID, models.VariantRunning); err != nil {
		return nil, err
	}
	s.publishInitProgress(task.ID, v.ID, 3, 3, "ready")
	return v, nil
}

// sendUserMessage drives one SendMessage call and reports failures to the
// variant room.
func (s *Server) sendUserMessage(taskID, variantID, text, modelID, userID string, keys agent.APIKeys) {
	err := s.agents.SendMessage(context.Background(), agent.SendMessageRequest{
		TaskID:    taskID,
		VariantID: variantID,
		UserID:    userID,
		Text:      text,
		ModelID:   modelID,
		Keys:      keys,
	})
	if err != nil {
		s.logger.Warn("message send failed",
			"task_id", taskID, "variant_id", variantID, "error", err)
		s.rooms.Publish(taskID, variantID, "stream-error", map[string]string{"error": err.Error()})
	}
}

// watchBackground relays background job progress to the task's variant rooms
// as indexing events until every job reaches a terminal state.
func (s *Server) watchBackground(taskID string, variants []*models.Variant) {
	notify := func(state, phase string) {
		for _, v := range variants {
			s.rooms.Publish(taskID, v.ID, "indexing", map[string]string{
				"state": state,
				"phase": phase,
			})
		}
	}
	notify("running", "started")

	deadline := time.Now().Add(30 * time.Minute)
	for time.Now().Before(deadline) {
		jobs := s.background.Status(taskID)
		done := true
		for _, job := range jobs {
			if !job.Completed && !job.Failed {
				done = false
				break
			}
		}
		if done {
			state := "completed"
			for _, job := range jobs {
				if job.Failed {
					state = "failed"
				}
			}
			notify(state, "finished")
			return
		}
		time.Sleep(2 * time.Second)
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, userID string) {
	taskID := r.PathValue("taskID")
	task := s.requireTask(w, r, taskID, userID)
	if task == nil {
		return
	}
	variants, err := s.store.ListVariants(r.Context(), taskID)
	if err != nil {
		s.logger.Error("variant list failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "variant list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":     task,
		"variants": variants,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	taskID := r.PathValue("taskID")
	variantID := r.PathValue("variantID")
	if s.requireTask(w, r, taskID, userID) == nil {
		return
	}
	msgs, err := s.store.ListVariantMessages(r.Context(), taskID, variantID)
	if err != nil {
		s.logger.Error("message list failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "message list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleContextUsage(w http.ResponseWriter, r *http.Request, userID string) {
	taskID := r.PathValue("taskID")
	if s.requireTask(w, r, taskID, userID) == nil {
		return
	}
	modelID := r.URL.Query().Get("model")
	model, err := catalog.Resolve(modelID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown model "+modelID)
		return
	}
	report, err := s.contexts.Usage(r.Context(), taskID, model)
	if err != nil {
		s.logger.Error("context usage failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "context usage failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
