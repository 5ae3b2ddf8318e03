package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/shadow-agent/shadow/pkg/models"
)

// githubPREvent is the subset of the pull_request webhook payload we act on.
type githubPREvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handleGitHubWebhook processes pull-request closed events: variants whose
// task tracks the closed PR are stopped and their tasks archived. The
// signature check runs over the raw body before any parsing.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !verifySignature(s.cfg.Webhook.GitHubSecret, r.Header.Get("X-Hub-Signature-256"), body) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if event := r.Header.Get("X-GitHub-Event"); event != "" && event != "pull_request" {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Ignored"})
		return
	}

	var payload githubPREvent
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if payload.Action != "closed" || payload.PullRequest.Number == 0 || payload.Repository.FullName == "" {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Ignored"})
		return
	}

	ctx := r.Context()
	variants, err := s.store.VariantsForPullRequest(ctx, payload.Repository.FullName, payload.PullRequest.Number)
	if err != nil {
		s.logger.Error("webhook variant lookup failed",
			"repo", payload.Repository.FullName,
			"pr", payload.PullRequest.Number,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	archivedTasks := map[string]bool{}
	for _, v := range variants {
		if err := s.store.UpdateVariantStatus(ctx, v.ID, models.VariantStopped); err != nil {
			s.logger.Warn("webhook variant stop failed", "variant_id", v.ID, "error", err)
			continue
		}
		if !archivedTasks[v.TaskID] {
			if err := s.store.UpdateTaskStatus(ctx, v.TaskID, models.TaskArchived); err != nil {
				s.logger.Warn("webhook task archive failed", "task_id", v.TaskID, "error", err)
				continue
			}
			archivedTasks[v.TaskID] = true
		}
	}

	s.logger.Info("pull request closed",
		"repo", payload.Repository.FullName,
		"pr", payload.PullRequest.Number,
		"merged", payload.PullRequest.Merged,
		"variants_stopped", len(variants),
		"tasks_archived", len(archivedTasks),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "Success",
		"tasksArchived": len(archivedTasks),
	})
}

// verifySignature checks the HMAC-SHA256 signature header against the raw
// body using constant-time comparison.
func verifySignature(secret, header string, body []byte) bool {
	if secret == "" || header == "" {
		return false
	}
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	providedMAC, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(providedMAC, mac.Sum(nil))
}
