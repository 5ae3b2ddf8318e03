// Package background runs per-task jobs that prepare a repository for agent
// work: vector indexing of the checkout and codebase wiki generation. Jobs
// are tracked per task; blocking jobs gate message acceptance, failures are
// recorded but never fail the task.
package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shadow-agent/shadow/internal/config"
	"github.com/shadow-agent/shadow/internal/observability"
	"github.com/shadow-agent/shadow/internal/sessions"
	"github.com/shadow-agent/shadow/pkg/models"
)

// JobName identifies a background job kind.
type JobName string

const (
	JobIndexing JobName = "indexing"
	JobWiki     JobName = "wiki"
)

// JobStatus is the tracked state of one job for one task.
type JobStatus struct {
	Name      JobName   `json:"name"`
	Started   bool      `json:"started"`
	Completed bool      `json:"completed"`
	Failed    bool      `json:"failed"`
	Blocking  bool      `json:"blocking"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// RepoIndexer is the indexing side the manager drives.
type RepoIndexer interface {
	IndexRepository(ctx context.Context, namespace, root string) error
}

// taskJobs tracks jobs and the repo/workspace binding for one task.
type taskJobs struct {
	repoFullName string
	workspace    string
	jobs         map[JobName]*JobStatus
}

// Manager starts and tracks per-task background jobs. A task's jobs start
// once, on first initialization; calling Start again for the same task is a
// no-op.
type Manager struct {
	cfg     config.BackgroundConfig
	indexer RepoIndexer
	wiki    *WikiGenerator
	locker  sessions.RepoLocker
	logger  *slog.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	tasks map[string]*taskJobs
	wg    sync.WaitGroup

	cron *cron.Cron
}

// NewManager wires the manager. indexer and wiki may be nil when the
// corresponding job is disabled.
func NewManager(cfg config.BackgroundConfig, indexer RepoIndexer, wiki *WikiGenerator, locker sessions.RepoLocker, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = sessions.NewLocalRepoLocker()
	}
	if cfg.WikiMaxAge <= 0 {
		cfg.WikiMaxAge = 24 * time.Hour
	}
	return &Manager{
		cfg:     cfg,
		indexer: indexer,
		wiki:    wiki,
		locker:  locker,
		logger:  logger,
		metrics: metrics,
		tasks:   make(map[string]*taskJobs),
	}
}

// Start launches the task's background jobs if they have not been started
// yet. It returns immediately; job progress is visible through Status and
// Ready.
func (m *Manager) Start(ctx context.Context, task *models.Task, workspacePath string) {
	m.mu.Lock()
	if _, ok := m.tasks[task.ID]; ok {
		m.mu.Unlock()
		return
	}
	t := &taskJobs{
		repoFullName: task.RepoFullName,
		workspace:    workspacePath,
		jobs:         make(map[JobName]*JobStatus),
	}
	m.tasks[task.ID] = t

	if m.cfg.IndexingEnabled && m.indexer != nil {
		t.jobs[JobIndexing] = &JobStatus{
			Name:      JobIndexing,
			Started:   true,
			Blocking:  m.cfg.IndexingBlocking,
			StartedAt: time.Now().UTC(),
		}
	}
	if m.cfg.WikiEnabled && m.wiki != nil {
		t.jobs[JobWiki] = &JobStatus{
			Name:      JobWiki,
			Started:   true,
			StartedAt: time.Now().UTC(),
		}
	}
	m.mu.Unlock()

	if st := t.jobs[JobIndexing]; st != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.finish(task.ID, JobIndexing, m.runIndexing(ctx, task.RepoFullName, workspacePath))
		}()
	}
	if st := t.jobs[JobWiki]; st != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.finish(task.ID, JobWiki, m.runWiki(ctx, task.RepoFullName, workspacePath))
		}()
	}
}

// runIndexing indexes the checkout under the repository lock. A held lock
// means another process is already indexing the same repo; the job completes
// without doing the work itself.
func (m *Manager) runIndexing(ctx context.Context, repoFullName, workspacePath string) error {
	if err := m.locker.TryLock(ctx, repoFullName); err != nil {
		if err == sessions.ErrLockHeld {
			m.logger.Info("indexing already in progress elsewhere", "repo", repoFullName)
			return nil
		}
		return err
	}
	defer m.locker.Unlock(ctx, repoFullName)

	return m.indexer.IndexRepository(ctx, repoFullName, workspacePath)
}

// runWiki regenerates the codebase wiki unless a fresh record exists.
func (m *Manager) runWiki(ctx context.Context, repoFullName, workspacePath string) error {
	fresh, err := m.wiki.IsFresh(ctx, repoFullName, m.cfg.WikiMaxAge)
	if err == nil && fresh {
		m.logger.Debug("codebase wiki is fresh, skipping", "repo", repoFullName)
		return nil
	}
	_, err = m.wiki.Generate(ctx, repoFullName, workspacePath)
	return err
}

// finish records a job outcome. Failures stay on the job record and never
// propagate as task failure.
func (m *Manager) finish(taskID string, name JobName, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[taskID]
	if t == nil {
		return
	}
	st := t.jobs[name]
	if st == nil {
		return
	}
	st.EndedAt = time.Now().UTC()
	status := "completed"
	if err != nil {
		st.Failed = true
		st.Error = err.Error()
		status = "failed"
		m.logger.Warn("background job failed",
			"task_id", taskID,
			"job", name,
			"error", err,
		)
	} else {
		st.Completed = true
	}
	if m.metrics != nil {
		m.metrics.BackgroundJobCounter.WithLabelValues(string(name), status).Inc()
	}
}

// Ready reports whether every blocking job of the task has finished. Failed
// blocking jobs count as finished: a broken index degrades search, it does
// not wedge the conversation.
func (m *Manager) Ready(taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[taskID]
	if t == nil {
		return true, nil
	}
	for _, st := range t.jobs {
		if st.Blocking && !st.Completed && !st.Failed {
			return false, nil
		}
	}
	return true, nil
}

// Status returns the tracked jobs for a task, indexing job first.
func (m *Manager) Status(taskID string) []JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[taskID]
	if t == nil {
		return nil
	}
	out := make([]JobStatus, 0, len(t.jobs))
	for _, name := range []JobName{JobIndexing, JobWiki} {
		if st := t.jobs[name]; st != nil {
			out = append(out, *st)
		}
	}
	return out
}

// StartSweeper schedules periodic wiki regeneration for repos of tracked
// tasks. The schedule is a cron expression; an empty schedule disables the
// sweep.
func (m *Manager) StartSweeper(schedule string) error {
	if schedule == "" || m.wiki == nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, m.sweep); err != nil {
		return err
	}
	c.Start()
	m.cron = c
	return nil
}

// sweep regenerates the wiki for every tracked repo whose record went stale.
func (m *Manager) sweep() {
	m.mu.Lock()
	repos := map[string]string{} // repo -> a workspace holding its checkout
	for _, t := range m.tasks {
		repos[t.repoFullName] = t.workspace
	}
	m.mu.Unlock()

	ctx := context.Background()
	for repo, workspace := range repos {
		fresh, err := m.wiki.IsFresh(ctx, repo, m.cfg.WikiMaxAge)
		if err != nil || fresh {
			continue
		}
		if _, err := m.wiki.Generate(ctx, repo, workspace); err != nil {
			m.logger.Warn("wiki sweep failed", "repo", repo, "error", err)
			if m.metrics != nil {
				m.metrics.BackgroundJobCounter.WithLabelValues(string(JobWiki), "failed").Inc()
			}
		}
	}
}

// Stop halts the sweeper and waits for in-flight jobs.
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
	m.wg.Wait()
}
