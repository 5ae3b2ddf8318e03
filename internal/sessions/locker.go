package sessions

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
)

// ErrLockHeld is returned when a repository lock is already held elsewhere.
var ErrLockHeld = errors.New("sessions: repository lock held")

// RepoLocker serializes repository indexing across processes. TryLock
// returns ErrLockHeld without blocking when another holder owns the lock.
type RepoLocker interface {
	TryLock(ctx context.Context, repoFullName string) error
	Unlock(ctx context.Context, repoFullName string)
}

// LocalRepoLocker is the in-process fallback lock, used when no database is
// available or the advisory-lock call fails. It does not protect against
// other processes.
type LocalRepoLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalRepoLocker creates an in-process repository locker.
func NewLocalRepoLocker() *LocalRepoLocker {
	return &LocalRepoLocker{held: make(map[string]bool)}
}

// TryLock acquires the in-process lock for a repo.
func (l *LocalRepoLocker) TryLock(_ context.Context, repoFullName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[repoFullName] {
		return ErrLockHeld
	}
	l.held[repoFullName] = true
	return nil
}

// Unlock releases the in-process lock for a repo.
func (l *LocalRepoLocker) Unlock(_ context.Context, repoFullName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, repoFullName)
}

// AdvisoryRepoLocker implements RepoLocker with Postgres session advisory
// locks keyed by an FNV hash of the repository full name. When the advisory
// call itself fails (connection trouble, non-Postgres store), it degrades to
// the in-process fallback so indexing still runs, with a weaker guarantee.
type AdvisoryRepoLocker struct {
	db       *sql.DB
	fallback *LocalRepoLocker
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*sql.Conn // advisory locks are session-scoped; pin the conn
	local map[string]bool      // repos locked via the fallback
}

// NewAdvisoryRepoLocker creates an advisory locker over the given database.
func NewAdvisoryRepoLocker(db *sql.DB, logger *slog.Logger) *AdvisoryRepoLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdvisoryRepoLocker{
		db:       db,
		fallback: NewLocalRepoLocker(),
		logger:   logger,
		conns:    make(map[string]*sql.Conn),
		local:    make(map[string]bool),
	}
}

// TryLock attempts pg_try_advisory_lock on a dedicated connection.
func (l *AdvisoryRepoLocker) TryLock(ctx context.Context, repoFullName string) error {
	key := repoLockKey(repoFullName)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return l.tryFallback(ctx, repoFullName, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return l.tryFallback(ctx, repoFullName, err)
	}
	if !acquired {
		_ = conn.Close()
		return ErrLockHeld
	}

	l.mu.Lock()
	l.conns[repoFullName] = conn
	l.mu.Unlock()
	return nil
}

// Unlock releases the advisory lock and its pinned connection.
func (l *AdvisoryRepoLocker) Unlock(ctx context.Context, repoFullName string) {
	l.mu.Lock()
	conn := l.conns[repoFullName]
	delete(l.conns, repoFullName)
	viaFallback := l.local[repoFullName]
	delete(l.local, repoFullName)
	l.mu.Unlock()

	if viaFallback {
		l.fallback.Unlock(ctx, repoFullName)
		return
	}
	if conn == nil {
		return
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, repoLockKey(repoFullName)); err != nil {
		l.logger.Warn("advisory unlock failed", "repo", repoFullName, "error", err)
	}
	_ = conn.Close()
}

func (l *AdvisoryRepoLocker) tryFallback(ctx context.Context, repoFullName string, cause error) error {
	l.logger.Warn("advisory lock unavailable, using in-process lock",
		"repo", repoFullName, "error", cause)
	if err := l.fallback.TryLock(ctx, repoFullName); err != nil {
		return err
	}
	l.mu.Lock()
	l.local[repoFullName] = true
	l.mu.Unlock()
	return nil
}

// repoLockKey hashes a repository full name into the advisory lock keyspace.
func repoLockKey(repoFullName string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(repoFullName))
	return int64(h.Sum64())
}
