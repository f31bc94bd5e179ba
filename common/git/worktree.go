package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Logger is the slice of logging worktree management needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Manager allocates one worktree per workflow under Root. Worktrees share
// the repository's object store but give each workflow an exclusive
// checkout, so parallel developers never trample each other.
type Manager struct {
	repoDir string
	root    string
	keep    bool
	log     Logger

	mu        sync.Mutex
	allocated map[string]string
}

// NewManager builds a manager for the repository at repoDir, placing
// worktrees under root. When keep is true, Remove leaves trees on disk for
// post-mortem inspection.
func NewManager(repoDir, root string, keep bool, log Logger) *Manager {
	return &Manager{
		repoDir:   repoDir,
		root:      root,
		keep:      keep,
		log:       log,
		allocated: make(map[string]string),
	}
}

// Create adds a worktree for the workflow on a fresh branch and returns the
// wrapped checkout. The path is derived from the workflow id, so it is
// unique as long as ids are.
func (m *Manager) Create(ctx context.Context, workflowID string) (*Repo, string, error) {
	short := shortID(workflowID)
	name := "overseer/" + short
	path := filepath.Join(m.root, short)

	m.mu.Lock()
	if existing, ok := m.allocated[workflowID]; ok {
		m.mu.Unlock()
		return nil, "", fmt.Errorf("workflow %s already has worktree %s", workflowID, existing)
	}
	m.allocated[workflowID] = path
	m.mu.Unlock()

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		m.release(workflowID)
		return nil, "", fmt.Errorf("create worktree root: %w", err)
	}

	repo := NewRepo(m.repoDir)
	if _, err := repo.run(ctx, "worktree", "add", "-b", name, path); err != nil {
		m.release(workflowID)
		return nil, "", err
	}
	m.log.Info("worktree created", "workflow_id", workflowID, "path", path, "branch", name)
	return NewRepo(path), name, nil
}

// Adopt registers an externally provided checkout for the workflow. Used
// when the caller supplies its own worktree path at start.
func (m *Manager) Adopt(workflowID, path string) *Repo {
	m.mu.Lock()
	m.allocated[workflowID] = path
	m.mu.Unlock()
	return NewRepo(path)
}

// Remove tears down the workflow's worktree unless retention is on or the
// checkout was adopted rather than created here.
func (m *Manager) Remove(ctx context.Context, workflowID string) error {
	m.mu.Lock()
	path, ok := m.allocated[workflowID]
	delete(m.allocated, workflowID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if m.keep {
		m.log.Info("keeping worktree", "workflow_id", workflowID, "path", path)
		return nil
	}
	if !strings.HasPrefix(path, m.root) {
		m.log.Info("leaving adopted worktree in place", "workflow_id", workflowID, "path", path)
		return nil
	}

	repo := NewRepo(m.repoDir)
	if _, err := repo.run(ctx, "worktree", "remove", "--force", path); err != nil {
		m.log.Warn("worktree remove failed", "workflow_id", workflowID, "path", path, "error", err)
		return err
	}
	m.log.Info("worktree removed", "workflow_id", workflowID, "path", path)
	return nil
}

func (m *Manager) release(workflowID string) {
	m.mu.Lock()
	delete(m.allocated, workflowID)
	m.mu.Unlock()
}

// shortID shortens a workflow id into a branch- and path-safe segment.
func shortID(workflowID string) string {
	id := strings.ReplaceAll(workflowID, " ", "-")
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}
