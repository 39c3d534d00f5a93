package repo

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"loom/store"
)

var (
	ErrRepoNotFound = errors.New("repo not found")
	ErrRepoExists   = errors.New("repo already exists")
	ErrBadRepoName  = errors.New("invalid repo name")
)

// Handle is an open repository tracked by a registry.
type Handle struct {
	Name string
	Path string
	Repo *Repo

	lastUsed time.Time
	active   int32 // number of active users
	mu       sync.Mutex
	element  *list.Element // position in LRU list
}

// RegistryConfig configures the repo registry.
type RegistryConfig struct {
	DataDir string        // Base directory for all repos
	MaxOpen int           // Maximum number of open repos (LRU capacity)
	IdleTTL time.Duration // Close repos idle longer than this
	// Options are used for every repository opened.
	Options Options
}

// Registry keeps recently used repositories open.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger
	mu     sync.RWMutex
	repos  map[string]*Handle
	lru    *list.List // LRU list of repo names
	stop   chan struct{}
	done   chan struct{}
}

// NewRegistry creates a registry and starts its idle reaper. A nil logger
// uses slog.Default().
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 256
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Options.Logger == nil {
		cfg.Options.Logger = logger
	}

	r := &Registry{
		cfg:    cfg,
		logger: logger,
		repos:  make(map[string]*Handle),
		lru:    list.New(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.Contains(name, ".deleted.") {
		return fmt.Errorf("%w: %q", ErrBadRepoName, name)
	}
	return nil
}

func (r *Registry) dbPath(name string) string {
	return filepath.Join(r.cfg.DataDir, name, store.DBFile)
}

// Get returns the named repository, opening it if needed. The handle is
// acquired; callers must Release it.
func (r *Registry) Get(ctx context.Context, name string) (*Handle, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	// Fast path: already open. Eviction needs the write lock, so the
	// handle cannot be closed once acquired here.
	r.mu.RLock()
	h, ok := r.repos[name]
	if ok {
		r.Acquire(h)
	}
	r.mu.RUnlock()
	if ok {
		r.touch(h)
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.repos[name]; ok {
		r.touchLocked(h)
		r.Acquire(h)
		return h, nil
	}
	if _, err := os.Stat(r.dbPath(name)); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, name)
	}

	h, err := r.openRepoLocked(name)
	if err != nil {
		return nil, err
	}
	r.Acquire(h)
	return h, nil
}

// Create creates a repository with a main channel. The handle is
// acquired; callers must Release it.
func (r *Registry) Create(ctx context.Context, name string) (*Handle, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.repos[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRepoExists, name)
	}
	if _, err := os.Stat(r.dbPath(name)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRepoExists, name)
	}

	h, err := r.openRepoLocked(name)
	if err != nil {
		return nil, err
	}
	if _, err := h.Repo.CreateChannel(ctx, MainChannel); err != nil {
		r.closeRepoLocked(h)
		return nil, err
	}
	r.Acquire(h)
	r.logger.Info("repo created", "repo", name)
	return h, nil
}

// Exists reports whether a repository exists on disk.
func (r *Registry) Exists(name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(r.dbPath(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the names of all repositories.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.DataDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var repos []string
	for _, e := range entries {
		if !e.IsDir() || validName(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(r.dbPath(e.Name())); err == nil {
			repos = append(repos, e.Name())
		}
	}
	return repos, nil
}

// Delete soft-deletes a repository by renaming its directory.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.repos[name]; ok {
		r.closeRepoLocked(h)
	}

	repoPath := filepath.Join(r.cfg.DataDir, name)
	deletedPath := repoPath + ".deleted." + fmt.Sprintf("%d", time.Now().UnixNano())
	if err := os.Rename(repoPath, deletedPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrRepoNotFound, name)
		}
		return fmt.Errorf("deleting repo: %w", err)
	}
	r.logger.Info("repo deleted", "repo", name)
	return nil
}

// Acquire marks a handle as in use, which prevents eviction.
func (r *Registry) Acquire(h *Handle) {
	h.mu.Lock()
	h.active++
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// Release marks a handle as no longer in use.
func (r *Registry) Release(h *Handle) {
	h.mu.Lock()
	h.active--
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// OpenCount returns the number of open repositories.
func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.repos)
}

// Close stops the reaper and closes every repository.
func (r *Registry) Close() error {
	close(r.stop)
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.repos {
		r.closeRepoLocked(h)
	}
	return nil
}

// openRepoLocked opens a repo (must hold write lock).
func (r *Registry) openRepoLocked(name string) (*Handle, error) {
	// Evict if at capacity
	for len(r.repos) >= r.cfg.MaxOpen {
		if !r.evictOneLocked() {
			break // all active
		}
	}

	rp, err := Open(r.cfg.DataDir, name, r.cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("opening repo %s: %w", name, err)
	}

	h := &Handle{
		Name:     name,
		Path:     filepath.Join(r.cfg.DataDir, name),
		Repo:     rp,
		lastUsed: time.Now(),
	}
	h.element = r.lru.PushFront(name)
	r.repos[name] = h
	return h, nil
}

// closeRepoLocked closes a repo (must hold write lock).
func (r *Registry) closeRepoLocked(h *Handle) {
	if err := h.Repo.Close(); err != nil {
		r.logger.Warn("closing repo", "repo", h.Name, "err", err)
	}
	if h.element != nil {
		r.lru.Remove(h.element)
	}
	delete(r.repos, h.Name)
}

func (r *Registry) touch(h *Handle) {
	r.mu.Lock()
	r.touchLocked(h)
	r.mu.Unlock()
}

func (r *Registry) touchLocked(h *Handle) {
	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
	if h.element != nil && r.repos[h.Name] == h {
		r.lru.MoveToFront(h.element)
	}
}

// evictOneLocked evicts the least recently used inactive repo.
func (r *Registry) evictOneLocked() bool {
	for e := r.lru.Back(); e != nil; e = e.Prev() {
		h := r.repos[e.Value.(string)]
		h.mu.Lock()
		idle := h.active == 0
		h.mu.Unlock()
		if idle {
			r.logger.Debug("evicting repo", "repo", h.Name)
			r.closeRepoLocked(h)
			return true
		}
	}
	return false
}

func (r *Registry) reapLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.IdleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

// reapIdle closes repos that have been idle too long.
func (r *Registry) reapIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.cfg.IdleTTL)
	for e := r.lru.Back(); e != nil; {
		prev := e.Prev()
		h := r.repos[e.Value.(string)]

		h.mu.Lock()
		idle := h.active == 0 && h.lastUsed.Before(cutoff)
		h.mu.Unlock()

		if idle {
			r.logger.Debug("closing idle repo", "repo", h.Name)
			r.closeRepoLocked(h)
		}
		e = prev
	}
}
