// Package repo ties the change store, the pristine graph, the output
// engine and the resolution ledger into one repository with per-channel
// locking and cached materializations.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"loom/background"
	"loom/config"
	"loom/diff"
	"loom/ledger"
	"loom/pristine"
	"loom/store"
)

// MainChannel is the channel every new repository starts with.
const MainChannel = "main"

// ErrConflictNotFound is returned when a signature names no current
// conflict of a channel.
var ErrConflictNotFound = errors.New("conflict not found")

// Options configures an open repository.
type Options struct {
	Logger *slog.Logger
	// Author is recorded in history entries and as the default author of
	// recorded changes.
	Author    string
	Algorithm diff.Algorithm
	// Ignore lists doublestar patterns never recorded.
	Ignore        []string
	StrictAppends bool
	Parallelism   int
	// ChangeCacheSize bounds the decoded changes kept in memory.
	ChangeCacheSize int
	// OutputMaxCost bounds the encoded outputs kept in memory, in bytes.
	// Zero disables the memory cache; the disk cache is always used.
	OutputMaxCost int64
	// RefreshInterval starts a background refresher when positive.
	RefreshInterval time.Duration
}

// OptionsFromConfig derives repository options from a configuration.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	opts := Options{
		Logger:          logger,
		Author:          cfg.Author.String(),
		Algorithm:       diff.Algorithm(cfg.Diff.Algorithm),
		Ignore:          cfg.Record.Ignore,
		StrictAppends:   cfg.Merge.StrictAppends,
		Parallelism:     cfg.Merge.Parallelism,
		ChangeCacheSize: cfg.Cache.Changes,
		OutputMaxCost:   cfg.Cache.OutputMaxCost,
	}
	if cfg.Refresh.Enabled {
		opts.RefreshInterval = cfg.Refresh.Interval()
	}
	return opts
}

// Repo is an open repository. All methods are safe for concurrent use.
type Repo struct {
	name   string
	db     *store.DB
	ledger *ledger.Ledger
	opts   Options
	logger *slog.Logger

	outputs   *ristretto.Cache
	refresher *background.Refresher

	// gcMu is held shared by every operation that adds rows and
	// exclusively by GC.
	gcMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// Open opens or creates the repository stored in root/name.
func Open(root, name string, opts Options) (*Repo, error) {
	db, err := store.OpenRepoDB(root, name, store.Options{ChangeCacheSize: opts.ChangeCacheSize})
	if err != nil {
		return nil, err
	}
	r, err := New(name, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an open database. The repository owns db from then on.
func New(name string, db *store.DB, opts Options) (*Repo, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Author == "" {
		opts.Author = "anonymous"
	}
	alg, err := diff.ParseAlgorithm(string(opts.Algorithm))
	if err != nil {
		return nil, err
	}
	opts.Algorithm = alg

	r := &Repo{
		name:   name,
		db:     db,
		opts:   opts,
		logger: opts.Logger.With("repo", name),
		locks:  make(map[string]*sync.RWMutex),
	}
	r.ledger = ledger.New(db, r.logger)

	if opts.OutputMaxCost > 0 {
		r.outputs, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: max(10*(opts.OutputMaxCost>>10), 1000),
			MaxCost:     opts.OutputMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("creating output cache: %w", err)
		}
	}

	if opts.RefreshInterval > 0 {
		r.refresher = background.NewRefresher(db, r, opts.RefreshInterval, r.logger)
		r.refresher.Start(context.Background())
	}
	return r, nil
}

// Name returns the repository name.
func (r *Repo) Name() string { return r.name }

// DB returns the underlying store.
func (r *Repo) DB() *store.DB { return r.db }

// Ledger returns the resolution ledger.
func (r *Repo) Ledger() *ledger.Ledger { return r.ledger }

// Close stops background work and closes the database.
func (r *Repo) Close() error {
	if r.refresher != nil {
		r.refresher.Stop()
	}
	if r.outputs != nil {
		r.outputs.Close()
	}
	return r.db.Close()
}

// channelLock returns the lock guarding a channel name.
func (r *Repo) channelLock(name string) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		r.locks[name] = l
	}
	return l
}

// lockWrite takes the write locks of names in a fixed order and the
// shared GC lock. The returned function releases them.
func (r *Repo) lockWrite(names ...string) func() {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	r.gcMu.RLock()
	var held []*sync.RWMutex
	for i, n := range sorted {
		if i > 0 && n == sorted[i-1] {
			continue
		}
		l := r.channelLock(n)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
		r.gcMu.RUnlock()
	}
}

func (r *Repo) lockRead(name string) func() {
	r.gcMu.RLock()
	l := r.channelLock(name)
	l.RLock()
	return func() {
		l.RUnlock()
		r.gcMu.RUnlock()
	}
}

// actor starts a new operation.
func (r *Repo) actor() pristine.Actor {
	return pristine.Actor{Name: r.opts.Author, OpID: uuid.NewString()}
}
