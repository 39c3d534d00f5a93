// Package main provides the loom CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"loom/change"
	"loom/config"
	"loom/ledger"
	"loom/pack"
	"loom/pristine"
	"loom/proto"
	"loom/record"
	"loom/repo"
	"loom/store"
)

// Version is the current loom CLI version
var Version = "0.3.0"

var (
	configPath  string
	dataDir     string
	repoName    string
	channelName string
	jsonFlag    bool
)

var rootCmd = &cobra.Command{
	Use:     "loom",
	Short:   "Loom - change-based version control",
	Long:    `Loom stores history as commuting changes applied to channels, reports conflicts as data and reuses their resolutions.`,
	Version: Version,
	// Errors are reported by main.
	SilenceErrors: true,
	SilenceUsage:  true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		reportError(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "loom.toml", "Config file (.toml or .yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&repoName, "repo", "r", "default", "Repository name")
	rootCmd.PersistentFlags().StringVarP(&channelName, "channel", "c", repo.MainChannel, "Channel name")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Output as JSON")
}

// errorCode maps an error to a stable code for JSON output.
func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrChannelNotFound),
		errors.Is(err, store.ErrTagNotFound), errors.Is(err, repo.ErrRepoNotFound),
		errors.Is(err, repo.ErrConflictNotFound):
		return "NOT_FOUND"
	case errors.Is(err, pristine.ErrMissingDependency):
		return "MISSING_DEPENDENCY"
	case errors.Is(err, pristine.ErrDependentChangesPresent):
		return "DEPENDENT_CHANGES_PRESENT"
	case errors.Is(err, store.ErrChannelNotEmpty):
		return "CHANNEL_NOT_EMPTY"
	case errors.Is(err, store.ErrChannelExists), errors.Is(err, store.ErrTagExists),
		errors.Is(err, repo.ErrRepoExists):
		return "EXISTS"
	case errors.Is(err, change.ErrInvalidChange), errors.Is(err, ledger.ErrBadOrder),
		errors.Is(err, pack.ErrCorruptBundle):
		return "INVALID"
	case errors.Is(err, record.ErrNothingToRecord):
		return "NOTHING_TO_RECORD"
	case errors.Is(err, context.Canceled):
		return "CANCELED"
	case errors.Is(err, store.ErrStorageIO):
		return "STORAGE_IO"
	}
	return ""
}

func reportError(err error) {
	if jsonFlag {
		printJSON(os.Stderr, proto.ErrorResponse{Error: err.Error(), Code: errorCode(err)})
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
}

func printJSON(w *os.File, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
}

func newRegistry(cfg *config.Config) *repo.Registry {
	logger := newLogger(cfg)
	opts := repo.OptionsFromConfig(cfg, logger)
	// Commands are short-lived; the refresh queue is drained by the next
	// long-running process.
	opts.RefreshInterval = 0
	return repo.NewRegistry(repo.RegistryConfig{
		DataDir: cfg.DataDir,
		MaxOpen: cfg.Registry.MaxOpen,
		IdleTTL: cfg.Registry.IdleTTL(),
		Options: opts,
	}, logger)
}

// withRepo opens the selected repository for the duration of fn.
func withRepo(cmd *cobra.Command, fn func(ctx context.Context, r *repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := newRegistry(cfg)
	defer reg.Close()

	h, err := reg.Get(cmd.Context(), repoName)
	if err != nil {
		return err
	}
	defer reg.Release(h)
	return fn(cmd.Context(), h.Repo)
}

// readTree loads every regular file under dir, keyed by slash-separated
// relative path.
func readTree(dir string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case ".loom", ".git":
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	return out, nil
}

func parseHashes(r *repo.Repo, args []string) ([]change.Hash, error) {
	out := make([]change.Hash, 0, len(args))
	for _, a := range args {
		h, err := r.ResolveHash(a)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", a, err)
		}
		out = append(out, h)
	}
	return out, nil
}

func parseOrder(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ledger.ErrBadOrder, s)
		}
		out = append(out, i)
	}
	return out, nil
}

// shortID safely truncates an ID string to 12 characters.
func shortID(s string) string {
	if len(s) >= 12 {
		return s[:12]
	}
	return s
}
