package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"loom/ledger"
	"loom/pristine"
	"loom/record"
	"loom/repo"
	"loom/store"
)

// TestRootCommand tests that the root command is properly configured
func TestRootCommand(t *testing.T) {
	if rootCmd == nil {
		t.Fatal("rootCmd should not be nil")
	}
	if rootCmd.Use != "loom" {
		t.Errorf("expected Use 'loom', got %q", rootCmd.Use)
	}
	if rootCmd.Short == "" {
		t.Error("Short description should not be empty")
	}
	for _, name := range []string{"config", "data", "repo", "channel", "json"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected persistent flag --%s", name)
		}
	}
}

func TestSubcommands(t *testing.T) {
	tests := []struct {
		cmd  *cobra.Command
		use  string
		args []string
		ok   bool
	}{
		{initCmd, "init", nil, true},
		{recordCmd, "record", []string{"x"}, false},
		{applyCmd, "apply <change>", []string{"abc"}, true},
		{applyCmd, "apply <change>", nil, false},
		{unrecordCmd, "unrecord <change>", []string{"abc"}, true},
		{revertCmd, "revert <change>", []string{"abc", "def"}, false},
		{showCmd, "show [path]", nil, true},
		{showCmd, "show [path]", []string{"a", "b"}, false},
		{resolveCmd, "resolve <signature>", []string{"sig"}, true},
		{channelRenameCmd, "rename <old> <new>", []string{"a"}, false},
		{channelForkCmd, "fork <src> <dst>", []string{"a", "b"}, true},
		{tagCheckoutCmd, "checkout <tag> <channel>", []string{"v1", "rel"}, true},
		{bundleImportCmd, "import <file>", nil, false},
		{gcCmd, "gc", nil, true},
	}

	for _, tt := range tests {
		if tt.cmd.Use != tt.use {
			t.Errorf("expected Use %q, got %q", tt.use, tt.cmd.Use)
		}
		if tt.cmd.RunE == nil {
			t.Errorf("%s: RunE should not be nil", tt.use)
		}
		err := tt.cmd.Args(tt.cmd, tt.args)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected args error for %v: %v", tt.use, tt.args, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: expected args error for %v", tt.use, tt.args)
		}
	}
}

func TestCommandGroups(t *testing.T) {
	for _, c := range []*cobra.Command{channelCmd, tagCmd, bundleCmd} {
		if !c.HasSubCommands() {
			t.Errorf("%s should have subcommands", c.Use)
		}
	}
	if channelDeleteCmd.Flags().Lookup("force") == nil {
		t.Error("channel delete should have --force")
	}
	if channelForkCmd.Flags().Lookup("state") == nil {
		t.Error("channel fork should have --state")
	}
	if gcCmd.Flags().Lookup("dry-run") == nil || gcCmd.Flags().Lookup("aggressive") == nil {
		t.Error("gc should have --dry-run and --aggressive")
	}
}

func TestParseOrder(t *testing.T) {
	got, err := parseOrder("1, 0,2")
	if err != nil {
		t.Fatalf("parseOrder: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 0 || got[2] != 2 {
		t.Errorf("unexpected order %v", got)
	}

	got, err = parseOrder("")
	if err != nil || got != nil {
		t.Errorf("empty order: got %v, %v", got, err)
	}

	if _, err := parseOrder("1,x"); err == nil {
		t.Error("expected error for non-numeric order")
	} else if !errors.Is(err, ledger.ErrBadOrder) {
		t.Errorf("expected ErrBadOrder, got %v", err)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("wrapped: %w", store.ErrChannelNotFound), "NOT_FOUND"},
		{repo.ErrConflictNotFound, "NOT_FOUND"},
		{&pristine.MissingDependencyError{}, "MISSING_DEPENDENCY"},
		{pristine.ErrDependentChangesPresent, "DEPENDENT_CHANGES_PRESENT"},
		{store.ErrChannelNotEmpty, "CHANNEL_NOT_EMPTY"},
		{store.ErrTagExists, "EXISTS"},
		{ledger.ErrBadOrder, "INVALID"},
		{record.ErrNothingToRecord, "NOTHING_TO_RECORD"},
		{context.Canceled, "CANCELED"},
		{fmt.Errorf("plain"), ""},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.code {
			t.Errorf("errorCode(%v) = %q, want %q", tt.err, got, tt.code)
		}
	}
}

func TestReadTree(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.txt"), "alpha\n")
	mustWrite(t, filepath.Join(dir, "sub", "b.txt"), "beta\n")
	mustWrite(t, filepath.Join(dir, ".loom", "state"), "skip\n")
	mustWrite(t, filepath.Join(dir, ".git", "HEAD"), "skip\n")

	tree, err := readTree(dir)
	if err != nil {
		t.Fatalf("readTree: %v", err)
	}
	if len(tree) != 2 {
		t.Fatalf("expected 2 files, got %d: %v", len(tree), tree)
	}
	if string(tree["a.txt"]) != "alpha\n" || string(tree["sub/b.txt"]) != "beta\n" {
		t.Errorf("unexpected contents %v", tree)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}

func TestRecordFlow(t *testing.T) {
	data := t.TempDir()
	work := t.TempDir()
	mustWrite(t, filepath.Join(work, "notes.txt"), "one\ntwo\n")

	run := func(args ...string) {
		t.Helper()
		base := []string{"--config", filepath.Join(data, "none.toml"), "--data", data, "--repo", "flow"}
		rootCmd.SetArgs(append(base, args...))
		if err := rootCmd.ExecuteContext(context.Background()); err != nil {
			t.Fatalf("loom %v: %v", args, err)
		}
	}

	run("init")
	run("record", "--dir", work, "-m", "first")
	run("channel", "fork", "main", "feature")

	r, err := repo.Open(data, "flow", repo.Options{})
	if err != nil {
		t.Fatalf("opening repo: %v", err)
	}
	defer r.Close()

	res, err := r.Materialize(context.Background(), "feature")
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	f := res.Tree.File("notes.txt")
	if f == nil {
		t.Fatal("notes.txt missing from forked channel")
	}
	if string(f.Bytes()) != "one\ntwo\n" {
		t.Errorf("unexpected content %q", f.Bytes())
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
