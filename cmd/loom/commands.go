package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loom/change"
	"loom/output"
	"loom/proto"
	"loom/repo"
	"loom/store"
)

var (
	recordDir      string
	recordMessage  string
	recordInclude  []string
	recordIgnore   []string
	applyRecursive bool
	deleteForce    bool
	forkState      string
	resolveOrder   string
	strictAppends  bool
	manualView     bool
	tagMessage     string
	bundleOut      string
	gcDryRun       bool
	gcAggressive   bool
	gcSinceDays    int
	historyVerify  bool
	historyLimit   int
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a repository with a main channel",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the contents of a directory as a change on the channel",
	Long: `Record the contents of a directory as a change on the channel.

Files present in the channel but missing from the directory are deleted,
unless --include/--ignore leave them out.`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

var applyCmd = &cobra.Command{
	Use:   "apply <change>",
	Short: "Apply a stored change to the channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runApply,
}

var unrecordCmd = &cobra.Command{
	Use:   "unrecord <change>",
	Short: "Remove a change from the channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnrecord,
}

var revertCmd = &cobra.Command{
	Use:   "revert <change>",
	Short: "Record the inverse of an applied change",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevert,
}

var showCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Show the channel's files, or one file with conflict markers",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runShow,
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List the channel's unresolved conflicts",
	Args:  cobra.NoArgs,
	RunE:  runConflicts,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <signature>",
	Short: "Resolve a conflict by ordering its sides",
	Long: `Resolve a conflict by ordering its sides.

The signature may be abbreviated. --order lists side indices as shown by
'loom conflicts', e.g. --order 1,0. The resolution is recorded in the
ledger and reused wherever the same conflict appears again.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

var applyResolutionsCmd = &cobra.Command{
	Use:   "apply-resolutions",
	Short: "Apply every recorded resolution that settles a conflict of the channel",
	Args:  cobra.NoArgs,
	RunE:  runApplyResolutions,
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "List the changes applied to the channel",
	Args:  cobra.NoArgs,
	RunE:  runLog,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the channel's audit log",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Channel commands",
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels",
	Args:  cobra.NoArgs,
	RunE:  runChannelList,
}

var channelCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an empty channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelCreate,
}

var channelDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelDelete,
}

var channelRenameCmd = &cobra.Command{
	Use:   "rename <old> <new>",
	Short: "Rename a channel",
	Args:  cobra.ExactArgs(2),
	RunE:  runChannelRename,
}

var channelForkCmd = &cobra.Command{
	Use:   "fork <src> <dst>",
	Short: "Create a channel with the changes of another",
	Args:  cobra.ExactArgs(2),
	RunE:  runChannelFork,
}

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Tag commands",
}

var tagCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Freeze the channel's applied set under a name",
	Args:  cobra.ExactArgs(1),
	RunE:  runTagCreate,
}

var tagListCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List tags",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTagList,
}

var tagCheckoutCmd = &cobra.Command{
	Use:   "checkout <tag> <channel>",
	Short: "Create a channel from a tag",
	Args:  cobra.ExactArgs(2),
	RunE:  runTagCheckout,
}

var tagDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a tag",
	Args:  cobra.ExactArgs(1),
	RunE:  runTagDelete,
}

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Exchange changes between repositories",
}

var bundleExportCmd = &cobra.Command{
	Use:   "export [change...]",
	Short: "Write changes and their dependencies to a bundle",
	Long: `Write changes and their dependencies to a bundle.

Without arguments, every change applied to the channel is exported.`,
	RunE: runBundleExport,
}

var bundleImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Store the changes of a bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runBundleImport,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Collect unreachable pristine rows and changes",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func init() {
	recordCmd.Flags().StringVar(&recordDir, "dir", ".", "Directory to record")
	recordCmd.Flags().StringVarP(&recordMessage, "message", "m", "", "Change message")
	recordCmd.Flags().StringSliceVar(&recordInclude, "include", nil, "Only record paths matching these patterns")
	recordCmd.Flags().StringSliceVar(&recordIgnore, "ignore", nil, "Never record paths matching these patterns")
	applyCmd.Flags().BoolVar(&applyRecursive, "recursive", false, "Also apply missing dependencies")
	revertCmd.Flags().StringVarP(&recordMessage, "message", "m", "", "Change message")
	showCmd.Flags().BoolVar(&strictAppends, "strict-appends", false, "Report concurrent appends as conflicts")
	showCmd.Flags().BoolVar(&manualView, "no-auto-resolve", false, "Do not reuse recorded resolutions")
	conflictsCmd.Flags().BoolVar(&strictAppends, "strict-appends", false, "Report concurrent appends as conflicts")
	conflictsCmd.Flags().BoolVar(&manualView, "no-auto-resolve", false, "Do not reuse recorded resolutions")
	resolveCmd.Flags().StringVar(&resolveOrder, "order", "", "Side order, comma-separated")
	resolveCmd.Flags().StringVarP(&recordMessage, "message", "m", "", "Change message")
	historyCmd.Flags().BoolVar(&historyVerify, "verify", false, "Verify the hash chain")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 100, "Number of entries to show")
	channelDeleteCmd.Flags().BoolVar(&deleteForce, "force", false, "Delete a channel with applied changes")
	channelForkCmd.Flags().StringVar(&forkState, "state", "", "Fork from the log prefix that produced this state")
	tagCreateCmd.Flags().StringVarP(&tagMessage, "message", "m", "", "Tag message")
	bundleExportCmd.Flags().StringVarP(&bundleOut, "output", "o", "changes.bundle", "Bundle file")
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Show what would be deleted")
	gcCmd.Flags().BoolVar(&gcAggressive, "aggressive", false, "Also delete unreachable changes")
	gcCmd.Flags().IntVar(&gcSinceDays, "since-days", 0, "Only delete changes older than N days")

	channelCmd.AddCommand(channelListCmd, channelCreateCmd, channelDeleteCmd, channelRenameCmd, channelForkCmd)
	tagCmd.AddCommand(tagCreateCmd, tagListCmd, tagCheckoutCmd, tagDeleteCmd)
	bundleCmd.AddCommand(bundleExportCmd, bundleImportCmd)
	rootCmd.AddCommand(initCmd, recordCmd, applyCmd, unrecordCmd, revertCmd, showCmd, conflictsCmd,
		resolveCmd, applyResolutionsCmd, logCmd, historyCmd, channelCmd, tagCmd, bundleCmd, gcCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	reg := newRegistry(cfg)
	defer reg.Close()

	h, err := reg.Create(cmd.Context(), repoName)
	if err != nil {
		return err
	}
	reg.Release(h)
	fmt.Printf("Initialized repository %s in %s\n", repoName, h.Path)
	return nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	working, err := readTree(recordDir)
	if err != nil {
		return err
	}
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		c, err := r.Record(ctx, channelName, working, repo.RecordOptions{
			Message: recordMessage,
			Include: recordInclude,
			Ignore:  recordIgnore,
		})
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(os.Stdout, map[string]interface{}{"change": c.Hash.String(), "operations": len(c.Operations)})
		}
		fmt.Printf("Recorded %s (%d operations)\n", c.Hash.Short(), len(c.Operations))
		return nil
	})
}

func runApply(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		h, err := r.ResolveHash(args[0])
		if err != nil {
			return err
		}
		apply := r.Apply
		if applyRecursive {
			apply = r.ApplyRecursive
		}
		res, err := apply(ctx, channelName, h)
		if err != nil {
			return err
		}
		if len(res.Changes) == 0 {
			fmt.Printf("%s is already applied to %s\n", h.Short(), channelName)
			return nil
		}
		for _, c := range res.Changes {
			fmt.Printf("Applied %s\n", c.Short())
		}
		fmt.Printf("State %s\n", res.State.Short())
		return nil
	})
}

func runUnrecord(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		h, err := r.ResolveHash(args[0])
		if err != nil {
			return err
		}
		res, err := r.Unrecord(ctx, channelName, h)
		if err != nil {
			return err
		}
		fmt.Printf("Unrecorded %s, state %s\n", h.Short(), res.State.Short())
		return nil
	})
}

func runRevert(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		h, err := r.ResolveHash(args[0])
		if err != nil {
			return err
		}
		inv, err := r.Revert(ctx, channelName, h, recordMessage)
		if err != nil {
			return err
		}
		fmt.Printf("Recorded %s reverting %s\n", inv.Hash.Short(), h.Short())
		return nil
	})
}

func viewOptions(r *repo.Repo) repo.ViewOptions {
	v := r.DefaultView()
	if strictAppends {
		v.StrictAppends = true
	}
	if manualView {
		v.AutoResolve = false
	}
	return v
}

// conflictEntries converts conflicts to their wire form, with the
// content of each side's lines.
func conflictEntries(res *output.Result) []*proto.ConflictEntry {
	content := make(map[change.Vertex]string)
	for _, f := range res.Tree.Files {
		for _, l := range f.Lines {
			content[l.Vertex] = string(l.Content)
		}
	}

	out := make([]*proto.ConflictEntry, 0, len(res.Conflicts))
	for _, c := range res.Conflicts {
		e := &proto.ConflictEntry{Kind: string(c.Kind), Signature: c.Signature, Path: c.Path}
		for _, s := range c.Sides {
			side := &proto.ConflictSide{Change: s.Change.String(), Label: s.Label}
			for _, v := range s.Vertices {
				if text, ok := content[v]; ok {
					side.Lines = append(side.Lines, text)
				}
			}
			e.Sides = append(e.Sides, side)
		}
		out = append(out, e)
	}
	return out
}

func runShow(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		res, err := r.MaterializeWith(ctx, channelName, viewOptions(r))
		if err != nil {
			return err
		}

		if len(args) == 1 {
			f := res.Tree.File(args[0])
			if f == nil {
				return fmt.Errorf("%w: %s in %s", store.ErrNotFound, args[0], channelName)
			}
			_, err := os.Stdout.Write(f.Render())
			return err
		}

		ch, err := r.GetChannel(channelName)
		if err != nil {
			return err
		}
		status := &proto.StatusResponse{
			Channel:   channelName,
			State:     ch.State.String(),
			Files:     res.Tree.Paths(),
			Conflicts: conflictEntries(res),
		}
		for _, rs := range res.Resolved {
			status.Resolved = append(status.Resolved, rs.Conflict.Signature)
		}
		if jsonFlag {
			return printJSON(os.Stdout, status)
		}

		fmt.Printf("Channel %s at %s\n", channelName, ch.State.Short())
		for _, p := range status.Files {
			fmt.Printf("  %s\n", p)
		}
		fmt.Printf("%d files, %d lines, %d conflicts, %d auto-resolved\n",
			res.Stats.Files, res.Stats.Lines, res.Stats.Conflicts, res.Stats.AutoResolved)
		return nil
	})
}

func runConflicts(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		res, err := r.MaterializeWith(ctx, channelName, viewOptions(r))
		if err != nil {
			return err
		}
		entries := conflictEntries(res)
		if jsonFlag {
			return printJSON(os.Stdout, entries)
		}
		if len(entries) == 0 {
			fmt.Println("No conflicts")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s conflict in %s [%s]\n", e.Kind, e.Path, shortID(e.Signature))
			for i, s := range e.Sides {
				fmt.Printf("  %d: %s\n", i, shortID(s.Label))
				for _, l := range s.Lines {
					fmt.Printf("       %s\n", strings.TrimSuffix(l, "\n"))
				}
			}
		}
		return nil
	})
}

func runResolve(cmd *cobra.Command, args []string) error {
	order, err := parseOrder(resolveOrder)
	if err != nil {
		return err
	}
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		conflicts, err := r.Conflicts(ctx, channelName)
		if err != nil {
			return err
		}
		var matches []string
		for _, c := range conflicts {
			if strings.HasPrefix(c.Signature, args[0]) {
				matches = append(matches, c.Signature)
			}
		}
		switch len(matches) {
		case 0:
			return fmt.Errorf("%w: %s in %s", repo.ErrConflictNotFound, args[0], channelName)
		case 1:
		default:
			return fmt.Errorf("signature prefix %s matches %d conflicts", args[0], len(matches))
		}

		c, err := r.Resolve(ctx, channelName, matches[0], order, recordMessage)
		if err != nil {
			return err
		}
		fmt.Printf("Recorded resolution %s\n", c.Hash.Short())
		return nil
	})
}

func runApplyResolutions(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		res, err := r.ApplyKnownResolutions(ctx, channelName)
		if err != nil {
			return err
		}
		fmt.Printf("Applied %d resolutions\n", len(res.Changes))
		return nil
	})
}

func runLog(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		entries, err := r.Log(channelName)
		if err != nil {
			return err
		}
		hashes := make([]change.Hash, len(entries))
		for i, e := range entries {
			hashes[i] = e.Change
		}
		metas, err := r.DB().ChangeMetas(hashes)
		if err != nil {
			return err
		}

		resp := &proto.LogResponse{Channel: channelName}
		for _, e := range entries {
			le := &proto.LogEntry{Seq: e.Seq, Change: e.Change.String(), State: e.State.String(), AppliedAt: e.AppliedAt}
			if m := metas[e.Change]; m != nil {
				le.Author = m.Author
				le.Message = m.Message
			}
			resp.Entries = append(resp.Entries, le)
		}
		if jsonFlag {
			return printJSON(os.Stdout, resp)
		}
		for i := len(resp.Entries) - 1; i >= 0; i-- {
			e := resp.Entries[i]
			fmt.Printf("%4d  %s  %s  %s\n", e.Seq, shortID(e.Change), e.Author, e.Message)
		}
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		if historyVerify {
			if err := r.VerifyHistory(channelName); err != nil {
				return err
			}
			fmt.Printf("History of %s verified\n", channelName)
			return nil
		}
		entries, err := r.History(channelName, 0, historyLimit)
		if err != nil {
			return err
		}
		out := make([]*proto.HistoryEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, &proto.HistoryEntry{
				Seq: e.Seq, ID: e.ID, Parent: e.Parent, Time: e.Time,
				Actor: e.Actor, Op: e.Op, Channel: e.Channel, OpID: e.OpID,
			})
		}
		if jsonFlag {
			return printJSON(os.Stdout, out)
		}
		for _, e := range out {
			ts := time.UnixMilli(e.Time).Format(time.RFC3339)
			fmt.Printf("%4d  %s  %-9s %s  %s\n", e.Seq, ts, e.Op, e.Channel, e.Actor)
		}
		return nil
	})
}

func runChannelList(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		chans, err := r.ListChannels()
		if err != nil {
			return err
		}
		resp := &proto.ChannelsListResponse{}
		for _, ch := range chans {
			resp.Channels = append(resp.Channels, &proto.ChannelEntry{
				Name: ch.Name, ID: ch.ID, State: ch.State.String(), Changes: ch.Len, UpdatedAt: ch.UpdatedAt,
			})
		}
		if jsonFlag {
			return printJSON(os.Stdout, resp)
		}
		for _, ch := range resp.Channels {
			fmt.Printf("%-20s %s  %d changes\n", ch.Name, shortID(ch.State), ch.Changes)
		}
		return nil
	})
}

func runChannelCreate(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		if _, err := r.CreateChannel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Created channel %s\n", args[0])
		return nil
	})
}

func runChannelDelete(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		if err := r.DeleteChannel(ctx, args[0], deleteForce); err != nil {
			return err
		}
		fmt.Printf("Deleted channel %s\n", args[0])
		return nil
	})
}

func runChannelRename(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		if err := r.RenameChannel(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Renamed %s to %s\n", args[0], args[1])
		return nil
	})
}

func runChannelFork(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		var ch *store.Channel
		var err error
		if forkState != "" {
			state, perr := change.ParseHash(forkState)
			if perr != nil {
				return perr
			}
			ch, err = r.ForkAtState(ctx, args[0], state, args[1])
		} else {
			ch, err = r.Fork(ctx, args[0], args[1])
		}
		if err != nil {
			return err
		}
		fmt.Printf("Forked %s to %s (%d changes)\n", args[0], ch.Name, ch.Len)
		return nil
	})
}

func runTagCreate(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		tag, err := r.CreateTag(ctx, channelName, args[0], tagMessage)
		if err != nil {
			return err
		}
		fmt.Printf("Tagged %s at %s (%d changes)\n", tag.Name, tag.State.Short(), len(tag.Changes))
		return nil
	})
}

func runTagList(cmd *cobra.Command, args []string) error {
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		tags, err := r.ListTags(prefix)
		if err != nil {
			return err
		}
		for _, t := range tags {
			fmt.Printf("%-20s %s  %s  %s\n", t.Name, t.State.Short(), t.Channel, t.Message)
		}
		return nil
	})
}

func runTagCheckout(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		ch, err := r.CheckoutTag(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Created channel %s from %s\n", ch.Name, args[0])
		return nil
	})
}

func runTagDelete(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		if err := r.DeleteTag(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted tag %s\n", args[0])
		return nil
	})
}

func runBundleExport(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		var ids []change.Hash
		var err error
		if len(args) == 0 {
			ids, err = r.Missing(channelName, nil)
		} else {
			ids, err = parseHashes(r, args)
		}
		if err != nil {
			return err
		}
		data, err := r.ExportBundle(ids)
		if err != nil {
			return err
		}
		if err := os.WriteFile(bundleOut, data, 0644); err != nil {
			return fmt.Errorf("writing bundle: %w", err)
		}
		fmt.Printf("Wrote %s (%d bytes)\n", bundleOut, len(data))
		return nil
	})
}

func runBundleImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading bundle: %w", err)
	}
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		resp, err := r.ImportBundle(ctx, bytes.NewReader(data))
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(os.Stdout, resp)
		}
		fmt.Printf("Stored %d changes, %d already present\n", resp.Indexed, resp.Skipped)
		return nil
	})
}

func runGC(cmd *cobra.Command, args []string) error {
	return withRepo(cmd, func(ctx context.Context, r *repo.Repo) error {
		plan, err := r.GC(ctx, store.GCOptions{SinceDays: gcSinceDays, Aggressive: gcAggressive}, gcDryRun)
		if err != nil {
			return err
		}
		verb := "Deleted"
		if gcDryRun {
			verb = "Would delete"
		}
		fmt.Printf("%s pristine rows of %d changes, %d changes, %d segments (%d bytes), %d queue items\n",
			verb, len(plan.PristineToDelete), len(plan.ChangesToDelete), len(plan.SegmentsToDelete),
			plan.BytesReclaimed, plan.QueueItems)
		return nil
	})
}
