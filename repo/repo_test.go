package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/change"
	"loom/ledger"
	"loom/output"
	"loom/pristine"
	"loom/record"
	"loom/store"
)

func openRepo(t *testing.T, opts Options) *Repo {
	t.Helper()
	r, err := Open(t.TempDir(), "test", opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	_, err = r.CreateChannel(context.Background(), MainChannel)
	require.NoError(t, err)
	return r
}

func files(m map[string]string) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out
}

func recordOn(t *testing.T, r *Repo, channel string, working map[string]string, msg string) *change.Change {
	t.Helper()
	c, err := r.Record(context.Background(), channel, files(working), RecordOptions{Message: msg})
	require.NoError(t, err)
	return c
}

func contents(t *testing.T, r *Repo, channel string) map[string]string {
	t.Helper()
	res, err := r.Materialize(context.Background(), channel)
	require.NoError(t, err)
	out := make(map[string]string)
	for _, f := range res.Tree.Files {
		out[f.Path] = string(f.Bytes())
	}
	return out
}

func fork(t *testing.T, r *Repo, src, dst string) {
	t.Helper()
	_, err := r.Fork(context.Background(), src, dst)
	require.NoError(t, err)
}

func TestRecordMaterializeRoundTrip(t *testing.T) {
	r := openRepo(t, Options{})
	steps := []map[string]string{
		{"README": "hello\n", "src/main.go": "package main\n\nfunc main() {}\n"},
		{"README": "hello\nworld\n", "src/main.go": "package main\n\nfunc main() {\n}\n"},
		{"src/main.go": "package main\n"},
	}
	for i, want := range steps {
		recordOn(t, r, MainChannel, want, fmt.Sprintf("step %d", i))
		assert.Equal(t, want, contents(t, r, MainChannel))
	}

	_, err := r.Record(context.Background(), MainChannel, files(steps[2]), RecordOptions{Message: "again"})
	assert.ErrorIs(t, err, record.ErrNothingToRecord)

	log, err := r.Log(MainChannel)
	require.NoError(t, err)
	assert.Len(t, log, 3)
}

func TestIndependentChangesCommute(t *testing.T) {
	r := openRepo(t, Options{})
	ctx := context.Background()
	recordOn(t, r, MainChannel, map[string]string{"a.txt": "one\ntwo\n"}, "base")
	fork(t, r, MainChannel, "left")
	fork(t, r, MainChannel, "right")

	x := recordOn(t, r, "left", map[string]string{"a.txt": "one\nleft\ntwo\n"}, "left edit")
	y := recordOn(t, r, "right", map[string]string{"a.txt": "one\ntwo\n", "b.txt": "new\n"}, "right file")

	fork(t, r, MainChannel, "xy")
	fork(t, r, MainChannel, "yx")
	for _, step := range []struct {
		channel string
		order   []change.Hash
	}{
		{"xy", []change.Hash{x.Hash, y.Hash}},
		{"yx", []change.Hash{y.Hash, x.Hash}},
	} {
		for _, h := range step.order {
			_, err := r.Apply(ctx, step.channel, h)
			require.NoError(t, err)
		}
	}

	chXY, err := r.GetChannel("xy")
	require.NoError(t, err)
	chYX, err := r.GetChannel("yx")
	require.NoError(t, err)
	assert.Equal(t, chXY.State, chYX.State)

	resXY, err := r.Materialize(ctx, "xy")
	require.NoError(t, err)
	resYX, err := r.Materialize(ctx, "yx")
	require.NoError(t, err)
	encXY, err := output.Encode(resXY)
	require.NoError(t, err)
	encYX, err := output.Encode(resYX)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(encXY, encYX))
	assert.Equal(t, map[string]string{"a.txt": "one\nleft\ntwo\n", "b.txt": "new\n"}, contents(t, r, "xy"))
}

func TestForkedAppendsMergeWithoutConflict(t *testing.T) {
	r := openRepo(t, Options{})
	ctx := context.Background()
	recordOn(t, r, MainChannel, map[string]string{"f": "foo\n"}, "A")
	fork(t, r, MainChannel, "feature")
	b := recordOn(t, r, "feature", map[string]string{"f": "foo\nbar\n"}, "B")
	c := recordOn(t, r, MainChannel, map[string]string{"f": "foo\nbaz\n"}, "C")
	assert.False(t, c.DependsOn(b.Hash))

	_, err := r.Apply(ctx, MainChannel, b.Hash)
	require.NoError(t, err)
	_, err = r.Apply(ctx, "feature", c.Hash)
	require.NoError(t, err)

	res, err := r.Materialize(ctx, MainChannel)
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)

	got := contents(t, r, MainChannel)["f"]
	assert.Contains(t, []string{"foo\nbaz\nbar\n", "foo\nbar\nbaz\n"}, got)
	assert.Equal(t, got, contents(t, r, "feature")["f"])

	strict, err := r.MaterializeWith(ctx, MainChannel, ViewOptions{StrictAppends: true})
	require.NoError(t, err)
	assert.Len(t, strict.Conflicts, 1)
}

// concurrentInserts builds a channel where two changes insert different
// lines between the same two lines.
func concurrentInserts(t *testing.T, r *Repo) (x, y *change.Change) {
	t.Helper()
	recordOn(t, r, MainChannel, map[string]string{"f": "a\nz\n"}, "base")
	fork(t, r, MainChannel, "theirs")
	x = recordOn(t, r, MainChannel, map[string]string{"f": "a\nx\nz\n"}, "x")
	y = recordOn(t, r, "theirs", map[string]string{"f": "a\ny\nz\n"}, "y")
	return x, y
}

func TestConflictResolutionIsReusedAcrossChannels(t *testing.T) {
	r := openRepo(t, Options{})
	ctx := context.Background()
	x, y := concurrentInserts(t, r)
	fork(t, r, MainChannel, "later")
	fork(t, r, "theirs", "other")

	_, err := r.Apply(ctx, MainChannel, y.Hash)
	require.NoError(t, err)
	conflicts, err := r.Conflicts(ctx, MainChannel)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, output.ConflictOrder, c.Kind)
	assert.ElementsMatch(t, []change.Hash{x.Hash, y.Hash}, c.Changes)

	order := []int{0, 1}
	if c.Sides[0].Change != x.Hash {
		order = []int{1, 0}
	}
	res, err := r.Resolve(ctx, MainChannel, c.Signature, order, "")
	require.NoError(t, err)
	assert.Equal(t, c.Signature, res.Resolves)
	assert.Equal(t, "a\nx\ny\nz\n", contents(t, r, MainChannel)["f"])

	found, err := r.FindResolutionFor(c.Signature)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, res.Hash, found.Hash)

	// The same two insertions meet again, applied the other way round.
	_, err = r.Apply(ctx, "other", x.Hash)
	require.NoError(t, err)
	view, err := r.Materialize(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, view.Conflicts)
	require.Len(t, view.Resolved, 1)
	assert.Equal(t, res.Hash, view.Resolved[0].Change)
	assert.Equal(t, "a\nx\ny\nz\n", contents(t, r, "other")["f"])

	manual, err := r.MaterializeWith(ctx, "other", ViewOptions{})
	require.NoError(t, err)
	assert.Len(t, manual.Conflicts, 1)

	applied, err := r.ApplyKnownResolutions(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, []change.Hash{res.Hash}, applied.Changes)
	manual, err = r.MaterializeWith(ctx, "other", ViewOptions{})
	require.NoError(t, err)
	assert.Empty(t, manual.Conflicts)

	_, err = r.Resolve(ctx, "later", c.Signature, nil, "")
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestRecordKeepsAutoResolvedLines(t *testing.T) {
	r := openRepo(t, Options{})
	ctx := context.Background()
	x, y := concurrentInserts(t, r)
	fork(t, r, "theirs", "other")

	_, err := r.Apply(ctx, MainChannel, y.Hash)
	require.NoError(t, err)
	conflicts, err := r.Conflicts(ctx, MainChannel)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	order := []int{1, 0}
	if conflicts[0].Sides[0].Change == y.Hash {
		order = []int{0, 1}
	}
	res, err := r.Resolve(ctx, MainChannel, conflicts[0].Signature, order, "")
	require.NoError(t, err)

	_, err = r.Apply(ctx, "other", x.Hash)
	require.NoError(t, err)
	require.Equal(t, "a\ny\nx\nz\n", contents(t, r, "other")["f"])

	c := recordOn(t, r, "other", map[string]string{"f": "A\ny\nx\nz\n"}, "edit first line")
	var deletes, inserts int
	for _, op := range c.Operations {
		switch op.Kind {
		case change.OpDelete:
			deletes++
			assert.NotEqual(t, x.Hash, op.Vertex.Change, "untouched line deleted")
		case change.OpInsert:
			inserts++
			assert.Equal(t, "A\n", string(op.Content))
		}
	}
	assert.Equal(t, 1, deletes)
	assert.Equal(t, 1, inserts)
	assert.Contains(t, c.Dependencies, res.Hash)

	// The resolution is now applied, so the plain view agrees.
	manual, err := r.MaterializeWith(ctx, "other", ViewOptions{})
	require.NoError(t, err)
	assert.Empty(t, manual.Conflicts)
	assert.Equal(t, "A\ny\nx\nz\n", string(manual.Tree.File("f").Bytes()))
	log, err := r.Log("other")
	require.NoError(t, err)
	assert.Equal(t, res.Hash, log[len(log)-2].Change)
	assert.Equal(t, c.Hash, log[len(log)-1].Change)
}

func TestResolveRejectsBadOrder(t *testing.T) {
	r := openRepo(t, Options{})
	ctx := context.Background()
	_, y := concurrentInserts(t, r)
	_, err := r.Apply(ctx, MainChannel, y.Hash)
	require.NoError(t, err)

	conflicts, err := r.Conflicts(ctx, MainChannel)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	_, err = r.Resolve(ctx, MainChannel, conflicts[0].Signature, []int{0, 0}, "")
	assert.ErrorIs(t, err, ledger.ErrBadOrder)
}

func TestDependencyAndUnrecordSafety(t *testing.T) {
	r := openRepo(t, Options{})
	ctx := context.Background()
	a := recordOn(t, r, MainChannel, map[string]string{"f": "one\n"}, "A")
	fork(t, r, MainChannel, "feature")
	b := recordOn(t, r, "feature", map[string]string{"f": "one\ntwo\n"}, "B")
	c := recordOn(t, r, "feature", map[string]string{"f": "one\ntwo\nthree\n"}, "C")
	require.True(t, c.DependsOn(b.Hash))

	fork(t, r, MainChannel, "target")
	_, err := r.Apply(ctx, "target", c.Hash)
	var missing *pristine.MissingDependencyError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []change.Hash{b.Hash}, missing.Missing)

	res, err := r.ApplyRecursive(ctx, "target", c.Hash)
	require.NoError(t, err)
	assert.Equal(t, []change.Hash{b.Hash, c.Hash}, res.Changes)

	_, err = r.Unrecord(ctx, "feature", a.Hash)
	assert.ErrorIs(t, err, pristine.ErrDependentChangesPresent)

	_, err = r.Unrecord(ctx, "feature", c.Hash)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", contents(t, r, "feature")["f"])
}

func TestRevert(t *testing.T) {
	r := openRepo(t, Options{})
	recordOn(t, r, MainChannel, map[string]string{"f": "one\n"}, "base")
	c := recordOn(t, r, MainChannel, map[string]string{"f": "one\ntwo\n", "g": "new\n"}, "edit")

	inv, err := r.Revert(context.Background(), MainChannel, c.Hash, "")
	require.NoError(t, err)
	assert.True(t, inv.DependsOn(c.Hash))
	assert.Equal(t, "Revert "+c.Hash.Short(), inv.Header.Message)
	assert.Equal(t, map[string]string{"f": "one\n"}, contents(t, r, MainChannel))
}

func TestForkIndependence(t *testing.T) {
	r := openRepo(t, Options{})
	ctx := context.Background()
	a := recordOn(t, r, MainChannel, map[string]string{"f": "one\n"}, "A")
	fork(t, r, MainChannel, "feature")
	recordOn(t, r, "feature", map[string]string{"f": "one\ntwo\n"}, "B")

	assert.Equal(t, map[string]string{"f": "one\n"}, contents(t, r, MainChannel))
	assert.Equal(t, map[string]string{"f": "one\ntwo\n"}, contents(t, r, "feature"))

	main, err := r.GetChannel(MainChannel)
	require.NoError(t, err)
	assert.Equal(t, a.Hash, main.State, "state of a single change is its hash")

	_, err = r.ForkAtState(ctx, "feature", a.Hash, "at-a")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f": "one\n"}, contents(t, r, "at-a"))
}

func TestChannelIndex(t *testing.T) {
	r := openRepo(t, Options{})
	ctx := context.Background()

	_, err := r.CreateChannel(ctx, MainChannel)
	assert.ErrorIs(t, err, store.ErrChannelExists)

	recordOn(t, r, MainChannel, map[string]string{"f": "one\n"}, "A")
	_, err = r.CreateChannel(ctx, "empty")
	require.NoError(t, err)

	assert.ErrorIs(t, r.DeleteChannel(ctx, MainChannel, false), store.ErrChannelNotEmpty)
	require.NoError(t, r.RenameChannel(ctx, MainChannel, "trunk"))
	_, err = r.GetChannel(MainChannel)
	assert.ErrorIs(t, err, store.ErrChannelNotFound)
	assert.Equal(t, map[string]string{"f": "one\n"}, contents(t, r, "trunk"))

	require.NoError(t, r.DeleteChannel(ctx, "empty", false))
	chans, err := r.ListChannels()
	require.NoError(t, err)
	require.Len(t, chans, 1)
	assert.Equal(t, "trunk", chans[0].Name)
	assert.EqualValues(t, 1, chans[0].Len)

	require.NoError(t, r.DeleteChannel(ctx, "trunk", true))

	hist, err := r.History("trunk", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, store.OpDelete, hist[len(hist)-1].Op)
	assert.NoError(t, r.VerifyHistory("trunk"))
}

func TestMaterializeCancelled(t *testing.T) {
	r := openRepo(t, Options{})
	recordOn(t, r, MainChannel, map[string]string{"f": "one\n"}, "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Materialize(ctx, MainChannel)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMaterializeIsCached(t *testing.T) {
	r := openRepo(t, Options{OutputMaxCost: 1 << 20})
	ctx := context.Background()
	recordOn(t, r, MainChannel, map[string]string{"f": "one\n"}, "A")

	first, err := r.Materialize(ctx, MainChannel)
	require.NoError(t, err)

	ch, err := r.GetChannel(MainChannel)
	require.NoError(t, err)
	seq, err := r.DB().LedgerSeq()
	require.NoError(t, err)
	optKey := r.outputOptions(r.DefaultView()).CacheKey()

	cached, err := r.DB().GetCachedOutput(ch.ID, ch.State, seq, optKey)
	require.NoError(t, err)
	require.NotNil(t, cached)

	r.outputs.Wait()
	_, ok := r.outputs.Get(outputKey(ch.ID, ch.State, seq, optKey))
	assert.True(t, ok)

	// Served from memory once the disk entry is gone.
	require.NoError(t, r.DB().InvalidateOutput(ch.ID))
	second, err := r.Materialize(ctx, MainChannel)
	require.NoError(t, err)
	assert.Equal(t, first.Tree.Paths(), second.Tree.Paths())
	cached, err = r.DB().GetCachedOutput(ch.ID, ch.State, seq, optKey)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestBackgroundRefreshFillsCache(t *testing.T) {
	r := openRepo(t, Options{RefreshInterval: 10 * time.Millisecond})
	recordOn(t, r, MainChannel, map[string]string{"f": "one\n"}, "A")

	ch, err := r.GetChannel(MainChannel)
	require.NoError(t, err)
	optKey := r.outputOptions(r.DefaultView()).CacheKey()
	assert.Eventually(t, func() bool {
		cached, err := r.DB().GetCachedOutput(ch.ID, ch.State, 0, optKey)
		return err == nil && cached != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTags(t *testing.T) {
	r := openRepo(t, Options{})
	ctx := context.Background()
	recordOn(t, r, MainChannel, map[string]string{"f": "one\n"}, "A")
	tag, err := r.CreateTag(ctx, MainChannel, "v1", "first")
	require.NoError(t, err)
	assert.Len(t, tag.Changes, 1)

	recordOn(t, r, MainChannel, map[string]string{"f": "one\ntwo\n"}, "B")
	_, err = r.CheckoutTag(ctx, "v1", "release")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f": "one\n"}, contents(t, r, "release"))

	tags, err := r.ListTags("v")
	require.NoError(t, err)
	require.Len(t, tags, 1)

	require.NoError(t, r.DeleteTag(ctx, "v1"))
	_, err = r.GetTag("v1")
	assert.ErrorIs(t, err, store.ErrTagNotFound)
}

func TestGCKeepsReachableChanges(t *testing.T) {
	r := openRepo(t, Options{})
	ctx := context.Background()
	recordOn(t, r, MainChannel, map[string]string{"f": "one\n"}, "A")
	_, err := r.CreateChannel(ctx, "scratch")
	require.NoError(t, err)
	tmp := recordOn(t, r, "scratch", map[string]string{"tmp": "x\n"}, "scratch")
	require.NoError(t, r.DeleteChannel(ctx, "scratch", true))

	plan, err := r.GC(ctx, store.GCOptions{Aggressive: true}, true)
	require.NoError(t, err)
	assert.Equal(t, []change.Hash{tmp.Hash}, plan.PristineToDelete)
	assert.Equal(t, []change.Hash{tmp.Hash}, plan.ChangesToDelete)
	ok, err := r.HasChange(tmp.Hash)
	require.NoError(t, err)
	assert.True(t, ok, "dry run deletes nothing")

	_, err = r.GC(ctx, store.GCOptions{Aggressive: true}, false)
	require.NoError(t, err)
	ok, err = r.HasChange(tmp.Hash)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, map[string]string{"f": "one\n"}, contents(t, r, MainChannel))
}

func TestExchangeBundles(t *testing.T) {
	src := openRepo(t, Options{})
	dst := openRepo(t, Options{})
	ctx := context.Background()

	a := recordOn(t, src, MainChannel, map[string]string{"f": "one\n"}, "A")
	b := recordOn(t, src, MainChannel, map[string]string{"f": "one\ntwo\n"}, "B")

	missing, err := src.Missing(MainChannel, nil)
	require.NoError(t, err)
	assert.Equal(t, []change.Hash{a.Hash, b.Hash}, missing)
	missing, err = src.Missing(MainChannel, []change.Hash{a.Hash})
	require.NoError(t, err)
	assert.Equal(t, []change.Hash{b.Hash}, missing)

	deps, err := src.CompleteDeps([]change.Hash{b.Hash})
	require.NoError(t, err)
	assert.Equal(t, []change.Hash{a.Hash, b.Hash}, deps)

	bundle, err := src.ExportBundle([]change.Hash{b.Hash})
	require.NoError(t, err)
	resp, err := dst.ImportBundle(ctx, bytes.NewReader(bundle))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Indexed)

	_, err = dst.ApplyRecursive(ctx, MainChannel, b.Hash)
	require.NoError(t, err)
	assert.Equal(t, contents(t, src, MainChannel), contents(t, dst, MainChannel))

	_, err = dst.CompleteDeps([]change.Hash{{1}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentChannelOperations(t *testing.T) {
	r := openRepo(t, Options{OutputMaxCost: 1 << 20})
	ctx := context.Background()
	recordOn(t, r, MainChannel, map[string]string{"f": "one\n"}, "base")
	for i := 0; i < 4; i++ {
		fork(t, r, MainChannel, fmt.Sprintf("c%d", i))
	}

	errs := make(chan error, 8)
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("c%d", i)
		go func() {
			_, err := r.Record(ctx, name, files(map[string]string{"f": "one\n", name: "x\n"}), RecordOptions{Message: name})
			errs <- err
		}()
		go func() {
			_, err := r.Materialize(ctx, MainChannel)
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
	}
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("c%d", i)
		assert.Equal(t, map[string]string{"f": "one\n", name: "x\n"}, contents(t, r, name))
	}
}
