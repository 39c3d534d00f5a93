package repo

import (
	"context"
	"fmt"

	"loom/cas"
	"loom/change"
	"loom/output"
	"loom/pristine"
	"loom/record"
	"loom/store"
)

// RecordOptions describes a recording.
type RecordOptions struct {
	Message string
	// Author defaults to the repository author.
	Author string
	// Timestamp in milliseconds; zero means now.
	Timestamp int64
	// Include and Ignore are doublestar patterns. Ignore extends the
	// repository's patterns.
	Include      []string
	Ignore       []string
	Dependencies []change.Hash
}

func (r *Repo) header(author, message string, ts int64) change.Header {
	if author == "" {
		author = r.opts.Author
	}
	if ts == 0 {
		ts = cas.NowMs()
	}
	return change.Header{Author: author, Message: message, Timestamp: ts}
}

// PutChange stores a change without applying it.
func (r *Repo) PutChange(ctx context.Context, c *change.Change) (change.Hash, error) {
	r.gcMu.RLock()
	defer r.gcMu.RUnlock()
	return r.db.PutChange(ctx, c)
}

// GetChange loads a stored change.
func (r *Repo) GetChange(h change.Hash) (*change.Change, error) {
	return r.db.GetChange(h)
}

// HasChange reports whether a change is stored.
func (r *Repo) HasChange(h change.Hash) (bool, error) {
	return r.db.HasChange(h)
}

// ResolveHash expands a hex prefix to the unique stored change it names.
func (r *Repo) ResolveHash(prefix string) (change.Hash, error) {
	return r.db.ResolvePrefix(prefix)
}

// Record diffs working, a map from path to full contents, against the
// channel and applies the resulting change. Files of the channel missing
// from working are deleted unless the patterns leave them out.
//
// The diff runs against the auto-resolved view. Resolutions that view
// overlaid are applied with the change, which depends on them.
func (r *Repo) Record(ctx context.Context, channel string, working map[string][]byte, ro RecordOptions) (*change.Change, error) {
	unlock := r.lockWrite(channel)
	defer unlock()

	ch, err := r.db.GetChannel(channel)
	if err != nil {
		return nil, err
	}
	base, err := r.view(ctx, ch, r.outputOptions(r.DefaultView()))
	if err != nil {
		return nil, err
	}
	overlaid := make([]change.Hash, 0, len(base.Resolved))
	for _, rs := range base.Resolved {
		overlaid = append(overlaid, rs.Change)
	}

	c, data, err := record.Record(base.Tree, working, record.Options{
		Header:       r.header(ro.Author, ro.Message, ro.Timestamp),
		Algorithm:    r.opts.Algorithm,
		Include:      ro.Include,
		Ignore:       append(append([]string(nil), r.opts.Ignore...), ro.Ignore...),
		Dependencies: append(append([]change.Hash(nil), ro.Dependencies...), overlaid...),
	})
	if err != nil {
		return nil, err
	}

	if err := r.putAndApply(ctx, channel, c, data, overlaid...); err != nil {
		return nil, err
	}
	r.logger.Info("change recorded",
		"channel", channel,
		"change", c.Hash.Short(),
		"ops", len(c.Operations),
		"deps", len(c.Dependencies),
	)
	return c, nil
}

// putAndApply stores a sealed change and applies it in one transaction,
// after the stored changes in first.
func (r *Repo) putAndApply(ctx context.Context, channel string, c *change.Change, data []byte, first ...change.Hash) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ch, err := r.db.GetChannelTx(tx, channel)
	if err != nil {
		return err
	}
	actor := r.actor()
	for _, h := range first {
		fc, err := r.db.GetChange(h)
		if err != nil {
			return err
		}
		if _, err := pristine.ApplyTx(tx, r.db, ch, fc, actor); err != nil {
			return fmt.Errorf("applying %s: %w", h.Short(), err)
		}
	}
	if err := r.db.PutChangeTx(tx, c, data); err != nil {
		return err
	}
	if _, err := pristine.ApplyTx(tx, r.db, ch, c, actor); err != nil {
		return fmt.Errorf("applying %s: %w", c.Hash.Short(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing %s: %w", store.ErrStorageIO, c.Hash.Short(), err)
	}
	return nil
}

// Apply applies a stored change whose dependencies are all applied.
func (r *Repo) Apply(ctx context.Context, channel string, h change.Hash) (*pristine.Result, error) {
	unlock := r.lockWrite(channel)
	defer unlock()

	res, err := pristine.Apply(ctx, r.db, channel, h, r.actor())
	if err != nil {
		return nil, err
	}
	r.logApplied("change applied", res)
	return res, nil
}

// ApplyRecursive applies a stored change after its missing dependencies.
func (r *Repo) ApplyRecursive(ctx context.Context, channel string, h change.Hash) (*pristine.Result, error) {
	unlock := r.lockWrite(channel)
	defer unlock()

	res, err := pristine.ApplyRecursive(ctx, r.db, channel, h, r.actor())
	if err != nil {
		return nil, err
	}
	r.logApplied("changes applied", res)
	return res, nil
}

// Unrecord removes a change no applied change depends on.
func (r *Repo) Unrecord(ctx context.Context, channel string, h change.Hash) (*pristine.Result, error) {
	unlock := r.lockWrite(channel)
	defer unlock()

	res, err := pristine.Unrecord(ctx, r.db, channel, h, r.actor())
	if err != nil {
		return nil, err
	}
	r.logger.Info("change unrecorded", "channel", channel, "change", h.Short(), "state", res.State.Short())
	return res, nil
}

func (r *Repo) logApplied(msg string, res *pristine.Result) {
	if len(res.Changes) == 0 {
		return
	}
	r.logger.Info(msg, "channel", res.Channel, "count", len(res.Changes), "state", res.State.Short())
}

// Revert records and applies the inverse of an applied change.
func (r *Repo) Revert(ctx context.Context, channel string, h change.Hash, message string) (*change.Change, error) {
	unlock := r.lockWrite(channel)
	defer unlock()

	c, err := r.db.GetChange(h)
	if err != nil {
		return nil, err
	}
	if message == "" {
		message = "Revert " + h.Short()
	}
	inv, data, err := record.Revert(c, r.header("", message, 0))
	if err != nil {
		return nil, err
	}
	if err := r.putAndApply(ctx, channel, inv, data); err != nil {
		return nil, err
	}
	r.logger.Info("change reverted", "channel", channel, "change", h.Short(), "revert", inv.Hash.Short())
	return inv, nil
}

// Conflicts returns the unresolved conflicts of a channel in the default
// view.
func (r *Repo) Conflicts(ctx context.Context, channel string) ([]*output.Conflict, error) {
	res, err := r.Materialize(ctx, channel)
	if err != nil {
		return nil, err
	}
	return res.Conflicts, nil
}

// Resolve records a resolution of the channel's conflict with the given
// signature, taking its sides in order (nil keeps the reported order),
// and applies it.
func (r *Repo) Resolve(ctx context.Context, channel, signature string, order []int, message string) (*change.Change, error) {
	unlock := r.lockWrite(channel)
	defer unlock()

	ch, err := r.db.GetChannel(channel)
	if err != nil {
		return nil, err
	}
	res, err := r.view(ctx, ch, r.outputOptions(r.DefaultView()))
	if err != nil {
		return nil, err
	}

	var target *output.Conflict
	for _, c := range res.Conflicts {
		if c.Signature == signature {
			target = c
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrConflictNotFound, signature, channel)
	}

	if message == "" {
		message = fmt.Sprintf("Resolve %s conflict in %s", target.Kind, target.Path)
	}
	return r.ledger.Resolve(ctx, channel, target, order, r.header("", message, 0), r.actor())
}

// FindResolutionFor returns the newest recorded resolution of a
// conflict signature, or nil.
func (r *Repo) FindResolutionFor(signature string) (*change.Change, error) {
	return r.ledger.FindResolutionFor(signature)
}

// ApplyKnownResolutions applies every recorded resolution that settles
// one of the channel's conflicts.
func (r *Repo) ApplyKnownResolutions(ctx context.Context, channel string) (*pristine.Result, error) {
	unlock := r.lockWrite(channel)
	defer unlock()

	return r.ledger.ApplyKnown(ctx, channel, output.Options{
		StrictAppends: r.opts.StrictAppends,
		Parallelism:   r.opts.Parallelism,
	}, r.actor())
}
