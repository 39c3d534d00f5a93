package repo

import (
	"context"
	"errors"
	"fmt"

	"loom/change"
	"loom/output"
	"loom/pristine"
	"loom/store"
)

// ViewOptions selects how a channel is materialized.
type ViewOptions struct {
	StrictAppends bool
	// AutoResolve overlays recorded resolutions of matching conflicts.
	AutoResolve bool
}

// DefaultView returns the repository's configured view.
func (r *Repo) DefaultView() ViewOptions {
	return ViewOptions{StrictAppends: r.opts.StrictAppends, AutoResolve: true}
}

func (r *Repo) outputOptions(v ViewOptions) output.Options {
	opts := output.Options{StrictAppends: v.StrictAppends, Parallelism: r.opts.Parallelism}
	if v.AutoResolve {
		opts.Resolver = r.ledger
	}
	return opts
}

// Materialize returns the tree and conflicts of a channel in the default
// view.
func (r *Repo) Materialize(ctx context.Context, channel string) (*output.Result, error) {
	return r.MaterializeWith(ctx, channel, r.DefaultView())
}

// MaterializeWith returns the tree and conflicts of a channel. Results
// are served from memory, then from the channel's disk cache, and are
// computed only when neither matches the channel state, the ledger
// sequence and the options.
func (r *Repo) MaterializeWith(ctx context.Context, channel string, v ViewOptions) (*output.Result, error) {
	unlock := r.lockRead(channel)
	defer unlock()

	ch, err := r.db.GetChannel(channel)
	if err != nil {
		return nil, err
	}
	return r.view(ctx, ch, r.outputOptions(v))
}

// RefreshChannel recomputes and caches a channel's default view. It
// implements background.Materializer; a channel deleted since it was
// queued is skipped.
func (r *Repo) RefreshChannel(ctx context.Context, channelID string) error {
	ch, err := r.db.GetChannelByID(channelID)
	if errors.Is(err, store.ErrChannelNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	unlock := r.lockRead(ch.Name)
	defer unlock()
	// The channel may have been renamed or changed while unlocked.
	if ch, err = r.db.GetChannelByID(channelID); err != nil {
		if errors.Is(err, store.ErrChannelNotFound) {
			return nil
		}
		return err
	}
	_, err = r.view(ctx, ch, r.outputOptions(r.DefaultView()))
	return err
}

func outputKey(channelID string, state change.Hash, ledgerSeq int64, options string) string {
	return fmt.Sprintf("%s|%s|%d|%s", channelID, state, ledgerSeq, options)
}

// view materializes ch. The caller holds the channel lock.
func (r *Repo) view(ctx context.Context, ch *store.Channel, opts output.Options) (*output.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq, err := r.db.LedgerSeq()
	if err != nil {
		return nil, err
	}
	optKey := opts.CacheKey()
	key := outputKey(ch.ID, ch.State, seq, optKey)

	if r.outputs != nil {
		if v, ok := r.outputs.Get(key); ok {
			if res, err := output.Decode(v.([]byte)); err == nil {
				return res, nil
			}
		}
	}

	cached, err := r.db.GetCachedOutput(ch.ID, ch.State, seq, optKey)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		if res, err := output.Decode(cached.Data); err == nil {
			r.remember(key, cached.Data)
			return res, nil
		}
	}

	g, err := pristine.Load(ctx, r.db, ch.ID)
	if err != nil {
		return nil, err
	}
	res, err := output.Materialize(ctx, g, opts)
	if err != nil {
		return nil, err
	}

	data, err := output.Encode(res)
	if err != nil {
		return nil, fmt.Errorf("encoding output: %w", err)
	}
	if err := r.db.PutCachedOutput(&store.CachedOutput{
		ChannelID: ch.ID,
		State:     ch.State,
		LedgerSeq: seq,
		Options:   optKey,
		Data:      data,
	}); err != nil {
		r.logger.Warn("caching output failed", "channel", ch.Name, "err", err)
	}
	r.remember(key, data)

	r.logger.Debug("channel materialized",
		"channel", ch.Name,
		"state", ch.State.Short(),
		"files", res.Stats.Files,
		"conflicts", res.Stats.Conflicts,
		"resolved", res.Stats.AutoResolved,
	)
	return res, nil
}

func (r *Repo) remember(key string, data []byte) {
	if r.outputs != nil {
		r.outputs.Set(key, data, int64(len(data)))
	}
}
