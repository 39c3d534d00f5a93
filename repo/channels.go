package repo

import (
	"context"
	"database/sql"
	"fmt"

	"loom/change"
	"loom/store"
)

// withTx runs fn in a transaction and commits it when fn succeeds.
func (r *Repo) withTx(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing %s: %w", store.ErrStorageIO, what, err)
	}
	return nil
}

// CreateChannel creates an empty channel.
func (r *Repo) CreateChannel(ctx context.Context, name string) (*store.Channel, error) {
	unlock := r.lockWrite(name)
	defer unlock()

	a := r.actor()
	var ch *store.Channel
	err := r.withTx(ctx, "channel creation", func(tx *sql.Tx) error {
		var err error
		ch, err = r.db.CreateChannelTx(tx, name, a.Name, a.OpID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("channel created", "channel", name)
	return ch, nil
}

// DeleteChannel removes a channel. A channel with applied changes is only
// removed when force is set.
func (r *Repo) DeleteChannel(ctx context.Context, name string, force bool) error {
	unlock := r.lockWrite(name)
	defer unlock()

	a := r.actor()
	if err := r.withTx(ctx, "channel deletion", func(tx *sql.Tx) error {
		return r.db.DeleteChannelTx(tx, name, force, a.Name, a.OpID)
	}); err != nil {
		return err
	}
	r.logger.Info("channel deleted", "channel", name, "force", force)
	return nil
}

// RenameChannel renames a channel, keeping its log and cache.
func (r *Repo) RenameChannel(ctx context.Context, oldName, newName string) error {
	unlock := r.lockWrite(oldName, newName)
	defer unlock()

	a := r.actor()
	if err := r.withTx(ctx, "channel rename", func(tx *sql.Tx) error {
		return r.db.RenameChannelTx(tx, oldName, newName, a.Name, a.OpID)
	}); err != nil {
		return err
	}
	r.logger.Info("channel renamed", "channel", newName, "from", oldName)
	return nil
}

// ListChannels returns every channel ordered by name.
func (r *Repo) ListChannels() ([]*store.Channel, error) {
	return r.db.ListChannels()
}

// GetChannel returns a channel by name.
func (r *Repo) GetChannel(name string) (*store.Channel, error) {
	return r.db.GetChannel(name)
}

// Fork creates dst with the applied set and cached output of src.
func (r *Repo) Fork(ctx context.Context, src, dst string) (*store.Channel, error) {
	return r.fork(ctx, src, dst, func(tx *sql.Tx, a string, op string) (*store.Channel, error) {
		return r.db.ForkChannelTx(tx, src, dst, a, op)
	})
}

// ForkAtState creates dst from the prefix of src's log that produced
// state.
func (r *Repo) ForkAtState(ctx context.Context, src string, state change.Hash, dst string) (*store.Channel, error) {
	return r.fork(ctx, src, dst, func(tx *sql.Tx, a string, op string) (*store.Channel, error) {
		return r.db.ForkChannelAtStateTx(tx, src, state, dst, a, op)
	})
}

func (r *Repo) fork(ctx context.Context, src, dst string, fn func(tx *sql.Tx, actor, opID string) (*store.Channel, error)) (*store.Channel, error) {
	unlock := r.lockWrite(src, dst)
	defer unlock()

	a := r.actor()
	var ch *store.Channel
	err := r.withTx(ctx, "fork", func(tx *sql.Tx) error {
		var err error
		ch, err = fn(tx, a.Name, a.OpID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("channel forked", "channel", dst, "from", src, "state", ch.State.Short())
	return ch, nil
}

// Log returns the applied changes of a channel in application order.
func (r *Repo) Log(channel string) ([]*store.LogEntry, error) {
	ch, err := r.db.GetChannel(channel)
	if err != nil {
		return nil, err
	}
	return r.db.ChannelLog(ch.ID, 0, 0)
}

// History returns audit entries of a channel name; an empty name returns
// every channel's.
func (r *Repo) History(channel string, afterSeq int64, limit int) ([]*store.HistoryEntry, error) {
	return r.db.GetHistory(channel, afterSeq, limit)
}

// VerifyHistory checks the hash chain of a channel's audit log.
func (r *Repo) VerifyHistory(channel string) error {
	return r.db.VerifyHistory(channel)
}

// CreateTag freezes the current applied set of a channel.
func (r *Repo) CreateTag(ctx context.Context, channel, name, message string) (*store.Tag, error) {
	unlock := r.lockRead(channel)
	defer unlock()

	a := r.actor()
	var tag *store.Tag
	err := r.withTx(ctx, "tag", func(tx *sql.Tx) error {
		ch, err := r.db.GetChannelTx(tx, channel)
		if err != nil {
			return err
		}
		tag, err = r.db.CreateTagTx(tx, name, ch, message, a.Name, a.OpID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("tag created", "tag", name, "channel", channel, "state", tag.State.Short())
	return tag, nil
}

// GetTag returns a tag by name.
func (r *Repo) GetTag(name string) (*store.Tag, error) {
	return r.db.GetTag(name)
}

// ListTags returns the tags whose names start with prefix.
func (r *Repo) ListTags(prefix string) ([]*store.Tag, error) {
	return r.db.ListTags(prefix)
}

// CheckoutTag creates a channel whose applied set is the tag's.
func (r *Repo) CheckoutTag(ctx context.Context, tagName, channel string) (*store.Channel, error) {
	unlock := r.lockWrite(channel)
	defer unlock()

	tag, err := r.db.GetTag(tagName)
	if err != nil {
		return nil, err
	}
	a := r.actor()
	var ch *store.Channel
	err = r.withTx(ctx, "tag checkout", func(tx *sql.Tx) error {
		ch, err = r.db.ChannelFromTagTx(tx, tag, channel, a.Name, a.OpID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("tag checked out", "tag", tagName, "channel", channel, "state", ch.State.Short())
	return ch, nil
}

// DeleteTag removes a tag. The changes it held become collectable.
func (r *Repo) DeleteTag(ctx context.Context, name string) error {
	r.gcMu.RLock()
	defer r.gcMu.RUnlock()

	if err := r.withTx(ctx, "tag deletion", func(tx *sql.Tx) error {
		return r.db.DeleteTagTx(tx, name)
	}); err != nil {
		return err
	}
	r.logger.Info("tag deleted", "tag", name)
	return nil
}
