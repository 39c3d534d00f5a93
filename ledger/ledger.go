// Package ledger records conflict resolutions as ordinary changes keyed by
// conflict signature, so that a conflict resolved once is resolved
// wherever the same sides meet again.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"loom/change"
	"loom/output"
	"loom/pristine"
	"loom/store"
)

// ErrBadOrder is returned when a side order is not a permutation of the
// conflict's sides.
var ErrBadOrder = errors.New("bad side order")

// Ledger resolves conflicts and looks resolutions up.
type Ledger struct {
	db     *store.DB
	logger *slog.Logger
}

// New returns a ledger over db. A nil logger uses slog.Default().
func New(db *store.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, logger: logger}
}

var _ output.Resolver = (*Ledger)(nil)

// Lookup implements output.Resolver.
func (l *Ledger) Lookup(signature string) (*change.Change, error) {
	return l.FindResolutionFor(signature)
}

// FindResolutionFor returns the most recently recorded resolution of a
// conflict signature, or nil.
func (l *Ledger) FindResolutionFor(signature string) (*change.Change, error) {
	r, err := l.db.FindResolution(signature)
	if err != nil || r == nil {
		return nil, err
	}
	c, err := l.db.GetChange(r.Change)
	if err != nil {
		return nil, fmt.Errorf("loading resolution %s: %w", r.Change.Short(), err)
	}
	return c, nil
}

// Resolve records the resolution of c chosen by order and applies it to
// channel. order is a permutation of side indices; nil keeps the reported
// order.
func (l *Ledger) Resolve(ctx context.Context, channel string, c *output.Conflict, order []int, h change.Header, actor pristine.Actor) (*change.Change, error) {
	res, data, err := Plan(c, order, h)
	if err != nil {
		return nil, err
	}

	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ch, err := l.db.GetChannelTx(tx, channel)
	if err != nil {
		return nil, err
	}
	if err := l.db.PutChangeTx(tx, res, data); err != nil {
		return nil, err
	}
	if _, err := pristine.ApplyTx(tx, l.db, ch, res, actor); err != nil {
		return nil, fmt.Errorf("applying resolution of %s: %w", c.Signature, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing resolution: %w", store.ErrStorageIO, err)
	}

	l.logger.Info("conflict resolved",
		"channel", channel,
		"kind", c.Kind,
		"signature", c.Signature,
		"change", res.Hash.Short(),
	)
	return res, nil
}

// ApplyKnown applies to channel every recorded resolution that settles
// one of its current conflicts.
func (l *Ledger) ApplyKnown(ctx context.Context, channel string, opts output.Options, actor pristine.Actor) (*pristine.Result, error) {
	ch, err := l.db.GetChannel(channel)
	if err != nil {
		return nil, err
	}
	g, err := pristine.Load(ctx, l.db, ch.ID)
	if err != nil {
		return nil, err
	}
	opts.Resolver = l
	out, err := output.Materialize(ctx, g, opts)
	if err != nil {
		return nil, err
	}

	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if ch, err = l.db.GetChannelTx(tx, channel); err != nil {
		return nil, err
	}
	result := &pristine.Result{Channel: ch.Name}
	for _, r := range out.Resolved {
		c, err := l.db.GetChange(r.Change)
		if err != nil {
			return nil, err
		}
		applied, err := pristine.ApplyTx(tx, l.db, ch, c, actor)
		if err != nil {
			return nil, fmt.Errorf("applying resolution %s: %w", r.Change.Short(), err)
		}
		if applied {
			result.Changes = append(result.Changes, r.Change)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing resolutions: %w", store.ErrStorageIO, err)
	}
	result.State = ch.State

	if len(result.Changes) > 0 {
		l.logger.Info("known resolutions applied", "channel", channel, "count", len(result.Changes), "state", ch.State.Short())
	}
	return result, nil
}

// Plan builds the change resolving c with its sides taken in the given
// order, and returns it sealed with its encoding.
//
//   - order: order edges chain the sides' vertices.
//   - cycle: the alive order edges of the zone are retracted, except
//     those the new chain keeps, then the chain is ordered.
//   - zombie: the first side's claim wins.
//   - path: the first file is kept and the others are deleted.
func Plan(c *output.Conflict, order []int, h change.Header) (*change.Change, []byte, error) {
	sides, err := permute(c.Sides, order)
	if err != nil {
		return nil, nil, err
	}

	b := change.NewBuilder(h).Resolves(c.Signature)
	for _, d := range c.Changes {
		b.Depend(d)
	}

	switch c.Kind {
	case output.ConflictOrder, output.ConflictCycle:
		var chain []change.Vertex
		for _, s := range sides {
			chain = append(chain, s.Vertices...)
		}
		pairs := make(map[output.EdgeRef]bool)
		for i := 1; i < len(chain); i++ {
			pairs[output.EdgeRef{Src: chain[i-1], Dst: chain[i]}] = true
		}
		if c.Kind == output.ConflictCycle {
			for _, e := range c.Edges {
				if !pairs[e] {
					b.Unorder(c.File, e.Src, e.Dst)
				}
			}
		}
		for i := 1; i < len(chain); i++ {
			b.Order(c.File, chain[i-1], chain[i])
		}

	case output.ConflictZombie:
		winner := sides[0]
		for _, v := range winner.Vertices {
			if strings.HasPrefix(winner.Label, "alive:") {
				b.Undelete(v)
			} else {
				b.Delete(v)
			}
		}

	case output.ConflictPath:
		for _, s := range sides[1:] {
			for _, v := range s.Vertices {
				b.Delete(v)
			}
		}

	default:
		return nil, nil, fmt.Errorf("unknown conflict kind %q", c.Kind)
	}

	if b.Len() == 0 {
		return nil, nil, fmt.Errorf("%w: conflict %s needs at least two vertices", ErrBadOrder, c.Signature)
	}
	return b.Build()
}

func permute(sides []output.Side, order []int) ([]output.Side, error) {
	if len(sides) == 0 {
		return nil, fmt.Errorf("%w: conflict has no sides", ErrBadOrder)
	}
	if order == nil {
		return sides, nil
	}
	if len(order) != len(sides) {
		return nil, fmt.Errorf("%w: %d indices for %d sides", ErrBadOrder, len(order), len(sides))
	}
	seen := make([]bool, len(sides))
	out := make([]output.Side, len(order))
	for i, k := range order {
		if k < 0 || k >= len(sides) || seen[k] {
			return nil, fmt.Errorf("%w: %v", ErrBadOrder, order)
		}
		seen[k] = true
		out[i] = sides[k]
	}
	return out, nil
}
