package repo

import (
	"context"
	"fmt"
	"io"

	"loom/change"
	"loom/pack"
	"loom/proto"
	"loom/store"
)

// Missing returns the changes applied to channel that are not in remote,
// in application order, which is a dependency order.
func (r *Repo) Missing(channel string, remote []change.Hash) ([]change.Hash, error) {
	unlock := r.lockRead(channel)
	defer unlock()

	log, err := r.Log(channel)
	if err != nil {
		return nil, err
	}
	have := make(map[change.Hash]bool, len(remote))
	for _, h := range remote {
		have[h] = true
	}

	var out []change.Hash
	for _, e := range log {
		if !have[e.Change] {
			out = append(out, e.Change)
		}
	}
	return out, nil
}

// CompleteDeps returns ids and their transitive dependencies, each once,
// dependencies first. Every change must be stored.
func (r *Repo) CompleteDeps(ids []change.Hash) ([]change.Hash, error) {
	var out []change.Hash
	state := make(map[change.Hash]int) // 1 visiting, 2 done

	var visit func(h change.Hash) error
	visit = func(h change.Hash) error {
		switch state[h] {
		case 1:
			return fmt.Errorf("%w: dependency cycle through %s", change.ErrInvalidChange, h.Short())
		case 2:
			return nil
		}
		state[h] = 1
		c, err := r.db.GetChange(h)
		if err != nil {
			return fmt.Errorf("completing dependencies: %s: %w", h.Short(), err)
		}
		for _, d := range c.Dependencies {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[h] = 2
		out = append(out, h)
		return nil
	}

	for _, h := range ids {
		if err := visit(h); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ExportBundle packs ids and their dependencies into a bundle another
// repository can import.
func (r *Repo) ExportBundle(ids []change.Hash) ([]byte, error) {
	all, err := r.CompleteDeps(ids)
	if err != nil {
		return nil, err
	}
	return pack.ExportBundle(r.db, all)
}

// ImportBundle verifies and stores the changes of a bundle. They are not
// applied to any channel.
func (r *Repo) ImportBundle(ctx context.Context, rd io.Reader) (*proto.BundleIngestResponse, error) {
	r.gcMu.RLock()
	defer r.gcMu.RUnlock()

	resp, err := pack.IngestBundle(ctx, r.db, rd)
	if err != nil {
		return nil, err
	}
	r.logger.Info("bundle imported", "indexed", resp.Indexed, "skipped", resp.Skipped)
	return resp, nil
}

// GC collects pristine rows and, with Aggressive, change objects that no
// channel, tag or ledger entry reaches. With dryRun nothing is deleted.
func (r *Repo) GC(ctx context.Context, opts store.GCOptions, dryRun bool) (*store.GCPlan, error) {
	r.gcMu.Lock()
	defer r.gcMu.Unlock()

	plan, err := r.db.BuildGCPlan(opts)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return plan, nil
	}
	if err := r.db.ExecuteGC(ctx, plan); err != nil {
		return nil, err
	}
	r.logger.Info("gc complete",
		"pristine", len(plan.PristineToDelete),
		"changes", len(plan.ChangesToDelete),
		"segments", len(plan.SegmentsToDelete),
		"bytes", plan.BytesReclaimed,
	)
	return plan, nil
}
