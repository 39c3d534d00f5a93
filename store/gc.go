package store

import (
	"context"
	"fmt"
	"time"

	"loom/change"
)

// GCPlan describes what would be deleted by garbage collection.
type GCPlan struct {
	// Changes whose pristine rows are no longer used by any channel or tag
	PristineToDelete []change.Hash

	// Change objects unreachable from any channel, tag or ledger entry
	ChangesToDelete []change.Hash

	// Segments left without objects
	SegmentsToDelete []int64

	// Finished refresh queue items
	QueueItems int

	// Total segment bytes that will be reclaimed
	BytesReclaimed int64
}

// Empty reports whether the plan deletes nothing.
func (p *GCPlan) Empty() bool {
	return len(p.PristineToDelete) == 0 && len(p.ChangesToDelete) == 0 &&
		len(p.SegmentsToDelete) == 0 && p.QueueItems == 0
}

// GCOptions configures the garbage collector.
type GCOptions struct {
	// SinceDays only sweeps change objects older than N days (0 = no limit)
	SinceDays int

	// Aggressive also sweeps unreachable change objects, not just their
	// pristine rows
	Aggressive bool
}

// BuildGCPlan computes what would be deleted by garbage collection.
// It uses a mark-and-sweep algorithm:
// 1. Collect roots (channel logs, tags, ledger entries)
// 2. Mark every change reachable from roots through dependencies
// 3. Anything not marked is eligible for deletion
func (db *DB) BuildGCPlan(opts GCOptions) (*GCPlan, error) {
	plan := &GCPlan{}

	var cutoffMs int64
	if opts.SinceDays > 0 {
		cutoffMs = time.Now().Add(-time.Duration(opts.SinceDays) * 24 * time.Hour).UnixMilli()
	}

	// 1. Roots
	applied, err := db.hashColumn(`SELECT DISTINCT change FROM channel_log`)
	if err != nil {
		return nil, err
	}
	tagged, err := db.taggedChanges()
	if err != nil {
		return nil, err
	}
	ledger, err := db.hashColumn(`SELECT DISTINCT change FROM resolutions`)
	if err != nil {
		return nil, err
	}

	inUse := make(map[change.Hash]bool)
	for _, h := range applied {
		inUse[h] = true
	}
	for h := range tagged {
		inUse[h] = true
	}

	// 2. Mark (BFS over dependencies)
	marked := make(map[change.Hash]bool)
	var queue []change.Hash
	for h := range inUse {
		marked[h] = true
		queue = append(queue, h)
	}
	for _, h := range ledger {
		if !marked[h] {
			marked[h] = true
			queue = append(queue, h)
		}
	}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]

		deps, err := db.hashColumn(`SELECT dep FROM change_deps WHERE change = ?`, h.Bytes())
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if !marked[d] {
				marked[d] = true
				queue = append(queue, d)
			}
		}
	}

	// 3. Sweep
	pristine, err := db.hashColumn(`SELECT change FROM pristine_changes`)
	if err != nil {
		return nil, err
	}
	for _, h := range pristine {
		if !inUse[h] {
			plan.PristineToDelete = append(plan.PristineToDelete, h)
		}
	}

	if opts.Aggressive {
		rows, err := db.conn.Query(`SELECT digest, created_at FROM objects WHERE kind = ?`, change.Kind)
		if err != nil {
			return nil, ioErr("querying objects", err)
		}
		err = scanRows(rows, func() error {
			var raw []byte
			var createdAt int64
			if err := rows.Scan(&raw, &createdAt); err != nil {
				return err
			}
			h, err := scanHash(raw)
			if err != nil {
				return err
			}
			if marked[h] || (cutoffMs > 0 && createdAt > cutoffMs) {
				return nil
			}
			plan.ChangesToDelete = append(plan.ChangesToDelete, h)
			return nil
		})
		if err != nil {
			return nil, err
		}

		doomed := make(map[change.Hash]bool, len(plan.ChangesToDelete))
		for _, h := range plan.ChangesToDelete {
			doomed[h] = true
		}
		if err := db.planSegments(plan, doomed); err != nil {
			return nil, err
		}
	}

	if err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM refresh_queue WHERE status IN (?, ?)`, StatusDone, StatusFailed,
	).Scan(&plan.QueueItems); err != nil {
		return nil, ioErr("counting refresh queue", err)
	}

	return plan, nil
}

// planSegments adds the segments whose every object is doomed.
func (db *DB) planSegments(plan *GCPlan, doomed map[change.Hash]bool) error {
	type seg struct {
		size  int64
		total int
		dead  int
	}
	segs := make(map[int64]*seg)

	rows, err := db.conn.Query(
		`SELECT o.digest, o.segment_id, s.size FROM objects o JOIN segments s ON s.id = o.segment_id`,
	)
	if err != nil {
		return ioErr("querying segments", err)
	}
	err = scanRows(rows, func() error {
		var raw []byte
		var id, size int64
		if err := rows.Scan(&raw, &id, &size); err != nil {
			return err
		}
		s := segs[id]
		if s == nil {
			s = &seg{size: size}
			segs[id] = s
		}
		s.total++
		if h, err := change.HashFromBytes(raw); err == nil && doomed[h] {
			s.dead++
		}
		return nil
	})
	if err != nil {
		return err
	}

	for id, s := range segs {
		if s.dead == s.total {
			plan.SegmentsToDelete = append(plan.SegmentsToDelete, id)
			plan.BytesReclaimed += s.size
		}
	}
	return nil
}

// ExecuteGC performs garbage collection according to the plan.
func (db *DB) ExecuteGC(ctx context.Context, plan *GCPlan) error {
	if plan.Empty() {
		return nil
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, h := range plan.PristineToDelete {
		if err := db.DeletePristineTx(tx, h); err != nil {
			return err
		}
	}

	for _, h := range plan.ChangesToDelete {
		for _, q := range []string{
			`DELETE FROM objects WHERE digest = ?`,
			`DELETE FROM change_deps WHERE change = ?`,
			`DELETE FROM change_meta WHERE change = ?`,
		} {
			if _, err := tx.Exec(q, h.Bytes()); err != nil {
				return ioErr("deleting change", err)
			}
		}
		db.changes.Remove(h)
	}

	for _, id := range plan.SegmentsToDelete {
		if _, err := tx.Exec(`DELETE FROM segments WHERE id = ?`, id); err != nil {
			return ioErr("deleting segment", err)
		}
	}

	if _, err := tx.Exec(
		`DELETE FROM refresh_queue WHERE status IN (?, ?)`, StatusDone, StatusFailed,
	); err != nil {
		return ioErr("pruning refresh queue", err)
	}

	if err := tx.Commit(); err != nil {
		return ioErr("committing gc", err)
	}

	// Return freed pages to the filesystem.
	if _, err := db.conn.ExecContext(ctx, `PRAGMA incremental_vacuum`); err != nil {
		return ioErr("vacuuming", err)
	}
	return nil
}

func (db *DB) hashColumn(query string, args ...interface{}) ([]change.Hash, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, ioErr("querying hashes", err)
	}
	var out []change.Hash
	err = scanRows(rows, func() error {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		h, err := scanHash(raw)
		if err != nil {
			return err
		}
		out = append(out, h)
		return nil
	})
	return out, err
}

func (db *DB) taggedChanges() (map[change.Hash]bool, error) {
	rows, err := db.conn.Query(`SELECT changes FROM tags`)
	if err != nil {
		return nil, ioErr("querying tags", err)
	}
	out := make(map[change.Hash]bool)
	err = scanRows(rows, func() error {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return err
		}
		hashes, err := unpackHashes(blob)
		if err != nil {
			return err
		}
		for _, h := range hashes {
			out[h] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collecting tagged changes: %w", err)
	}
	return out, nil
}
