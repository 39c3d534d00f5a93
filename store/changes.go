package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loom/cas"
	"loom/change"
)

// PutChange seals c and stores it. Storing a change that is already
// present is a no-op. The change is durable when PutChange returns.
func (db *DB) PutChange(ctx context.Context, c *change.Change) (change.Hash, error) {
	data, err := change.Seal(c)
	if err != nil {
		return change.Hash{}, err
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return change.Hash{}, err
	}
	defer tx.Rollback()

	if err := db.PutChangeTx(tx, c, data); err != nil {
		return change.Hash{}, err
	}
	if err := tx.Commit(); err != nil {
		return change.Hash{}, ioErr("committing change", err)
	}

	db.changes.Add(c.Hash, c)
	return c.Hash, nil
}

// PutChangeTx stores a sealed change and its canonical encoding inside tx
// in a segment of its own.
func (db *DB) PutChangeTx(tx *sql.Tx, c *change.Change, data []byte) error {
	exists, err := hasObject(tx, c.Hash[:])
	if err != nil || exists {
		return err
	}

	segmentID, err := db.InsertSegment(tx, c.Hash.Bytes(), data)
	if err != nil {
		return err
	}
	return db.IndexChange(tx, c, segmentID, 0, int64(len(data)))
}

// IndexChange records where a change's encoding lives and indexes its
// dependencies, header and resolution signature.
func (db *DB) IndexChange(tx *sql.Tx, c *change.Change, segmentID, off, length int64) error {
	if err := db.InsertObject(tx, c.Hash.Bytes(), segmentID, off, length, change.Kind); err != nil {
		return err
	}

	for _, dep := range c.Dependencies {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO change_deps (change, dep) VALUES (?, ?)`,
			c.Hash.Bytes(), dep.Bytes(),
		); err != nil {
			return ioErr("inserting dependency", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO change_meta (change, author, message, timestamp) VALUES (?, ?, ?, ?)`,
		c.Hash.Bytes(), c.Header.Author, c.Header.Message, c.Header.Timestamp,
	); err != nil {
		return ioErr("inserting change header", err)
	}

	if c.Resolves != "" {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO resolutions (signature, change, created_at) VALUES (?, ?, ?)`,
			c.Resolves, c.Hash.Bytes(), cas.NowMs(),
		); err != nil {
			return ioErr("recording resolution", err)
		}
	}
	return nil
}

// GetChange loads a change by hash. The returned change is shared and
// must not be modified.
func (db *DB) GetChange(h change.Hash) (*change.Change, error) {
	if c, ok := db.changes.Get(h); ok {
		return c, nil
	}

	data, err := db.ReadObjectContent(h[:])
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h.Short())
		}
		return nil, err
	}

	c, err := change.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrStorageIO, h.Short(), err)
	}
	if c.Hash != h {
		return nil, fmt.Errorf("%w: stored change %s hashes to %s", ErrStorageIO, h.Short(), c.Hash.Short())
	}

	db.changes.Add(h, c)
	return c, nil
}

// GetChangeBytes returns the canonical encoding of a change.
func (db *DB) GetChangeBytes(h change.Hash) ([]byte, error) {
	data, err := db.ReadObjectContent(h[:])
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h.Short())
	}
	return data, err
}

// HasChange reports whether a change is stored.
func (db *DB) HasChange(h change.Hash) (bool, error) {
	if db.changes.Contains(h) {
		return true, nil
	}
	return hasObject(db.conn, h[:])
}

// ChangeMeta is the indexed header of a stored change.
type ChangeMeta struct {
	Hash      change.Hash
	Author    string
	Message   string
	Timestamp int64
}

// ----- Resolutions -----

// Resolution is a ledger entry.
type Resolution struct {
	Seq       int64
	Signature string
	Change    change.Hash
	CreatedAt int64
}

// FindResolution returns the most recent resolution recorded for a
// conflict signature, or nil.
func (db *DB) FindResolution(signature string) (*Resolution, error) {
	var r Resolution
	var raw []byte
	err := db.conn.QueryRow(
		`SELECT seq, signature, change, created_at FROM resolutions
		 WHERE signature = ? ORDER BY seq DESC LIMIT 1`,
		signature,
	).Scan(&r.Seq, &r.Signature, &raw, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("querying resolution", err)
	}
	if r.Change, err = scanHash(raw); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListResolutions returns every ledger entry in recording order.
func (db *DB) ListResolutions() ([]*Resolution, error) {
	rows, err := db.conn.Query(
		`SELECT seq, signature, change, created_at FROM resolutions ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, ioErr("querying resolutions", err)
	}
	defer rows.Close()

	var out []*Resolution
	for rows.Next() {
		var r Resolution
		var raw []byte
		if err := rows.Scan(&r.Seq, &r.Signature, &raw, &r.CreatedAt); err != nil {
			return nil, ioErr("scanning resolution", err)
		}
		if r.Change, err = scanHash(raw); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// LedgerSeq returns the sequence number of the newest ledger entry.
// Output caches are keyed on it so new resolutions invalidate them.
func (db *DB) LedgerSeq() (int64, error) {
	var seq sql.NullInt64
	if err := db.conn.QueryRow(`SELECT MAX(seq) FROM resolutions`).Scan(&seq); err != nil {
		return 0, ioErr("querying ledger sequence", err)
	}
	return seq.Int64, nil
}
