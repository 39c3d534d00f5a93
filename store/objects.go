package store

import (
	"database/sql"
	"fmt"
	"strings"

	"loom/cas"
	"loom/change"
)

// ----- Segments -----

// InsertSegment stores a new segment blob.
func (db *DB) InsertSegment(tx *sql.Tx, checksum []byte, blob []byte) (int64, error) {
	ts := cas.NowMs()
	result, err := tx.Exec(
		`INSERT INTO segments (ts, checksum, size, blob) VALUES (?, ?, ?, ?)`,
		ts, checksum, len(blob), blob,
	)
	if err != nil {
		return 0, ioErr("inserting segment", err)
	}
	return result.LastInsertId()
}

// GetSegmentBlob retrieves a segment's blob by ID.
func (db *DB) GetSegmentBlob(segmentID int64) ([]byte, error) {
	var blob []byte
	err := db.conn.QueryRow(
		`SELECT blob FROM segments WHERE id = ?`, segmentID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrSegmentNotFound
	}
	if err != nil {
		return nil, ioErr("querying segment", err)
	}
	return blob, nil
}

// ----- Objects -----

// ObjectInfo represents metadata about a stored object.
type ObjectInfo struct {
	Digest    []byte
	SegmentID int64
	Off       int64
	Len       int64
	Kind      string
	CreatedAt int64
}

// InsertObject records an object's location within a segment.
// Uses INSERT OR IGNORE for idempotence.
func (db *DB) InsertObject(tx *sql.Tx, digest []byte, segmentID, off, length int64, kind string) error {
	ts := cas.NowMs()
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO objects (digest, segment_id, off, len, kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		digest, segmentID, off, length, kind, ts,
	)
	if err != nil {
		return ioErr("inserting object", err)
	}
	return nil
}

// GetObject retrieves object metadata by digest.
func (db *DB) GetObject(digest []byte) (*ObjectInfo, error) {
	var info ObjectInfo
	err := db.conn.QueryRow(
		`SELECT digest, segment_id, off, len, kind, created_at FROM objects WHERE digest = ?`,
		digest,
	).Scan(&info.Digest, &info.SegmentID, &info.Off, &info.Len, &info.Kind, &info.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ioErr("querying object", err)
	}
	return &info, nil
}

func hasObject(q querier, digest []byte) (bool, error) {
	var count int
	err := q.QueryRow(
		`SELECT COUNT(*) FROM objects WHERE digest = ?`, digest,
	).Scan(&count)
	if err != nil {
		return false, ioErr("checking object", err)
	}
	return count > 0, nil
}

// HasObjects reports which of the given changes are stored.
func (db *DB) HasObjects(hashes []change.Hash) (map[change.Hash]bool, error) {
	result := make(map[change.Hash]bool)

	for _, batch := range batches(hashes, 500) {
		args := make([]interface{}, len(batch))
		for j, h := range batch {
			args[j] = h.Bytes()
		}

		rows, err := db.conn.Query(
			fmt.Sprintf(`SELECT digest FROM objects WHERE digest IN (%s)`, inClause(len(batch))),
			args...,
		)
		if err != nil {
			return nil, ioErr("querying objects", err)
		}

		for rows.Next() {
			var digest []byte
			if err := rows.Scan(&digest); err != nil {
				rows.Close()
				return nil, ioErr("scanning object", err)
			}
			h, err := scanHash(digest)
			if err != nil {
				rows.Close()
				return nil, err
			}
			result[h] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, ioErr("iterating objects", err)
		}
	}

	return result, nil
}

// ReadObjectContent reads the content of an object from its segment.
func (db *DB) ReadObjectContent(digest []byte) ([]byte, error) {
	info, err := db.GetObject(digest)
	if err != nil {
		return nil, err
	}

	blob, err := db.GetSegmentBlob(info.SegmentID)
	if err != nil {
		return nil, err
	}

	if info.Off+info.Len > int64(len(blob)) {
		return nil, fmt.Errorf("%w: object extends beyond segment bounds", ErrStorageIO)
	}

	return blob[info.Off : info.Off+info.Len], nil
}

// ResolvePrefix finds the change whose hex hash starts with prefix.
func (db *DB) ResolvePrefix(prefix string) (change.Hash, error) {
	prefix = strings.ToLower(prefix)
	if strings.Trim(prefix, "0123456789abcdef") != "" {
		return change.Hash{}, fmt.Errorf("prefix %q is not hex", prefix)
	}
	if len(prefix) == 2*change.HashSize {
		return change.ParseHash(prefix)
	}
	if len(prefix) < 4 {
		return change.Hash{}, fmt.Errorf("prefix %q too short", prefix)
	}

	rows, err := db.conn.Query(
		`SELECT digest FROM objects WHERE kind = ? AND lower(hex(digest)) LIKE ? LIMIT 2`,
		change.Kind, prefix+"%",
	)
	if err != nil {
		return change.Hash{}, ioErr("resolving prefix", err)
	}
	defer rows.Close()

	var found []change.Hash
	for rows.Next() {
		var digest []byte
		if err := rows.Scan(&digest); err != nil {
			return change.Hash{}, ioErr("scanning prefix match", err)
		}
		h, err := scanHash(digest)
		if err != nil {
			return change.Hash{}, err
		}
		found = append(found, h)
	}
	if err := rows.Err(); err != nil {
		return change.Hash{}, ioErr("iterating prefix matches", err)
	}

	switch len(found) {
	case 0:
		return change.Hash{}, ErrNotFound
	case 1:
		return found[0], nil
	}
	return change.Hash{}, ErrAmbiguousPrefix
}
