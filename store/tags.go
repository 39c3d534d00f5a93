package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"

	"loom/cas"
	"loom/change"
)

var (
	tagEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	tagDecoder, _ = zstd.NewReader(nil)
)

// Tag is a frozen copy of a channel's applied set.
type Tag struct {
	Name      string
	Channel   string
	State     change.Hash
	Changes   []change.Hash
	Message   string
	Author    string
	CreatedAt int64
}

func packHashes(hashes []change.Hash) []byte {
	raw := make([]byte, 0, len(hashes)*change.HashSize)
	for _, h := range hashes {
		raw = append(raw, h[:]...)
	}
	return tagEncoder.EncodeAll(raw, nil)
}

func unpackHashes(blob []byte) ([]change.Hash, error) {
	raw, err := tagDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing tag: %w", ErrStorageIO, err)
	}
	if len(raw)%change.HashSize != 0 {
		return nil, fmt.Errorf("%w: tag payload has %d bytes", ErrStorageIO, len(raw))
	}
	out := make([]change.Hash, len(raw)/change.HashSize)
	for i := range out {
		copy(out[i][:], raw[i*change.HashSize:])
	}
	return out, nil
}

// CreateTagTx freezes the current applied set of ch under name.
func (db *DB) CreateTagTx(tx *sql.Tx, name string, ch *Channel, message, author, opID string) (*Tag, error) {
	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tags WHERE name = ?`, name).Scan(&count); err != nil {
		return nil, ioErr("checking tag", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: %s", ErrTagExists, name)
	}

	entries, err := db.logEntries(tx, ch.ID, 0, 0)
	if err != nil {
		return nil, err
	}
	tag := &Tag{
		Name: name, Channel: ch.Name, State: ch.State,
		Message: message, Author: author, CreatedAt: cas.NowMs(),
	}
	for _, e := range entries {
		tag.Changes = append(tag.Changes, e.Change)
	}

	if _, err := tx.Exec(
		`INSERT INTO tags (name, channel, state, count, changes, message, author, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tag.Name, tag.Channel, tag.State.Bytes(), len(tag.Changes), packHashes(tag.Changes), tag.Message, tag.Author, tag.CreatedAt,
	); err != nil {
		return nil, ioErr("inserting tag", err)
	}

	if err := db.appendHistory(tx, historyEvent{
		Op: OpTag, Channel: ch.Name, NewState: &tag.State, Actor: author, OpID: opID,
		Meta: map[string]interface{}{"tag": name},
	}); err != nil {
		return nil, err
	}
	return tag, nil
}

const tagColumns = `name, channel, state, changes, message, author, created_at`

func scanTag(row interface{ Scan(...interface{}) error }) (*Tag, error) {
	var t Tag
	var state, blob []byte
	if err := row.Scan(&t.Name, &t.Channel, &state, &blob, &t.Message, &t.Author, &t.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.State, err = scanHash(state); err != nil {
		return nil, err
	}
	if t.Changes, err = unpackHashes(blob); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTag retrieves a tag by name.
func (db *DB) GetTag(name string) (*Tag, error) {
	t, err := scanTag(db.conn.QueryRow(`SELECT `+tagColumns+` FROM tags WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTagNotFound, name)
	}
	if err != nil {
		return nil, ioErr("querying tag", err)
	}
	return t, nil
}

// ListTags returns tags whose name starts with prefix.
func (db *DB) ListTags(prefix string) ([]*Tag, error) {
	rows, err := db.conn.Query(
		`SELECT `+tagColumns+` FROM tags WHERE name LIKE ? ESCAPE '\' ORDER BY name ASC`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, ioErr("querying tags", err)
	}
	defer rows.Close()

	var out []*Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, ioErr("scanning tag", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTagTx removes a tag.
func (db *DB) DeleteTagTx(tx *sql.Tx, name string) error {
	res, err := tx.Exec(`DELETE FROM tags WHERE name = ?`, name)
	if err != nil {
		return ioErr("deleting tag", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTagNotFound, name)
	}
	return nil
}

// ChannelFromTagTx creates a channel whose applied set is the tag's.
// Pristine rows of tagged changes are kept by GC, so no reapplication
// is needed.
func (db *DB) ChannelFromTagTx(tx *sql.Tx, tag *Tag, name, actor, opID string) (*Channel, error) {
	ch, err := db.CreateChannelTx(tx, name, actor, opID)
	if err != nil {
		return nil, err
	}
	for _, h := range tag.Changes {
		if _, ok, err := db.PristineDepth(tx, h); err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("%w: tagged change %s has no pristine rows", ErrNotFound, h.Short())
		}
		if _, err := db.AppendLogTx(tx, ch, h, actor, opID); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
