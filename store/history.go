package store

import (
	"bytes"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"loom/cas"
	"loom/change"
)

// History operations.
const (
	OpCreate   = "create"
	OpDelete   = "delete"
	OpRename   = "rename"
	OpFork     = "fork"
	OpApply    = "apply"
	OpUnrecord = "unrecord"
	OpTag      = "tag"
)

type historyEvent struct {
	Op       string
	Channel  string
	Change   *change.Hash
	OldState *change.Hash
	NewState *change.Hash
	Actor    string
	OpID     string
	Meta     map[string]interface{}
}

func hashBytes(h *change.Hash) []byte {
	if h == nil {
		return nil
	}
	return h.Bytes()
}

// appendHistory chains an entry onto the channel's audit log. The entry
// id is the blake3 of its JSON form, which includes the parent id.
func (db *DB) appendHistory(tx *sql.Tx, ev historyEvent) error {
	ts := cas.NowMs()

	var parentID []byte
	err := tx.QueryRow(
		`SELECT id FROM channel_history WHERE channel = ? ORDER BY seq DESC LIMIT 1`,
		ev.Channel,
	).Scan(&parentID)
	if err == sql.ErrNoRows {
		parentID = nil
	} else if err != nil {
		return ioErr("getting parent history", err)
	}

	entry := map[string]interface{}{
		"time":    ts,
		"actor":   ev.Actor,
		"op":      ev.Op,
		"channel": ev.Channel,
		"opId":    ev.OpID,
	}
	if ev.Change != nil {
		entry["change"] = ev.Change.String()
	}
	if ev.OldState != nil {
		entry["old"] = ev.OldState.String()
	}
	if ev.NewState != nil {
		entry["new"] = ev.NewState.String()
	}
	if len(ev.Meta) > 0 {
		entry["meta"] = ev.Meta
	}
	if parentID != nil {
		entry["parent"] = hex.EncodeToString(parentID)
	}

	entryJSON, err := cas.CanonicalJSON(entry)
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}
	entryID := cas.Blake3Hash(entryJSON)

	_, err = tx.Exec(
		`INSERT INTO channel_history (id, parent, time, actor, op, channel, change, old_state, new_state, op_id, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entryID, parentID, ts, ev.Actor, ev.Op, ev.Channel,
		hashBytes(ev.Change), hashBytes(ev.OldState), hashBytes(ev.NewState), ev.OpID, string(entryJSON),
	)
	if err != nil {
		return ioErr("inserting channel history", err)
	}
	return nil
}

// HistoryEntry is one channel operation in the audit log.
type HistoryEntry struct {
	Seq      int64
	ID       []byte
	Parent   []byte
	Time     int64
	Actor    string
	Op       string
	Channel  string
	Change   []byte
	OldState []byte
	NewState []byte
	OpID     string
	Meta     string
}

// GetHistory retrieves audit entries, optionally for one channel name.
func (db *DB) GetHistory(channel string, afterSeq int64, limit int) ([]*HistoryEntry, error) {
	var rows *sql.Rows
	var err error

	if limit <= 0 {
		limit = 100
	}

	const cols = `seq, id, parent, time, actor, op, channel, change, old_state, new_state, op_id, meta`
	if channel == "" {
		rows, err = db.conn.Query(
			`SELECT `+cols+` FROM channel_history WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
			afterSeq, limit,
		)
	} else {
		rows, err = db.conn.Query(
			`SELECT `+cols+` FROM channel_history WHERE channel = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
			channel, afterSeq, limit,
		)
	}
	if err != nil {
		return nil, ioErr("querying channel history", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Seq, &e.ID, &e.Parent, &e.Time, &e.Actor, &e.Op, &e.Channel,
			&e.Change, &e.OldState, &e.NewState, &e.OpID, &e.Meta); err != nil {
			return nil, ioErr("scanning channel history", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// VerifyHistory checks that every entry of a channel's audit log hashes
// to its id and links to its predecessor.
func (db *DB) VerifyHistory(channel string) error {
	var prev []byte
	var after int64
	for {
		entries, err := db.GetHistory(channel, after, 500)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			if !bytes.Equal(cas.Blake3Hash([]byte(e.Meta)), e.ID) {
				return fmt.Errorf("history entry %d: id does not match content", e.Seq)
			}
			if !bytes.Equal(e.Parent, prev) {
				return fmt.Errorf("history entry %d: broken parent link", e.Seq)
			}
			var body map[string]interface{}
			if err := json.Unmarshal([]byte(e.Meta), &body); err != nil {
				return fmt.Errorf("history entry %d: %w", e.Seq, err)
			}
			prev = e.ID
			after = e.Seq
		}
	}
}
