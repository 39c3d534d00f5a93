package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"loom/cas"
	"loom/change"
)

// Channel is a named subset of applied changes.
type Channel struct {
	ID        string
	Name      string
	State     change.Hash
	Len       int64
	NextSeq   int64
	CreatedAt int64
	UpdatedAt int64
}

// LogEntry is one application of a change to a channel.
type LogEntry struct {
	Seq       int64
	Change    change.Hash
	State     change.Hash
	AppliedAt int64
}

const channelColumns = `c.id, c.name, c.state, c.next_seq, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM channel_log l WHERE l.channel_id = c.id)`

func scanChannel(row interface{ Scan(...interface{}) error }) (*Channel, error) {
	var ch Channel
	var state []byte
	if err := row.Scan(&ch.ID, &ch.Name, &state, &ch.NextSeq, &ch.CreatedAt, &ch.UpdatedAt, &ch.Len); err != nil {
		return nil, err
	}
	h, err := scanHash(state)
	if err != nil {
		return nil, err
	}
	ch.State = h
	return &ch, nil
}

func getChannel(q querier, name string) (*Channel, error) {
	ch, err := scanChannel(q.QueryRow(
		`SELECT `+channelColumns+` FROM channels c WHERE c.name = ?`, name,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	if err != nil {
		return nil, ioErr("querying channel", err)
	}
	return ch, nil
}

// GetChannel retrieves a channel by name.
func (db *DB) GetChannel(name string) (*Channel, error) {
	return getChannel(db.conn, name)
}

// GetChannelTx retrieves a channel by name inside tx.
func (db *DB) GetChannelTx(tx *sql.Tx, name string) (*Channel, error) {
	return getChannel(tx, name)
}

// GetChannelByID retrieves a channel by its stable id.
func (db *DB) GetChannelByID(id string) (*Channel, error) {
	ch, err := scanChannel(db.conn.QueryRow(
		`SELECT `+channelColumns+` FROM channels c WHERE c.id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %s", ErrChannelNotFound, id)
	}
	if err != nil {
		return nil, ioErr("querying channel", err)
	}
	return ch, nil
}

// ListChannels returns all channels ordered by name.
func (db *DB) ListChannels() ([]*Channel, error) {
	rows, err := db.conn.Query(`SELECT ` + channelColumns + ` FROM channels c ORDER BY c.name ASC`)
	if err != nil {
		return nil, ioErr("querying channels", err)
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, ioErr("scanning channel", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterating channels", err)
	}
	return out, nil
}

// CreateChannelTx creates an empty channel.
func (db *DB) CreateChannelTx(tx *sql.Tx, name, actor, opID string) (*Channel, error) {
	if err := db.checkFree(tx, name); err != nil {
		return nil, err
	}

	ts := cas.NowMs()
	ch := &Channel{ID: uuid.NewString(), Name: name, NextSeq: 1, CreatedAt: ts, UpdatedAt: ts}
	if _, err := tx.Exec(
		`INSERT INTO channels (id, name, state, next_seq, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Name, ch.State.Bytes(), ch.NextSeq, ts, ts,
	); err != nil {
		return nil, ioErr("inserting channel", err)
	}

	if err := db.appendHistory(tx, historyEvent{
		Op: OpCreate, Channel: name, Actor: actor, OpID: opID,
	}); err != nil {
		return nil, err
	}
	return ch, nil
}

func (db *DB) checkFree(tx *sql.Tx, name string) error {
	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM channels WHERE name = ?`, name).Scan(&count); err != nil {
		return ioErr("checking channel", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrChannelExists, name)
	}
	return nil
}

// DeleteChannelTx removes a channel. A channel with applied changes is
// only removed when force is set. Change objects and pristine rows are
// left for GC.
func (db *DB) DeleteChannelTx(tx *sql.Tx, name string, force bool, actor, opID string) error {
	ch, err := getChannel(tx, name)
	if err != nil {
		return err
	}
	if ch.Len > 0 && !force {
		return fmt.Errorf("%w: %s has %d changes", ErrChannelNotEmpty, name, ch.Len)
	}

	for _, q := range []string{
		`DELETE FROM channel_log WHERE channel_id = ?`,
		`DELETE FROM output_cache WHERE channel_id = ?`,
		`DELETE FROM refresh_queue WHERE channel_id = ? AND status = 'pending'`,
		`DELETE FROM channels WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, ch.ID); err != nil {
			return ioErr("deleting channel", err)
		}
	}

	return db.appendHistory(tx, historyEvent{
		Op: OpDelete, Channel: name, OldState: &ch.State, Actor: actor, OpID: opID,
		Meta: map[string]interface{}{"force": force, "changes": ch.Len},
	})
}

// RenameChannelTx changes a channel's name. Its id, log and cache are
// kept.
func (db *DB) RenameChannelTx(tx *sql.Tx, oldName, newName, actor, opID string) error {
	ch, err := getChannel(tx, oldName)
	if err != nil {
		return err
	}
	if err := db.checkFree(tx, newName); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE channels SET name = ?, updated_at = ? WHERE id = ?`,
		newName, cas.NowMs(), ch.ID,
	); err != nil {
		return ioErr("renaming channel", err)
	}
	return db.appendHistory(tx, historyEvent{
		Op: OpRename, Channel: newName, Actor: actor, OpID: opID,
		Meta: map[string]interface{}{"from": oldName},
	})
}

// ForkChannelTx creates dst with the same applied set and cached output
// as src. The cost is proportional to the size of src's log.
func (db *DB) ForkChannelTx(tx *sql.Tx, src, dst, actor, opID string) (*Channel, error) {
	from, err := getChannel(tx, src)
	if err != nil {
		return nil, err
	}
	return db.forkPrefix(tx, from, dst, from.NextSeq, from.State, actor, opID)
}

// ForkChannelAtStateTx creates dst from the prefix of src's log that
// produced state. The zero state forks an empty channel.
func (db *DB) ForkChannelAtStateTx(tx *sql.Tx, src string, state change.Hash, dst, actor, opID string) (*Channel, error) {
	from, err := getChannel(tx, src)
	if err != nil {
		return nil, err
	}
	if state == from.State {
		return db.forkPrefix(tx, from, dst, from.NextSeq, state, actor, opID)
	}

	limit := int64(1)
	if !state.IsZero() {
		var seq int64
		err := tx.QueryRow(
			`SELECT seq FROM channel_log WHERE channel_id = ? AND state = ? ORDER BY seq DESC LIMIT 1`,
			from.ID, state.Bytes(),
		).Scan(&seq)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s in %s", ErrStateNotFound, state.Short(), src)
		}
		if err != nil {
			return nil, ioErr("querying channel state", err)
		}
		limit = seq + 1
	}
	return db.forkPrefix(tx, from, dst, limit, state, actor, opID)
}

// forkPrefix copies the log entries of from with seq < limit into a new
// channel named dst whose state is state.
func (db *DB) forkPrefix(tx *sql.Tx, from *Channel, dst string, limit int64, state change.Hash, actor, opID string) (*Channel, error) {
	if err := db.checkFree(tx, dst); err != nil {
		return nil, err
	}

	ts := cas.NowMs()
	ch := &Channel{ID: uuid.NewString(), Name: dst, State: state, NextSeq: limit, CreatedAt: ts, UpdatedAt: ts}
	if _, err := tx.Exec(
		`INSERT INTO channels (id, name, state, next_seq, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Name, ch.State.Bytes(), ch.NextSeq, ts, ts,
	); err != nil {
		return nil, ioErr("inserting channel", err)
	}

	res, err := tx.Exec(
		`INSERT INTO channel_log (channel_id, seq, change, state, applied_at)
		 SELECT ?, seq, change, state, applied_at FROM channel_log WHERE channel_id = ? AND seq < ?`,
		ch.ID, from.ID, limit,
	)
	if err != nil {
		return nil, ioErr("copying channel log", err)
	}
	if ch.Len, err = res.RowsAffected(); err != nil {
		return nil, ioErr("counting copied log", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO output_cache (channel_id, state, ledger_seq, options, blob, created_at)
		 SELECT ?, state, ledger_seq, options, blob, created_at FROM output_cache WHERE channel_id = ? AND state = ?`,
		ch.ID, from.ID, state.Bytes(),
	); err != nil {
		return nil, ioErr("copying output cache", err)
	}

	if err := db.appendHistory(tx, historyEvent{
		Op: OpFork, Channel: dst, NewState: &state, Actor: actor, OpID: opID,
		Meta: map[string]interface{}{"from": from.Name},
	}); err != nil {
		return nil, err
	}
	return ch, nil
}

// IsAppliedTx reports whether a change is in a channel's applied set.
func (db *DB) IsAppliedTx(tx *sql.Tx, channelID string, h change.Hash) (bool, error) {
	var count int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM channel_log WHERE channel_id = ? AND change = ?`,
		channelID, h.Bytes(),
	).Scan(&count); err != nil {
		return false, ioErr("checking applied change", err)
	}
	return count > 0, nil
}

// AppendLogTx adds a change to a channel's applied set and advances its
// state. ch is updated in place.
func (db *DB) AppendLogTx(tx *sql.Tx, ch *Channel, h change.Hash, actor, opID string) (*LogEntry, error) {
	ts := cas.NowMs()
	old := ch.State
	entry := &LogEntry{Seq: ch.NextSeq, Change: h, State: ch.State.Xor(h), AppliedAt: ts}

	if _, err := tx.Exec(
		`INSERT INTO channel_log (channel_id, seq, change, state, applied_at) VALUES (?, ?, ?, ?, ?)`,
		ch.ID, entry.Seq, h.Bytes(), entry.State.Bytes(), ts,
	); err != nil {
		return nil, ioErr("appending to channel log", err)
	}
	if _, err := tx.Exec(
		`UPDATE channels SET state = ?, next_seq = ?, updated_at = ? WHERE id = ?`,
		entry.State.Bytes(), entry.Seq+1, ts, ch.ID,
	); err != nil {
		return nil, ioErr("updating channel", err)
	}

	ch.State = entry.State
	ch.NextSeq = entry.Seq + 1
	ch.Len++
	ch.UpdatedAt = ts

	if err := db.appendHistory(tx, historyEvent{
		Op: OpApply, Channel: ch.Name, Change: &h, OldState: &old, NewState: &ch.State, Actor: actor, OpID: opID,
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// RemoveLogTx removes a change from a channel's applied set. The states
// recorded by later entries are recomputed without it. ch is updated in
// place.
func (db *DB) RemoveLogTx(tx *sql.Tx, ch *Channel, h change.Hash, actor, opID string) error {
	var seq int64
	err := tx.QueryRow(
		`SELECT seq FROM channel_log WHERE channel_id = ? AND change = ?`, ch.ID, h.Bytes(),
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s not applied to %s", ErrNotFound, h.Short(), ch.Name)
	}
	if err != nil {
		return ioErr("querying channel log", err)
	}

	if _, err := tx.Exec(`DELETE FROM channel_log WHERE channel_id = ? AND seq = ?`, ch.ID, seq); err != nil {
		return ioErr("removing from channel log", err)
	}

	later, err := db.logEntries(tx, ch.ID, seq, 0)
	if err != nil {
		return err
	}
	for _, e := range later {
		if _, err := tx.Exec(
			`UPDATE channel_log SET state = ? WHERE channel_id = ? AND seq = ?`,
			e.State.Xor(h).Bytes(), ch.ID, e.Seq,
		); err != nil {
			return ioErr("rewriting channel log state", err)
		}
	}

	ts := cas.NowMs()
	old := ch.State
	ch.State = ch.State.Xor(h)
	ch.Len--
	ch.UpdatedAt = ts
	if _, err := tx.Exec(
		`UPDATE channels SET state = ?, updated_at = ? WHERE id = ?`, ch.State.Bytes(), ts, ch.ID,
	); err != nil {
		return ioErr("updating channel", err)
	}

	return db.appendHistory(tx, historyEvent{
		Op: OpUnrecord, Channel: ch.Name, Change: &h, OldState: &old, NewState: &ch.State, Actor: actor, OpID: opID,
	})
}

// ChannelLog returns log entries with seq > afterSeq in application
// order. A limit of 0 returns all of them.
func (db *DB) ChannelLog(channelID string, afterSeq int64, limit int) ([]*LogEntry, error) {
	return db.logEntries(db.conn, channelID, afterSeq, limit)
}

func (db *DB) logEntries(q querier, channelID string, afterSeq int64, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.Query(
		`SELECT seq, change, state, applied_at FROM channel_log
		 WHERE channel_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		channelID, afterSeq, limit,
	)
	if err != nil {
		return nil, ioErr("querying channel log", err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var e LogEntry
		var rawChange, rawState []byte
		if err := rows.Scan(&e.Seq, &rawChange, &rawState, &e.AppliedAt); err != nil {
			return nil, ioErr("scanning channel log", err)
		}
		if e.Change, err = scanHash(rawChange); err != nil {
			return nil, err
		}
		if e.State, err = scanHash(rawState); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterating channel log", err)
	}
	return out, nil
}

// AppliedDependentsTx returns the changes applied to a channel that
// declare h as a dependency.
func (db *DB) AppliedDependentsTx(tx *sql.Tx, channelID string, h change.Hash) ([]change.Hash, error) {
	rows, err := tx.Query(
		`SELECT d.change FROM change_deps d
		 JOIN channel_log l ON l.change = d.change AND l.channel_id = ?
		 WHERE d.dep = ? ORDER BY l.seq ASC`,
		channelID, h.Bytes(),
	)
	if err != nil {
		return nil, ioErr("querying dependents", err)
	}
	defer rows.Close()

	var out []change.Hash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, ioErr("scanning dependent", err)
		}
		dep, err := scanHash(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// ChangeMetas returns the indexed headers of the given changes.
func (db *DB) ChangeMetas(hashes []change.Hash) (map[change.Hash]*ChangeMeta, error) {
	out := make(map[change.Hash]*ChangeMeta, len(hashes))
	for _, batch := range batches(hashes, 500) {
		args := make([]interface{}, len(batch))
		for i, h := range batch {
			args[i] = h.Bytes()
		}
		rows, err := db.conn.Query(
			fmt.Sprintf(`SELECT change, author, message, timestamp FROM change_meta WHERE change IN (%s)`, inClause(len(batch))),
			args...,
		)
		if err != nil {
			return nil, ioErr("querying change headers", err)
		}
		err = scanRows(rows, func() error {
			var raw []byte
			var m ChangeMeta
			if err := rows.Scan(&raw, &m.Author, &m.Message, &m.Timestamp); err != nil {
				return err
			}
			h, err := scanHash(raw)
			if err != nil {
				return err
			}
			m.Hash = h
			out[h] = &m
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
