package store

import (
	"database/sql"

	"loom/cas"
)

// Refresh queue statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// RefreshItem asks the background worker to rematerialize a channel.
type RefreshItem struct {
	ID         int64
	ChannelID  string
	Status     string
	CreatedAt  int64
	StartedAt  *int64
	FinishedAt *int64
	Error      *string
}

// EnqueueRefresh schedules a channel for rematerialization. A channel
// with a pending item is not queued twice.
func (db *DB) EnqueueRefresh(tx *sql.Tx, channelID string) error {
	var count int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM refresh_queue WHERE channel_id = ? AND status = ?`,
		channelID, StatusPending,
	).Scan(&count); err != nil {
		return ioErr("checking refresh queue", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := tx.Exec(
		`INSERT INTO refresh_queue (channel_id, status, created_at) VALUES (?, ?, ?)`,
		channelID, StatusPending, cas.NowMs(),
	); err != nil {
		return ioErr("enqueueing refresh", err)
	}
	return nil
}

// ClaimRefreshItem atomically claims the oldest pending item, or returns
// nil when the queue is empty.
func (db *DB) ClaimRefreshItem() (*RefreshItem, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, ioErr("beginning transaction", err)
	}
	defer tx.Rollback()

	var item RefreshItem
	err = tx.QueryRow(
		`SELECT id, channel_id, status, created_at FROM refresh_queue WHERE status = ? ORDER BY id ASC LIMIT 1`,
		StatusPending,
	).Scan(&item.ID, &item.ChannelID, &item.Status, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("querying refresh queue", err)
	}

	ts := cas.NowMs()
	if _, err := tx.Exec(
		`UPDATE refresh_queue SET status = ?, started_at = ? WHERE id = ?`,
		StatusProcessing, ts, item.ID,
	); err != nil {
		return nil, ioErr("updating refresh item", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, ioErr("committing claim", err)
	}

	item.Status = StatusProcessing
	item.StartedAt = &ts
	return &item, nil
}

// CompleteRefreshItem marks an item as done, or failed when errMsg is set.
func (db *DB) CompleteRefreshItem(id int64, errMsg string) error {
	ts := cas.NowMs()
	status := StatusDone
	var errPtr *string
	if errMsg != "" {
		status = StatusFailed
		errPtr = &errMsg
	}

	if _, err := db.conn.Exec(
		`UPDATE refresh_queue SET status = ?, finished_at = ?, error = ? WHERE id = ?`,
		status, ts, errPtr, id,
	); err != nil {
		return ioErr("completing refresh", err)
	}
	return nil
}

// PendingRefreshes returns the number of items waiting to be claimed.
func (db *DB) PendingRefreshes() (int, error) {
	var n int
	if err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM refresh_queue WHERE status = ?`, StatusPending,
	).Scan(&n); err != nil {
		return 0, ioErr("counting refresh queue", err)
	}
	return n, nil
}
