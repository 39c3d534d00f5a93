package store

import (
	"database/sql"

	"github.com/klauspost/compress/zstd"

	"loom/cas"
	"loom/change"
)

var (
	cacheEncoder, _ = zstd.NewWriter(nil)
	cacheDecoder, _ = zstd.NewReader(nil)
)

// CachedOutput is a materialization persisted for a channel. It is valid
// while the channel state, the ledger sequence and the options match.
type CachedOutput struct {
	ChannelID string
	State     change.Hash
	LedgerSeq int64
	Options   string
	Data      []byte
	CreatedAt int64
}

// GetCachedOutput returns the cached output of a channel if it matches
// the given key, or nil.
func (db *DB) GetCachedOutput(channelID string, state change.Hash, ledgerSeq int64, options string) (*CachedOutput, error) {
	var c CachedOutput
	var rawState, blob []byte
	err := db.conn.QueryRow(
		`SELECT channel_id, state, ledger_seq, options, blob, created_at FROM output_cache WHERE channel_id = ?`,
		channelID,
	).Scan(&c.ChannelID, &rawState, &c.LedgerSeq, &c.Options, &blob, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("querying output cache", err)
	}
	if c.State, err = scanHash(rawState); err != nil {
		return nil, err
	}
	if c.State != state || c.LedgerSeq != ledgerSeq || c.Options != options {
		return nil, nil
	}
	if c.Data, err = cacheDecoder.DecodeAll(blob, nil); err != nil {
		// A corrupt entry is a miss.
		return nil, nil
	}
	return &c, nil
}

// PutCachedOutput replaces a channel's cached output.
func (db *DB) PutCachedOutput(c *CachedOutput) error {
	c.CreatedAt = cas.NowMs()
	_, err := db.conn.Exec(
		`INSERT INTO output_cache (channel_id, state, ledger_seq, options, blob, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET state=excluded.state, ledger_seq=excluded.ledger_seq,
		   options=excluded.options, blob=excluded.blob, created_at=excluded.created_at`,
		c.ChannelID, c.State.Bytes(), c.LedgerSeq, c.Options, cacheEncoder.EncodeAll(c.Data, nil), c.CreatedAt,
	)
	if err != nil {
		return ioErr("storing output cache", err)
	}
	return nil
}

// InvalidateOutput drops a channel's cached output.
func (db *DB) InvalidateOutput(channelID string) error {
	if _, err := db.conn.Exec(`DELETE FROM output_cache WHERE channel_id = ?`, channelID); err != nil {
		return ioErr("invalidating output cache", err)
	}
	return nil
}
