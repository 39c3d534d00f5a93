// Package store provides SQLite-backed storage for loom repositories:
// change objects, the pristine graph rows, channels and their logs,
// tags, the resolution ledger, and the materialized output cache.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"loom/change"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// DBFile is the database file name inside a repository directory.
const DBFile = "loom.db"

var (
	ErrNotFound        = errors.New("change not found")
	ErrSegmentNotFound = errors.New("segment not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelExists   = errors.New("channel already exists")
	ErrChannelNotEmpty = errors.New("channel not empty")
	ErrStateNotFound   = errors.New("state not found in channel log")
	ErrTagNotFound     = errors.New("tag not found")
	ErrTagExists       = errors.New("tag already exists")
	ErrAmbiguousPrefix = errors.New("ambiguous change prefix")
	ErrStorageIO       = errors.New("storage i/o")
)

// ioErr marks a database failure as ErrStorageIO while keeping the cause.
func ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageIO, op, err)
}

// Options tunes a DB.
type Options struct {
	// ChangeCacheSize bounds the number of decoded changes kept in memory.
	ChangeCacheSize int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{ChangeCacheSize: 4096}
}

// DB wraps a SQLite connection pool for one repository.
type DB struct {
	conn    *sql.DB
	path    string
	changes *lru.Cache[change.Hash, *change.Change]
}

// OpenRepoDB opens or creates the database of the repository stored in
// root/name.
func OpenRepoDB(root, name string, opts Options) (*DB, error) {
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	return Open(filepath.Join(dir, DBFile), opts)
}

// Open opens a database at the given path, creating the schema if needed.
func Open(dbPath string, opts Options) (*DB, error) {
	if opts.ChangeCacheSize <= 0 {
		opts.ChangeCacheSize = DefaultOptions().ChangeCacheSize
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Set("_txlock", "immediate")
	conn, err := sql.Open("sqlite", "file:"+dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	cache, err := lru.New[change.Hash, *change.Change](opts.ChangeCacheSize)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating change cache: %w", err)
	}

	db := &DB{conn: conn, path: dbPath, changes: cache}

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// BeginTx starts a write transaction. Transactions take the database
// write lock immediately.
func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, ioErr("beginning transaction", err)
	}
	return tx, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// inClause returns "?,?,..." with n placeholders.
func inClause(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// batches splits hashes into chunks small enough for an IN clause.
func batches(hashes []change.Hash, size int) [][]change.Hash {
	var out [][]change.Hash
	for i := 0; i < len(hashes); i += size {
		end := i + size
		if end > len(hashes) {
			end = len(hashes)
		}
		out = append(out, hashes[i:end])
	}
	return out
}

func scanHash(b []byte) (change.Hash, error) {
	h, err := change.HashFromBytes(b)
	if err != nil {
		return h, ioErr("decoding stored hash", err)
	}
	return h, nil
}
