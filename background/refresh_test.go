package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/store"
)

type recorder struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (r *recorder) RefreshChannel(_ context.Context, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, channelID)
	if r.fail[channelID] {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func newDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenRepoDB(t.TempDir(), "repo", store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func enqueue(t *testing.T, db *store.DB, ids ...string) {
	t.Helper()
	tx, err := db.BeginTx(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	for _, id := range ids {
		require.NoError(t, db.EnqueueRefresh(tx, id))
	}
	require.NoError(t, tx.Commit())
}

func TestProcessAll(t *testing.T) {
	db := newDB(t)
	enqueue(t, db, "a", "b", "a")
	rec := &recorder{fail: map[string]bool{"b": true}}

	r := NewRefresher(db, rec, time.Hour, nil)
	n, err := r.ProcessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, rec.seen)

	pending, err := db.PendingRefreshes()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRefresherLoop(t *testing.T) {
	db := newDB(t)
	rec := &recorder{}
	r := NewRefresher(db, rec, 10*time.Millisecond, nil)
	r.Start(context.Background())
	defer r.Stop()

	enqueue(t, db, "main")
	assert.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestProcessAllCancelled(t *testing.T) {
	db := newDB(t)
	enqueue(t, db, "main")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRefresher(db, &recorder{}, time.Hour, nil).ProcessAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
