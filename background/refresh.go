// Package background provides background processing for loom
// repositories.
package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"loom/store"
)

// Materializer recomputes and caches the output of a channel.
type Materializer interface {
	RefreshChannel(ctx context.Context, channelID string) error
}

// Refresher drains the refresh queue, rematerializing every channel whose
// applied set changed so later reads hit the output cache.
type Refresher struct {
	db       *store.DB
	target   Materializer
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRefresher creates a refresher polling every interval. A nil logger
// uses slog.Default().
func NewRefresher(db *store.DB, target Materializer, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		db:       db,
		target:   target,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background processing loop.
func (r *Refresher) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the refresher to stop and waits for the loop to exit.
// It must only be called after Start.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			for r.processOne(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processOne handles one queue item and reports whether there was one.
func (r *Refresher) processOne(ctx context.Context) bool {
	item, err := r.db.ClaimRefreshItem()
	if err != nil {
		r.logger.Error("claiming refresh item", "err", err)
		return false
	}
	if item == nil {
		return false
	}

	errMsg := ""
	if err := r.target.RefreshChannel(ctx, item.ChannelID); err != nil {
		r.logger.Warn("refresh failed", "channel", item.ChannelID, "err", err)
		errMsg = err.Error()
	} else {
		r.logger.Debug("channel refreshed", "channel", item.ChannelID)
	}

	if err := r.db.CompleteRefreshItem(item.ID, errMsg); err != nil {
		r.logger.Error("completing refresh item", "id", item.ID, "err", err)
	}
	return true
}

// ProcessAll processes all pending items synchronously and returns how
// many it handled. Useful for testing.
func (r *Refresher) ProcessAll(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		item, err := r.db.ClaimRefreshItem()
		if err != nil {
			return n, err
		}
		if item == nil {
			return n, nil
		}

		errMsg := ""
		if err := r.target.RefreshChannel(ctx, item.ChannelID); err != nil {
			errMsg = err.Error()
		}
		if err := r.db.CompleteRefreshItem(item.ID, errMsg); err != nil {
			return n, err
		}
		n++
	}
}
