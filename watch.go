package pulsedb

import (
	"context"

	"github.com/draco28/PulseDB/kv"
	"github.com/draco28/PulseDB/model"
	"github.com/draco28/PulseDB/watch"
)

// Subscribe registers an in-process subscriber for a collective's watch
// events. The returned subscription's channel is bounded; under
// backpressure events are dropped for that subscriber (never blocking the
// writer) and counted in its Lag. filter may be nil to receive every event.
//
// Close the subscription when done; Close removes it from the registry at
// once. A subscription that is never closed stays registered until the
// database is closed.
func (db *DB) Subscribe(collective model.CollectiveID, filter *model.WatchFilter) *watch.Subscription {
	return db.registry.Subscribe(collective, filter)
}

// PollChanges returns committed events for a collective with CSN greater
// than since, plus the new high-water CSN. This is the cross-process
// complement to Subscribe: another process tails the persisted changelog by
// polling.
//
// Events older than the changelog ring (default 4096 CSNs) are gone; callers
// that far behind should rescan via GetRecentExperiences instead.
func (db *DB) PollChanges(ctx context.Context, collective model.CollectiveID, since uint64) ([]model.WatchEvent, uint64, error) {
	var (
		events []model.WatchEvent
		head   uint64
	)
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		head = tx.CSN()
		if head <= since {
			return nil
		}
		return tx.ChangelogSince(since, func(ev *model.WatchEvent) error {
			if ev.CollectiveID == collective {
				events = append(events, *ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return events, head, nil
}

// NewPoller starts a background poller delivering a collective's events on
// the configured interval, for callers that want the channel interface
// without subscribing in-process (for example against a database written by
// another process).
func (db *DB) NewPoller(collective model.CollectiveID, since uint64) *watch.Poller {
	fetch := func(s uint64) ([]model.WatchEvent, uint64, error) {
		return db.PollChanges(context.Background(), collective, s)
	}
	return watch.NewPoller(fetch, since, db.opts.PollInterval, db.opts.Limits.WatchBufferSize)
}
