package pulsedb

import (
	"context"
	"fmt"
	"time"

	"github.com/draco28/PulseDB/kv"
	"github.com/draco28/PulseDB/model"
)

// RegisterActivity upserts an agent's presence marker in a collective,
// keyed by (collective, agent). Re-registering refreshes the task fields
// and heartbeat but keeps the original start time.
func (db *DB) RegisterActivity(ctx context.Context, act model.NewActivity) error {
	start := time.Now()
	err := db.registerActivity(ctx, act)
	db.metrics.RecordWrite("activity", time.Since(start), err)
	return err
}

func (db *DB) registerActivity(_ context.Context, act model.NewActivity) error {
	if err := validNewActivity(&act); err != nil {
		return err
	}
	return db.write(func(tx *kv.WriteTx) error {
		c, err := tx.Collective(act.CollectiveID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: collective %s", ErrNotFound, act.CollectiveID)
		}

		now := model.Now()
		row := &model.Activity{
			CollectiveID:   act.CollectiveID,
			AgentID:        act.AgentID,
			CurrentTask:    act.CurrentTask,
			ContextSummary: act.ContextSummary,
			StartedAt:      now,
			LastHeartbeat:  now,
		}
		if existing, err := tx.Activity(act.CollectiveID, act.AgentID); err != nil {
			return err
		} else if existing != nil {
			row.StartedAt = existing.StartedAt
		}

		if err := tx.PutActivity(row); err != nil {
			return err
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn
		return nil
	}, nil)
}

// UpdateHeartbeat refreshes only the agent's last heartbeat.
// Returns ErrNotFound if the activity is not registered.
func (db *DB) UpdateHeartbeat(ctx context.Context, collective model.CollectiveID, agent model.AgentID) error {
	start := time.Now()
	err := db.write(func(tx *kv.WriteTx) error {
		a, err := tx.Activity(collective, agent)
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("%w: activity for agent %s", ErrNotFound, agent)
		}
		a.LastHeartbeat = model.Now()
		if err := tx.PutActivity(a); err != nil {
			return err
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn
		return nil
	}, nil)
	db.metrics.RecordWrite("heartbeat", time.Since(start), err)
	return err
}

// EndActivity removes the agent's presence marker.
// Returns ErrNotFound if the activity is not registered.
func (db *DB) EndActivity(ctx context.Context, collective model.CollectiveID, agent model.AgentID) error {
	start := time.Now()
	err := db.write(func(tx *kv.WriteTx) error {
		removed, err := tx.DeleteActivity(collective, agent)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%w: activity for agent %s", ErrNotFound, agent)
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn
		return nil
	}, nil)
	db.metrics.RecordWrite("activity_end", time.Since(start), err)
	return err
}

// GetActiveAgents returns activities whose heartbeat is within the stale
// threshold (default 5 minutes).
func (db *DB) GetActiveAgents(ctx context.Context, collective model.CollectiveID) ([]*model.Activity, error) {
	var out []*model.Activity
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		var err error
		out, err = activeAgents(tx, collective, db.opts.Limits.StaleAgentThreshold)
		return err
	})
	return out, err
}

// activeAgents filters a collective's activities by heartbeat freshness.
func activeAgents(tx *kv.ReadTx, collective model.CollectiveID, staleAfter time.Duration) ([]*model.Activity, error) {
	all, err := tx.ActivitiesInCollective(collective)
	if err != nil {
		return nil, err
	}
	cutoff := model.Timestamp(model.Now().Millis() - staleAfter.Milliseconds())
	out := all[:0]
	for _, a := range all {
		if a.LastHeartbeat >= cutoff {
			out = append(out, a)
		}
	}
	return out, nil
}
