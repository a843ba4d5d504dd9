package pulsedb

import (
	"context"
	"fmt"
	"time"

	"github.com/draco28/PulseDB/hnsw"
	"github.com/draco28/PulseDB/kv"
	"github.com/draco28/PulseDB/model"
)

// RecordExperience validates and stores a new experience: the KV rows commit
// first (source of truth), then the vector joins the collective's index, the
// CSN advances and a Created event fans out.
//
// With the External provider the embedding must be supplied; with a
// configured embedding service a nil embedding is generated from the
// content.
func (db *DB) RecordExperience(ctx context.Context, exp model.NewExperience) (model.ExperienceID, error) {
	start := time.Now()
	id, err := db.recordExperience(ctx, exp)
	db.metrics.RecordWrite("record", time.Since(start), err)
	db.logger.LogRecord(ctx, id, exp.CollectiveID, err)
	return id, err
}

func (db *DB) recordExperience(ctx context.Context, exp model.NewExperience) (model.ExperienceID, error) {
	if err := validNewExperience(&exp); err != nil {
		return model.ExperienceID{}, err
	}

	ci, ok := db.collectiveIndexFor(exp.CollectiveID)
	if !ok {
		return model.ExperienceID{}, fmt.Errorf("%w: collective %s", ErrNotFound, exp.CollectiveID)
	}

	embeddingVec := exp.Embedding
	if embeddingVec == nil {
		if db.opts.Embedder == nil {
			return model.ExperienceID{}, invalidField("embedding",
				"required with the external embedding provider")
		}
		vec, err := db.opts.Embedder.Embed(ctx, exp.Content)
		if err != nil {
			return model.ExperienceID{}, &EmbeddingError{cause: err}
		}
		embeddingVec = vec
	}
	if err := validEmbedding("embedding", embeddingVec, ci.dimension); err != nil {
		return model.ExperienceID{}, err
	}

	now := model.Now()
	e := &model.Experience{
		ID:           model.NewExperienceID(),
		CollectiveID: exp.CollectiveID,
		Content:      exp.Content,
		Type:         exp.Type,
		Importance:   exp.Importance,
		Confidence:   exp.Confidence,
		Domain:       exp.Domain,
		RelatedFiles: exp.RelatedFiles,
		SourceAgent:  exp.SourceAgent,
		SourceTask:   exp.SourceTask,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var ev model.WatchEvent
	err := db.write(func(tx *kv.WriteTx) error {
		c, err := tx.Collective(exp.CollectiveID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: collective %s", ErrNotFound, exp.CollectiveID)
		}
		if limit := db.opts.Limits.MaxExperiencesPerCollective; limit > 0 {
			if count := tx.ExperienceCount(exp.CollectiveID); count >= limit {
				return fmt.Errorf("%w: collective %s holds %d experiences (limit %d)",
					ErrResourceLimit, exp.CollectiveID, count, limit)
			}
		}
		if err := tx.PutExperience(e, embeddingVec); err != nil {
			return err
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn
		ev = model.WatchEvent{
			ExperienceID: e.ID,
			CollectiveID: e.CollectiveID,
			Type:         model.EventCreated,
			Timestamp:    now,
			CSN:          csn,
		}
		return tx.AppendEvent(&ev)
	}, func() {
		if err := ci.experiences.Insert(hnsw.Key(e.ID.Bytes()), embeddingVec); err != nil {
			// The store committed; the index will converge on the next
			// replay or rebuild.
			db.logger.Warn("vector insert failed after commit",
				"id", e.ID.String(), "error", err)
		}
		db.markDirty(e.CollectiveID)
		db.publish(ev, e)
	})
	if err != nil {
		return model.ExperienceID{}, err
	}
	return e.ID, nil
}

// GetExperience returns an experience (embedding included), or nil if
// absent.
func (db *DB) GetExperience(ctx context.Context, id model.ExperienceID) (*model.Experience, error) {
	var out *model.Experience
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		e, err := tx.Experience(id)
		out = e
		return err
	})
	return out, err
}

// UpdateExperience patches an experience's mutable fields (importance,
// confidence, domain tags, related files). Content and embedding are
// immutable. Publishes an Updated event.
func (db *DB) UpdateExperience(ctx context.Context, id model.ExperienceID, update model.ExperienceUpdate) error {
	start := time.Now()
	err := db.updateExperience(ctx, id, update)
	db.metrics.RecordWrite("update", time.Since(start), err)
	db.logger.LogUpdate(ctx, id, err)
	return err
}

func (db *DB) updateExperience(_ context.Context, id model.ExperienceID, update model.ExperienceUpdate) error {
	if err := validExperienceUpdate(&update); err != nil {
		return err
	}

	var (
		ev      model.WatchEvent
		after   func()
		updated *model.Experience
	)
	err := db.write(func(tx *kv.WriteTx) error {
		e, err := tx.ExperienceRow(id)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("%w: experience %s", ErrNotFound, id)
		}

		wasArchived := e.Archived
		if update.Importance != nil {
			e.Importance = *update.Importance
		}
		if update.Confidence != nil {
			e.Confidence = *update.Confidence
		}
		if update.Domain != nil {
			e.Domain = update.Domain
		}
		if update.RelatedFiles != nil {
			e.RelatedFiles = update.RelatedFiles
		}
		if update.Archived != nil {
			e.Archived = *update.Archived
		}
		e.UpdatedAt = model.Now()

		if err := tx.UpdateExperienceRow(e); err != nil {
			return err
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn

		eventType := model.EventUpdated
		if !wasArchived && e.Archived {
			eventType = model.EventArchived
		}
		ev = model.WatchEvent{
			ExperienceID: e.ID,
			CollectiveID: e.CollectiveID,
			Type:         eventType,
			Timestamp:    e.UpdatedAt,
			CSN:          csn,
		}
		updated = e

		// Archived state drives index membership.
		if wasArchived != e.Archived {
			collective := e.CollectiveID
			archived := e.Archived
			var vec []float32
			if !archived {
				vec, err = tx.Embedding(id)
				if err != nil {
					return err
				}
			}
			after = func() {
				ci, ok := db.collectiveIndexFor(collective)
				if !ok {
					return
				}
				key := hnsw.Key(id.Bytes())
				if archived {
					ci.experiences.Delete(key)
				} else if err := ci.experiences.Insert(key, vec); err != nil {
					db.logger.Warn("vector re-insert failed after commit",
						"id", id.String(), "error", err)
				}
				db.markDirty(collective)
			}
		}
		return tx.AppendEvent(&ev)
	}, func() {
		if after != nil {
			after()
		}
		db.publish(ev, updated)
	})
	return err
}

// ArchiveExperience soft-deletes an experience: it stays in storage but
// leaves the vector index and default query results. Idempotent.
func (db *DB) ArchiveExperience(ctx context.Context, id model.ExperienceID) error {
	archived := true
	return db.UpdateExperience(ctx, id, model.ExperienceUpdate{Archived: &archived})
}

// UnarchiveExperience restores an archived experience to the vector index
// and query results. Idempotent.
func (db *DB) UnarchiveExperience(ctx context.Context, id model.ExperienceID) error {
	archived := false
	return db.UpdateExperience(ctx, id, model.ExperienceUpdate{Archived: &archived})
}

// DeleteExperience permanently removes an experience, its embedding, its
// index rows and every relation referencing it, then tombstones the vector.
// Publishes a Deleted event. Returns ErrNotFound if absent.
func (db *DB) DeleteExperience(ctx context.Context, id model.ExperienceID) error {
	start := time.Now()
	err := db.deleteExperience(ctx, id)
	db.metrics.RecordWrite("delete", time.Since(start), err)
	db.logger.LogDelete(ctx, id, err)
	return err
}

func (db *DB) deleteExperience(_ context.Context, id model.ExperienceID) error {
	var (
		ev      model.WatchEvent
		deleted *model.Experience
	)
	return db.write(func(tx *kv.WriteTx) error {
		e, err := tx.ExperienceRow(id)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("%w: experience %s", ErrNotFound, id)
		}
		if _, err := tx.DeleteExperience(e); err != nil {
			return err
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn
		ev = model.WatchEvent{
			ExperienceID: e.ID,
			CollectiveID: e.CollectiveID,
			Type:         model.EventDeleted,
			Timestamp:    model.Now(),
			CSN:          csn,
		}
		deleted = e
		return tx.AppendEvent(&ev)
	}, func() {
		if ci, ok := db.collectiveIndexFor(deleted.CollectiveID); ok {
			ci.experiences.Delete(hnsw.Key(id.Bytes()))
			db.markDirty(deleted.CollectiveID)
		}
		db.publish(ev, deleted)
	})
}

// ReinforceExperience atomically increments the experience's application
// count and returns the new value. Returns ErrNotFound if absent.
func (db *DB) ReinforceExperience(ctx context.Context, id model.ExperienceID) (uint32, error) {
	start := time.Now()
	var count uint32
	err := db.write(func(tx *kv.WriteTx) error {
		e, err := tx.ExperienceRow(id)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("%w: experience %s", ErrNotFound, id)
		}
		e.Applications++
		e.UpdatedAt = model.Now()
		count = e.Applications
		if err := tx.UpdateExperienceRow(e); err != nil {
			return err
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn
		return nil
	}, nil)
	db.metrics.RecordWrite("reinforce", time.Since(start), err)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetExperiencesByType returns up to limit experiences of one type tag in a
// collective via the type index, excluding archived rows.
func (db *DB) GetExperiencesByType(ctx context.Context, collective model.CollectiveID, tag model.ExperienceTypeTag, limit int) ([]*model.Experience, error) {
	if !tag.Valid() {
		return nil, invalidField("type", "unknown tag %d", uint8(tag))
	}
	if limit < 1 || limit > MaxK {
		return nil, invalidField("limit", "must be in 1..%d, got %d", MaxK, limit)
	}
	var out []*model.Experience
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		c, err := tx.Collective(collective)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: collective %s", ErrNotFound, collective)
		}
		return tx.ForEachExperienceOfType(collective, tag, func(id model.ExperienceID) error {
			if len(out) >= limit {
				return nil
			}
			e, err := tx.ExperienceRow(id)
			if err != nil {
				return err
			}
			if e != nil && !e.Archived {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

// publish fans an event out to in-process subscribers.
func (db *DB) publish(ev model.WatchEvent, exp *model.Experience) {
	if !db.opts.InProcessWatch {
		return
	}
	db.registry.Publish(ev, exp)
}
