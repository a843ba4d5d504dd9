package pulsedb

import (
	"context"
	"fmt"
	"time"

	"github.com/draco28/PulseDB/kv"
	"github.com/draco28/PulseDB/model"
)

// StoreRelation creates a directed, typed edge between two experiences in
// the same collective. Self-relations, cross-collective relations and
// duplicate (source, target, type) edges are rejected.
func (db *DB) StoreRelation(ctx context.Context, rel model.NewRelation) (model.RelationID, error) {
	start := time.Now()
	id, err := db.storeRelation(ctx, rel)
	db.metrics.RecordWrite("relation", time.Since(start), err)
	return id, err
}

func (db *DB) storeRelation(_ context.Context, rel model.NewRelation) (model.RelationID, error) {
	if err := validNewRelation(&rel); err != nil {
		return model.RelationID{}, err
	}

	stored := &model.ExperienceRelation{
		ID:        model.NewRelationID(),
		SourceID:  rel.SourceID,
		TargetID:  rel.TargetID,
		Type:      rel.Type,
		Strength:  rel.Strength,
		Metadata:  rel.Metadata,
		CreatedAt: model.Now(),
	}

	err := db.write(func(tx *kv.WriteTx) error {
		source, err := tx.ExperienceRow(rel.SourceID)
		if err != nil {
			return err
		}
		if source == nil {
			return fmt.Errorf("%w: experience %s", ErrNotFound, rel.SourceID)
		}
		target, err := tx.ExperienceRow(rel.TargetID)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("%w: experience %s", ErrNotFound, rel.TargetID)
		}
		if source.CollectiveID != target.CollectiveID {
			return invalidField("relation", "source and target belong to different collectives")
		}
		exists, err := tx.RelationExists(rel.SourceID, rel.TargetID, rel.Type)
		if err != nil {
			return err
		}
		if exists {
			return invalidField("relation", "duplicate %v relation between %s and %s",
				rel.Type, rel.SourceID, rel.TargetID)
		}
		if err := tx.PutRelation(stored); err != nil {
			return err
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn
		return nil
	}, nil)
	if err != nil {
		return model.RelationID{}, err
	}
	return stored.ID, nil
}

// GetRelation returns a relation by id, or nil if absent.
func (db *DB) GetRelation(ctx context.Context, id model.RelationID) (*model.ExperienceRelation, error) {
	var out *model.ExperienceRelation
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		rel, err := tx.Relation(id)
		out = rel
		return err
	})
	return out, err
}

// RelationsOf returns the relations touching an experience in the given
// direction.
func (db *DB) RelationsOf(ctx context.Context, id model.ExperienceID, dir model.Direction) ([]*model.ExperienceRelation, error) {
	var out []*model.ExperienceRelation
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		var err error
		out, err = relationsOf(tx, id, dir)
		return err
	})
	return out, err
}

func relationsOf(tx *kv.ReadTx, id model.ExperienceID, dir model.Direction) ([]*model.ExperienceRelation, error) {
	var out []*model.ExperienceRelation
	if dir == model.DirectionOut || dir == model.DirectionBoth {
		rels, err := tx.RelationsBySource(id)
		if err != nil {
			return nil, err
		}
		out = append(out, rels...)
	}
	if dir == model.DirectionIn || dir == model.DirectionBoth {
		rels, err := tx.RelationsByTarget(id)
		if err != nil {
			return nil, err
		}
		out = append(out, rels...)
	}
	return out, nil
}

// GetRelatedExperiences returns the experiences on the far end of an
// experience's relations in the given direction.
func (db *DB) GetRelatedExperiences(ctx context.Context, id model.ExperienceID, dir model.Direction) ([]*model.Experience, error) {
	var out []*model.Experience
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		rels, err := relationsOf(tx, id, dir)
		if err != nil {
			return err
		}
		seen := make(map[model.ExperienceID]struct{}, len(rels))
		for _, rel := range rels {
			far := rel.TargetID
			if far == id {
				far = rel.SourceID
			}
			if _, dup := seen[far]; dup {
				continue
			}
			seen[far] = struct{}{}
			e, err := tx.Experience(far)
			if err != nil {
				return err
			}
			if e != nil {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// DeleteRelation removes a relation. Returns ErrNotFound if absent.
func (db *DB) DeleteRelation(ctx context.Context, id model.RelationID) error {
	start := time.Now()
	err := db.write(func(tx *kv.WriteTx) error {
		rel, err := tx.Relation(id)
		if err != nil {
			return err
		}
		if rel == nil {
			return fmt.Errorf("%w: relation %s", ErrNotFound, id)
		}
		if err := tx.DeleteRelation(rel); err != nil {
			return err
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn
		return nil
	}, nil)
	db.metrics.RecordWrite("relation_delete", time.Since(start), err)
	return err
}
