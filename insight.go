package pulsedb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/draco28/PulseDB/distance"
	"github.com/draco28/PulseDB/hnsw"
	"github.com/draco28/PulseDB/kv"
	"github.com/draco28/PulseDB/model"
)

// StoreInsight persists a derived insight and indexes its embedding in the
// collective's insight index. Source experiences must exist in the same
// collective.
func (db *DB) StoreInsight(ctx context.Context, in model.NewInsight) (model.InsightID, error) {
	start := time.Now()
	id, err := db.storeInsight(ctx, in)
	db.metrics.RecordWrite("insight", time.Since(start), err)
	return id, err
}

func (db *DB) storeInsight(_ context.Context, in model.NewInsight) (model.InsightID, error) {
	if err := validNewInsight(&in); err != nil {
		return model.InsightID{}, err
	}
	ci, ok := db.collectiveIndexFor(in.CollectiveID)
	if !ok {
		return model.InsightID{}, fmt.Errorf("%w: collective %s", ErrNotFound, in.CollectiveID)
	}
	if err := validEmbedding("embedding", in.Embedding, ci.dimension); err != nil {
		return model.InsightID{}, err
	}

	now := model.Now()
	stored := &model.DerivedInsight{
		ID:                  model.NewInsightID(),
		CollectiveID:        in.CollectiveID,
		Content:             in.Content,
		SourceExperienceIDs: in.SourceExperienceIDs,
		Type:                in.Type,
		Confidence:          in.Confidence,
		Domain:              in.Domain,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err := db.write(func(tx *kv.WriteTx) error {
		for _, expID := range in.SourceExperienceIDs {
			e, err := tx.ExperienceRow(expID)
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("%w: source experience %s", ErrNotFound, expID)
			}
			if e.CollectiveID != in.CollectiveID {
				return invalidField("source_experience_ids",
					"experience %s belongs to a different collective", expID)
			}
		}
		if err := tx.PutInsight(stored, in.Embedding); err != nil {
			return err
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn
		return nil
	}, func() {
		if err := ci.insights.Insert(hnsw.Key(stored.ID.Bytes()), in.Embedding); err != nil {
			db.logger.Warn("insight vector insert failed after commit",
				"id", stored.ID.String(), "error", err)
		}
		db.markDirty(in.CollectiveID)
	})
	if err != nil {
		return model.InsightID{}, err
	}
	return stored.ID, nil
}

// GetInsight returns an insight by id (embedding included), or nil.
func (db *DB) GetInsight(ctx context.Context, id model.InsightID) (*model.DerivedInsight, error) {
	var out *model.DerivedInsight
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		in, err := tx.Insight(id)
		out = in
		return err
	})
	return out, err
}

// GetInsights returns up to k insights nearest to query in the collective's
// insight index, ordered by descending similarity.
func (db *DB) GetInsights(ctx context.Context, collective model.CollectiveID, query []float32, k int) ([]model.ScoredInsight, error) {
	if err := validK(k); err != nil {
		return nil, err
	}
	ci, ok := db.collectiveIndexFor(collective)
	if !ok {
		return nil, fmt.Errorf("%w: collective %s", ErrNotFound, collective)
	}
	if err := validEmbedding("query", query, ci.dimension); err != nil {
		return nil, err
	}

	var out []model.ScoredInsight
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		var err error
		out, err = db.searchInsightIndex(tx, ci, query, k)
		return err
	})
	return out, err
}

// searchInsightIndex runs k-NN over the insight index inside a snapshot.
func (db *DB) searchInsightIndex(tx *kv.ReadTx, ci *collectiveIndex, query []float32, k int) ([]model.ScoredInsight, error) {
	hits, err := ci.insights.Search(query, k, 0, nil)
	if err != nil {
		return nil, err
	}
	metric := ci.insights.Metric()
	out := make([]model.ScoredInsight, 0, len(hits))
	for _, hit := range hits {
		in, err := tx.Insight(model.InsightID(hit.Key))
		if err != nil {
			return nil, err
		}
		if in == nil {
			continue
		}
		out = append(out, model.ScoredInsight{
			Insight:    in,
			Similarity: distance.Similarity(metric, hit.Distance),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	return out, nil
}

// DeleteInsight removes an insight and tombstones its vector.
// Returns ErrNotFound if absent.
func (db *DB) DeleteInsight(ctx context.Context, id model.InsightID) error {
	start := time.Now()
	var collective model.CollectiveID
	err := db.write(func(tx *kv.WriteTx) error {
		in, err := tx.Insight(id)
		if err != nil {
			return err
		}
		if in == nil {
			return fmt.Errorf("%w: insight %s", ErrNotFound, id)
		}
		collective = in.CollectiveID
		if err := tx.DeleteInsight(in); err != nil {
			return err
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn
		return nil
	}, func() {
		if ci, ok := db.collectiveIndexFor(collective); ok {
			ci.insights.Delete(hnsw.Key(id.Bytes()))
			db.markDirty(collective)
		}
	})
	db.metrics.RecordWrite("insight_delete", time.Since(start), err)
	return err
}
