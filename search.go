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

// SearchSimilar returns up to k experiences nearest to query, ordered by
// descending similarity. The filter is evaluated during index traversal, so
// k results survive aggressive filters. Ties break by created_at descending,
// then id ascending.
func (db *DB) SearchSimilar(ctx context.Context, collective model.CollectiveID, query []float32, k int, filter *model.SearchFilter) ([]model.ScoredExperience, error) {
	start := time.Now()
	out, err := db.searchSimilar(ctx, collective, query, k, filter)
	db.metrics.RecordSearch(k, time.Since(start), err)
	db.logger.LogSearch(ctx, k, len(out), err)
	return out, err
}

func (db *DB) searchSimilar(ctx context.Context, collective model.CollectiveID, query []float32, k int, filter *model.SearchFilter) ([]model.ScoredExperience, error) {
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

	var out []model.ScoredExperience
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		var scoreErr error
		out, scoreErr = db.searchIndex(tx, ci, query, k, filter)
		return scoreErr
	})
	return out, err
}

// searchIndex runs the filtered k-NN inside an open snapshot and joins the
// hits with their rows.
func (db *DB) searchIndex(tx *kv.ReadTx, ci *collectiveIndex, query []float32, k int, filter *model.SearchFilter) ([]model.ScoredExperience, error) {
	// Everything in this index belongs to the collective and archived
	// vectors were tombstoned, so only row-dependent criteria need the
	// traversal predicate.
	var predErr error
	var pred hnsw.FilterFunc
	if filterNeedsRows(filter) {
		pred = func(key hnsw.Key) bool {
			if predErr != nil {
				return false
			}
			e, err := tx.ExperienceRow(model.ExperienceID(key))
			if err != nil {
				predErr = err
				return false
			}
			return e != nil && filter.Matches(e)
		}
	}

	// Oversample to ef and trim after the tie-break sort.
	oversample := k
	if ef := ci.experiences.EFSearch(); ef > oversample {
		oversample = ef
	}
	hits, err := ci.experiences.Search(query, oversample, oversample, pred)
	if err != nil {
		return nil, err
	}
	if predErr != nil {
		return nil, predErr
	}

	metric := ci.experiences.Metric()
	out := make([]model.ScoredExperience, 0, len(hits))
	for _, hit := range hits {
		e, err := tx.Experience(model.ExperienceID(hit.Key))
		if err != nil {
			return nil, err
		}
		if e == nil {
			// Index ahead of a pending persist; the row is gone.
			continue
		}
		out = append(out, model.ScoredExperience{
			Experience: e,
			Similarity: distance.Similarity(metric, hit.Distance),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].Experience.CreatedAt != out[j].Experience.CreatedAt {
			return out[i].Experience.CreatedAt > out[j].Experience.CreatedAt
		}
		a, b := out[i].Experience.ID.Bytes(), out[j].Experience.ID.Bytes()
		return string(a[:]) < string(b[:])
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// filterNeedsRows reports whether the filter has criteria that require the
// stored row during traversal.
func filterNeedsRows(f *model.SearchFilter) bool {
	if f == nil {
		return false
	}
	return f.Domains != nil || f.Types != nil ||
		f.MinImportance != nil || f.MinConfidence != nil || f.Since != nil
}

// GetRecentExperiences returns up to limit experiences newest-first via the
// recency index, applying the filter per row.
func (db *DB) GetRecentExperiences(ctx context.Context, collective model.CollectiveID, limit int, filter *model.SearchFilter) ([]*model.Experience, error) {
	start := time.Now()
	out, err := db.getRecentExperiences(ctx, collective, limit, filter)
	db.metrics.RecordScan(time.Since(start), err)
	return out, err
}

func (db *DB) getRecentExperiences(ctx context.Context, collective model.CollectiveID, limit int, filter *model.SearchFilter) ([]*model.Experience, error) {
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
		out, err = tx.RecentExperiences(collective, limit, filter.Matches)
		return err
	})
	return out, err
}

// GetContextCandidates assembles the blended retrieval response. All five
// sub-queries run inside a single read snapshot, so the result is
// internally consistent; SnapshotCSN records which state was observed.
func (db *DB) GetContextCandidates(ctx context.Context, req model.ContextRequest) (*model.ContextCandidates, error) {
	start := time.Now()
	out, err := db.getContextCandidates(ctx, req)
	db.metrics.RecordScan(time.Since(start), err)
	return out, err
}

func (db *DB) getContextCandidates(ctx context.Context, req model.ContextRequest) (*model.ContextCandidates, error) {
	if req.MaxSimilar < 0 || req.MaxRecent < 0 {
		return nil, invalidField("request", "max_similar and max_recent must not be negative")
	}
	if req.MaxSimilar > MaxK || req.MaxRecent > MaxK {
		return nil, invalidField("request", "max_similar and max_recent must be at most %d", MaxK)
	}
	ci, ok := db.collectiveIndexFor(req.CollectiveID)
	if !ok {
		return nil, fmt.Errorf("%w: collective %s", ErrNotFound, req.CollectiveID)
	}
	if req.MaxSimilar > 0 || req.IncludeInsights {
		if err := validEmbedding("query", req.Query, ci.dimension); err != nil {
			return nil, err
		}
	}
	maxInsights := req.MaxInsights
	if maxInsights <= 0 {
		maxInsights = req.MaxSimilar
	}

	out := &model.ContextCandidates{}
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		out.SnapshotCSN = tx.CSN()

		if req.MaxSimilar > 0 {
			similar, err := db.searchIndex(tx, ci, req.Query, req.MaxSimilar, req.Filter)
			if err != nil {
				return err
			}
			out.Similar = similar
		}

		if req.MaxRecent > 0 {
			recent, err := tx.RecentExperiences(req.CollectiveID, req.MaxRecent, req.Filter.Matches)
			if err != nil {
				return err
			}
			out.Recent = recent
		}

		if req.IncludeInsights && maxInsights > 0 {
			insights, err := db.searchInsightIndex(tx, ci, req.Query, maxInsights)
			if err != nil {
				return err
			}
			out.Insights = insights
		}

		if req.IncludeActiveAgents {
			agents, err := activeAgents(tx, req.CollectiveID, db.opts.Limits.StaleAgentThreshold)
			if err != nil {
				return err
			}
			out.ActiveAgents = agents
		}

		if req.IncludeRelations {
			relations, err := relationsTouching(tx, out.Similar, out.Recent)
			if err != nil {
				return err
			}
			out.Relations = relations
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// relationsTouching gathers relations with at least one endpoint in the
// union of the similar and recent result sets, deduplicated by relation id.
func relationsTouching(tx *kv.ReadTx, similar []model.ScoredExperience, recent []*model.Experience) ([]*model.ExperienceRelation, error) {
	ids := make(map[model.ExperienceID]struct{}, len(similar)+len(recent))
	for _, s := range similar {
		ids[s.Experience.ID] = struct{}{}
	}
	for _, e := range recent {
		ids[e.ID] = struct{}{}
	}

	seen := make(map[model.RelationID]struct{})
	var out []*model.ExperienceRelation
	for id := range ids {
		for _, load := range []func(model.ExperienceID) ([]*model.ExperienceRelation, error){
			tx.RelationsBySource, tx.RelationsByTarget,
		} {
			rels, err := load(id)
			if err != nil {
				return nil, err
			}
			for _, rel := range rels {
				if _, dup := seen[rel.ID]; dup {
					continue
				}
				seen[rel.ID] = struct{}{}
				out = append(out, rel)
			}
		}
	}
	return out, nil
}
