package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draco28/PulseDB/model"
)

func openTestStore(t *testing.T, optFns ...func(o *Options)) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pulse.db"), 4, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestExperience(collective model.CollectiveID, content string, ts model.Timestamp) *model.Experience {
	return &model.Experience{
		ID:           model.NewExperienceID(),
		CollectiveID: collective,
		Content:      content,
		Type:         model.Generic{},
		Importance:   0.5,
		Confidence:   0.5,
		SourceAgent:  "agent-1",
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
}

func putCollective(t *testing.T, s *Store, name string) model.CollectiveID {
	t.Helper()
	c := &model.Collective{
		ID:                 model.NewCollectiveID(),
		Name:               name,
		EmbeddingDimension: 4,
		CreatedAt:          model.Now(),
		UpdatedAt:          model.Now(),
	}
	require.NoError(t, s.Update(func(tx *WriteTx) error {
		if err := tx.PutCollective(c); err != nil {
			return err
		}
		_, err := tx.BumpCSN()
		return err
	}))
	return c.ID
}

func TestOpenSeedsSchema(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.View(context.Background(), func(tx *ReadTx) error {
		v, err := tx.SchemaVersion()
		require.NoError(t, err)
		assert.Equal(t, SchemaVersion, v)
		assert.Equal(t, uint64(0), tx.CSN())
		return nil
	}))
	assert.Equal(t, 4, s.Metadata().DefaultDimension)
}

func TestCSNStrictlyMonotone(t *testing.T) {
	s := openTestStore(t)
	var last uint64
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Update(func(tx *WriteTx) error {
			csn, err := tx.BumpCSN()
			require.Greater(t, csn, last)
			last = csn
			return err
		}))
	}
	require.NoError(t, s.View(context.Background(), func(tx *ReadTx) error {
		assert.Equal(t, uint64(5), tx.CSN())
		return nil
	}))
}

func TestExperienceRoundTripAndIndexes(t *testing.T) {
	s := openTestStore(t)
	collective := putCollective(t, s, "c1")

	e := newTestExperience(collective, "hello", model.Timestamp(1000))
	vec := []float32{0.1, 0.2, 0.3, 0.4}
	require.NoError(t, s.Update(func(tx *WriteTx) error {
		if err := tx.PutExperience(e, vec); err != nil {
			return err
		}
		_, err := tx.BumpCSN()
		return err
	}))

	require.NoError(t, s.View(context.Background(), func(tx *ReadTx) error {
		got, err := tx.Experience(e.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "hello", got.Content)
		assert.Equal(t, vec, got.Embedding)
		assert.Equal(t, 1, tx.ExperienceCount(collective))

		// Reachable through the recency index too.
		var seen []model.ExperienceID
		err = tx.ForEachExperienceInCollective(collective, func(_ model.Timestamp, id model.ExperienceID) error {
			seen = append(seen, id)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []model.ExperienceID{e.ID}, seen)
		return nil
	}))
}

func TestRecentExperiencesNewestFirst(t *testing.T) {
	s := openTestStore(t)
	collective := putCollective(t, s, "c1")

	var ids []model.ExperienceID
	for i := 0; i < 5; i++ {
		e := newTestExperience(collective, "e", model.Timestamp(1000+i*10))
		ids = append(ids, e.ID)
		require.NoError(t, s.Update(func(tx *WriteTx) error {
			if err := tx.PutExperience(e, []float32{0, 0, 0, 0}); err != nil {
				return err
			}
			_, err := tx.BumpCSN()
			return err
		}))
	}

	require.NoError(t, s.View(context.Background(), func(tx *ReadTx) error {
		recent, err := tx.RecentExperiences(collective, 3, nil)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, ids[4], recent[0].ID)
		assert.Equal(t, ids[3], recent[1].ID)
		assert.Equal(t, ids[2], recent[2].ID)
		return nil
	}))
}

func TestDeleteExperienceCascadesRelations(t *testing.T) {
	s := openTestStore(t)
	collective := putCollective(t, s, "c1")

	e1 := newTestExperience(collective, "e1", model.Timestamp(1))
	e2 := newTestExperience(collective, "e2", model.Timestamp(2))
	rel := &model.ExperienceRelation{
		ID:        model.NewRelationID(),
		SourceID:  e1.ID,
		TargetID:  e2.ID,
		Type:      model.RelationSupports,
		Strength:  0.5,
		CreatedAt: model.Now(),
	}

	require.NoError(t, s.Update(func(tx *WriteTx) error {
		for _, e := range []*model.Experience{e1, e2} {
			if err := tx.PutExperience(e, []float32{0, 0, 0, 0}); err != nil {
				return err
			}
		}
		if err := tx.PutRelation(rel); err != nil {
			return err
		}
		_, err := tx.BumpCSN()
		return err
	}))

	require.NoError(t, s.Update(func(tx *WriteTx) error {
		cascaded, err := tx.DeleteExperience(e2)
		require.NoError(t, err)
		assert.Equal(t, []model.RelationID{rel.ID}, cascaded)
		_, err = tx.BumpCSN()
		return err
	}))

	require.NoError(t, s.View(context.Background(), func(tx *ReadTx) error {
		got, err := tx.Relation(rel.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
		rels, err := tx.RelationsBySource(e1.ID)
		require.NoError(t, err)
		assert.Empty(t, rels)
		assert.Equal(t, 1, tx.ExperienceCount(collective))
		return nil
	}))
}

func TestDeleteCollectiveCascade(t *testing.T) {
	s := openTestStore(t)
	collective := putCollective(t, s, "c1")

	e := newTestExperience(collective, "e", model.Timestamp(1))
	in := &model.DerivedInsight{
		ID:           model.NewInsightID(),
		CollectiveID: collective,
		Content:      "i",
		Type:         model.InsightPattern,
		Confidence:   0.5,
		CreatedAt:    model.Now(),
		UpdatedAt:    model.Now(),
	}
	act := &model.Activity{
		CollectiveID:  collective,
		AgentID:       "a1",
		StartedAt:     model.Now(),
		LastHeartbeat: model.Now(),
	}

	require.NoError(t, s.Update(func(tx *WriteTx) error {
		if err := tx.PutExperience(e, []float32{0, 0, 0, 0}); err != nil {
			return err
		}
		if err := tx.PutInsight(in, []float32{0, 0, 0, 0}); err != nil {
			return err
		}
		if err := tx.PutActivity(act); err != nil {
			return err
		}
		_, err := tx.BumpCSN()
		return err
	}))

	require.NoError(t, s.Update(func(tx *WriteTx) error {
		n, err := tx.DeleteCollectiveCascade(collective)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = tx.BumpCSN()
		return err
	}))

	require.NoError(t, s.View(context.Background(), func(tx *ReadTx) error {
		c, err := tx.Collective(collective)
		require.NoError(t, err)
		assert.Nil(t, c)
		got, err := tx.ExperienceRow(e.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
		gi, err := tx.Insight(in.ID)
		require.NoError(t, err)
		assert.Nil(t, gi)
		acts, err := tx.ActivitiesInCollective(collective)
		require.NoError(t, err)
		assert.Empty(t, acts)
		return nil
	}))
}

func TestChangelogRing(t *testing.T) {
	s := openTestStore(t, func(o *Options) { o.ChangelogCapacity = 3 })
	collective := model.NewCollectiveID()

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Update(func(tx *WriteTx) error {
			csn, err := tx.BumpCSN()
			if err != nil {
				return err
			}
			return tx.AppendEvent(&model.WatchEvent{
				ExperienceID: model.NewExperienceID(),
				CollectiveID: collective,
				Type:         model.EventCreated,
				Timestamp:    model.Now(),
				CSN:          csn,
			})
		}))
	}

	require.NoError(t, s.View(context.Background(), func(tx *ReadTx) error {
		oldest, ok := tx.OldestChangelogCSN()
		require.True(t, ok)
		assert.Equal(t, uint64(4), oldest)

		var csns []uint64
		err := tx.ChangelogSince(0, func(ev *model.WatchEvent) error {
			csns = append(csns, ev.CSN)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []uint64{4, 5, 6}, csns)
		return nil
	}))
}

func TestReopenDurability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.db")
	s, err := Open(path, 4)
	require.NoError(t, err)

	collective := putCollective(t, s, "c1")
	e := newTestExperience(collective, "persisted", model.Timestamp(7))
	require.NoError(t, s.Update(func(tx *WriteTx) error {
		if err := tx.PutExperience(e, []float32{1, 2, 3, 4}); err != nil {
			return err
		}
		_, err := tx.BumpCSN()
		return err
	}))
	require.NoError(t, s.Close())

	s2, err := Open(path, 4)
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s2.View(context.Background(), func(tx *ReadTx) error {
		got, err := tx.Experience(e.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "persisted", got.Content)
		assert.Equal(t, []float32{1, 2, 3, 4}, got.Embedding)
		assert.Equal(t, uint64(2), tx.CSN())
		return nil
	}))
}

func TestActivityUpsert(t *testing.T) {
	s := openTestStore(t)
	collective := putCollective(t, s, "c1")

	a := &model.Activity{
		CollectiveID:  collective,
		AgentID:       "agent-7",
		CurrentTask:   "indexing",
		StartedAt:     model.Timestamp(100),
		LastHeartbeat: model.Timestamp(100),
	}
	require.NoError(t, s.Update(func(tx *WriteTx) error {
		return tx.PutActivity(a)
	}))

	a.LastHeartbeat = model.Timestamp(200)
	require.NoError(t, s.Update(func(tx *WriteTx) error {
		return tx.PutActivity(a)
	}))

	require.NoError(t, s.View(context.Background(), func(tx *ReadTx) error {
		got, err := tx.Activity(collective, "agent-7")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.Timestamp(200), got.LastHeartbeat)
		assert.Equal(t, model.Timestamp(100), got.StartedAt)

		removed, err := tx.Activity(collective, "missing")
		require.NoError(t, err)
		assert.Nil(t, removed)
		return nil
	}))
}

func TestSyncModes(t *testing.T) {
	for _, mode := range []SyncMode{SyncNormal, SyncFast, SyncParanoid} {
		t.Run(mode.String(), func(t *testing.T) {
			s := openTestStore(t, func(o *Options) { o.SyncMode = mode })
			collective := putCollective(t, s, "c")
			e := newTestExperience(collective, "x", model.Timestamp(1))
			require.NoError(t, s.Update(func(tx *WriteTx) error {
				return tx.PutExperience(e, []float32{0, 0, 0, 0})
			}))
		})
	}
}
