package pulsedb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draco28/PulseDB/model"
	"github.com/draco28/PulseDB/testutil"
)

func TestSearchSimilarOrderingAndFilter(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)

	record := func(content string, importance float32, domain []string, typ model.ExperienceType) model.ExperienceID {
		id, err := db.RecordExperience(ctx, model.NewExperience{
			CollectiveID: c1,
			Content:      content,
			Type:         typ,
			Embedding:    testutil.Embed(content, testDim),
			Importance:   importance,
			Confidence:   0.8,
			Domain:       domain,
			SourceAgent:  "a",
		})
		require.NoError(t, err)
		return id
	}

	record("goroutine leak in pool", 0.9, []string{"go"}, model.Difficulty{Description: "leak", Severity: model.SeverityHigh})
	record("fixed goroutine leak", 0.8, []string{"go"}, model.Solution{Approach: "close channel", Worked: true})
	record("css grid alignment", 0.2, []string{"web"}, model.Generic{})

	query := testutil.Embed("goroutine leak in pool", testDim)

	results, err := db.SearchSimilar(ctx, c1, query, 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	// Scores are non-increasing.
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}
	assert.Equal(t, "goroutine leak in pool", results[0].Experience.Content)

	// Domain filter.
	results, err = db.SearchSimilar(ctx, c1, query, 10, &model.SearchFilter{Domains: []string{"web"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "css grid alignment", results[0].Experience.Content)

	// Type filter matches the discriminant.
	results, err = db.SearchSimilar(ctx, c1, query, 10, &model.SearchFilter{
		Types: []model.ExperienceTypeTag{model.TagSolution},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fixed goroutine leak", results[0].Experience.Content)

	// Importance threshold.
	minImp := float32(0.85)
	results, err = db.SearchSimilar(ctx, c1, query, 10, &model.SearchFilter{MinImportance: &minImp})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "goroutine leak in pool", results[0].Experience.Content)
}

func TestGetRecentExperiences(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)

	var ids []model.ExperienceID
	for _, content := range []string{"first", "second", "third"} {
		ids = append(ids, recordText(t, db, c1, content))
		time.Sleep(2 * time.Millisecond) // distinct created_at milliseconds
	}

	recent, err := db.GetRecentExperiences(ctx, c1, 2, nil)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID)
	assert.Equal(t, ids[1], recent[1].ID)

	// Archived experiences are skipped by default and included on opt-in.
	require.NoError(t, db.ArchiveExperience(ctx, ids[2]))
	recent, err = db.GetRecentExperiences(ctx, c1, 10, nil)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[1], recent[0].ID)

	recent, err = db.GetRecentExperiences(ctx, c1, 10, &model.SearchFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	_, err = db.GetRecentExperiences(ctx, c1, 0, nil)
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestContextBlend(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)

	// 90 older experiences, then 10 recent ones.
	var all []model.ExperienceID
	for i := 0; i < 100; i++ {
		content := "filler experience"
		if i >= 90 {
			content = "recent experience"
		}
		id, err := db.RecordExperience(ctx, model.NewExperience{
			CollectiveID: c1,
			Content:      content,
			Type:         model.Generic{},
			Embedding:    testutil.NewRNG(int64(i)).Vector(testDim),
			Importance:   0.5,
			Confidence:   0.5,
			SourceAgent:  "a",
		})
		require.NoError(t, err)
		all = append(all, id)
		if i%10 == 9 {
			time.Sleep(2 * time.Millisecond)
		}
	}

	// A couple of relations among the most recent experiences.
	relID, err := db.StoreRelation(ctx, model.NewRelation{
		SourceID: all[99],
		TargetID: all[98],
		Type:     model.RelationSupports,
		Strength: 0.9,
	})
	require.NoError(t, err)
	_ = relID
	// And one relation entirely among old experiences, outside the blend.
	_, err = db.StoreRelation(ctx, model.NewRelation{
		SourceID: all[0],
		TargetID: all[1],
		Type:     model.RelationRelatedTo,
		Strength: 0.1,
	})
	require.NoError(t, err)

	require.NoError(t, db.RegisterActivity(ctx, model.NewActivity{
		CollectiveID: c1,
		AgentID:      "live-agent",
		CurrentTask:  "testing",
	}))

	query := testutil.NewRNG(99).Vector(testDim)
	out, err := db.GetContextCandidates(ctx, model.ContextRequest{
		CollectiveID:        c1,
		Query:               query,
		MaxSimilar:          10,
		MaxRecent:           5,
		IncludeRelations:    true,
		IncludeActiveAgents: true,
	})
	require.NoError(t, err)

	// Exactly 5 recent, newest first.
	require.Len(t, out.Recent, 5)
	for i := 1; i < len(out.Recent); i++ {
		assert.GreaterOrEqual(t, out.Recent[i-1].CreatedAt, out.Recent[i].CreatedAt)
	}

	// At most 10 similar with non-increasing scores.
	assert.LessOrEqual(t, len(out.Similar), 10)
	for i := 1; i < len(out.Similar); i++ {
		assert.GreaterOrEqual(t, out.Similar[i-1].Similarity, out.Similar[i].Similarity)
	}

	// Every relation endpoint appears in similar ∪ recent.
	members := make(map[model.ExperienceID]bool)
	for _, s := range out.Similar {
		members[s.Experience.ID] = true
	}
	for _, r := range out.Recent {
		members[r.ID] = true
	}
	require.NotEmpty(t, out.Relations)
	for _, rel := range out.Relations {
		assert.True(t, members[rel.SourceID] || members[rel.TargetID],
			"relation %s touches no blended experience", rel.ID)
	}

	require.Len(t, out.ActiveAgents, 1)
	assert.Equal(t, model.AgentID("live-agent"), out.ActiveAgents[0].AgentID)

	assert.Greater(t, out.SnapshotCSN, uint64(0))
}

func TestContextBlendWithInsights(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)

	expID := recordText(t, db, c1, "observation")
	_, err = db.StoreInsight(ctx, model.NewInsight{
		CollectiveID:        c1,
		Content:             "observations cluster",
		Embedding:           testutil.Embed("observation", testDim),
		SourceExperienceIDs: []model.ExperienceID{expID},
		Type:                model.InsightPattern,
		Confidence:          0.7,
	})
	require.NoError(t, err)

	out, err := db.GetContextCandidates(ctx, model.ContextRequest{
		CollectiveID:    c1,
		Query:           testutil.Embed("observation", testDim),
		MaxSimilar:      5,
		MaxRecent:       5,
		IncludeInsights: true,
	})
	require.NoError(t, err)
	require.Len(t, out.Insights, 1)
	assert.Equal(t, "observations cluster", out.Insights[0].Insight.Content)
	assert.InDelta(t, 1.0, out.Insights[0].Similarity, 1e-5)
}

func TestGetExperiencesByType(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)

	record := func(content string, typ model.ExperienceType) model.ExperienceID {
		id, err := db.RecordExperience(ctx, model.NewExperience{
			CollectiveID: c1,
			Content:      content,
			Type:         typ,
			Embedding:    testutil.Embed(content, testDim),
			SourceAgent:  "a",
		})
		require.NoError(t, err)
		return id
	}

	record("bug", model.Difficulty{Description: "d", Severity: model.SeverityLow})
	fixID := record("fix", model.Solution{Approach: "a", Worked: true})
	archivedID := record("old fix", model.Solution{Approach: "b", Worked: false})
	require.NoError(t, db.ArchiveExperience(ctx, archivedID))

	out, err := db.GetExperiencesByType(ctx, c1, model.TagSolution, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, fixID, out[0].ID)

	_, err = db.GetExperiencesByType(ctx, c1, model.ExperienceTypeTag(99), 10)
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestQueryTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	db := openTestDB(t)
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)
	recordText(t, db, c1, "x")

	cancel()
	_, err = db.GetRecentExperiences(ctx, c1, 10, nil)
	assert.Error(t, err)
}
