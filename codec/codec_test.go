package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draco28/PulseDB/model"
)

func TestExperienceRoundTrip(t *testing.T) {
	ref := model.NewExperienceID()
	e := &model.Experience{
		ID:           model.NewExperienceID(),
		CollectiveID: model.NewCollectiveID(),
		Content:      "prefer table-driven tests",
		Type: model.Solution{
			ProblemRef: &ref,
			Approach:   "split the helper",
			Worked:     true,
		},
		Importance:   0.8,
		Confidence:   0.9,
		Applications: 3,
		Domain:       []string{"go", "testing"},
		RelatedFiles: []string{"foo_test.go"},
		SourceAgent:  "agent-1",
		SourceTask:   "task-42",
		CreatedAt:    model.Now(),
		UpdatedAt:    model.Now(),
		Archived:     true,
	}

	got, err := DecodeExperience(EncodeExperience(e))
	require.NoError(t, err)

	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.CollectiveID, got.CollectiveID)
	assert.Equal(t, e.Content, got.Content)
	assert.Equal(t, e.Importance, got.Importance)
	assert.Equal(t, e.Confidence, got.Confidence)
	assert.Equal(t, e.Applications, got.Applications)
	assert.Equal(t, e.Domain, got.Domain)
	assert.Equal(t, e.RelatedFiles, got.RelatedFiles)
	assert.Equal(t, e.SourceAgent, got.SourceAgent)
	assert.Equal(t, e.SourceTask, got.SourceTask)
	assert.Equal(t, e.Archived, got.Archived)

	sol, ok := got.Type.(model.Solution)
	require.True(t, ok)
	require.NotNil(t, sol.ProblemRef)
	assert.Equal(t, ref, *sol.ProblemRef)
	assert.Equal(t, "split the helper", sol.Approach)
	assert.True(t, sol.Worked)

	// Embedding is stored out-of-band.
	assert.Nil(t, got.Embedding)
}

func TestExperienceTypeVariants(t *testing.T) {
	variants := []model.ExperienceType{
		model.Difficulty{Description: "flaky test", Severity: model.SeverityHigh},
		model.Solution{Approach: "retry once", Worked: false},
		model.ErrorPattern{Signature: "EADDRINUSE", Fix: "free the port", Prevention: "random ports"},
		model.SuccessPattern{TaskType: "refactor", Approach: "small steps", Quality: 0.9},
		model.UserPreference{Category: "style", Preference: "tabs", Strength: 1.0},
		model.ArchitecturalDecision{Decision: "bbolt", Rationale: "single file"},
		model.TechInsight{Technology: "hnsw", Insight: "tombstones stay navigable"},
		model.Fact{Statement: "cosine is default", Source: "docs"},
		model.Generic{Category: "misc"},
	}
	for _, typ := range variants {
		t.Run(typ.Tag().String(), func(t *testing.T) {
			e := &model.Experience{
				ID:           model.NewExperienceID(),
				CollectiveID: model.NewCollectiveID(),
				Content:      "c",
				Type:         typ,
				SourceAgent:  "a",
			}
			got, err := DecodeExperience(EncodeExperience(e))
			require.NoError(t, err)
			assert.Equal(t, typ, got.Type)
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	e := &model.Experience{
		ID:           model.NewExperienceID(),
		CollectiveID: model.NewCollectiveID(),
		Content:      "hello",
		Type:         model.Generic{},
		SourceAgent:  "a",
	}
	raw := EncodeExperience(e)
	for _, cut := range []int{1, 16, 17, len(raw) / 2, len(raw) - 1} {
		_, err := DecodeExperience(raw[:cut])
		assert.ErrorIs(t, err, ErrTruncated, "cut at %d", cut)
	}
}

func TestDecodeBadDiscriminant(t *testing.T) {
	e := &model.Experience{
		ID:           model.NewExperienceID(),
		CollectiveID: model.NewCollectiveID(),
		Content:      "x",
		Type:         model.Generic{},
		SourceAgent:  "a",
	}
	raw := EncodeExperience(e)
	// The type tag follows id (16) + collective (16) + content (4 + 1).
	raw[16+16+4+1] = 0xAB
	_, err := DecodeExperience(raw)
	assert.ErrorIs(t, err, ErrBadDiscriminant)
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0.5, -1.25, 0, 3.75}
	got, err := DecodeVector(EncodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestRelationRoundTrip(t *testing.T) {
	rel := &model.ExperienceRelation{
		ID:        model.NewRelationID(),
		SourceID:  model.NewExperienceID(),
		TargetID:  model.NewExperienceID(),
		Type:      model.RelationContradicts,
		Strength:  0.7,
		Metadata:  "observed twice",
		CreatedAt: model.Now(),
	}
	got, err := DecodeRelation(EncodeRelation(rel))
	require.NoError(t, err)
	assert.Equal(t, rel, got)
}

func TestInsightRoundTrip(t *testing.T) {
	in := &model.DerivedInsight{
		ID:                  model.NewInsightID(),
		CollectiveID:        model.NewCollectiveID(),
		Content:             "agents repeat mistakes without reinforcement",
		SourceExperienceIDs: []model.ExperienceID{model.NewExperienceID(), model.NewExperienceID()},
		Type:                model.InsightTrend,
		Confidence:          0.6,
		Domain:              []string{"meta"},
		CreatedAt:           model.Now(),
		UpdatedAt:           model.Now(),
	}
	got, err := DecodeInsight(EncodeInsight(in))
	require.NoError(t, err)
	got.Embedding = nil
	assert.Equal(t, in, got)
}

func TestWatchEventRoundTrip(t *testing.T) {
	ev := &model.WatchEvent{
		ExperienceID: model.NewExperienceID(),
		CollectiveID: model.NewCollectiveID(),
		Type:         model.EventArchived,
		Timestamp:    model.Now(),
		CSN:          42,
	}
	got, err := DecodeWatchEvent(EncodeWatchEvent(ev))
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}
