package pulsedb

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draco28/PulseDB/model"
	"github.com/draco28/PulseDB/testutil"
)

const testDim = 8

func openTestDB(t *testing.T, optFns ...Option) *DB {
	t.Helper()
	return openTestDBAt(t, filepath.Join(t.TempDir(), "pulse.db"), optFns...)
}

func openTestDBAt(t *testing.T, path string, optFns ...Option) *DB {
	t.Helper()
	opts := append([]Option{WithEmbeddingDimension(testDim)}, optFns...)
	db, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func recordText(t *testing.T, db *DB, collective model.CollectiveID, content string) model.ExperienceID {
	t.Helper()
	id, err := db.RecordExperience(context.Background(), model.NewExperience{
		CollectiveID: collective,
		Content:      content,
		Type:         model.Generic{},
		Embedding:    testutil.Embed(content, testDim),
		Importance:   0.5,
		Confidence:   0.9,
		SourceAgent:  "agent-1",
	})
	require.NoError(t, err)
	return id
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)

	id1 := recordText(t, db, c1, "hello")

	got, err := db.GetExperience(ctx, id1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, testutil.Embed("hello", testDim), got.Embedding)

	imp := float32(0.9)
	require.NoError(t, db.UpdateExperience(ctx, id1, model.ExperienceUpdate{Importance: &imp}))
	got, err = db.GetExperience(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, float32(0.9), got.Importance)

	// Archived experiences leave the vector index.
	require.NoError(t, db.ArchiveExperience(ctx, id1))
	results, err := db.SearchSimilar(ctx, c1, testutil.Embed("hello", testDim), 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	// Unarchive restores index membership.
	require.NoError(t, db.UnarchiveExperience(ctx, id1))
	results, err = db.SearchSimilar(ctx, c1, testutil.Embed("hello", testDim), 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id1, results[0].Experience.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-5)

	require.NoError(t, db.DeleteExperience(ctx, id1))
	got, err = db.GetExperience(ctx, id1)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Second delete reports NotFound.
	assert.ErrorIs(t, db.DeleteExperience(ctx, id1), ErrNotFound)
}

func TestCollectiveIsolation(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)
	c2, err := db.CreateCollective(ctx, "c2")
	require.NoError(t, err)

	recordText(t, db, c1, "secret-A")
	recordText(t, db, c2, "secret-B")

	results, err := db.SearchSimilar(ctx, c1, testutil.Embed("secret", testDim), 100, nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, c1, r.Experience.CollectiveID)
	}
}

func TestReinforce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)
	id := recordText(t, db, c1, "lesson")

	n, err := db.ReinforceExperience(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
	n, err = db.ReinforceExperience(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	_, err = db.ReinforceExperience(ctx, model.NewExperienceID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseReopenDurability(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pulse.db")

	db, err := Open(path, WithEmbeddingDimension(testDim))
	require.NoError(t, err)
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)
	var ids []model.ExperienceID
	for _, content := range []string{"alpha", "beta", "gamma"} {
		ids = append(ids, recordText(t, db, c1, content))
	}
	wantResults, err := db.SearchSimilar(ctx, c1, testutil.Embed("alpha", testDim), 3, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2 := openTestDBAt(t, path)
	for i, content := range []string{"alpha", "beta", "gamma"} {
		got, err := db2.GetExperience(ctx, ids[i])
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, content, got.Content)
	}
	gotResults, err := db2.SearchSimilar(ctx, c1, testutil.Embed("alpha", testDim), 3, nil)
	require.NoError(t, err)
	require.Len(t, gotResults, len(wantResults))
	for i := range wantResults {
		assert.Equal(t, wantResults[i].Experience.ID, gotResults[i].Experience.ID)
		assert.InDelta(t, wantResults[i].Similarity, gotResults[i].Similarity, 1e-5)
	}
}

func TestDroppedIndexFileRebuilds(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pulse.db")

	db, err := Open(path, WithEmbeddingDimension(testDim))
	require.NoError(t, err)
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)
	for _, content := range []string{"one", "two", "three", "four"} {
		recordText(t, db, c1, content)
	}
	want, err := db.SearchSimilar(ctx, c1, testutil.Embed("two", testDim), 2, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Drop every index file; open must rebuild from stored embeddings.
	require.NoError(t, os.RemoveAll(path+".hnsw"))

	db2 := openTestDBAt(t, path)
	got, err := db2.SearchSimilar(ctx, c1, testutil.Embed("two", testDim), 2, nil)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Experience.ID, got[i].Experience.ID)
	}
}

func TestDimensionMismatchOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.db")
	db, err := Open(path, WithEmbeddingDimension(D384))
	require.NoError(t, err)
	_, err = db.CreateCollective(context.Background(), "c1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path, WithEmbeddingDimension(D768))
	var dimErr *DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)

	// InferPerCollective accepts the stored dimension.
	db2, err := Open(path, WithEmbeddingDimension(D768), WithInferPerCollective())
	require.NoError(t, err)
	require.NoError(t, db2.Close())
}

func TestLockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.db")
	db, err := Open(path, WithEmbeddingDimension(testDim))
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(path, WithEmbeddingDimension(testDim), WithLimits(Limits{
		LockTimeout: 100 * time.Millisecond,
	}))
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestValidationBoundaries(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)

	base := func() model.NewExperience {
		return model.NewExperience{
			CollectiveID: c1,
			Content:      "ok",
			Type:         model.Generic{},
			Embedding:    testutil.Embed("ok", testDim),
			Importance:   0.5,
			Confidence:   0.5,
			SourceAgent:  "a",
		}
	}

	t.Run("content at limit accepted", func(t *testing.T) {
		exp := base()
		exp.Content = strings.Repeat("x", MaxContentSize)
		_, err := db.RecordExperience(ctx, exp)
		require.NoError(t, err)
	})

	t.Run("content over limit rejected", func(t *testing.T) {
		exp := base()
		exp.Content = strings.Repeat("x", MaxContentSize+1)
		_, err := db.RecordExperience(ctx, exp)
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("importance bounds", func(t *testing.T) {
		for _, v := range []float32{0.0, 1.0, float32(math.Copysign(0, -1))} {
			exp := base()
			exp.Importance = v
			_, err := db.RecordExperience(ctx, exp)
			assert.NoError(t, err, "importance %v", v)
		}
		for _, v := range []float32{float32(math.NaN()), float32(math.Inf(1)), -0.1, 1.1} {
			exp := base()
			exp.Importance = v
			_, err := db.RecordExperience(ctx, exp)
			var vErr *ValidationError
			assert.ErrorAs(t, err, &vErr, "importance %v", v)
		}
	})

	t.Run("embedding with NaN rejected", func(t *testing.T) {
		exp := base()
		exp.Embedding = testutil.Embed("ok", testDim)
		exp.Embedding[3] = float32(math.NaN())
		_, err := db.RecordExperience(ctx, exp)
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("wrong dimension rejected", func(t *testing.T) {
		exp := base()
		exp.Embedding = []float32{1, 2}
		_, err := db.RecordExperience(ctx, exp)
		var dimErr *DimensionMismatchError
		assert.ErrorAs(t, err, &dimErr)
	})

	t.Run("too many tags rejected", func(t *testing.T) {
		exp := base()
		exp.Domain = make([]string, MaxDomainTags+1)
		_, err := db.RecordExperience(ctx, exp)
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("k bounds", func(t *testing.T) {
		q := testutil.Embed("q", testDim)
		_, err := db.SearchSimilar(ctx, c1, q, 0, nil)
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr)
		_, err = db.SearchSimilar(ctx, c1, q, MaxK, nil)
		assert.NoError(t, err)
		_, err = db.SearchSimilar(ctx, c1, q, MaxK+1, nil)
		assert.ErrorAs(t, err, &vErr)
	})
}

func TestCollectiveManagement(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.CreateCollective(ctx, "   ")
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)

	c1, err := db.CreateCollective(ctx, "plain")
	require.NoError(t, err)
	c2, err := db.CreateCollectiveWithOwner(ctx, "owned", "user-1")
	require.NoError(t, err)

	got, err := db.GetCollective(ctx, c1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "plain", got.Name)
	assert.Equal(t, testDim, got.EmbeddingDimension)

	all, err := db.ListCollectives(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	owned, err := db.ListCollectivesByOwner(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, c2, owned[0].ID)

	recordText(t, db, c1, "one")
	recordText(t, db, c1, "two")
	stats, err := db.GetCollectiveStats(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ExperienceCount)
	assert.Greater(t, stats.StorageBytes, int64(0))
	require.NotNil(t, stats.OldestExperience)
	require.NotNil(t, stats.NewestExperience)

	require.NoError(t, db.DeleteCollective(ctx, c1))
	gone, err := db.GetCollective(ctx, c1)
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.ErrorIs(t, db.DeleteCollective(ctx, c1), ErrNotFound)

	_, err = db.SearchSimilar(ctx, c1, testutil.Embed("one", testDim), 5, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExperienceLimit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, WithLimits(Limits{MaxExperiencesPerCollective: 2}))
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)

	recordText(t, db, c1, "one")
	recordText(t, db, c1, "two")
	_, err = db.RecordExperience(ctx, model.NewExperience{
		CollectiveID: c1,
		Content:      "three",
		Type:         model.Generic{},
		Embedding:    testutil.Embed("three", testDim),
		SourceAgent:  "a",
	})
	assert.ErrorIs(t, err, ErrResourceLimit)
}

func TestClosedHandle(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Close())

	ctx := context.Background()
	_, err := db.CreateCollective(ctx, "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.GetExperience(ctx, model.NewExperienceID())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Close(), ErrClosed)
}

func TestEmbedderGeneratesWhenMissing(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, WithEmbedder(embedderService{}))
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)

	id, err := db.RecordExperience(ctx, model.NewExperience{
		CollectiveID: c1,
		Content:      "generated",
		Type:         model.Generic{},
		Importance:   0.5,
		Confidence:   0.5,
		SourceAgent:  "a",
	})
	require.NoError(t, err)

	got, err := db.GetExperience(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testutil.Embed("generated", testDim), got.Embedding)
}

func TestExternalProviderRequiresEmbedding(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)

	_, err = db.RecordExperience(ctx, model.NewExperience{
		CollectiveID: c1,
		Content:      "no vector",
		Type:         model.Generic{},
		SourceAgent:  "a",
	})
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

// embedderService adapts testutil.Embed into an embedding.Service.
type embedderService struct{}

func (embedderService) Embed(_ context.Context, text string) ([]float32, error) {
	return testutil.Embed(text, testDim), nil
}

func (embedderService) Dimension() int { return testDim }
