package pulsedb

import (
	"math"
	"strings"

	"github.com/draco28/PulseDB/model"
)

// Validation limits. These are part of the public contract.
const (
	// MaxContentSize is the maximum experience/insight content size (100 KiB).
	MaxContentSize = 100 * 1024

	// MaxDomainTags is the maximum number of domain tags per record.
	MaxDomainTags = 10

	// MaxTagLength is the maximum length of a single domain tag.
	MaxTagLength = 100

	// MaxRelatedFiles is the maximum number of source file paths per record.
	MaxRelatedFiles = 10

	// MaxFilePathLength is the maximum length of a single file path.
	MaxFilePathLength = 500

	// MaxCollectiveNameLength is the maximum collective name length.
	MaxCollectiveNameLength = 255

	// MaxK is the maximum k for similarity searches.
	MaxK = 1000
)

func validCollectiveName(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalidField("name", "must not be empty or whitespace-only")
	}
	if len(name) > MaxCollectiveNameLength {
		return invalidField("name", "must be at most %d characters, got %d", MaxCollectiveNameLength, len(name))
	}
	return nil
}

// finite rejects NaN and infinities; -0.0 is accepted.
func finite(f float32) bool {
	f64 := float64(f)
	return !math.IsNaN(f64) && !math.IsInf(f64, 0)
}

func validScore(field string, v float32) error {
	if !finite(v) {
		return invalidField(field, "must be finite, got %v", v)
	}
	if v < 0 || v > 1 {
		return invalidField(field, "must be between 0.0 and 1.0, got %v", v)
	}
	return nil
}

func validEmbedding(field string, vec []float32, dim int) error {
	if len(vec) != dim {
		return &DimensionMismatchError{Expected: dim, Actual: len(vec)}
	}
	for _, f := range vec {
		if !finite(f) {
			return invalidField(field, "must not contain NaN or Inf")
		}
	}
	return nil
}

func validTags(field string, tags []string, maxCount, maxLen int) error {
	if len(tags) > maxCount {
		return invalidField(field, "at most %d entries allowed, got %d", maxCount, len(tags))
	}
	for i, tag := range tags {
		if len(tag) > maxLen {
			return invalidField(field, "entry %d exceeds max length of %d (got %d)", i, maxLen, len(tag))
		}
	}
	return nil
}

// validNewExperience checks everything except the embedding, which depends
// on the collective's frozen dimension and the provider mode.
func validNewExperience(exp *model.NewExperience) error {
	if exp.CollectiveID.IsNil() {
		return invalidField("collective_id", "must not be nil")
	}
	if exp.Content == "" {
		return invalidField("content", "must not be empty")
	}
	if len(exp.Content) > MaxContentSize {
		return invalidField("content", "exceeds maximum size of %d bytes (got %d)", MaxContentSize, len(exp.Content))
	}
	if exp.Type == nil {
		return invalidField("type", "must not be nil")
	}
	if err := validScore("importance", exp.Importance); err != nil {
		return err
	}
	if err := validScore("confidence", exp.Confidence); err != nil {
		return err
	}
	if err := validTags("domain", exp.Domain, MaxDomainTags, MaxTagLength); err != nil {
		return err
	}
	if err := validTags("related_files", exp.RelatedFiles, MaxRelatedFiles, MaxFilePathLength); err != nil {
		return err
	}
	if exp.SourceAgent == "" {
		return invalidField("source_agent", "must not be empty")
	}
	switch v := exp.Type.(type) {
	case model.SuccessPattern:
		if err := validScore("type.quality", v.Quality); err != nil {
			return err
		}
	case model.UserPreference:
		if err := validScore("type.strength", v.Strength); err != nil {
			return err
		}
	}
	return nil
}

func validExperienceUpdate(u *model.ExperienceUpdate) error {
	if u.Importance != nil {
		if err := validScore("importance", *u.Importance); err != nil {
			return err
		}
	}
	if u.Confidence != nil {
		if err := validScore("confidence", *u.Confidence); err != nil {
			return err
		}
	}
	if u.Domain != nil {
		if err := validTags("domain", u.Domain, MaxDomainTags, MaxTagLength); err != nil {
			return err
		}
	}
	if u.RelatedFiles != nil {
		if err := validTags("related_files", u.RelatedFiles, MaxRelatedFiles, MaxFilePathLength); err != nil {
			return err
		}
	}
	return nil
}

func validK(k int) error {
	if k < 1 || k > MaxK {
		return invalidField("k", "must be in 1..%d, got %d", MaxK, k)
	}
	return nil
}

func validNewRelation(rel *model.NewRelation) error {
	if rel.SourceID.IsNil() || rel.TargetID.IsNil() {
		return invalidField("relation", "source and target must not be nil")
	}
	if rel.SourceID == rel.TargetID {
		return invalidField("relation", "self-relations are not allowed")
	}
	if !rel.Type.Valid() {
		return invalidField("relation_type", "unknown type %d", uint8(rel.Type))
	}
	return validScore("strength", rel.Strength)
}

func validNewInsight(in *model.NewInsight) error {
	if in.CollectiveID.IsNil() {
		return invalidField("collective_id", "must not be nil")
	}
	if in.Content == "" {
		return invalidField("content", "must not be empty")
	}
	if len(in.Content) > MaxContentSize {
		return invalidField("content", "exceeds maximum size of %d bytes (got %d)", MaxContentSize, len(in.Content))
	}
	if !in.Type.Valid() {
		return invalidField("insight_type", "unknown type %d", uint8(in.Type))
	}
	if err := validScore("confidence", in.Confidence); err != nil {
		return err
	}
	return validTags("domain", in.Domain, MaxDomainTags, MaxTagLength)
}

func validNewActivity(a *model.NewActivity) error {
	if a.CollectiveID.IsNil() {
		return invalidField("collective_id", "must not be nil")
	}
	if a.AgentID == "" {
		return invalidField("agent_id", "must not be empty")
	}
	return nil
}
