package codec

import (
	"fmt"

	"github.com/draco28/PulseDB/model"
)

// EncodeCollective encodes a collective row.
func EncodeCollective(c *model.Collective) []byte {
	w := NewWriter(64 + len(c.Name) + len(c.OwnerID))
	w.Raw16(c.ID.Bytes())
	w.String(c.Name)
	w.String(c.OwnerID)
	w.U32(uint32(c.EmbeddingDimension))
	w.I64(int64(c.CreatedAt))
	w.I64(int64(c.UpdatedAt))
	return w.Bytes()
}

// DecodeCollective decodes a collective row.
func DecodeCollective(b []byte) (*model.Collective, error) {
	r := NewReader(b)
	c := &model.Collective{
		ID:                 model.CollectiveIDFromBytes(r.Raw16()),
		Name:               r.StringVal(),
		OwnerID:            r.StringVal(),
		EmbeddingDimension: int(r.U32()),
		CreatedAt:          model.Timestamp(r.I64()),
		UpdatedAt:          model.Timestamp(r.I64()),
	}
	return c, r.Err()
}

func encodeExperienceType(w *Writer, t model.ExperienceType) {
	w.U8(uint8(t.Tag()))
	switch v := t.(type) {
	case model.Difficulty:
		w.String(v.Description)
		w.U8(uint8(v.Severity))
	case model.Solution:
		if v.ProblemRef != nil {
			w.Bool(true)
			w.Raw16(v.ProblemRef.Bytes())
		} else {
			w.Bool(false)
		}
		w.String(v.Approach)
		w.Bool(v.Worked)
	case model.ErrorPattern:
		w.String(v.Signature)
		w.String(v.Fix)
		w.String(v.Prevention)
	case model.SuccessPattern:
		w.String(v.TaskType)
		w.String(v.Approach)
		w.F32(v.Quality)
	case model.UserPreference:
		w.String(v.Category)
		w.String(v.Preference)
		w.F32(v.Strength)
	case model.ArchitecturalDecision:
		w.String(v.Decision)
		w.String(v.Rationale)
	case model.TechInsight:
		w.String(v.Technology)
		w.String(v.Insight)
	case model.Fact:
		w.String(v.Statement)
		w.String(v.Source)
	case model.Generic:
		w.String(v.Category)
	}
}

func decodeExperienceType(r *Reader) model.ExperienceType {
	tag := model.ExperienceTypeTag(r.U8())
	switch tag {
	case model.TagDifficulty:
		return model.Difficulty{
			Description: r.StringVal(),
			Severity:    model.Severity(r.U8()),
		}
	case model.TagSolution:
		var ref *model.ExperienceID
		if r.Bool() {
			id := model.ExperienceIDFromBytes(r.Raw16())
			ref = &id
		}
		return model.Solution{
			ProblemRef: ref,
			Approach:   r.StringVal(),
			Worked:     r.Bool(),
		}
	case model.TagErrorPattern:
		return model.ErrorPattern{
			Signature:  r.StringVal(),
			Fix:        r.StringVal(),
			Prevention: r.StringVal(),
		}
	case model.TagSuccessPattern:
		return model.SuccessPattern{
			TaskType: r.StringVal(),
			Approach: r.StringVal(),
			Quality:  r.F32(),
		}
	case model.TagUserPreference:
		return model.UserPreference{
			Category:   r.StringVal(),
			Preference: r.StringVal(),
			Strength:   r.F32(),
		}
	case model.TagArchitecturalDecision:
		return model.ArchitecturalDecision{
			Decision:  r.StringVal(),
			Rationale: r.StringVal(),
		}
	case model.TagTechInsight:
		return model.TechInsight{
			Technology: r.StringVal(),
			Insight:    r.StringVal(),
		}
	case model.TagFact:
		return model.Fact{
			Statement: r.StringVal(),
			Source:    r.StringVal(),
		}
	case model.TagGeneric:
		return model.Generic{Category: r.StringVal()}
	default:
		if r.err == nil {
			r.err = fmt.Errorf("%w: experience type %d", ErrBadDiscriminant, tag)
		}
		return nil
	}
}

// EncodeExperience encodes an experience row. The embedding is NOT included;
// it lives in the embeddings table as raw float32 bytes.
func EncodeExperience(e *model.Experience) []byte {
	w := NewWriter(128 + len(e.Content))
	w.Raw16(e.ID.Bytes())
	w.Raw16(e.CollectiveID.Bytes())
	w.String(e.Content)
	encodeExperienceType(w, e.Type)
	w.F32(e.Importance)
	w.F32(e.Confidence)
	w.U32(e.Applications)
	w.StringSlice(e.Domain)
	w.StringSlice(e.RelatedFiles)
	w.String(string(e.SourceAgent))
	w.String(e.SourceTask)
	w.I64(int64(e.CreatedAt))
	w.I64(int64(e.UpdatedAt))
	w.Bool(e.Archived)
	return w.Bytes()
}

// DecodeExperience decodes an experience row. The Embedding field is left
// nil; the storage layer joins it from the embeddings table.
func DecodeExperience(b []byte) (*model.Experience, error) {
	r := NewReader(b)
	e := &model.Experience{
		ID:           model.ExperienceIDFromBytes(r.Raw16()),
		CollectiveID: model.CollectiveIDFromBytes(r.Raw16()),
		Content:      r.StringVal(),
		Type:         decodeExperienceType(r),
	}
	e.Importance = r.F32()
	e.Confidence = r.F32()
	e.Applications = r.U32()
	e.Domain = r.StringSlice()
	e.RelatedFiles = r.StringSlice()
	e.SourceAgent = model.AgentID(r.StringVal())
	e.SourceTask = r.StringVal()
	e.CreatedAt = model.Timestamp(r.I64())
	e.UpdatedAt = model.Timestamp(r.I64())
	e.Archived = r.Bool()
	return e, r.Err()
}

// EncodeRelation encodes a relation row.
func EncodeRelation(rel *model.ExperienceRelation) []byte {
	w := NewWriter(72 + len(rel.Metadata))
	w.Raw16(rel.ID.Bytes())
	w.Raw16(rel.SourceID.Bytes())
	w.Raw16(rel.TargetID.Bytes())
	w.U8(uint8(rel.Type))
	w.F32(rel.Strength)
	w.String(rel.Metadata)
	w.I64(int64(rel.CreatedAt))
	return w.Bytes()
}

// DecodeRelation decodes a relation row.
func DecodeRelation(b []byte) (*model.ExperienceRelation, error) {
	r := NewReader(b)
	rel := &model.ExperienceRelation{
		ID:        model.RelationIDFromBytes(r.Raw16()),
		SourceID:  model.ExperienceIDFromBytes(r.Raw16()),
		TargetID:  model.ExperienceIDFromBytes(r.Raw16()),
		Type:      model.RelationType(r.U8()),
		Strength:  r.F32(),
		Metadata:  r.StringVal(),
		CreatedAt: model.Timestamp(r.I64()),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if !rel.Type.Valid() {
		return nil, fmt.Errorf("%w: relation type %d", ErrBadDiscriminant, rel.Type)
	}
	return rel, nil
}

// EncodeInsight encodes an insight row. Like experiences, the embedding is
// stored separately.
func EncodeInsight(in *model.DerivedInsight) []byte {
	w := NewWriter(96 + len(in.Content))
	w.Raw16(in.ID.Bytes())
	w.Raw16(in.CollectiveID.Bytes())
	w.String(in.Content)
	w.U32(uint32(len(in.SourceExperienceIDs)))
	for _, id := range in.SourceExperienceIDs {
		w.Raw16(id.Bytes())
	}
	w.U8(uint8(in.Type))
	w.F32(in.Confidence)
	w.StringSlice(in.Domain)
	w.I64(int64(in.CreatedAt))
	w.I64(int64(in.UpdatedAt))
	return w.Bytes()
}

// DecodeInsight decodes an insight row, leaving Embedding nil.
func DecodeInsight(b []byte) (*model.DerivedInsight, error) {
	r := NewReader(b)
	in := &model.DerivedInsight{
		ID:           model.InsightIDFromBytes(r.Raw16()),
		CollectiveID: model.CollectiveIDFromBytes(r.Raw16()),
		Content:      r.StringVal(),
	}
	n := r.U32()
	if r.Err() == nil && n > maxSliceLen {
		return nil, fmt.Errorf("%w: source id count %d", ErrTruncated, n)
	}
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		in.SourceExperienceIDs = append(in.SourceExperienceIDs, model.ExperienceIDFromBytes(r.Raw16()))
	}
	in.Type = model.InsightType(r.U8())
	in.Confidence = r.F32()
	in.Domain = r.StringSlice()
	in.CreatedAt = model.Timestamp(r.I64())
	in.UpdatedAt = model.Timestamp(r.I64())
	if err := r.Err(); err != nil {
		return nil, err
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: insight type %d", ErrBadDiscriminant, in.Type)
	}
	return in, nil
}

// EncodeActivity encodes an activity row.
func EncodeActivity(a *model.Activity) []byte {
	w := NewWriter(64 + len(a.CurrentTask) + len(a.ContextSummary))
	w.Raw16(a.CollectiveID.Bytes())
	w.String(string(a.AgentID))
	w.String(a.CurrentTask)
	w.String(a.ContextSummary)
	w.I64(int64(a.StartedAt))
	w.I64(int64(a.LastHeartbeat))
	return w.Bytes()
}

// DecodeActivity decodes an activity row.
func DecodeActivity(b []byte) (*model.Activity, error) {
	r := NewReader(b)
	a := &model.Activity{
		CollectiveID:   model.CollectiveIDFromBytes(r.Raw16()),
		AgentID:        model.AgentID(r.StringVal()),
		CurrentTask:    r.StringVal(),
		ContextSummary: r.StringVal(),
		StartedAt:      model.Timestamp(r.I64()),
		LastHeartbeat:  model.Timestamp(r.I64()),
	}
	return a, r.Err()
}

// EncodeWatchEvent encodes a changelog entry.
func EncodeWatchEvent(ev *model.WatchEvent) []byte {
	w := NewWriter(49)
	w.Raw16(ev.ExperienceID.Bytes())
	w.Raw16(ev.CollectiveID.Bytes())
	w.U8(uint8(ev.Type))
	w.I64(int64(ev.Timestamp))
	w.U64(ev.CSN)
	return w.Bytes()
}

// DecodeWatchEvent decodes a changelog entry.
func DecodeWatchEvent(b []byte) (*model.WatchEvent, error) {
	r := NewReader(b)
	ev := &model.WatchEvent{
		ExperienceID: model.ExperienceIDFromBytes(r.Raw16()),
		CollectiveID: model.CollectiveIDFromBytes(r.Raw16()),
		Type:         model.EventType(r.U8()),
		Timestamp:    model.Timestamp(r.I64()),
		CSN:          r.U64(),
	}
	return ev, r.Err()
}
