package model

// RelationType classifies the directed edge between two experiences.
// Values are part of the on-disk format and must not be reordered.
type RelationType uint8

const (
	RelationSupports RelationType = iota
	RelationContradicts
	RelationElaborates
	RelationSupersedes
	RelationImplies
	RelationRelatedTo

	numRelationTypes = 6
)

func (t RelationType) String() string {
	switch t {
	case RelationSupports:
		return "Supports"
	case RelationContradicts:
		return "Contradicts"
	case RelationElaborates:
		return "Elaborates"
	case RelationSupersedes:
		return "Supersedes"
	case RelationImplies:
		return "Implies"
	case RelationRelatedTo:
		return "RelatedTo"
	default:
		return "Unknown"
	}
}

// Valid reports whether the value is a known relation type.
func (t RelationType) Valid() bool { return t < numRelationTypes }

// Direction selects which edges to traverse from an experience.
type Direction uint8

const (
	// DirectionOut follows relations whose source is the experience.
	DirectionOut Direction = iota
	// DirectionIn follows relations whose target is the experience.
	DirectionIn
	// DirectionBoth follows edges in either direction.
	DirectionBoth
)

// ExperienceRelation is a directed, typed edge between two experiences in
// the same collective. Relations are deleted when either endpoint is deleted.
type ExperienceRelation struct {
	ID       RelationID
	SourceID ExperienceID
	TargetID ExperienceID
	Type     RelationType

	// Strength in [0,1] weights how strongly the relation holds.
	Strength float32

	// Metadata is an optional free-form annotation; empty means none.
	Metadata string

	CreatedAt Timestamp
}

// NewRelation is the input for storing a relation. The id and timestamp are
// assigned by the engine.
type NewRelation struct {
	SourceID ExperienceID
	TargetID ExperienceID
	Type     RelationType
	Strength float32
	Metadata string
}
