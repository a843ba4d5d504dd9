package model

// ExperienceTypeTag is the compact 1-byte discriminant stored in index keys.
// Values are part of the on-disk format and must not be reordered.
type ExperienceTypeTag uint8

const (
	TagDifficulty ExperienceTypeTag = iota
	TagSolution
	TagErrorPattern
	TagSuccessPattern
	TagUserPreference
	TagArchitecturalDecision
	TagTechInsight
	TagFact
	TagGeneric

	// NumExperienceTypeTags is the count of valid tags (0..8).
	NumExperienceTypeTags = 9
)

func (t ExperienceTypeTag) String() string {
	switch t {
	case TagDifficulty:
		return "Difficulty"
	case TagSolution:
		return "Solution"
	case TagErrorPattern:
		return "ErrorPattern"
	case TagSuccessPattern:
		return "SuccessPattern"
	case TagUserPreference:
		return "UserPreference"
	case TagArchitecturalDecision:
		return "ArchitecturalDecision"
	case TagTechInsight:
		return "TechInsight"
	case TagFact:
		return "Fact"
	case TagGeneric:
		return "Generic"
	default:
		return "Unknown"
	}
}

// Valid reports whether the tag is one of the known discriminants.
func (t ExperienceTypeTag) Valid() bool { return t < NumExperienceTypeTags }

// Severity indicates how impactful a Difficulty was.
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "Low"
	case SeverityMedium:
		return "Medium"
	case SeverityHigh:
		return "High"
	case SeverityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// ExperienceType is the closed set of experience variants. Each variant
// carries structured data specific to that kind of experience and maps to a
// compact ExperienceTypeTag for index keys.
type ExperienceType interface {
	Tag() ExperienceTypeTag
	experienceType()
}

// Difficulty is a problem the agent encountered.
type Difficulty struct {
	Description string
	Severity    Severity
}

// Solution is a fix for a problem, optionally linked to a Difficulty.
type Solution struct {
	// ProblemRef references the Difficulty experience this solves, if any.
	ProblemRef *ExperienceID
	Approach   string
	Worked     bool
}

// ErrorPattern is a reusable error signature with fix and prevention.
type ErrorPattern struct {
	Signature  string
	Fix        string
	Prevention string
}

// SuccessPattern is a proven approach with a quality rating in [0,1].
type SuccessPattern struct {
	TaskType string
	Approach string
	Quality  float32
}

// UserPreference records a user preference with a strength in [0,1].
type UserPreference struct {
	Category   string
	Preference string
	Strength   float32
}

// ArchitecturalDecision is a design decision with rationale.
type ArchitecturalDecision struct {
	Decision  string
	Rationale string
}

// TechInsight is technical knowledge about a specific technology.
type TechInsight struct {
	Technology string
	Insight    string
}

// Fact is a verified factual statement with source attribution.
type Fact struct {
	Statement string
	Source    string
}

// Generic is the catch-all for uncategorized experiences.
type Generic struct {
	// Category is an optional free-form label; empty means none.
	Category string
}

func (Difficulty) Tag() ExperienceTypeTag            { return TagDifficulty }
func (Solution) Tag() ExperienceTypeTag              { return TagSolution }
func (ErrorPattern) Tag() ExperienceTypeTag          { return TagErrorPattern }
func (SuccessPattern) Tag() ExperienceTypeTag        { return TagSuccessPattern }
func (UserPreference) Tag() ExperienceTypeTag        { return TagUserPreference }
func (ArchitecturalDecision) Tag() ExperienceTypeTag { return TagArchitecturalDecision }
func (TechInsight) Tag() ExperienceTypeTag           { return TagTechInsight }
func (Fact) Tag() ExperienceTypeTag                  { return TagFact }
func (Generic) Tag() ExperienceTypeTag               { return TagGeneric }

func (Difficulty) experienceType()            {}
func (Solution) experienceType()              {}
func (ErrorPattern) experienceType()          {}
func (SuccessPattern) experienceType()        {}
func (UserPreference) experienceType()        {}
func (ArchitecturalDecision) experienceType() {}
func (TechInsight) experienceType()           {}
func (Fact) experienceType()                  {}
func (Generic) experienceType()               {}

// Experience is the core stored record: a unit of learned knowledge.
//
// Content and Embedding are immutable after creation. Importance, Confidence,
// Domain, RelatedFiles and Archived change through updates; Applications
// changes only through Reinforce.
type Experience struct {
	ID           ExperienceID
	CollectiveID CollectiveID

	Content string

	// Embedding is stored separately from the record bytes (raw little-endian
	// float32) and joined on read; its length equals the collective's frozen
	// dimension.
	Embedding []float32

	Type ExperienceType

	// Importance in [0,1]; higher means more important.
	Importance float32

	// Confidence in [0,1]; higher means more confident.
	Confidence float32

	// Applications counts how often this experience has been reinforced.
	Applications uint32

	// Domain tags for categorical filtering, e.g. ["go", "concurrency"].
	Domain []string

	// RelatedFiles are source file paths this experience refers to.
	RelatedFiles []string

	SourceAgent AgentID

	// SourceTask is the optional task context; empty means none.
	SourceTask string

	CreatedAt Timestamp
	UpdatedAt Timestamp

	// Archived experiences stay in storage but leave the vector index and
	// default query results until unarchived.
	Archived bool
}

// NewExperience is the input for recording an experience. ID, timestamps,
// Applications and Archived are assigned by the engine.
type NewExperience struct {
	CollectiveID CollectiveID
	Content      string
	Type         ExperienceType

	// Embedding is required with the External provider; with Builtin it may
	// be nil and is generated from Content.
	Embedding []float32

	Importance   float32
	Confidence   float32
	Domain       []string
	RelatedFiles []string
	SourceAgent  AgentID
	SourceTask   string
}

// DefaultNewExperience returns a NewExperience with the conventional
// defaults: Generic type, 0.5 importance and confidence, anonymous agent.
func DefaultNewExperience(collective CollectiveID, content string) NewExperience {
	return NewExperience{
		CollectiveID: collective,
		Content:      content,
		Type:         Generic{},
		Importance:   0.5,
		Confidence:   0.5,
		SourceAgent:  "anonymous",
	}
}

// ExperienceUpdate patches an experience's mutable fields. Nil fields are
// left unchanged. Content and embedding cannot be updated; record a new
// experience instead.
type ExperienceUpdate struct {
	Importance   *float32
	Confidence   *float32
	Domain       []string
	RelatedFiles []string
	Archived     *bool
}

// IsZero reports whether the update would change nothing.
func (u ExperienceUpdate) IsZero() bool {
	return u.Importance == nil && u.Confidence == nil &&
		u.Domain == nil && u.RelatedFiles == nil && u.Archived == nil
}
