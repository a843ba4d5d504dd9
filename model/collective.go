package model

// Collective is the isolation boundary for experiences. Each collective owns
// its own vector index and freezes its embedding dimension at creation.
type Collective struct {
	ID CollectiveID

	// Name is a human-readable label, 1-255 characters.
	Name string

	// OwnerID is an optional opaque owner identifier for multi-tenancy;
	// empty means unowned.
	OwnerID string

	// EmbeddingDimension is frozen at creation. Every experience and insight
	// embedding in this collective must have exactly this length.
	EmbeddingDimension int

	CreatedAt Timestamp
	UpdatedAt Timestamp
}

// CollectiveStats summarizes a collective's contents.
type CollectiveStats struct {
	ExperienceCount int

	// StorageBytes is the approximate on-disk footprint of the collective's
	// experience and embedding rows.
	StorageBytes int64

	// OldestExperience and NewestExperience are nil when the collective is
	// empty.
	OldestExperience *Timestamp
	NewestExperience *Timestamp
}
