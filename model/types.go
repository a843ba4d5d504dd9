package model

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// CollectiveID identifies a collective (UUIDv7, time-ordered).
type CollectiveID uuid.UUID

// NewCollectiveID returns a new time-ordered CollectiveID.
func NewCollectiveID() CollectiveID {
	return CollectiveID(uuid.Must(uuid.NewV7()))
}

// IsNil reports whether the id is the zero value.
func (id CollectiveID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// Bytes returns the raw 16-byte representation for storage keys.
func (id CollectiveID) Bytes() [16]byte { return [16]byte(id) }

func (id CollectiveID) String() string { return uuid.UUID(id).String() }

// CollectiveIDFromBytes reconstructs a CollectiveID from raw key bytes.
func CollectiveIDFromBytes(b [16]byte) CollectiveID { return CollectiveID(b) }

// ParseCollectiveID parses the canonical UUID string form.
func ParseCollectiveID(s string) (CollectiveID, error) {
	u, err := uuid.Parse(s)
	return CollectiveID(u), err
}

// ExperienceID identifies an experience (UUIDv7, time-ordered).
type ExperienceID uuid.UUID

// NewExperienceID returns a new time-ordered ExperienceID.
func NewExperienceID() ExperienceID {
	return ExperienceID(uuid.Must(uuid.NewV7()))
}

// IsNil reports whether the id is the zero value.
func (id ExperienceID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// Bytes returns the raw 16-byte representation for storage keys.
func (id ExperienceID) Bytes() [16]byte { return [16]byte(id) }

func (id ExperienceID) String() string { return uuid.UUID(id).String() }

// ExperienceIDFromBytes reconstructs an ExperienceID from raw key bytes.
func ExperienceIDFromBytes(b [16]byte) ExperienceID { return ExperienceID(b) }

// RelationID identifies a relation between two experiences.
type RelationID uuid.UUID

// NewRelationID returns a new time-ordered RelationID.
func NewRelationID() RelationID {
	return RelationID(uuid.Must(uuid.NewV7()))
}

// IsNil reports whether the id is the zero value.
func (id RelationID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// Bytes returns the raw 16-byte representation for storage keys.
func (id RelationID) Bytes() [16]byte { return [16]byte(id) }

func (id RelationID) String() string { return uuid.UUID(id).String() }

// RelationIDFromBytes reconstructs a RelationID from raw key bytes.
func RelationIDFromBytes(b [16]byte) RelationID { return RelationID(b) }

// InsightID identifies a derived insight.
type InsightID uuid.UUID

// NewInsightID returns a new time-ordered InsightID.
func NewInsightID() InsightID {
	return InsightID(uuid.Must(uuid.NewV7()))
}

// IsNil reports whether the id is the zero value.
func (id InsightID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// Bytes returns the raw 16-byte representation for storage keys.
func (id InsightID) Bytes() [16]byte { return [16]byte(id) }

func (id InsightID) String() string { return uuid.UUID(id).String() }

// InsightIDFromBytes reconstructs an InsightID from raw key bytes.
func InsightIDFromBytes(b [16]byte) InsightID { return InsightID(b) }

// AgentID identifies an AI agent instance within a collective.
// PulseDB does not authenticate agents; the consumer supplies the id.
type AgentID string

// Timestamp is a Unix timestamp in milliseconds.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// Millis returns the timestamp as Unix milliseconds.
func (t Timestamp) Millis() int64 { return int64(t) }

// Time converts the timestamp to a time.Time.
func (t Timestamp) Time() time.Time { return time.UnixMilli(int64(t)) }

// BigEndian returns the 8-byte big-endian encoding used in index keys.
// Big-endian ensures lexicographic ordering matches numeric ordering.
func (t Timestamp) BigEndian() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(int64(t)))
	return b
}

// TimestampFromBigEndian decodes an index-key timestamp.
func TimestampFromBigEndian(b [8]byte) Timestamp {
	return Timestamp(int64(binary.BigEndian.Uint64(b[:])))
}
