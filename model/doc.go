// Package model defines the core entity types stored by PulseDB.
//
// # Identity Types
//
//   - CollectiveID, ExperienceID, RelationID, InsightID: 128-bit UUIDv7
//     (time-ordered, so id ordering approximates creation ordering)
//   - AgentID: opaque caller-supplied string
//   - Timestamp: Unix milliseconds, stored big-endian in index keys so
//     lexicographic order matches chronological order
//
// # Entities
//
//   - Collective: isolation boundary owning experiences and a vector index
//   - Experience: content + embedding + typed metadata recorded by an agent
//   - ExperienceRelation: directed, typed edge between two experiences
//   - DerivedInsight: synthesized knowledge with its own vector index
//   - Activity: an agent's live presence marker, kept fresh by heartbeat
//
// Experience types are a closed set of tagged variants (Difficulty, Solution,
// ErrorPattern, ...) each carrying a compact 1-byte tag used in index keys.
package model
