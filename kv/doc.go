// Package kv implements the transactional key-value layer on top of bbolt.
//
// bbolt gives us the storage contract PulseDB needs: a single-file B+tree
// with copy-on-write pages (torn writes are impossible), one writer at a
// time, and MVCC read transactions that never block the writer. This package
// adds the PulseDB schema on top: typed buckets per entity, compound
// secondary-index keys, the change sequence number (CSN), the persisted
// changelog ring, schema versioning with forward migrations, and durability
// modes.
//
// # Buckets
//
//	metadata               db metadata, schema version, CSN
//	collectives            CollectiveID -> collective row
//	counters               CollectiveID -> experience count (u64)
//	experiences            ExperienceID -> experience row (no embedding)
//	embeddings             ExperienceID -> raw little-endian f32 bytes
//	relations              RelationID -> relation row
//	relations_by_source    SourceID||RelationID -> empty
//	relations_by_target    TargetID||RelationID -> empty
//	insights               InsightID -> insight row (no embedding)
//	insight_embeddings     InsightID -> raw little-endian f32 bytes
//	insights_by_collective CollectiveID||InsightID -> empty
//	activities             CollectiveID||AgentID -> activity row
//	exp_by_collective      CollectiveID||created_at_be||ExperienceID -> empty
//	exp_by_type            CollectiveID||type_tag||ExperienceID -> empty
//	changelog              csn_be -> encoded watch event (bounded ring)
//
// The big-endian timestamp in exp_by_collective makes a reverse cursor walk
// equal a newest-first chronological walk.
package kv
