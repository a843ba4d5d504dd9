package kv

import (
	"bytes"
	"context"
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"github.com/draco28/PulseDB/codec"
	"github.com/draco28/PulseDB/model"
)

// ReadTx is a snapshot read transaction. All lookups observe the same
// committed state; the snapshot CSN identifies it.
type ReadTx struct {
	tx  *bolt.Tx
	ctx context.Context
}

// Err surfaces context cancellation inside long scans.
func (t *ReadTx) Err() error { return t.ctx.Err() }

// CSN returns the change sequence number this snapshot observes.
func (t *ReadTx) CSN() uint64 {
	raw := t.tx.Bucket(bucketMetadata).Get(keyCSN)
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

// SchemaVersion returns the stored schema version.
func (t *ReadTx) SchemaVersion() (int, error) {
	raw := t.tx.Bucket(bucketMetadata).Get(keySchemaVersion)
	if raw == nil {
		return 0, corrupt("missing schema version")
	}
	r := codec.NewReader(raw)
	v := int(r.U32())
	return v, r.Err()
}

// Collective returns the collective row, or nil if absent.
func (t *ReadTx) Collective(id model.CollectiveID) (*model.Collective, error) {
	raw := t.tx.Bucket(bucketCollectives).Get(prefix16(id.Bytes()))
	if raw == nil {
		return nil, nil
	}
	c, err := codec.DecodeCollective(raw)
	if err != nil {
		return nil, corrupt("collective row %s: %v", id, err)
	}
	return c, nil
}

// ForEachCollective visits every collective row in key order.
func (t *ReadTx) ForEachCollective(fn func(*model.Collective) error) error {
	return t.tx.Bucket(bucketCollectives).ForEach(func(_, raw []byte) error {
		c, err := codec.DecodeCollective(raw)
		if err != nil {
			return corrupt("collective row: %v", err)
		}
		return fn(c)
	})
}

// ExperienceCount returns the number of experiences in a collective.
func (t *ReadTx) ExperienceCount(id model.CollectiveID) int {
	raw := t.tx.Bucket(bucketCounters).Get(prefix16(id.Bytes()))
	if len(raw) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(raw))
}

// ExperienceRow returns the experience without its embedding, or nil if
// absent.
func (t *ReadTx) ExperienceRow(id model.ExperienceID) (*model.Experience, error) {
	raw := t.tx.Bucket(bucketExperiences).Get(prefix16(id.Bytes()))
	if raw == nil {
		return nil, nil
	}
	e, err := codec.DecodeExperience(raw)
	if err != nil {
		return nil, corrupt("experience row %s: %v", id, err)
	}
	return e, nil
}

// Embedding returns the stored embedding for an experience, or nil if
// absent.
func (t *ReadTx) Embedding(id model.ExperienceID) ([]float32, error) {
	raw := t.tx.Bucket(bucketEmbeddings).Get(prefix16(id.Bytes()))
	if raw == nil {
		return nil, nil
	}
	v, err := codec.DecodeVector(raw)
	if err != nil {
		return nil, corrupt("embedding %s: %v", id, err)
	}
	return v, nil
}

// Experience returns the experience joined with its embedding, or nil if
// absent.
func (t *ReadTx) Experience(id model.ExperienceID) (*model.Experience, error) {
	e, err := t.ExperienceRow(id)
	if e == nil || err != nil {
		return e, err
	}
	emb, err := t.Embedding(id)
	if err != nil {
		return nil, err
	}
	e.Embedding = emb
	return e, nil
}

// RecentExperiences walks the recency index newest-first and returns up to
// limit experiences passing the row filter. A nil filter accepts everything.
func (t *ReadTx) RecentExperiences(collective model.CollectiveID, limit int, filter func(*model.Experience) bool) ([]*model.Experience, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]*model.Experience, 0, limit)
	err := t.reverseScanCollective(collective, func(_ model.Timestamp, id model.ExperienceID) (bool, error) {
		e, err := t.ExperienceRow(id)
		if err != nil {
			return false, err
		}
		if e == nil {
			return false, corrupt("recency index references missing experience %s", id)
		}
		if filter != nil && !filter(e) {
			return true, nil
		}
		out = append(out, e)
		return len(out) < limit, nil
	})
	return out, err
}

// reverseScanCollective walks exp_by_collective for one collective from
// newest to oldest. The callback returns false to stop.
func (t *ReadTx) reverseScanCollective(collective model.CollectiveID, fn func(ts model.Timestamp, id model.ExperienceID) (bool, error)) error {
	prefix := prefix16(collective.Bytes())
	c := t.tx.Bucket(bucketExpByCollective).Cursor()

	// Position on the last key of the collective prefix: seek to the first
	// key past the prefix, then step back.
	var k []byte
	if upper := incrementPrefix(prefix); upper == nil {
		k, _ = c.Last()
	} else if k, _ = c.Seek(upper); k == nil {
		k, _ = c.Last()
	} else {
		k, _ = c.Prev()
	}

	for ; k != nil && hasPrefix(k, prefix); k, _ = c.Prev() {
		if err := t.ctx.Err(); err != nil {
			return err
		}
		ts, id, ok := splitExpByCollectiveKey(k)
		if !ok {
			return corrupt("malformed recency index key (%d bytes)", len(k))
		}
		more, err := fn(ts, id)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// ForEachExperienceInCollective walks the recency index oldest-first.
func (t *ReadTx) ForEachExperienceInCollective(collective model.CollectiveID, fn func(ts model.Timestamp, id model.ExperienceID) error) error {
	prefix := prefix16(collective.Bytes())
	c := t.tx.Bucket(bucketExpByCollective).Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		if err := t.ctx.Err(); err != nil {
			return err
		}
		ts, id, ok := splitExpByCollectiveKey(k)
		if !ok {
			return corrupt("malformed recency index key (%d bytes)", len(k))
		}
		if err := fn(ts, id); err != nil {
			return err
		}
	}
	return nil
}

// ForEachEmbeddingInCollective streams (id, embedding, archived) for every
// experience in a collective, oldest first. Used for index rebuilds.
func (t *ReadTx) ForEachEmbeddingInCollective(collective model.CollectiveID, fn func(id model.ExperienceID, vec []float32, archived bool) error) error {
	return t.ForEachExperienceInCollective(collective, func(_ model.Timestamp, id model.ExperienceID) error {
		e, err := t.ExperienceRow(id)
		if err != nil {
			return err
		}
		if e == nil {
			return corrupt("recency index references missing experience %s", id)
		}
		vec, err := t.Embedding(id)
		if err != nil {
			return err
		}
		if vec == nil {
			return corrupt("experience %s has no stored embedding", id)
		}
		return fn(id, vec, e.Archived)
	})
}

// ForEachExperienceOfType visits every experience id in a collective with
// the given type tag, in id order.
func (t *ReadTx) ForEachExperienceOfType(collective model.CollectiveID, tag model.ExperienceTypeTag, fn func(id model.ExperienceID) error) error {
	cb := collective.Bytes()
	prefix := append(prefix16(cb), byte(tag))
	c := t.tx.Bucket(bucketExpByType).Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		if err := t.ctx.Err(); err != nil {
			return err
		}
		if len(k) != 33 {
			return corrupt("malformed type index key (%d bytes)", len(k))
		}
		var ib [16]byte
		copy(ib[:], k[17:33])
		if err := fn(model.ExperienceIDFromBytes(ib)); err != nil {
			return err
		}
	}
	return nil
}

// Relation returns the relation row, or nil if absent.
func (t *ReadTx) Relation(id model.RelationID) (*model.ExperienceRelation, error) {
	raw := t.tx.Bucket(bucketRelations).Get(prefix16(id.Bytes()))
	if raw == nil {
		return nil, nil
	}
	rel, err := codec.DecodeRelation(raw)
	if err != nil {
		return nil, corrupt("relation row %s: %v", id, err)
	}
	return rel, nil
}

func (t *ReadTx) relationsByEndpoint(bucket []byte, endpoint model.ExperienceID) ([]*model.ExperienceRelation, error) {
	prefix := prefix16(endpoint.Bytes())
	c := t.tx.Bucket(bucket).Cursor()
	var out []*model.ExperienceRelation
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		if len(k) != 32 {
			return nil, corrupt("malformed relation index key (%d bytes)", len(k))
		}
		var rb [16]byte
		copy(rb[:], k[16:32])
		rel, err := t.Relation(model.RelationIDFromBytes(rb))
		if err != nil {
			return nil, err
		}
		if rel == nil {
			return nil, corrupt("relation index references missing relation")
		}
		out = append(out, rel)
	}
	return out, nil
}

// RelationsBySource returns relations whose source is the experience.
func (t *ReadTx) RelationsBySource(id model.ExperienceID) ([]*model.ExperienceRelation, error) {
	return t.relationsByEndpoint(bucketRelationsBySource, id)
}

// RelationsByTarget returns relations whose target is the experience.
func (t *ReadTx) RelationsByTarget(id model.ExperienceID) ([]*model.ExperienceRelation, error) {
	return t.relationsByEndpoint(bucketRelationsByTarget, id)
}

// RelationExists reports whether a (source, target, type) edge already
// exists.
func (t *ReadTx) RelationExists(source, target model.ExperienceID, typ model.RelationType) (bool, error) {
	rels, err := t.RelationsBySource(source)
	if err != nil {
		return false, err
	}
	for _, rel := range rels {
		if rel.TargetID == target && rel.Type == typ {
			return true, nil
		}
	}
	return false, nil
}

// Insight returns the insight joined with its embedding, or nil if absent.
func (t *ReadTx) Insight(id model.InsightID) (*model.DerivedInsight, error) {
	raw := t.tx.Bucket(bucketInsights).Get(prefix16(id.Bytes()))
	if raw == nil {
		return nil, nil
	}
	in, err := codec.DecodeInsight(raw)
	if err != nil {
		return nil, corrupt("insight row %s: %v", id, err)
	}
	embRaw := t.tx.Bucket(bucketInsightEmbeddings).Get(prefix16(id.Bytes()))
	if embRaw != nil {
		vec, err := codec.DecodeVector(embRaw)
		if err != nil {
			return nil, corrupt("insight embedding %s: %v", id, err)
		}
		in.Embedding = vec
	}
	return in, nil
}

// ForEachInsightInCollective visits every insight id in a collective.
func (t *ReadTx) ForEachInsightInCollective(collective model.CollectiveID, fn func(id model.InsightID) error) error {
	prefix := prefix16(collective.Bytes())
	c := t.tx.Bucket(bucketInsightsByCollective).Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		if err := t.ctx.Err(); err != nil {
			return err
		}
		if len(k) != 32 {
			return corrupt("malformed insight index key (%d bytes)", len(k))
		}
		var ib [16]byte
		copy(ib[:], k[16:32])
		if err := fn(model.InsightIDFromBytes(ib)); err != nil {
			return err
		}
	}
	return nil
}

// Activity returns the activity row for (collective, agent), or nil.
func (t *ReadTx) Activity(collective model.CollectiveID, agent model.AgentID) (*model.Activity, error) {
	raw := t.tx.Bucket(bucketActivities).Get(activityKey(collective, agent))
	if raw == nil {
		return nil, nil
	}
	a, err := codec.DecodeActivity(raw)
	if err != nil {
		return nil, corrupt("activity row: %v", err)
	}
	return a, nil
}

// ActivitiesInCollective returns every activity registered in a collective.
func (t *ReadTx) ActivitiesInCollective(collective model.CollectiveID) ([]*model.Activity, error) {
	prefix := prefix16(collective.Bytes())
	c := t.tx.Bucket(bucketActivities).Cursor()
	var out []*model.Activity
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		a, err := codec.DecodeActivity(v)
		if err != nil {
			return nil, corrupt("activity row: %v", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// ChangelogSince visits persisted events with CSN in (since, head] in CSN
// order.
func (t *ReadTx) ChangelogSince(since uint64, fn func(*model.WatchEvent) error) error {
	c := t.tx.Bucket(bucketChangelog).Cursor()
	for k, v := c.Seek(csnKey(since + 1)); k != nil; k, v = c.Next() {
		ev, err := codec.DecodeWatchEvent(v)
		if err != nil {
			return corrupt("changelog entry: %v", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// OldestChangelogCSN returns the lowest CSN still in the ring, or false when
// the ring is empty.
func (t *ReadTx) OldestChangelogCSN() (uint64, bool) {
	k, _ := t.tx.Bucket(bucketChangelog).Cursor().First()
	if len(k) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(k), true
}

// CollectiveStats computes per-collective statistics by walking the recency
// index once.
func (t *ReadTx) CollectiveStats(collective model.CollectiveID) (model.CollectiveStats, error) {
	stats := model.CollectiveStats{ExperienceCount: t.ExperienceCount(collective)}

	expBucket := t.tx.Bucket(bucketExperiences)
	embBucket := t.tx.Bucket(bucketEmbeddings)
	err := t.ForEachExperienceInCollective(collective, func(ts model.Timestamp, id model.ExperienceID) error {
		key := prefix16(id.Bytes())
		stats.StorageBytes += int64(len(expBucket.Get(key)) + len(embBucket.Get(key)))
		at := ts
		if stats.OldestExperience == nil {
			stats.OldestExperience = &at
		}
		stats.NewestExperience = &at
		return nil
	})
	return stats, err
}

// incrementPrefix returns the smallest key strictly greater than every key
// with the given prefix, or nil when the prefix is all 0xff.
func incrementPrefix(p []byte) []byte {
	out := bytes.Clone(p)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
