package kv

import (
	"bytes"
	"encoding/binary"

	"github.com/draco28/PulseDB/codec"
	"github.com/draco28/PulseDB/model"
)

// WriteTx is the exclusive write transaction. It embeds ReadTx so writes can
// read their own pending state. Every logical change bumps the CSN exactly
// once; the engine is responsible for calling BumpCSN and AppendEvent.
type WriteTx struct {
	ReadTx
	ringCap int
}

// BumpCSN increments the change sequence number and returns the new value.
func (t *WriteTx) BumpCSN() (uint64, error) {
	meta := t.tx.Bucket(bucketMetadata)
	next := t.CSN() + 1
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], next)
	if err := meta.Put(keyCSN, b[:]); err != nil {
		return 0, err
	}
	return next, nil
}

// AppendEvent persists a watch event in the changelog ring and prunes the
// ring to its configured capacity.
func (t *WriteTx) AppendEvent(ev *model.WatchEvent) error {
	b := t.tx.Bucket(bucketChangelog)
	if err := b.Put(csnKey(ev.CSN), codec.EncodeWatchEvent(ev)); err != nil {
		return err
	}
	// Prune entries that fell out of the CSN window. CSNs are assigned to
	// every committed change, so the window bounds the ring at ringCap
	// entries even when not every change produces an event.
	if ev.CSN <= uint64(t.ringCap) {
		return nil
	}
	// Keep CSNs in (ev.CSN - ringCap, ev.CSN]; delete everything at or
	// below the window floor.
	bound := csnKey(ev.CSN - uint64(t.ringCap) + 1)
	c := b.Cursor()
	var stale [][]byte
	for k, _ := c.First(); k != nil && string(k) < string(bound); k, _ = c.Next() {
		stale = append(stale, bytes.Clone(k))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// PutCollective writes the collective row.
func (t *WriteTx) PutCollective(c *model.Collective) error {
	return t.tx.Bucket(bucketCollectives).Put(prefix16(c.ID.Bytes()), codec.EncodeCollective(c))
}

func (t *WriteTx) adjustCount(collective model.CollectiveID, delta int64) error {
	b := t.tx.Bucket(bucketCounters)
	key := prefix16(collective.Bytes())
	var count uint64
	if raw := b.Get(key); len(raw) == 8 {
		count = binary.BigEndian.Uint64(raw)
	}
	count = uint64(int64(count) + delta)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], count)
	return b.Put(key, buf[:])
}

// PutExperience writes a new experience: the row, the raw embedding, both
// secondary index entries and the per-collective counter.
func (t *WriteTx) PutExperience(e *model.Experience, embedding []float32) error {
	key := prefix16(e.ID.Bytes())
	if err := t.tx.Bucket(bucketExperiences).Put(key, codec.EncodeExperience(e)); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketEmbeddings).Put(key, codec.EncodeVector(embedding)); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketExpByCollective).Put(expByCollectiveKey(e.CollectiveID, e.CreatedAt, e.ID), nil); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketExpByType).Put(expByTypeKey(e.CollectiveID, e.Type.Tag(), e.ID), nil); err != nil {
		return err
	}
	return t.adjustCount(e.CollectiveID, 1)
}

// UpdateExperienceRow rewrites the experience row only. CreatedAt and the
// type tag are immutable, so the secondary index keys stay valid.
func (t *WriteTx) UpdateExperienceRow(e *model.Experience) error {
	return t.tx.Bucket(bucketExperiences).Put(prefix16(e.ID.Bytes()), codec.EncodeExperience(e))
}

// DeleteExperience removes the experience row, embedding and index entries,
// decrements the counter and cascades relations referencing it. It returns
// the ids of cascaded relations.
func (t *WriteTx) DeleteExperience(e *model.Experience) ([]model.RelationID, error) {
	key := prefix16(e.ID.Bytes())
	if err := t.tx.Bucket(bucketExperiences).Delete(key); err != nil {
		return nil, err
	}
	if err := t.tx.Bucket(bucketEmbeddings).Delete(key); err != nil {
		return nil, err
	}
	if err := t.tx.Bucket(bucketExpByCollective).Delete(expByCollectiveKey(e.CollectiveID, e.CreatedAt, e.ID)); err != nil {
		return nil, err
	}
	if err := t.tx.Bucket(bucketExpByType).Delete(expByTypeKey(e.CollectiveID, e.Type.Tag(), e.ID)); err != nil {
		return nil, err
	}
	if err := t.adjustCount(e.CollectiveID, -1); err != nil {
		return nil, err
	}

	// Cascade: relations where this experience is either endpoint.
	var cascaded []model.RelationID
	for _, load := range []func(model.ExperienceID) ([]*model.ExperienceRelation, error){
		t.RelationsBySource, t.RelationsByTarget,
	} {
		rels, err := load(e.ID)
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			if err := t.DeleteRelation(rel); err != nil {
				return nil, err
			}
			cascaded = append(cascaded, rel.ID)
		}
	}
	return cascaded, nil
}

// PutRelation writes the relation row and both endpoint index entries.
func (t *WriteTx) PutRelation(rel *model.ExperienceRelation) error {
	if err := t.tx.Bucket(bucketRelations).Put(prefix16(rel.ID.Bytes()), codec.EncodeRelation(rel)); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketRelationsBySource).Put(relByEndpointKey(rel.SourceID, rel.ID), nil); err != nil {
		return err
	}
	return t.tx.Bucket(bucketRelationsByTarget).Put(relByEndpointKey(rel.TargetID, rel.ID), nil)
}

// DeleteRelation removes the relation row and its index entries.
func (t *WriteTx) DeleteRelation(rel *model.ExperienceRelation) error {
	if err := t.tx.Bucket(bucketRelations).Delete(prefix16(rel.ID.Bytes())); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketRelationsBySource).Delete(relByEndpointKey(rel.SourceID, rel.ID)); err != nil {
		return err
	}
	return t.tx.Bucket(bucketRelationsByTarget).Delete(relByEndpointKey(rel.TargetID, rel.ID))
}

// PutInsight writes the insight row, embedding and collective index entry.
func (t *WriteTx) PutInsight(in *model.DerivedInsight, embedding []float32) error {
	key := prefix16(in.ID.Bytes())
	if err := t.tx.Bucket(bucketInsights).Put(key, codec.EncodeInsight(in)); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketInsightEmbeddings).Put(key, codec.EncodeVector(embedding)); err != nil {
		return err
	}
	return t.tx.Bucket(bucketInsightsByCollective).Put(insightByCollectiveKey(in.CollectiveID, in.ID), nil)
}

// DeleteInsight removes the insight row, embedding and index entry.
func (t *WriteTx) DeleteInsight(in *model.DerivedInsight) error {
	key := prefix16(in.ID.Bytes())
	if err := t.tx.Bucket(bucketInsights).Delete(key); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketInsightEmbeddings).Delete(key); err != nil {
		return err
	}
	return t.tx.Bucket(bucketInsightsByCollective).Delete(insightByCollectiveKey(in.CollectiveID, in.ID))
}

// PutActivity upserts the activity row for (collective, agent).
func (t *WriteTx) PutActivity(a *model.Activity) error {
	return t.tx.Bucket(bucketActivities).Put(activityKey(a.CollectiveID, a.AgentID), codec.EncodeActivity(a))
}

// DeleteActivity removes the activity row. Returns false when absent.
func (t *WriteTx) DeleteActivity(collective model.CollectiveID, agent model.AgentID) (bool, error) {
	b := t.tx.Bucket(bucketActivities)
	key := activityKey(collective, agent)
	if b.Get(key) == nil {
		return false, nil
	}
	return true, b.Delete(key)
}

// DeleteCollectiveCascade removes a collective and everything it owns:
// experiences (with embeddings, index rows and relations), insights,
// activities and the counter. Returns the number of experiences removed.
func (t *WriteTx) DeleteCollectiveCascade(id model.CollectiveID) (int, error) {
	// Collect ids first; deleting while cursoring invalidates positions.
	var expIDs []model.ExperienceID
	err := t.ForEachExperienceInCollective(id, func(_ model.Timestamp, eid model.ExperienceID) error {
		expIDs = append(expIDs, eid)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, eid := range expIDs {
		e, err := t.ExperienceRow(eid)
		if err != nil {
			return 0, err
		}
		if e == nil {
			continue
		}
		if _, err := t.DeleteExperience(e); err != nil {
			return 0, err
		}
	}

	var insightIDs []model.InsightID
	if err := t.ForEachInsightInCollective(id, func(iid model.InsightID) error {
		insightIDs = append(insightIDs, iid)
		return nil
	}); err != nil {
		return 0, err
	}
	for _, iid := range insightIDs {
		in, err := t.Insight(iid)
		if err != nil {
			return 0, err
		}
		if in == nil {
			continue
		}
		if err := t.DeleteInsight(in); err != nil {
			return 0, err
		}
	}

	acts, err := t.ActivitiesInCollective(id)
	if err != nil {
		return 0, err
	}
	for _, a := range acts {
		if _, err := t.DeleteActivity(a.CollectiveID, a.AgentID); err != nil {
			return 0, err
		}
	}

	if err := t.tx.Bucket(bucketCounters).Delete(prefix16(id.Bytes())); err != nil {
		return 0, err
	}
	if err := t.tx.Bucket(bucketCollectives).Delete(prefix16(id.Bytes())); err != nil {
		return 0, err
	}
	return len(expIDs), nil
}
