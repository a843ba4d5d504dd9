package kv

import (
	"encoding/binary"

	"github.com/draco28/PulseDB/model"
)

// Bucket names. These are part of the on-disk format.
var (
	bucketMetadata             = []byte("metadata")
	bucketCollectives          = []byte("collectives")
	bucketCounters             = []byte("counters")
	bucketExperiences          = []byte("experiences")
	bucketEmbeddings           = []byte("embeddings")
	bucketRelations            = []byte("relations")
	bucketRelationsBySource    = []byte("relations_by_source")
	bucketRelationsByTarget    = []byte("relations_by_target")
	bucketInsights             = []byte("insights")
	bucketInsightEmbeddings    = []byte("insight_embeddings")
	bucketInsightsByCollective = []byte("insights_by_collective")
	bucketActivities           = []byte("activities")
	bucketExpByCollective      = []byte("exp_by_collective")
	bucketExpByType            = []byte("exp_by_type")
	bucketChangelog            = []byte("changelog")
)

var allBuckets = [][]byte{
	bucketMetadata, bucketCollectives, bucketCounters,
	bucketExperiences, bucketEmbeddings,
	bucketRelations, bucketRelationsBySource, bucketRelationsByTarget,
	bucketInsights, bucketInsightEmbeddings, bucketInsightsByCollective,
	bucketActivities, bucketExpByCollective, bucketExpByType,
	bucketChangelog,
}

// Metadata keys.
var (
	keySchemaVersion = []byte("schema_version")
	keyCSN           = []byte("csn")
	keyDBMetadata    = []byte("db_metadata")
)

// expByCollectiveKey builds the 40-byte recency index key:
// 16-byte collective id || 8-byte big-endian timestamp || 16-byte experience id.
func expByCollectiveKey(collective model.CollectiveID, ts model.Timestamp, id model.ExperienceID) []byte {
	key := make([]byte, 0, 40)
	cb, tb, ib := collective.Bytes(), ts.BigEndian(), id.Bytes()
	key = append(key, cb[:]...)
	key = append(key, tb[:]...)
	key = append(key, ib[:]...)
	return key
}

// splitExpByCollectiveKey decodes a recency index key.
func splitExpByCollectiveKey(key []byte) (ts model.Timestamp, id model.ExperienceID, ok bool) {
	if len(key) != 40 {
		return 0, model.ExperienceID{}, false
	}
	var tb [8]byte
	copy(tb[:], key[16:24])
	var ib [16]byte
	copy(ib[:], key[24:40])
	return model.TimestampFromBigEndian(tb), model.ExperienceIDFromBytes(ib), true
}

// expByTypeKey builds the 33-byte type index key:
// 16-byte collective id || 1-byte type tag || 16-byte experience id.
func expByTypeKey(collective model.CollectiveID, tag model.ExperienceTypeTag, id model.ExperienceID) []byte {
	key := make([]byte, 0, 33)
	cb, ib := collective.Bytes(), id.Bytes()
	key = append(key, cb[:]...)
	key = append(key, byte(tag))
	key = append(key, ib[:]...)
	return key
}

// relByEndpointKey builds the 32-byte relation index key:
// 16-byte endpoint experience id || 16-byte relation id.
func relByEndpointKey(endpoint model.ExperienceID, rel model.RelationID) []byte {
	key := make([]byte, 0, 32)
	eb, rb := endpoint.Bytes(), rel.Bytes()
	key = append(key, eb[:]...)
	key = append(key, rb[:]...)
	return key
}

// insightByCollectiveKey builds the 32-byte insight index key.
func insightByCollectiveKey(collective model.CollectiveID, id model.InsightID) []byte {
	key := make([]byte, 0, 32)
	cb, ib := collective.Bytes(), id.Bytes()
	key = append(key, cb[:]...)
	key = append(key, ib[:]...)
	return key
}

// activityKey builds the activity key: 16-byte collective id || agent id.
func activityKey(collective model.CollectiveID, agent model.AgentID) []byte {
	cb := collective.Bytes()
	key := make([]byte, 0, 16+len(agent))
	key = append(key, cb[:]...)
	key = append(key, agent...)
	return key
}

// csnKey encodes a CSN as the 8-byte big-endian changelog key.
func csnKey(csn uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], csn)
	return b[:]
}

func prefix16(id [16]byte) []byte {
	p := make([]byte, 16)
	copy(p, id[:])
	return p
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
