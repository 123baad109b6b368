package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeRecordShortBufferFallsBackToDefaults(t *testing.T) {
	// A value too short to carry the metadata header decodes to the
	// wire defaults with the bytes treated as payload.
	md, payload := DecodeRecord([]byte("tiny"))

	assert.Equal(t, Creation, md.Operation)
	assert.True(t, md.ReplayToSource)
	assert.False(t, md.Processed)
	assert.Equal(t, UnknownRevision, md.Revision)
	assert.Equal(t, []byte("tiny"), payload)
}

func TestEncodeDecodeRecordPreservesMetadata(t *testing.T) {
	entity := Entity{
		UID:  UID("u1"),
		Type: "mail",
		Metadata: Metadata{
			Revision:       42,
			Operation:      Modification,
			ReplayToSource: false,
			Processed:      true,
		},
		Payload: []byte("body"),
	}

	md, payload := DecodeRecord(EncodeRecord(entity))
	assert.Equal(t, entity.Metadata, md)
	assert.Equal(t, entity.Payload, payload)
}

func TestTombstonedFollowsOperation(t *testing.T) {
	assert.False(t, Entity{Metadata: Metadata{Operation: Creation}}.Tombstoned())
	assert.False(t, Entity{Metadata: Metadata{Operation: Modification}}.Tombstoned())
	assert.True(t, Entity{Metadata: Metadata{Operation: Removal}}.Tombstoned())
}
