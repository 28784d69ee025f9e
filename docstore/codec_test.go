package docstore

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCodecSnapshotRoundTrip(t *testing.T) {
	codec := NewAutomergeCodec()
	doc := codec.NewDocument()
	assert.Equal(t, nil, codec.PutCounter(doc, DefaultCountKey, 0))
	assert.Equal(t, nil, codec.IncrementCounter(doc, DefaultCountKey, 5))
	assert.Equal(t, nil, codec.IncrementCounter(doc, DefaultCountKey, -2))

	loaded, err := codec.DecodeSnapshot(codec.EncodeSnapshot(doc))
	assert.Equal(t, nil, err)
	assert.Equal(t, codec.Heads(doc), codec.Heads(loaded))
	count, ok := codec.Counter(loaded, DefaultCountKey)
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(3), count)

	_, ok = codec.Counter(loaded, "missing")
	assert.Equal(t, false, ok)

	_, err = codec.DecodeSnapshot([]byte("not a snapshot"))
	assert.Equal(t, true, errors.Is(err, ErrNotAutomergeChunk))
}

func TestCodecChangesIdempotent(t *testing.T) {
	codec := NewAutomergeCodec()
	doc := codec.NewDocument()
	assert.Equal(t, nil, codec.PutCounter(doc, DefaultCountKey, 0))
	snapshot := codec.EncodeSnapshot(doc)
	marker := codec.Heads(doc)

	assert.Equal(t, nil, codec.IncrementCounter(doc, DefaultCountKey, 7))
	changes, err := codec.EncodeChangesSince(doc, marker)
	assert.Equal(t, nil, err)

	replica, err := codec.DecodeSnapshot(snapshot)
	assert.Equal(t, nil, err)
	for i := 0; i < 3; i += 1 {
		assert.Equal(t, nil, codec.ApplyEncodedChanges(replica, changes))
	}
	// a snapshot is accepted as a change set too
	assert.Equal(t, nil, codec.ApplyEncodedChanges(replica, codec.EncodeSnapshot(doc)))
	assert.Equal(t, codec.Heads(doc), codec.Heads(replica))
	count, _ := codec.Counter(replica, DefaultCountKey)
	assert.Equal(t, int64(7), count)

	err = codec.ApplyEncodedChanges(replica, []byte{0x08, 0x01})
	assert.Equal(t, true, errors.Is(err, ErrNotAutomergeChunk))
	assert.Equal(t, nil, codec.ApplyEncodedChanges(replica, nil))
}

func TestCodecMergeCommutative(t *testing.T) {
	codec := NewAutomergeCodec()
	origin := codec.NewDocument()
	assert.Equal(t, nil, codec.PutCounter(origin, DefaultCountKey, 0))
	snapshot := codec.EncodeSnapshot(origin)

	a, err := codec.DecodeSnapshot(snapshot)
	assert.Equal(t, nil, err)
	b, err := codec.DecodeSnapshot(snapshot)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, codec.IncrementCounter(a, DefaultCountKey, 2))
	assert.Equal(t, nil, codec.IncrementCounter(b, DefaultCountKey, 3))

	aCopy, err := codec.DecodeSnapshot(codec.EncodeSnapshot(a))
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, codec.Merge(a, b))
	assert.Equal(t, nil, codec.Merge(b, aCopy))
	assert.Equal(t, codec.Heads(a), codec.Heads(b))
	aCount, _ := codec.Counter(a, DefaultCountKey)
	bCount, _ := codec.Counter(b, DefaultCountKey)
	assert.Equal(t, int64(5), aCount)
	assert.Equal(t, int64(5), bCount)
}
