package docstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

// Document is the live CRDT state. It is opaque to the store and only
// interpreted by the `ChangeCodec` that produced it.
type Document any

// ChangeCodec is the capability the store needs from a CRDT engine.
// Snapshots and deltas produced by `EncodeSnapshot` and `EncodeChangesSince`
// must both be accepted by `ApplyEncodedChanges`, and applying the same blob
// more than once must not change the document.
type ChangeCodec interface {
	NewDocument() Document
	DecodeSnapshot(snapshot []byte) (Document, error)
	EncodeSnapshot(doc Document) []byte
	Heads(doc Document) VersionMarker
	EncodeChangesSince(doc Document, marker VersionMarker) ([]byte, error)
	ApplyEncodedChanges(doc Document, changes []byte) error
	Merge(doc Document, other Document) error
}

// CounterCodec adds the counter accessors used by `CountStore`.
type CounterCodec interface {
	ChangeCodec
	// returns false when the key is absent or holds a value that is not a counter
	Counter(doc Document, key string) (int64, bool)
	PutCounter(doc Document, key string, value int64) error
	IncrementCounter(doc Document, key string, delta int64) error
}

var ErrNotAutomergeChunk = errors.New("Not an automerge chunk")

// every automerge document and change chunk starts with these bytes
var automergeMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

// AutomergeCodec backs the store with `automerge.Doc`.
type AutomergeCodec struct{}

func NewAutomergeCodec() *AutomergeCodec {
	return &AutomergeCodec{}
}

func (self *AutomergeCodec) doc(doc Document) *automerge.Doc {
	switch v := doc.(type) {
	case *automerge.Doc:
		return v
	default:
		panic(fmt.Errorf("Unknown document type: %T", v))
	}
}

func (self *AutomergeCodec) NewDocument() Document {
	return automerge.New()
}

func (self *AutomergeCodec) DecodeSnapshot(snapshot []byte) (Document, error) {
	if !bytes.HasPrefix(snapshot, automergeMagic) {
		return nil, ErrNotAutomergeChunk
	}
	return automerge.Load(snapshot)
}

func (self *AutomergeCodec) EncodeSnapshot(doc Document) []byte {
	return self.doc(doc).Save()
}

func (self *AutomergeCodec) Heads(doc Document) VersionMarker {
	heads := self.doc(doc).Heads()
	hashes := make([]string, 0, len(heads))
	for _, head := range heads {
		hashes = append(hashes, head.String())
	}
	return NewVersionMarker(hashes...)
}

// EncodeChangesSince concatenates the saved changes not reachable from `marker`.
func (self *AutomergeCodec) EncodeChangesSince(doc Document, marker VersionMarker) ([]byte, error) {
	heads := make([]automerge.ChangeHash, 0, marker.Len())
	for _, hashStr := range marker.Hashes() {
		head, err := automerge.NewChangeHash(hashStr)
		if err != nil {
			return nil, err
		}
		heads = append(heads, head)
	}
	changes, err := self.doc(doc).Changes(heads...)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	for _, change := range changes {
		b.Write(change.Save())
	}
	return b.Bytes(), nil
}

// ApplyEncodedChanges accepts saved documents and saved changes.
// Changes whose dependencies are missing wait inside the document until the
// dependencies arrive.
func (self *AutomergeCodec) ApplyEncodedChanges(doc Document, changes []byte) error {
	if len(changes) == 0 {
		return nil
	}
	// automerge drops an unreadable tail silently, so reject garbage up front
	if !bytes.HasPrefix(changes, automergeMagic) {
		return ErrNotAutomergeChunk
	}
	return self.doc(doc).LoadIncremental(changes)
}

func (self *AutomergeCodec) Merge(doc Document, other Document) error {
	_, err := self.doc(doc).Merge(self.doc(other))
	return err
}

func (self *AutomergeCodec) Counter(doc Document, key string) (int64, bool) {
	path := self.doc(doc).Path(key)
	value, err := path.Get()
	if err != nil || value.Kind() != automerge.KindCounter {
		return 0, false
	}
	count, err := path.Counter().Get()
	if err != nil {
		return 0, false
	}
	return count, true
}

func (self *AutomergeCodec) PutCounter(doc Document, key string, value int64) error {
	return self.doc(doc).RootMap().Set(key, automerge.NewCounter(value))
}

func (self *AutomergeCodec) IncrementCounter(doc Document, key string, delta int64) error {
	return self.doc(doc).Path(key).Counter().Inc(delta)
}
