package docstore

import (
	"fmt"

	"github.com/golang/glog"
)

// SnapshotLog owns a live document and the package it was last synchronized
// with. Local edits become delta blobs in `MarkIfDirty` and are appended to
// the package's incrementals in `Flush`.
//
// Replaying the package's snapshots and incrementals plus the unsaved changes,
// in any order, always reaches the live document's marker.
//
// Not safe for concurrent use. `DocumentStore` serializes access.
type SnapshotLog struct {
	codec ChangeCodec

	id  DocumentId
	doc Document

	pkg    *Package
	parsed *ParsedPackage
	// marker of the document at the last synchronization with `pkg`
	marker VersionMarker
	// content key -> blob
	unsavedChanges map[string][]byte
}

// NewSnapshotLog starts a log for a new document. The package holds one
// snapshot of `doc`.
func NewSnapshotLog(codec ChangeCodec, id DocumentId, doc Document) *SnapshotLog {
	marker := codec.Heads(doc)
	pkg := ConstructPackage(id, marker.Key(), codec.EncodeSnapshot(doc))
	parsed, err := ParsePackage(pkg)
	if err != nil {
		// a constructed package is always well formed
		panic(err)
	}
	return &SnapshotLog{
		codec:          codec,
		id:             id,
		doc:            doc,
		pkg:            pkg,
		parsed:         parsed,
		marker:         marker,
		unsavedChanges: map[string][]byte{},
	}
}

// LoadSnapshotLog reads the package's snapshot and replays its incrementals.
// Incrementals that fail to apply are logged and skipped.
func LoadSnapshotLog(codec ChangeCodec, pkg *Package) (*SnapshotLog, error) {
	parsed, err := ParsePackage(pkg)
	if err != nil {
		return nil, err
	}
	doc, err := replayPackage(codec, parsed)
	if err != nil {
		return nil, err
	}
	return &SnapshotLog{
		codec:          codec,
		id:             parsed.Id,
		doc:            doc,
		pkg:            pkg,
		parsed:         parsed,
		marker:         codec.Heads(doc),
		unsavedChanges: map[string][]byte{},
	}, nil
}

// replayPackage decodes the snapshot and applies every incremental.
// Incrementals that fail to apply are logged and skipped.
func replayPackage(codec ChangeCodec, parsed *ParsedPackage) (Document, error) {
	doc, err := codec.DecodeSnapshot(parsed.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", parsed.SnapshotKey, err)
	}
	for _, key := range parsed.Incrementals.Names() {
		blob, _ := parsed.Blob(key)
		if err := codec.ApplyEncodedChanges(doc, blob); err != nil {
			glog.Infof("[log]%s skip incremental %s = %s\n", parsed.Id, key, err)
		}
	}
	return doc, nil
}

func (self *SnapshotLog) Id() DocumentId {
	return self.id
}

func (self *SnapshotLog) Document() Document {
	return self.doc
}

func (self *SnapshotLog) Package() *Package {
	return self.pkg
}

func (self *SnapshotLog) ParsedPackage() *ParsedPackage {
	return self.parsed
}

func (self *SnapshotLog) Marker() VersionMarker {
	return self.marker
}

func (self *SnapshotLog) Heads() VersionMarker {
	return self.codec.Heads(self.doc)
}

// true when the document moved past the last marker or deltas wait for a flush
func (self *SnapshotLog) IsDirty() bool {
	return 0 < len(self.unsavedChanges) || !self.Heads().Equal(self.marker)
}

func (self *SnapshotLog) UnsavedChangeCount() int {
	return len(self.unsavedChanges)
}

// MarkIfDirty encodes the changes since the last marker as one delta keyed by
// the new marker, and advances the marker. This is the only place deltas are
// produced.
func (self *SnapshotLog) MarkIfDirty() error {
	heads := self.codec.Heads(self.doc)
	if heads.Equal(self.marker) {
		return nil
	}
	blob, err := self.codec.EncodeChangesSince(self.doc, self.marker)
	if err != nil {
		return fmt.Errorf("encode changes since %s: %w", self.marker, err)
	}
	key := heads.Key()
	self.unsavedChanges[key] = blob
	self.marker = heads
	glog.V(2).Infof("[log]%s mark %s (%d bytes)\n", self.id, key, len(blob))
	return nil
}

// Flush appends the unsaved changes to the incrementals and returns the new
// package. With nothing unsaved the current package is returned unchanged.
func (self *SnapshotLog) Flush() *Package {
	if len(self.unsavedChanges) == 0 {
		return self.pkg
	}
	blobs := map[string][]byte{}
	for key, blob := range self.unsavedChanges {
		// written entries are never replaced
		if self.parsed.HasKey(key) {
			continue
		}
		blobs[key] = blob
	}
	self.setPackage(self.pkg.withIncrementals(blobs))
	self.unsavedChanges = map[string][]byte{}
	glog.V(1).Infof("[log]%s flush %d incrementals\n", self.id, len(blobs))
	return self.pkg
}

func (self *SnapshotLog) setPackage(pkg *Package) {
	parsed, err := ParsePackage(pkg)
	if err != nil {
		// callers only build packages from well formed packages
		panic(err)
	}
	self.pkg = pkg
	self.parsed = parsed
}
