package docstore

import (
	"fmt"
	"strings"
)

// package layout:
//
//	id             the document id string
//	snapshots/     content key -> full snapshot blob (exactly one)
//	incrementals/  content key -> delta blob
//
// entries are only ever added, except at compaction when both collections are replaced
const (
	PackageIdName           = "id"
	PackageSnapshotsName    = "snapshots"
	PackageIncrementalsName = "incrementals"
)

// Package is one revision of a document package. Immutable.
type Package struct {
	root *FileTree
}

func NewPackage(root *FileTree) *Package {
	return &Package{
		root: root,
	}
}

// ConstructPackage builds a package holding one snapshot and no incrementals.
func ConstructPackage(id DocumentId, snapshotKey string, snapshot []byte) *Package {
	return NewPackage(NewDir(map[string]*FileTree{
		PackageIdName: NewFile([]byte(id.String())),
		PackageSnapshotsName: NewDir(map[string]*FileTree{
			snapshotKey: NewFile(snapshot),
		}),
		PackageIncrementalsName: EmptyDir(),
	}))
}

func (self *Package) Root() *FileTree {
	return self.root
}

func (self *Package) String() string {
	return strings.TrimSuffix(self.root.DebugHierarchy("package"), "\n")
}

type ParsedPackage struct {
	Id           DocumentId
	SnapshotKey  string
	Snapshot     []byte
	Snapshots    *FileTree
	Incrementals *FileTree
}

// ParsePackage validates the package layout.
// A package with more than one snapshot is rejected.
func ParsePackage(pkg *Package) (*ParsedPackage, error) {
	if pkg == nil || pkg.root == nil || !pkg.root.IsDir() {
		return nil, malformedPackage("root is not a directory")
	}
	root := pkg.root

	idEntry, ok := root.Child(PackageIdName)
	if !ok {
		return nil, malformedPackage("missing id")
	}
	idBytes, ok := idEntry.Contents()
	if !ok {
		return nil, malformedPackage("id is not a file")
	}
	id, err := ParseDocumentId(strings.TrimSpace(string(idBytes)))
	if err != nil {
		return nil, &MalformedPackageError{Reason: "bad id", Err: err}
	}

	snapshots, ok := root.Child(PackageSnapshotsName)
	if !ok || !snapshots.IsDir() {
		return nil, malformedPackage("missing snapshots directory")
	}
	switch snapshots.Len() {
	case 0:
		return nil, malformedPackage("missing snapshot")
	case 1:
	default:
		return nil, malformedPackage(fmt.Sprintf("%d snapshots, expected 1", snapshots.Len()))
	}
	snapshotKey := snapshots.Names()[0]
	snapshotEntry, _ := snapshots.Child(snapshotKey)
	snapshot, ok := snapshotEntry.Contents()
	if !ok {
		return nil, malformedPackage(fmt.Sprintf("snapshot %s is not a file", snapshotKey))
	}

	incrementals, ok := root.Child(PackageIncrementalsName)
	if !ok || !incrementals.IsDir() {
		return nil, malformedPackage("missing incrementals directory")
	}
	for _, key := range incrementals.Names() {
		entry, _ := incrementals.Child(key)
		if entry.IsDir() {
			return nil, malformedPackage(fmt.Sprintf("incremental %s is not a file", key))
		}
	}

	return &ParsedPackage{
		Id:           id,
		SnapshotKey:  snapshotKey,
		Snapshot:     snapshot,
		Snapshots:    snapshots,
		Incrementals: incrementals,
	}, nil
}

func (self *ParsedPackage) EntryCount() int {
	return self.Snapshots.Len() + self.Incrementals.Len()
}

// Blob looks a key up in snapshots then incrementals.
func (self *ParsedPackage) Blob(key string) ([]byte, bool) {
	for _, collection := range []*FileTree{self.Snapshots, self.Incrementals} {
		if entry, ok := collection.Child(key); ok {
			return entry.Contents()
		}
	}
	return nil, false
}

func (self *ParsedPackage) HasKey(key string) bool {
	_, ok := self.Blob(key)
	return ok
}

// keys of both collections
func (self *ParsedPackage) Keys() []string {
	keys := self.Snapshots.Names()
	keys = append(keys, self.Incrementals.Names()...)
	return keys
}

type PackageDiff struct {
	Snapshots    []string
	Incrementals []string
}

func (self PackageDiff) Len() int {
	return len(self.Snapshots) + len(self.Incrementals)
}

func (self PackageDiff) Keys() []string {
	keys := append([]string{}, self.Snapshots...)
	return append(keys, self.Incrementals...)
}

// DiffEntries returns the keys of `next` that `prev` does not have,
// comparing snapshots to snapshots and incrementals to incrementals.
func DiffEntries(prev *ParsedPackage, next *ParsedPackage) PackageDiff {
	diff := func(prevCollection *FileTree, nextCollection *FileTree) []string {
		keys := []string{}
		for _, key := range nextCollection.Names() {
			if _, ok := prevCollection.Child(key); !ok {
				keys = append(keys, key)
			}
		}
		return keys
	}
	return PackageDiff{
		Snapshots:    diff(prev.Snapshots, next.Snapshots),
		Incrementals: diff(prev.Incrementals, next.Incrementals),
	}
}

// withIncrementals returns a new package with `blobs` added to incrementals.
func (self *Package) withIncrementals(blobs map[string][]byte) *Package {
	incrementals, ok := self.root.Child(PackageIncrementalsName)
	if !ok {
		incrementals = EmptyDir()
	}
	entries := map[string]*FileTree{}
	for key, blob := range blobs {
		entries[key] = NewFile(blob)
	}
	return NewPackage(self.root.WithChild(PackageIncrementalsName, incrementals.WithChildren(entries)))
}

// withSnapshot returns a new package whose only entry is the given snapshot.
func (self *Package) withSnapshot(snapshotKey string, snapshot []byte) *Package {
	return NewPackage(self.root.WithChildren(map[string]*FileTree{
		PackageSnapshotsName: NewDir(map[string]*FileTree{
			snapshotKey: NewFile(snapshot),
		}),
		PackageIncrementalsName: EmptyDir(),
	}))
}
