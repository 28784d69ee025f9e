package docstore

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testPackage(t *testing.T) (*Package, DocumentId) {
	codec := NewAutomergeCodec()
	doc := codec.NewDocument()
	assert.Equal(t, nil, codec.PutCounter(doc, DefaultCountKey, 0))
	id := NewDocumentId()
	log := NewSnapshotLog(codec, id, doc)
	return log.Package(), id
}

func TestFileTree(t *testing.T) {
	tree := NewDir(map[string]*FileTree{
		"b": NewFile([]byte("b")),
		"a": EmptyDir(),
	})
	assert.Equal(t, []string{"a", "b"}, tree.Names())
	assert.Equal(t, 2, tree.Len())

	b, ok := tree.Child("b")
	assert.Equal(t, true, ok)
	contents, ok := b.Contents()
	assert.Equal(t, true, ok)
	assert.Equal(t, []byte("b"), contents)

	a, _ := tree.Child("a")
	_, ok = a.Contents()
	assert.Equal(t, false, ok)
	_, ok = b.Child("x")
	assert.Equal(t, false, ok)

	next := tree.WithChild("c", NewFile([]byte("c"))).WithoutChild("b")
	assert.Equal(t, []string{"a", "c"}, next.Names())
	// the original is unchanged
	assert.Equal(t, []string{"a", "b"}, tree.Names())

	assert.Equal(t, "root/\n  a/\n  c\n", next.DebugHierarchy("root"))
}

func TestParsePackage(t *testing.T) {
	pkg, id := testPackage(t)
	parsed, err := ParsePackage(pkg)
	assert.Equal(t, nil, err)
	assert.Equal(t, id, parsed.Id)
	assert.Equal(t, 1, parsed.Snapshots.Len())
	assert.Equal(t, 0, parsed.Incrementals.Len())
	assert.Equal(t, 1, parsed.EntryCount())
	assert.Equal(t, true, parsed.HasKey(parsed.SnapshotKey))
	assert.Equal(t, []string{parsed.SnapshotKey}, parsed.Keys())
}

func TestParsePackageMalformed(t *testing.T) {
	pkg, _ := testPackage(t)
	root := pkg.Root()
	snapshots, _ := root.Child(PackageSnapshotsName)

	malformed := map[string]*FileTree{
		"file root":            NewFile([]byte("x")),
		"missing id":           root.WithoutChild(PackageIdName),
		"bad id":               root.WithChild(PackageIdName, NewFile([]byte("not an id"))),
		"id dir":               root.WithChild(PackageIdName, EmptyDir()),
		"missing snapshots":    root.WithoutChild(PackageSnapshotsName),
		"no snapshot":          root.WithChild(PackageSnapshotsName, EmptyDir()),
		"two snapshots":        root.WithChild(PackageSnapshotsName, snapshots.WithChild("other", NewFile([]byte{}))),
		"snapshot dir":         root.WithChild(PackageSnapshotsName, NewDir(map[string]*FileTree{"k": EmptyDir()})),
		"missing incrementals": root.WithoutChild(PackageIncrementalsName),
		"incrementals file":    root.WithChild(PackageIncrementalsName, NewFile([]byte{})),
		"incremental dir":      root.WithChild(PackageIncrementalsName, NewDir(map[string]*FileTree{"k": EmptyDir()})),
	}
	for name, tree := range malformed {
		_, err := ParsePackage(NewPackage(tree))
		if !IsMalformedPackage(err) {
			t.Fatalf("%s: expected malformed package, got %v", name, err)
		}
	}

	_, err := ParsePackage(nil)
	assert.Equal(t, true, IsMalformedPackage(err))
}

func TestDiffEntries(t *testing.T) {
	pkg, _ := testPackage(t)
	prev, err := ParsePackage(pkg)
	assert.Equal(t, nil, err)

	next, err := ParsePackage(pkg.withIncrementals(map[string][]byte{
		"b": []byte("b"),
		"a": []byte("a"),
	}))
	assert.Equal(t, nil, err)

	diff := DiffEntries(prev, next)
	assert.Equal(t, 0, len(diff.Snapshots))
	assert.Equal(t, []string{"a", "b"}, diff.Incrementals)
	assert.Equal(t, 2, diff.Len())
	assert.Equal(t, 0, DiffEntries(next, prev).Len())

	compacted, err := ParsePackage(pkg.withSnapshot("c", prev.Snapshot))
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"c"}, DiffEntries(next, compacted).Keys())
}

func TestPackageCodec(t *testing.T) {
	pkg, id := testPackage(t)
	pkg = pkg.withIncrementals(map[string][]byte{
		"a": []byte("a"),
		"e": {},
	})

	decoded, err := DecodePackage(EncodePackage(pkg))
	assert.Equal(t, nil, err)
	assert.Equal(t, pkg.String(), decoded.String())
	// the encoding is deterministic
	assert.Equal(t, EncodePackage(pkg), EncodePackage(decoded))

	parsed, err := ParsePackage(decoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, id, parsed.Id)
	blob, ok := parsed.Blob("a")
	assert.Equal(t, true, ok)
	assert.Equal(t, []byte("a"), blob)
	blob, ok = parsed.Blob("e")
	assert.Equal(t, true, ok)
	assert.Equal(t, 0, len(blob))

	_, err = DecodePackage([]byte{0xff, 0xff})
	var malformedErr *MalformedPackageError
	assert.Equal(t, true, errors.As(err, &malformedErr))
}

func TestVersionMarker(t *testing.T) {
	a := NewVersionMarker("b", "a", "b")
	b := NewVersionMarker("a", "b")
	assert.Equal(t, []string{"a", "b"}, a.Hashes())
	assert.Equal(t, true, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "[a, b]", a.String())
	assert.NotEqual(t, a.Key(), NewVersionMarker("a").Key())
	assert.Equal(t, 0, NewVersionMarker().Len())
}

func TestDocumentId(t *testing.T) {
	id := NewDocumentId()
	parsed, err := ParseDocumentId(id.String())
	assert.Equal(t, nil, err)
	assert.Equal(t, id, parsed)

	fromBytes, err := DocumentIdFromBytes(id.Bytes())
	assert.Equal(t, nil, err)
	assert.Equal(t, id, fromBytes)

	_, err = ParseDocumentId("nope")
	assert.NotEqual(t, nil, err)
	_, err = DocumentIdFromBytes([]byte{1, 2})
	assert.NotEqual(t, nil, err)
}

func TestFrameCodec(t *testing.T) {
	frame := &Frame{
		Type:       FrameChanges,
		DocumentId: NewDocumentId(),
		Key:        "k",
		Blob:       []byte{1, 2, 3},
	}
	decoded, err := DecodeFrame(EncodeFrame(frame))
	assert.Equal(t, nil, err)
	assert.Equal(t, frame, decoded)

	decoded, err = DecodeFrame(EncodeFrame(&Frame{Type: FrameError, Message: "m"}))
	assert.Equal(t, nil, err)
	assert.Equal(t, DocumentId{}, decoded.DocumentId)
	assert.Equal(t, "m", decoded.Message)

	_, err = DecodeFrame(EncodeFrame(&Frame{Type: FrameType(99)}))
	assert.NotEqual(t, nil, err)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	a := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })
	before := callbacks.Get()
	assert.Equal(t, 2, len(before))

	callbacks.Remove(a)
	callbacks.Remove(a)
	after := callbacks.Get()
	assert.Equal(t, 1, len(after))
	assert.Equal(t, 2, after[0]())
	// earlier snapshots are not modified
	assert.Equal(t, 2, len(before))
	assert.Equal(t, 1, before[0]())
}
