package docstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func readDirNames(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	assert.Equal(t, nil, err)
	names := []string{}
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestNormalizeLocation(t *testing.T) {
	norm, err := NormalizeLocation("/tmp/a/notes.count/")
	assert.Equal(t, nil, err)
	assert.Equal(t, "file:///tmp/a/notes.count", norm)

	norm, err = NormalizeLocation("mem://localhost/a")
	assert.Equal(t, nil, err)
	assert.Equal(t, "mem://localhost/a", norm)

	parent, name := splitLocation("file:///tmp/a/notes.count")
	assert.Equal(t, "file:///tmp/a", parent)
	assert.Equal(t, "notes.count", name)
}

func TestPackageStorageWriteRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	location := filepath.Join(t.TempDir(), "notes.count")
	storage := NewPackageStorage()

	exists, err := storage.Exists(ctx, location)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, exists)

	countStore := newTestCountStore(t, ctx)
	defer countStore.Close()
	pkg, err := countStore.Store().Save()
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, storage.Write(ctx, location, pkg))

	idBytes, err := os.ReadFile(filepath.Join(location, PackageIdName))
	assert.Equal(t, nil, err)
	assert.Equal(t, countStore.Id().String(), string(idBytes))

	for i := 0; i < 3; i += 1 {
		_, err = countStore.Increment(2)
		assert.Equal(t, nil, err)
		pkg, err = countStore.Store().Save()
		assert.Equal(t, nil, err)
		assert.Equal(t, nil, storage.Write(ctx, location, pkg))
	}
	assert.Equal(t, 3, len(readDirNames(t, filepath.Join(location, PackageIncrementalsName))))

	read, err := storage.Read(ctx, location)
	assert.Equal(t, nil, err)
	assert.Equal(t, pkg.String(), read.String())
	reloaded := loadTestCountStore(t, ctx, read)
	defer reloaded.Close()
	assert.Equal(t, int64(6), requireCount(t, reloaded))

	// compaction removes the replaced entries from disk
	pkg, err = countStore.Store().Compact()
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, storage.Write(ctx, location, pkg))
	assert.Equal(t, 0, len(readDirNames(t, filepath.Join(location, PackageIncrementalsName))))
	assert.Equal(t, 1, len(readDirNames(t, filepath.Join(location, PackageSnapshotsName))))

	read, err = storage.Read(ctx, location)
	assert.Equal(t, nil, err)
	compacted := loadTestCountStore(t, ctx, read)
	defer compacted.Close()
	assert.Equal(t, int64(6), requireCount(t, compacted))
}

func TestPackageStorageReadMissing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := NewPackageStorage().Read(ctx, filepath.Join(t.TempDir(), "missing.count"))
	assert.NotEqual(t, nil, err)
}

func TestConflictSiblingName(t *testing.T) {
	assert.Equal(t, "notes (laptop conflict).count", ConflictSiblingName("notes.count", "laptop"))

	pattern := conflictSiblingPattern("notes.count")
	assert.Equal(t, true, pattern.MatchString("notes (laptop conflict).count"))
	assert.Equal(t, true, pattern.MatchString("notes (Conflicted copy 2024-05-01).count"))
	assert.Equal(t, false, pattern.MatchString("notes.count"))
	assert.Equal(t, false, pattern.MatchString("notes (copy).count"))
	assert.Equal(t, false, pattern.MatchString("other (laptop conflict).count"))
	assert.Equal(t, false, pattern.MatchString("notes (laptop conflict).txt"))
}

func TestReconcileConflicts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	location := filepath.Join(dir, "notes.count")
	storage := NewPackageStorage()

	origin := newTestCountStore(t, ctx)
	defer origin.Close()
	initial, err := origin.Store().Save()
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, storage.Write(ctx, location, initial))

	// a second replica edits offline and its copy lands next to the package
	replica := loadTestCountStore(t, ctx, initial)
	defer replica.Close()
	_, err = replica.Increment(7)
	assert.Equal(t, nil, err)
	replicaPkg, err := replica.Store().Save()
	assert.Equal(t, nil, err)
	siblingLocation := filepath.Join(dir, ConflictSiblingName("notes.count", "replica"))
	assert.Equal(t, nil, storage.Write(ctx, siblingLocation, replicaPkg))

	// another document's package and a file are not conflicts
	stranger := newTestCountStore(t, ctx)
	defer stranger.Close()
	strangerPkg, err := stranger.Store().Save()
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, storage.Write(ctx, filepath.Join(dir, "other.count"), strangerPkg))
	assert.Equal(t, nil, os.WriteFile(filepath.Join(dir, "notes (x conflict).txt"), []byte("x"), 0o644))

	_, err = origin.Increment(1)
	assert.Equal(t, nil, err)

	detector := NewFsConflictDetector(storage)
	versions, err := detector.Conflicts(ctx, location)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(versions))

	persist := func(pkg *Package) error {
		return storage.Write(ctx, location, pkg)
	}
	report, err := origin.Store().ReconcileConflicts(ctx, detector, location, persist)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(report.Resolved))
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, int64(8), requireCount(t, origin))

	_, err = os.Stat(siblingLocation)
	assert.Equal(t, true, os.IsNotExist(err))

	versions, err = detector.Conflicts(ctx, location)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(versions))

	// the canonical package was written before the sibling was removed
	read, err := storage.Read(ctx, location)
	assert.Equal(t, nil, err)
	reloaded := loadTestCountStore(t, ctx, read)
	defer reloaded.Close()
	assert.Equal(t, int64(8), requireCount(t, reloaded))
}

func TestReconcileConflictsOtherDocument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	location := filepath.Join(dir, "notes.count")
	storage := NewPackageStorage()

	a := newTestCountStore(t, ctx)
	defer a.Close()
	aPkg, err := a.Store().Save()
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, storage.Write(ctx, location, aPkg))

	b := newTestCountStore(t, ctx)
	defer b.Close()
	bPkg, err := b.Store().Save()
	assert.Equal(t, nil, err)
	siblingLocation := filepath.Join(dir, ConflictSiblingName("notes.count", "b"))
	assert.Equal(t, nil, storage.Write(ctx, siblingLocation, bPkg))

	persisted := 0
	persist := func(pkg *Package) error {
		persisted += 1
		return storage.Write(ctx, location, pkg)
	}
	report, err := a.Store().ReconcileConflicts(ctx, NewFsConflictDetector(storage), location, persist)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, 0, persisted)
	assert.Equal(t, 0, len(report.Resolved))
	assert.Equal(t, 1, len(report.Failed))

	// the sibling stays for the user to deal with
	_, err = os.Stat(siblingLocation)
	assert.Equal(t, nil, err)
}

func TestReconcileConflictsPersistFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	location := filepath.Join(dir, "notes.count")
	storage := NewPackageStorage()

	origin := newTestCountStore(t, ctx)
	defer origin.Close()
	initial, err := origin.Store().Save()
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, storage.Write(ctx, location, initial))

	replica := loadTestCountStore(t, ctx, initial)
	defer replica.Close()
	_, err = replica.Increment(7)
	assert.Equal(t, nil, err)
	replicaPkg, err := replica.Store().Save()
	assert.Equal(t, nil, err)
	siblingLocation := filepath.Join(dir, ConflictSiblingName("notes.count", "replica"))
	assert.Equal(t, nil, storage.Write(ctx, siblingLocation, replicaPkg))

	detector := NewFsConflictDetector(storage)
	failPersist := func(pkg *Package) error {
		return errors.New("disk full")
	}
	report, err := origin.Store().ReconcileConflicts(ctx, detector, location, failPersist)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, 0, len(report.Resolved))
	assert.Equal(t, 1, len(report.Failed))

	// the sibling keeps the only durable copy of the replica's edit
	_, err = os.Stat(siblingLocation)
	assert.Equal(t, nil, err)
	read, err := storage.Read(ctx, location)
	assert.Equal(t, nil, err)
	onDisk := loadTestCountStore(t, ctx, read)
	defer onDisk.Close()
	assert.Equal(t, int64(0), requireCount(t, onDisk))

	// a retry persists and then resolves
	persist := func(pkg *Package) error {
		return storage.Write(ctx, location, pkg)
	}
	report, err = origin.Store().ReconcileConflicts(ctx, detector, location, persist)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(report.Resolved))
	_, err = os.Stat(siblingLocation)
	assert.Equal(t, true, os.IsNotExist(err))
	read, err = storage.Read(ctx, location)
	assert.Equal(t, nil, err)
	reloaded := loadTestCountStore(t, ctx, read)
	defer reloaded.Close()
	assert.Equal(t, int64(7), requireCount(t, reloaded))
}
