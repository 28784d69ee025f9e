package docstore

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/storage"
	"github.com/viant/afs/url"
)

// PackageStorage persists packages as directory trees on any afs location
// (local paths, file://, mem://, ...).
type PackageStorage struct {
	fs afs.Service
}

func NewPackageStorage() *PackageStorage {
	return NewPackageStorageWithService(afs.New())
}

func NewPackageStorageWithService(fs afs.Service) *PackageStorage {
	return &PackageStorage{
		fs: fs,
	}
}

func (self *PackageStorage) Service() afs.Service {
	return self.fs
}

// NormalizeLocation turns a plain OS path into a file URL. URLs pass through.
func NormalizeLocation(location string) (string, error) {
	norm := location
	if url.Scheme(norm, "") == "" && url.IsRelative(norm) {
		var err error
		norm, err = filepath.Abs(norm)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path for %s: %w", location, err)
		}
	}
	if url.Scheme(norm, "") == "" && !url.IsRelative(norm) {
		norm = url.ToFileURL(norm)
	}
	return strings.TrimSuffix(norm, "/"), nil
}

func (self *PackageStorage) Exists(ctx context.Context, location string) (bool, error) {
	norm, err := NormalizeLocation(location)
	if err != nil {
		return false, err
	}
	if err := self.finishReplace(ctx, norm); err != nil {
		return false, err
	}
	return self.fs.Exists(ctx, norm)
}

// Read loads the tree at `location`, first finishing an interrupted write.
// The layout is not validated; use `ParsePackage`.
func (self *PackageStorage) Read(ctx context.Context, location string) (*Package, error) {
	norm, err := NormalizeLocation(location)
	if err != nil {
		return nil, err
	}
	if err := self.finishReplace(ctx, norm); err != nil {
		return nil, err
	}
	exists, err := self.fs.Exists(ctx, norm)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("package %s does not exist", location)
	}
	root, err := self.readTree(ctx, norm)
	if err != nil {
		return nil, err
	}
	return NewPackage(root), nil
}

func (self *PackageStorage) readTree(ctx context.Context, location string) (*FileTree, error) {
	objects, err := self.children(ctx, location)
	if err != nil {
		return nil, err
	}
	children := map[string]*FileTree{}
	for _, object := range objects {
		name := object.Name()
		if object.IsDir() {
			child, err := self.readTree(ctx, url.Join(location, name))
			if err != nil {
				return nil, err
			}
			children[name] = child
			continue
		}
		contents, err := self.fs.Download(ctx, object)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", object.URL(), err)
		}
		children[name] = NewFile(contents)
	}
	return NewDir(children), nil
}

// children lists a directory without the directory itself
func (self *PackageStorage) children(ctx context.Context, location string) ([]storage.Object, error) {
	objects, err := self.fs.List(ctx, location)
	if err != nil {
		return nil, err
	}
	locationPath := strings.TrimSuffix(url.Path(location), "/")
	children := []storage.Object{}
	for _, object := range objects {
		if object.IsDir() && strings.TrimSuffix(url.Path(object.URL()), "/") == locationPath {
			continue
		}
		children = append(children, object)
	}
	return children, nil
}

// Write makes the tree at `location` match `pkg`. Entries are immutable, so
// when the snapshot is unchanged only missing incrementals are uploaded in
// place. A package with a new snapshot, e.g. after compaction, is written in
// full to a staging sibling and swapped in by rename, so the location never
// holds more than one snapshot.
func (self *PackageStorage) Write(ctx context.Context, location string, pkg *Package) error {
	norm, err := NormalizeLocation(location)
	if err != nil {
		return err
	}
	if err := self.finishReplace(ctx, norm); err != nil {
		return err
	}
	sameSnapshots, err := self.hasSnapshots(ctx, norm, pkg)
	if err != nil {
		return err
	}
	if sameSnapshots {
		return self.writeInPlace(ctx, norm, pkg)
	}
	return self.replace(ctx, norm, pkg)
}

// stagingLocations are hidden siblings that keep the package extension
func stagingLocations(location string) (staging string, replaced string) {
	parent, name := splitLocation(location)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	staging = url.Join(parent, fmt.Sprintf(".%s.staging%s", stem, ext))
	replaced = url.Join(parent, fmt.Sprintf(".%s.replaced%s", stem, ext))
	return
}

// hasSnapshots is true when the stored snapshots are exactly the snapshots of `pkg`
func (self *PackageStorage) hasSnapshots(ctx context.Context, location string, pkg *Package) (bool, error) {
	snapshots, ok := pkg.root.Child(PackageSnapshotsName)
	if !ok {
		return false, nil
	}
	snapshotsLocation := url.Join(location, PackageSnapshotsName)
	exists, err := self.fs.Exists(ctx, snapshotsLocation)
	if err != nil || !exists {
		return false, err
	}
	objects, err := self.children(ctx, snapshotsLocation)
	if err != nil {
		return false, err
	}
	if len(objects) != snapshots.Len() {
		return false, nil
	}
	for _, object := range objects {
		if _, ok := snapshots.Child(object.Name()); !ok {
			return false, nil
		}
	}
	return true, nil
}

func (self *PackageStorage) writeInPlace(ctx context.Context, location string, pkg *Package) error {
	uploaded := 0
	if err := self.writeTree(ctx, location, pkg.root, &uploaded); err != nil {
		return err
	}
	deleted := 0
	if incrementals, ok := pkg.root.Child(PackageIncrementalsName); ok {
		if err := self.deleteExtraneous(ctx, url.Join(location, PackageIncrementalsName), incrementals, &deleted); err != nil {
			return err
		}
	}
	glog.V(1).Infof("[storage]write %s uploaded=%d deleted=%d\n", location, uploaded, deleted)
	return nil
}

// replace moves the current tree aside, renames the staged tree into place
// and then drops the old tree. `finishReplace` finishes any of these steps after
// an interruption.
func (self *PackageStorage) replace(ctx context.Context, location string, pkg *Package) error {
	staging, replaced := stagingLocations(location)
	if exists, err := self.fs.Exists(ctx, staging); err != nil {
		return err
	} else if exists {
		if err := self.fs.Delete(ctx, staging); err != nil {
			return fmt.Errorf("failed to delete %s: %w", staging, err)
		}
	}
	uploaded := 0
	if err := self.writeTree(ctx, staging, pkg.root, &uploaded); err != nil {
		return err
	}

	exists, err := self.fs.Exists(ctx, location)
	if err != nil {
		return err
	}
	if exists {
		if err := self.fs.Move(ctx, location, replaced); err != nil {
			return fmt.Errorf("failed to move %s: %w", location, err)
		}
	}
	if err := self.fs.Move(ctx, staging, location); err != nil {
		return fmt.Errorf("failed to move %s: %w", staging, err)
	}
	if exists {
		if err := self.fs.Delete(ctx, replaced); err != nil {
			return fmt.Errorf("failed to delete %s: %w", replaced, err)
		}
	}
	glog.V(1).Infof("[storage]replace %s uploaded=%d\n", location, uploaded)
	return nil
}

// finishReplace completes an interrupted `replace`. The staged tree is complete
// whenever the old tree was moved aside.
func (self *PackageStorage) finishReplace(ctx context.Context, location string) error {
	staging, replaced := stagingLocations(location)
	replacedExists, err := self.fs.Exists(ctx, replaced)
	if err != nil {
		return err
	}
	exists, err := self.fs.Exists(ctx, location)
	if err != nil {
		return err
	}
	stagingExists, err := self.fs.Exists(ctx, staging)
	if err != nil {
		return err
	}

	if replacedExists && !exists {
		source := replaced
		if stagingExists {
			source = staging
			stagingExists = false
		}
		glog.Infof("[storage]recover %s from %s\n", location, source)
		if err := self.fs.Move(ctx, source, location); err != nil {
			return fmt.Errorf("failed to move %s: %w", source, err)
		}
		exists = true
	}
	if !exists {
		return nil
	}
	if replacedExists {
		if err := self.fs.Delete(ctx, replaced); err != nil {
			return fmt.Errorf("failed to delete %s: %w", replaced, err)
		}
	}
	if stagingExists {
		// staged but never swapped in, the location still holds a complete package
		if err := self.fs.Delete(ctx, staging); err != nil {
			return fmt.Errorf("failed to delete %s: %w", staging, err)
		}
	}
	return nil
}

func (self *PackageStorage) writeTree(ctx context.Context, location string, tree *FileTree, uploaded *int) error {
	exists, err := self.fs.Exists(ctx, location)
	if err != nil {
		return err
	}
	if !exists {
		if err := self.fs.Create(ctx, location, file.DefaultDirOsMode, true); err != nil {
			return fmt.Errorf("failed to create %s: %w", location, err)
		}
	}
	for _, name := range tree.Names() {
		child, _ := tree.Child(name)
		childLocation := url.Join(location, name)
		if child.IsDir() {
			if err := self.writeTree(ctx, childLocation, child, uploaded); err != nil {
				return err
			}
			continue
		}
		contents, _ := child.Contents()
		if exists, err := self.fs.Exists(ctx, childLocation); err != nil {
			return err
		} else if exists {
			if name != PackageIdName {
				continue
			}
			current, err := self.fs.DownloadWithURL(ctx, childLocation)
			if err == nil && bytes.Equal(current, contents) {
				continue
			}
		}
		if err := self.fs.Upload(ctx, childLocation, file.DefaultFileOsMode, bytes.NewReader(contents)); err != nil {
			return fmt.Errorf("failed to upload %s: %w", childLocation, err)
		}
		*uploaded += 1
	}
	return nil
}

func (self *PackageStorage) deleteExtraneous(ctx context.Context, location string, tree *FileTree, deleted *int) error {
	objects, err := self.children(ctx, location)
	if err != nil {
		return err
	}
	for _, object := range objects {
		if _, ok := tree.Child(object.Name()); ok {
			continue
		}
		if err := self.fs.Delete(ctx, object.URL()); err != nil {
			return fmt.Errorf("failed to delete %s: %w", object.URL(), err)
		}
		*deleted += 1
	}
	return nil
}

// Delete removes the package tree at `location`.
func (self *PackageStorage) Delete(ctx context.Context, location string) error {
	norm, err := NormalizeLocation(location)
	if err != nil {
		return err
	}
	return self.fs.Delete(ctx, norm)
}
