package docstore

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/viant/afs/url"
)

// FsConflictDetector finds conflicting copies that file sync providers leave
// next to a package, e.g. for `notes.count`:
//
//	notes (conflicted copy 2024-05-01).count
//	notes (Alice's conflict).count
//
// Resolving a sibling deletes it.
type FsConflictDetector struct {
	storage *PackageStorage
}

func NewFsConflictDetector(storage *PackageStorage) *FsConflictDetector {
	return &FsConflictDetector{
		storage: storage,
	}
}

func conflictSiblingPattern(name string) *regexp.Regexp {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return regexp.MustCompile(
		"^" + regexp.QuoteMeta(stem) + ` \([^)]*(?i:conflict)[^)]*\)` + regexp.QuoteMeta(ext) + "$",
	)
}

// ConflictSiblingName is the sibling name used for a conflicting copy of `name`.
func ConflictSiblingName(name string, tag string) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s (%s conflict)%s", stem, tag, ext)
}

func (self *FsConflictDetector) Conflicts(ctx context.Context, location string) ([]ConflictVersion, error) {
	norm, err := NormalizeLocation(location)
	if err != nil {
		return nil, err
	}
	parent, name := splitLocation(norm)
	pattern := conflictSiblingPattern(name)

	objects, err := self.storage.children(ctx, parent)
	if err != nil {
		return nil, err
	}
	versions := []ConflictVersion{}
	for _, object := range objects {
		if !object.IsDir() || !pattern.MatchString(object.Name()) {
			continue
		}
		versions = append(versions, &fsConflictVersion{
			storage:  self.storage,
			location: url.Join(parent, object.Name()),
		})
	}
	return versions, nil
}

// splits a normalized location into its parent URL and base name
func splitLocation(location string) (string, string) {
	i := strings.LastIndex(location, "/")
	if i < 0 {
		return "", location
	}
	return location[:i], location[i+1:]
}

type fsConflictVersion struct {
	storage  *PackageStorage
	location string
}

func (self *fsConflictVersion) Location() string {
	return self.location
}

func (self *fsConflictVersion) Package(ctx context.Context) (*Package, error) {
	return self.storage.Read(ctx, self.location)
}

func (self *fsConflictVersion) Resolve(ctx context.Context) error {
	return self.storage.Delete(ctx, self.location)
}
