package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
)

type MergeResult struct {
	// blobs applied to the document
	Applied int
	// blobs that failed to decode or apply
	Skipped int
	// local entries missing from the adopted package, queued for the next flush
	Requeued int
}

func (self MergeResult) String() string {
	return fmt.Sprintf("applied=%d skipped=%d requeued=%d", self.Applied, self.Skipped, self.Requeued)
}

// MergeExternal merges a revision of the same document read from outside,
// e.g. a newer copy written by a file sync provider, and adopts it as the
// baseline package.
//
// Only entries whose keys are new to the local package are applied. A blob
// that fails to apply is logged and skipped.
// Local history missing from `incoming` is queued as one delta for the next
// flush. On `ErrIdentityMismatch`, a malformed `incoming` or a snapshot that
// does not decode nothing changes.
func (self *SnapshotLog) MergeExternal(incoming *Package) (MergeResult, error) {
	result := MergeResult{}

	if incoming == self.pkg {
		return result, nil
	}
	parsed, err := ParsePackage(incoming)
	if err != nil {
		return result, err
	}
	if parsed.Id != self.id {
		return result, fmt.Errorf("%w: %s, expected %s", ErrIdentityMismatch, parsed.Id, self.id)
	}

	// the state a reader of `incoming` alone reaches
	replayed, err := replayPackage(self.codec, parsed)
	if err != nil {
		return result, err
	}

	if err := self.MarkIfDirty(); err != nil {
		return result, err
	}
	self.Flush()

	local := self.parsed
	for _, key := range DiffEntries(local, parsed).Keys() {
		if local.HasKey(key) {
			continue
		}
		blob, _ := parsed.Blob(key)
		if self.apply(key, blob) {
			result.Applied += 1
		} else {
			result.Skipped += 1
		}
	}

	// local history the adopted package does not cover goes into one delta
	heads := self.codec.Heads(self.doc)
	incomingHeads := self.codec.Heads(replayed)
	if !heads.Equal(incomingHeads) {
		if blob, err := self.codec.EncodeChangesSince(self.doc, incomingHeads); err == nil {
			self.unsavedChanges[heads.Key()] = blob
			result.Requeued += 1
		} else {
			glog.Infof("[merge]%s encode changes since %s = %s\n", self.id, incomingHeads, err)
			for _, key := range local.Keys() {
				if parsed.HasKey(key) {
					continue
				}
				blob, _ := local.Blob(key)
				self.unsavedChanges[key] = blob
				result.Requeued += 1
			}
		}
	}

	self.pkg = incoming
	self.parsed = parsed
	self.marker = heads
	glog.V(1).Infof("[merge]%s %s\n", self.id, result)
	return result, nil
}

// ReconcileSibling folds the unique entries of a conflicting sibling package
// into this package. Unlike `MergeExternal` the local package stays the
// baseline. Reconciling the same sibling again changes nothing.
func (self *SnapshotLog) ReconcileSibling(sibling *Package) (MergeResult, error) {
	result := MergeResult{}

	parsed, err := ParsePackage(sibling)
	if err != nil {
		return result, err
	}
	if parsed.Id != self.id {
		return result, fmt.Errorf("%w: %s, expected %s", ErrIdentityMismatch, parsed.Id, self.id)
	}

	if err := self.MarkIfDirty(); err != nil {
		return result, err
	}
	self.Flush()

	// one snapshot per package, so sibling snapshots fold in as incrementals
	folded := map[string][]byte{}
	for _, key := range parsed.Keys() {
		if self.parsed.HasKey(key) {
			continue
		}
		blob, _ := parsed.Blob(key)
		if self.apply(key, blob) {
			folded[key] = blob
			result.Applied += 1
		} else {
			result.Skipped += 1
		}
	}
	if 0 < len(folded) {
		self.setPackage(self.pkg.withIncrementals(folded))
		self.marker = self.codec.Heads(self.doc)
	}
	glog.V(1).Infof("[reconcile]%s %s\n", self.id, result)
	return result, nil
}

func (self *SnapshotLog) apply(key string, blob []byte) bool {
	if err := self.codec.ApplyEncodedChanges(self.doc, blob); err != nil {
		glog.Infof("[merge]%s skip %s = %s\n", self.id, key, err)
		return false
	}
	return true
}

// ConflictVersion is one unresolved sibling revision of a document package,
// as reported by the host.
type ConflictVersion interface {
	Location() string
	Package(ctx context.Context) (*Package, error)
	// Resolve marks the sibling resolved, e.g. by removing it
	Resolve(ctx context.Context) error
}

// ConflictDetector lists the unresolved sibling revisions of the package at a location.
type ConflictDetector interface {
	Conflicts(ctx context.Context, location string) ([]ConflictVersion, error)
}

type ReconcileReport struct {
	Resolved []string
	// siblings left unresolved, by location
	Failed map[string]error
	MergeResult
}

// PersistFunction durably writes the canonical package.
type PersistFunction = func(pkg *Package) error

// ReconcileConflicts folds every sibling revision at `location` into the
// store, persists the canonical package, and only then resolves the folded
// siblings. A sibling that cannot be read or belongs to another document
// stays unresolved and is reported in the returned error. When `persist`
// fails no sibling is resolved.
func (self *DocumentStore) ReconcileConflicts(
	ctx context.Context,
	detector ConflictDetector,
	location string,
	persist PersistFunction,
) (*ReconcileReport, error) {
	versions, err := detector.Conflicts(ctx, location)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		Failed: map[string]error{},
	}
	folded := []ConflictVersion{}
	for _, version := range versions {
		err := func() error {
			pkg, err := version.Package(ctx)
			if err != nil {
				return err
			}
			result, err := self.ReconcileSibling(pkg)
			if err != nil {
				return err
			}
			report.Applied += result.Applied
			report.Skipped += result.Skipped
			return nil
		}()
		if err != nil {
			glog.Infof("[reconcile]%s sibling %s = %s\n", self.id, version.Location(), err)
			report.Failed[version.Location()] = err
			continue
		}
		folded = append(folded, version)
	}

	if 0 < len(folded) {
		pkg, err := self.Flush()
		if err == nil {
			err = persist(pkg)
		}
		if err != nil {
			glog.Infof("[reconcile]%s persist = %s\n", self.id, err)
			for _, version := range folded {
				report.Failed[version.Location()] = fmt.Errorf("persist: %w", err)
			}
			folded = nil
		}
	}
	for _, version := range folded {
		if err := version.Resolve(ctx); err != nil {
			glog.Infof("[reconcile]%s resolve %s = %s\n", self.id, version.Location(), err)
			report.Failed[version.Location()] = err
			continue
		}
		report.Resolved = append(report.Resolved, version.Location())
	}

	if 0 < len(report.Failed) {
		errs := []error{}
		for location, err := range report.Failed {
			errs = append(errs, fmt.Errorf("%s: %w", location, err))
		}
		return report, errors.Join(errs...)
	}
	return report, nil
}
