package docstore

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
)

type CompactionSettings struct {
	// compact once the incrementals count exceeds this
	IncrementalThreshold int
	// decode the new snapshot and compare heads before swapping it in
	VerifySnapshot bool
}

func DefaultCompactionSettings() *CompactionSettings {
	return &CompactionSettings{
		IncrementalThreshold: 3,
		VerifySnapshot:       true,
	}
}

func (self *CompactionSettings) Validate() error {
	if self.IncrementalThreshold < 0 {
		return errors.New("compaction settings: IncrementalThreshold cannot be negative")
	}
	return nil
}

// CompactionPolicy folds incrementals into a fresh snapshot once there are
// too many of them.
type CompactionPolicy struct {
	settings *CompactionSettings
}

func NewCompactionPolicyWithDefaults() *CompactionPolicy {
	return NewCompactionPolicy(DefaultCompactionSettings())
}

func NewCompactionPolicy(settings *CompactionSettings) *CompactionPolicy {
	return &CompactionPolicy{
		settings: settings,
	}
}

func (self *CompactionPolicy) Settings() *CompactionSettings {
	return self.settings
}

func (self *CompactionPolicy) ShouldCompact(parsed *ParsedPackage) bool {
	return self.settings.IncrementalThreshold < parsed.Incrementals.Len()
}

// Compact flushes, then replaces the snapshots with one snapshot of the
// current document and clears the incrementals. The document and its marker
// do not change.
func (self *CompactionPolicy) Compact(log *SnapshotLog) (*Package, error) {
	if err := log.MarkIfDirty(); err != nil {
		return nil, err
	}
	log.Flush()

	snapshot := log.codec.EncodeSnapshot(log.doc)
	marker := log.codec.Heads(log.doc)
	if self.settings.VerifySnapshot {
		check, err := log.codec.DecodeSnapshot(snapshot)
		if err != nil {
			return nil, fmt.Errorf("verify snapshot: %w", err)
		}
		if checkMarker := log.codec.Heads(check); !checkMarker.Equal(marker) {
			return nil, fmt.Errorf("verify snapshot: heads %s, expected %s", checkMarker, marker)
		}
	}

	entryCount := log.parsed.EntryCount()
	log.setPackage(log.pkg.withSnapshot(marker.Key(), snapshot))
	glog.V(1).Infof("[compact]%s %d entries -> 1 (%d bytes)\n", log.id, entryCount, len(snapshot))
	return log.pkg, nil
}

// CompactIfNeeded compacts when `ShouldCompact` and reports whether it did.
func (self *CompactionPolicy) CompactIfNeeded(log *SnapshotLog) (*Package, bool, error) {
	if !self.ShouldCompact(log.parsed) {
		return log.pkg, false, nil
	}
	pkg, err := self.Compact(log)
	if err != nil {
		return nil, false, err
	}
	return pkg, true, nil
}
