package docstore

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/exp/slices"
)

// VersionMarker is the set of change hashes at the frontier of a document's
// change graph ("heads"). Markers compare for equality only.
type VersionMarker struct {
	// sorted, no duplicates
	hashes []string
}

func NewVersionMarker(hashes ...string) VersionMarker {
	sorted := slices.Clone(hashes)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return VersionMarker{
		hashes: sorted,
	}
}

func (self VersionMarker) Hashes() []string {
	return slices.Clone(self.hashes)
}

func (self VersionMarker) Len() int {
	return len(self.hashes)
}

func (self VersionMarker) Equal(other VersionMarker) bool {
	return slices.Equal(self.hashes, other.hashes)
}

// canonical text form, e.g. `[a1, b2]`
func (self VersionMarker) String() string {
	return "[" + strings.Join(self.hashes, ", ") + "]"
}

// Key is the content key of the blob that produces this marker:
// the hex sha256 of the canonical text form.
func (self VersionMarker) Key() string {
	sum := sha256.Sum256([]byte(self.String()))
	return hex.EncodeToString(sum[:])
}
