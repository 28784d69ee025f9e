package docstore

import (
	"errors"
	"fmt"
)

// error type checking:
//   sentinel errors are checked with errors.Is(err, ErrX)
//   typed errors are checked with errors.As(err, &typedErr)

// used for merge and reconcile
var (
	ErrIdentityMismatch = errors.New("package belongs to a different document")
)

// used for the store lifecycle
var (
	ErrStoreClosed = errors.New("document store is closed")
)

// used for sharing
var (
	ErrSharingClosed = errors.New("sharing service is closed")
	ErrNotShared     = errors.New("document is not shared")
)

// MalformedPackageError is a structural validation failure of a package.
type MalformedPackageError struct {
	Reason string
	Err    error
}

func malformedPackage(reason string) error {
	return &MalformedPackageError{Reason: reason}
}

func (self *MalformedPackageError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("malformed package: %s: %s", self.Reason, self.Err)
	}
	return fmt.Sprintf("malformed package: %s", self.Reason)
}

func (self *MalformedPackageError) Unwrap() error {
	return self.Err
}

func IsMalformedPackage(err error) bool {
	var malformedErr *MalformedPackageError
	return errors.As(err, &malformedErr)
}
