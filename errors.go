package cooper

import (
	"os"

	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/internal/barrel"
	"github.com/gocooper/cooper/internal/posting"
)

// Sentinel errors. Wrapped errors carry context; match with errors.Is
// or the helpers below.
var (
	// ErrCorrupt marks an on-disk invariant violation. The affected
	// barrel is quarantined; the engine refuses to open it until
	// repaired.
	ErrCorrupt = xerrors.New("cooper: corrupt index data")

	// ErrOutOfBound marks an id outside its permitted range, e.g. a
	// document id that does not extend the monotone sequence.
	ErrOutOfBound = xerrors.New("cooper: id out of bounds")

	// ErrBusy marks an operation that conflicts with a merge in
	// progress; it is safe to retry.
	ErrBusy = xerrors.New("cooper: busy")

	// ErrConfig marks an invalid configuration, rejected at open time.
	ErrConfig = xerrors.New("cooper: invalid configuration")

	// ErrClosed marks use of an index after Close.
	ErrClosed = xerrors.New("cooper: index closed")
)

// IsCorrupt reports whether err stems from corrupt index data at any
// layer.
func IsCorrupt(err error) bool {
	return xerrors.Is(err, ErrCorrupt) ||
		xerrors.Is(err, barrel.ErrCorrupt) ||
		posting.IsCorrupt(err)
}

// IsNotExist reports whether err means a file or key was absent. Absent
// terms and keys are normal results, not errors; this helper is for the
// file layer.
func IsNotExist(err error) bool {
	return os.IsNotExist(err)
}
