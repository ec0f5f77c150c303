package content

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is an explicit lookup miss. Callers decide whether it is
	// user-facing or a silent no-op; it is never fatal.
	ErrNotFound = errors.New("content object not found")

	// ErrAlreadyResolved guards against double-applying a merge or
	// rejection to a branch that was already archived.
	ErrAlreadyResolved = errors.New("branch already resolved")

	// ErrWriteConflict means a concurrent writer superseded the tip this
	// operation was based on. The whole operation can be retried.
	ErrWriteConflict = errors.New("concurrent write conflict")

	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidInput wraps request validation failures so the transport
	// layer can distinguish them from internal errors.
	ErrInvalidInput = errors.New("invalid input")
)

// BranchConflictError reports that the user already has a live branch for
// this object, carrying its identifier so the caller can redirect to it.
type BranchConflictError struct {
	StaticID         string
	ExistingBranchID string
}

func (e *BranchConflictError) Error() string {
	return fmt.Sprintf("branch already exists for %s: %s", e.StaticID, e.ExistingBranchID)
}

// MergeConflictError reports that the published tip advanced after the
// branch was forked. It carries both the original base and the diverged
// current tip so the caller can re-present the branch content against the
// new base.
type MergeConflictError struct {
	BranchID     string
	BaseID       string
	CurrentTipID string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on %s: base %s, current tip %s", e.BranchID, e.BaseID, e.CurrentTipID)
}
