package dmls

import (
	"errors"
	"fmt"

	"github.com/gezibash/arc-dmls/pkg/epoch"
	"github.com/gezibash/arc-dmls/pkg/mls"
)

var (
	// ErrIncompatibleMessageType indicates an envelope whose inner message
	// is neither a public nor a private group message.
	ErrIncompatibleMessageType = errors.New("dmls: incompatible message type")

	// ErrEpochMismatch indicates an envelope tagged with an epoch other
	// than the view's. Load the view for that epoch with LoadForEpoch.
	ErrEpochMismatch = errors.New("dmls: message addressed to another epoch")

	// ErrGroupNotFound indicates no persisted state for a (group, epoch).
	ErrGroupNotFound = errors.New("dmls: group not found for epoch")

	// ErrCommitAlreadyMerged indicates a commit whose init secret output
	// was punctured by an earlier merge from the same epoch. It also
	// matches mls.ErrInitSecretPunctured.
	ErrCommitAlreadyMerged = errors.New("dmls: commit already merged from this epoch")

	// ErrInconsistentEpochState is matched by every *InconsistentStateError.
	ErrInconsistentEpochState = errors.New("dmls: inconsistent epoch state")

	// ErrUseAfterEviction is the protocol core's lifecycle guard error.
	ErrUseAfterEviction = mls.ErrUseAfterEviction
)

// StorageError reports a failed epoch store operation outside a fork.
type StorageError struct {
	Op    string
	Epoch epoch.ID
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("dmls: storage %s on epoch %s: %v", e.Op, e.Epoch.Short(), e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// InconsistentStateError reports a failure after a fork started. Storage
// may hold a partially migrated epoch; retrying the call risks puncturing
// twice, so the view that raised it refuses further work and an operator
// must inspect the listed namespaces.
type InconsistentStateError struct {
	Op   string
	Step int
	// Scratch is the temporary namespace, if it may still exist.
	Scratch epoch.ID
	// Epoch is the source epoch of the fork, when known.
	Epoch epoch.ID
	Err   error
}

func (e *InconsistentStateError) Error() string {
	msg := fmt.Sprintf("dmls: inconsistent epoch state: %s step %d", e.Op, e.Step)
	if len(e.Epoch) > 0 {
		msg += " from epoch " + e.Epoch.Short()
	}
	if len(e.Scratch) > 0 {
		msg += " (scratch " + e.Scratch.String() + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *InconsistentStateError) Unwrap() error { return e.Err }

func (e *InconsistentStateError) Is(target error) bool {
	return target == ErrInconsistentEpochState
}

func wrapStorage(op string, id epoch.ID, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Epoch: id.Clone(), Err: err}
}
