// Package epoch defines epoch identifiers and the storage contracts used to
// keep several forks of one group's state alive side by side.
package epoch

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	arcerrors "github.com/gezibash/arc-dmls/pkg/errors"
)

// Label is the exporter label used to derive an epoch id from group state.
const Label = "DMLS epoch ID"

// bootstrapNamespace addresses state that exists before any group does,
// such as key-package private material.
const bootstrapNamespace = "bootstrap"

// ErrInvalidID indicates an epoch id that cannot be parsed or used.
var ErrInvalidID = fmt.Errorf("epoch id: %w", arcerrors.ErrInvalidInput)

// ID is an opaque identifier for one fork of a group's state. Its length
// equals the hash output length of the group's ciphersuite.
type ID []byte

// Bootstrap is the zero-length id. It never names a group epoch.
var Bootstrap = ID(nil)

// Random draws n bytes from r.
func Random(r io.Reader, n int) (ID, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidID, n)
	}
	id := make(ID, n)
	if _, err := io.ReadFull(r, id); err != nil {
		return nil, fmt.Errorf("read random epoch id: %w", err)
	}
	return id, nil
}

// Parse decodes a hex-encoded id.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == bootstrapNamespace {
		return Bootstrap, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(b), nil
}

// IsBootstrap reports whether id is the zero-length bootstrap id.
func (id ID) IsBootstrap() bool { return len(id) == 0 }

// Equal reports whether both ids hold the same bytes.
func (id ID) Equal(other ID) bool { return bytes.Equal(id, other) }

// Compare orders ids by byte content.
func (id ID) Compare(other ID) int { return bytes.Compare(id, other) }

// Clone returns a copy that does not alias id.
func (id ID) Clone() ID {
	if id == nil {
		return nil
	}
	return append(ID(nil), id...)
}

// String returns the full hex encoding.
func (id ID) String() string {
	if id.IsBootstrap() {
		return bootstrapNamespace
	}
	return hex.EncodeToString(id)
}

// Short returns the first eight bytes in hex, for logs.
func (id ID) Short() string {
	if len(id) <= 8 {
		return id.String()
	}
	return hex.EncodeToString(id[:8]) + "..."
}

// Namespace is the storage namespace that holds this epoch's records.
func (id ID) Namespace() string {
	return id.String()
}
