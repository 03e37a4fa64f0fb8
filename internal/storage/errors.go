// Package storage reads epochstore backend options and reports the ones
// a backend cannot use.
package storage

import (
	"fmt"
	"strings"

	arcerrors "github.com/gezibash/arc-dmls/pkg/errors"
)

// ConfigError reports a backend that could not be built from its options.
// It matches arcerrors.ErrInvalidInput.
type ConfigError struct {
	Backend string
	// Key is empty when the failure is not tied to one option.
	Key    string
	Value  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "epochstore backend %s", e.Backend)
	switch {
	case e.Key != "" && e.Value != "":
		fmt.Fprintf(&b, ": %s=%q", e.Key, e.Value)
	case e.Key != "":
		fmt.Fprintf(&b, ": %s", e.Key)
	}
	b.WriteString(": " + e.Reason)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == arcerrors.ErrInvalidInput }
