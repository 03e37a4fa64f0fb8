package storage

import (
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Options is the flat key/value configuration handed to one backend.
// Empty values count as unset.
type Options struct {
	backend string
	values  map[string]string
}

// NewOptions layers the given maps for backend; later layers win.
func NewOptions(backend string, layers ...map[string]string) Options {
	values := make(map[string]string)
	for _, l := range layers {
		maps.Copy(values, l)
	}
	return Options{backend: backend, values: values}
}

// Backend is the backend name errors are reported against.
func (o Options) Backend() string { return o.backend }

// Map returns a copy of the layered values.
func (o Options) Map() map[string]string { return maps.Clone(o.values) }

func (o Options) lookup(key string) (string, bool) {
	v, ok := o.values[key]
	return v, ok && v != ""
}

// String returns the value of key, or def when unset.
func (o Options) String(key, def string) string {
	if v, ok := o.lookup(key); ok {
		return v
	}
	return def
}

// Required returns the value of key or a ConfigError when it is unset.
func (o Options) Required(key string) (string, error) {
	v, ok := o.lookup(key)
	if !ok {
		return "", &ConfigError{Backend: o.backend, Key: key, Reason: "required"}
	}
	return v, nil
}

// Path is Required with ~ and environment variables expanded.
func (o Options) Path(key string) (string, error) {
	v, err := o.Required(key)
	if err != nil {
		return "", err
	}
	v = os.ExpandEnv(v)
	if rest, ok := strings.CutPrefix(v, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest), nil
		}
	}
	return filepath.Clean(v), nil
}

// Bool accepts true/false, 1/0 and yes/no in any case.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o.lookup(key)
	if !ok {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, o.Invalid(key, "must be a boolean")
}

// Int parses key as a base 10 integer no smaller than min.
func (o Options) Int(key string, def, min int) (int, error) {
	v, ok := o.lookup(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, o.Fail(key, "must be an integer", err)
	}
	if n < min {
		return 0, o.Invalid(key, "must be at least "+strconv.Itoa(min))
	}
	return n, nil
}

// Duration accepts a Go duration string or a whole number of seconds.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o.lookup(key)
	if !ok {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, o.Invalid(key, "must be a duration such as 5s or a number of seconds")
}

var sizeUnits = []struct {
	suffix string
	shift  uint
}{{"KiB", 10}, {"MiB", 20}, {"GiB", 30}}

// Size accepts a byte count with an optional KiB, MiB or GiB suffix.
func (o Options) Size(key string, def int64) (int64, error) {
	v, ok := o.lookup(key)
	if !ok {
		return def, nil
	}
	num, shift := strings.TrimSpace(v), uint(0)
	for _, u := range sizeUnits {
		if rest, ok := strings.CutSuffix(num, u.suffix); ok {
			num, shift = strings.TrimSpace(rest), u.shift
			break
		}
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 0 || n > (1<<62)>>shift {
		return 0, o.Invalid(key, "must be a byte size such as 1048576 or 64MiB")
	}
	return n << shift, nil
}

// Invalid reports key's current value as unusable.
func (o Options) Invalid(key, reason string) *ConfigError {
	return &ConfigError{Backend: o.backend, Key: key, Value: o.values[key], Reason: reason}
}

// Fail reports that the backend could not start using key.
func (o Options) Fail(key, reason string, err error) *ConfigError {
	return &ConfigError{Backend: o.backend, Key: key, Reason: reason, Err: err}
}
