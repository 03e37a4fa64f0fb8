// Package logging carries the attribute conventions arc-dmls logs with:
// component names, group and epoch ids, and run correlation ids.
package logging

import (
	"context"
	"encoding/hex"
	"log/slog"
)

// Attribute keys shared by every component.
const (
	KeyComponent   = "component"
	KeyGroup       = "group"
	KeyCorrelation = "correlation"
	KeyError       = "error"
)

// Logger is a slog.Logger whose helpers return *Logger so they chain.
type Logger struct {
	*slog.Logger
}

// New wraps base, or slog.Default when base is nil.
func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{Logger: base}
}

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{Logger: l.Logger.With(attrs...)}
}

// WithComponent names the subsystem emitting the record.
func (l *Logger) WithComponent(name string) *Logger {
	return l.with(KeyComponent, name)
}

// WithGroup attaches a group id. It shadows slog.Logger.WithGroup, which
// nests attributes; use Slog().WithGroup for that.
func (l *Logger) WithGroup(groupID []byte) *Logger {
	return l.with(KeyGroup, ID(groupID))
}

// WithEpoch attaches an epoch id under key.
func (l *Logger) WithEpoch(key string, id []byte) *Logger {
	return l.with(key, ID(id))
}

// WithCorrelation tags records belonging to one run or request.
func (l *Logger) WithCorrelation(id string) *Logger {
	return l.with(KeyCorrelation, id)
}

// WithError attaches err, if any.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(KeyError, err.Error())
}

// Slog returns the underlying logger.
func (l *Logger) Slog() *slog.Logger { return l.Logger }

// EnabledAt reports whether level would be logged without a context.
func (l *Logger) EnabledAt(level slog.Level) bool {
	return l.Logger.Enabled(context.Background(), level)
}

// ID is a byte identifier that logs as shortened hex.
type ID []byte

// LogValue implements slog.LogValuer.
func (id ID) LogValue() slog.Value { return slog.StringValue(FormatID(id)) }

func (id ID) String() string { return FormatID(id) }

// FormatID shortens an identifier to at most 16 hex digits. The empty id
// is the bootstrap epoch.
func FormatID(id []byte) string {
	switch {
	case len(id) == 0:
		return "bootstrap"
	case len(id) <= 8:
		return hex.EncodeToString(id)
	}
	return hex.EncodeToString(id[:8]) + "..."
}

// FormatHex shortens an already hex-encoded identifier.
func FormatHex(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16] + "..."
}
