package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	arcerrors "github.com/gezibash/arc-dmls/pkg/errors"
)

func TestNewOptionsLayering(t *testing.T) {
	defaults := map[string]string{"path": "/default", "sync": "true"}
	user := map[string]string{"path": "/custom", "extra": "x"}
	o := NewOptions("badger", defaults, user, nil)

	want := map[string]string{"path": "/custom", "sync": "true", "extra": "x"}
	got := o.Map()
	if len(got) != len(want) {
		t.Fatalf("Map = %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	got["path"] = "mutated"
	if o.String("path", "") != "/custom" {
		t.Fatal("Map aliases the options")
	}
	if defaults["path"] != "/default" {
		t.Fatal("layering mutated an input")
	}
}

func TestString(t *testing.T) {
	o := NewOptions("s3", map[string]string{"set": "v", "empty": ""})
	if got := o.String("set", "d"); got != "v" {
		t.Errorf("set = %q", got)
	}
	if got := o.String("empty", "d"); got != "d" {
		t.Errorf("empty = %q", got)
	}
	if got := o.String("missing", "d"); got != "d" {
		t.Errorf("missing = %q", got)
	}
}

func TestRequired(t *testing.T) {
	o := NewOptions("s3", map[string]string{"bucket": ""})
	_, err := o.Required("bucket")
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Backend != "s3" || ce.Key != "bucket" {
		t.Fatalf("got %v", err)
	}
	if !errors.Is(err, arcerrors.ErrInvalidInput) {
		t.Fatal("ConfigError does not match ErrInvalidInput")
	}
}

func TestPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	t.Setenv("DMLS_TEST_DIR", "/srv/dmls")

	tests := map[string]string{
		"/abs/./path":           "/abs/path",
		"relative/path":         "relative/path",
		"~/epochs":              filepath.Join(home, "epochs"),
		"$DMLS_TEST_DIR/epochs": "/srv/dmls/epochs",
	}
	for in, want := range tests {
		got, err := NewOptions("sqlite", map[string]string{"path": in}).Path("path")
		if err != nil || got != want {
			t.Errorf("Path(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestBool(t *testing.T) {
	o := NewOptions("badger", map[string]string{"a": "YES", "b": "0", "bad": "maybe"})
	if v, err := o.Bool("a", false); err != nil || !v {
		t.Errorf("a = %v, %v", v, err)
	}
	if v, err := o.Bool("b", true); err != nil || v {
		t.Errorf("b = %v, %v", v, err)
	}
	if v, err := o.Bool("missing", true); err != nil || !v {
		t.Errorf("missing = %v, %v", v, err)
	}
	_, err := o.Bool("bad", false)
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Value != "maybe" {
		t.Fatalf("bad: got %v", err)
	}
}

func TestInt(t *testing.T) {
	o := NewOptions("redis", map[string]string{"db": "4", "neg": "-1", "bad": "abc"})
	if v, err := o.Int("db", 0, 0); err != nil || v != 4 {
		t.Errorf("db = %d, %v", v, err)
	}
	if v, err := o.Int("missing", 2, 0); err != nil || v != 2 {
		t.Errorf("missing = %d, %v", v, err)
	}
	if _, err := o.Int("neg", 0, 0); err == nil {
		t.Error("negative accepted")
	}
	_, err := o.Int("bad", 0, 0)
	var numErr *strconv.NumError
	if !errors.As(err, &numErr) {
		t.Fatalf("bad: got %v, want wrapped parse error", err)
	}
}

func TestDuration(t *testing.T) {
	o := NewOptions("redis", map[string]string{"d": "1m30s", "secs": "10", "bad": "soon"})
	if v, err := o.Duration("d", 0); err != nil || v != 90*time.Second {
		t.Errorf("d = %v, %v", v, err)
	}
	if v, err := o.Duration("secs", 0); err != nil || v != 10*time.Second {
		t.Errorf("secs = %v, %v", v, err)
	}
	if v, err := o.Duration("missing", time.Second); err != nil || v != time.Second {
		t.Errorf("missing = %v, %v", v, err)
	}
	if _, err := o.Duration("bad", 0); err == nil {
		t.Error("bad accepted")
	}
}

func TestSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1048576", 1 << 20, false},
		{"64MiB", 64 << 20, false},
		{"2 GiB", 2 << 30, false},
		{"4KiB", 4 << 10, false},
		{"-1", 0, true},
		{"huge", 0, true},
		{"12TB", 0, true},
	}
	for _, tt := range tests {
		got, err := NewOptions("badger", map[string]string{"s": tt.in}).Size("s", 0)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("Size(%q) = %d, %v", tt.in, got, err)
		}
	}
}

func TestConfigErrorMessage(t *testing.T) {
	cause := errors.New("connection refused")
	tests := []struct {
		err  *ConfigError
		want string
	}{
		{&ConfigError{Backend: "etcd", Reason: "unknown backend"}, "epochstore backend etcd: unknown backend"},
		{&ConfigError{Backend: "s3", Key: "bucket", Reason: "required"}, "epochstore backend s3: bucket: required"},
		{&ConfigError{Backend: "redis", Key: "db", Value: "x", Reason: "must be an integer"}, `epochstore backend redis: db="x": must be an integer`},
		{&ConfigError{Backend: "redis", Key: "addr", Reason: "ping failed", Err: cause}, "epochstore backend redis: addr: ping failed: connection refused"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
	if !errors.Is(tests[3].err, cause) {
		t.Fatal("cause not unwrapped")
	}
}
