package epoch

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	arcerrors "github.com/gezibash/arc-dmls/pkg/errors"
)

func TestRandom(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{0xab}, 64))
	id, err := Random(src, 32)
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	if len(id) != 32 {
		t.Fatalf("len = %d, want 32", len(id))
	}
	if id.IsBootstrap() {
		t.Fatal("random id is bootstrap")
	}

	if _, err := Random(src, 0); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("zero length: got %v", err)
	}
	if _, err := Random(bytes.NewReader([]byte{1, 2}), 32); err == nil {
		t.Fatal("short reader accepted")
	}
}

func TestParse(t *testing.T) {
	id := ID{0xde, 0xad, 0xbe, 0xef}
	got, err := Parse(" " + id.String() + "\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.Equal(id) {
		t.Fatalf("Parse = %x, want %x", got, id)
	}

	b, err := Parse("bootstrap")
	if err != nil || !b.IsBootstrap() {
		t.Fatalf("Parse(bootstrap) = %x, %v", b, err)
	}

	for _, s := range []string{"", "zz", "abc"} {
		_, err := Parse(s)
		if !errors.Is(err, ErrInvalidID) {
			t.Errorf("Parse(%q): got %v, want ErrInvalidID", s, err)
		}
		if !errors.Is(err, arcerrors.ErrInvalidInput) {
			t.Errorf("Parse(%q) does not match ErrInvalidInput", s)
		}
	}
}

func TestStringAndShort(t *testing.T) {
	if Bootstrap.String() != "bootstrap" || Bootstrap.Namespace() != "bootstrap" {
		t.Fatalf("bootstrap renders as %q", Bootstrap.String())
	}

	long := ID(bytes.Repeat([]byte{0x01}, 32))
	if got := long.Short(); got != "0101010101010101..." {
		t.Fatalf("Short = %q", got)
	}
	if long.Namespace() != long.String() || len(long.String()) != 64 {
		t.Fatalf("Namespace = %q", long.Namespace())
	}
	short := ID{0x0a, 0x0b}
	if short.Short() != "0a0b" {
		t.Fatalf("Short = %q", short.Short())
	}
	if strings.Contains(long.Namespace(), "/") {
		t.Fatal("namespace contains a separator")
	}
}

func TestCloneAndCompare(t *testing.T) {
	id := ID{1, 2, 3}
	c := id.Clone()
	c[0] = 9
	if id[0] != 1 {
		t.Fatal("Clone aliases the original")
	}
	if Bootstrap.Clone() != nil {
		t.Fatal("bootstrap clone is not nil")
	}
	if id.Compare(c) >= 0 || c.Compare(id) <= 0 || id.Compare(id.Clone()) != 0 {
		t.Fatal("Compare ordering wrong")
	}
	if id.Equal(c) || !id.Equal(ID{1, 2, 3}) {
		t.Fatal("Equal wrong")
	}
}
