package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/gezibash/arc-dmls/internal/storage"
)

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]string
	}{
		{"empty addr", map[string]string{KeyAddr: ""}},
		{"bad db", map[string]string{KeyAddr: "localhost:1", KeyDB: "x"}},
		{"negative db", map[string]string{KeyAddr: "localhost:1", KeyDB: "-1"}},
		{"bad timeout", map[string]string{KeyAddr: "localhost:1", KeyDialTimeout: "later"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFactory(context.Background(), tt.cfg)
			var ce *storage.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("got %v, want *storage.ConfigError", err)
			}
		})
	}
}

func TestNamespaceKey(t *testing.T) {
	b := NewWithClient(nil, "")
	if got := b.nsKey("ab01"); got != "arc:dmls:ns:ab01" {
		t.Fatalf("nsKey = %q", got)
	}
}
