package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ShutdownCoordinator runs cleanup handlers in reverse registration order.
// Handlers run at most once; a second Shutdown is a no-op.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	handlers []shutdownHandler
	done     bool
}

type shutdownHandler struct {
	name string
	fn   func(context.Context) error
}

// Register adds a handler.
func (s *ShutdownCoordinator) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, shutdownHandler{name: name, fn: fn})
}

// Shutdown runs every handler, newest first, and joins their errors.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	handlers := s.handlers
	s.handlers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		slog.DebugContext(ctx, "shutting down", "component", h.name)
		if err := h.fn(ctx); err != nil {
			slog.ErrorContext(ctx, "shutdown failed", "component", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}
