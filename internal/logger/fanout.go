package logger

import (
	"context"
	"errors"
	"log/slog"
)

// fanoutHandler sends each record to every sink whose level admits it.
// Sinks are filtered per record, so a debug file sink does not leak debug
// lines onto an info console.
type fanoutHandler struct {
	sinks []slog.Handler
}

func newFanoutHandler(sinks ...slog.Handler) slog.Handler {
	kept := make([]slog.Handler, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &fanoutHandler{sinks: kept}
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range h.sinks {
		if s.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

//nolint:gocritic // slog.Handler passes records by value
func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, s := range h.sinks {
		if !s.Enabled(ctx, record.Level) {
			continue
		}
		// sinks may retain attrs, give each its own copy
		if err := s.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(s slog.Handler) slog.Handler { return s.WithAttrs(attrs) })
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.derive(func(s slog.Handler) slog.Handler { return s.WithGroup(name) })
}

func (h *fanoutHandler) derive(fn func(slog.Handler) slog.Handler) *fanoutHandler {
	out := &fanoutHandler{sinks: make([]slog.Handler, len(h.sinks))}
	for i, s := range h.sinks {
		out.sinks[i] = fn(s)
	}
	return out
}
