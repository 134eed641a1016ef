package logbuf

import (
	"context"
	"log/slog"
)

// Handler is an slog.Handler that tees records into a Buffer and forwards
// them to an inner handler. The buffer captures every level at or above its
// own floor regardless of the inner handler's level.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	floor  slog.Level
	attrs  []slog.Attr
	prefix string
}

// NewHandler creates a handler that writes to both buf and inner. The buffer
// captures DEBUG and above.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf, floor: slog.LevelDebug}
}

// WithFloor returns a copy of h that only buffers records at or above l.
func (h *Handler) WithFloor(l slog.Level) *Handler {
	c := *h
	c.floor = l
	return &c
}

func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.floor || h.inner.Enabled(ctx, l)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.floor {
		h.buf.Write(h.entry(r))
	}
	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) entry(r slog.Record) Entry {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = jsonSafe(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.prefix+a.Key] = jsonSafe(a.Value)
		return true
	})
	e := Entry{Time: r.Time, Level: r.Level.String(), Message: r.Message}
	if len(attrs) > 0 {
		e.Attrs = attrs
	}
	return e
}

// jsonSafe resolves v and turns errors into strings so they do not marshal
// to {}.
func jsonSafe(v slog.Value) any {
	raw := v.Resolve().Any()
	if err, ok := raw.(error); ok {
		return err.Error()
	}
	return raw
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(attrs)
	c.attrs = h.attrs[:len(h.attrs):len(h.attrs)]
	for _, a := range attrs {
		c.attrs = append(c.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.inner = h.inner.WithGroup(name)
	c.prefix = h.prefix + name + "."
	return &c
}
