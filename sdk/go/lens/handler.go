package lens

import (
	"context"
	"log/slog"
)

// Handler is a slog.Handler that ships every record through a Client. Wrap
// it with your existing handler via a fanout if you also want local output.
type Handler struct {
	client *Client
	level  slog.Leveler
	logger string
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a slog handler shipping to the given client. Records
// below level are discarded. A nil level ships info and above.
func NewHandler(client *Client, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{client: client, level: level}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	attrs := make(map[string]any, rec.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[h.key(a.Key)] = a.Value.Resolve().Any()
	}

	out := Record{
		Timestamp: rec.Time,
		Level:     levelName(rec.Level),
		Logger:    h.logger,
		Message:   rec.Message,
	}
	rec.Attrs(func(a slog.Attr) bool {
		key := h.key(a.Key)
		val := a.Value.Resolve().Any()
		switch key {
		case "request_id":
			out.RequestID, _ = val.(string)
		case "trace_id":
			out.TraceID, _ = val.(string)
		case "user_id":
			out.UserID, _ = val.(string)
		case "event":
			out.Event, _ = val.(string)
		default:
			attrs[key] = val
		}
		return true
	})
	if len(attrs) > 0 {
		out.Attrs = attrs
	}

	h.client.Log(out)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

// WithLogger returns a handler that tags records with a logger name.
func (h *Handler) WithLogger(name string) *Handler {
	clone := *h
	clone.logger = name
	return &clone
}

// key prefixes an attribute key with the open groups, dot-separated.
func (h *Handler) key(k string) string {
	for i := len(h.groups) - 1; i >= 0; i-- {
		k = h.groups[i] + "." + k
	}
	return k
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
