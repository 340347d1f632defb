package logger

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// zerologHandler adapts a zerolog.Logger to the slog.Handler interface so
// that the rest of the codebase can log through log/slog.
type zerologHandler struct {
	logger *zerolog.Logger
	attrs  []slog.Attr
	group  string
}

func newZerologHandler(logger *zerolog.Logger) *zerologHandler {
	return &zerologHandler{logger: logger}
}

func toZerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level < slog.LevelInfo:
		return zerolog.DebugLevel
	case level < slog.LevelWarn:
		return zerolog.InfoLevel
	case level < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func (h *zerologHandler) Enabled(_ context.Context, level slog.Level) bool {
	return toZerologLevel(level) >= h.logger.GetLevel()
}

func (h *zerologHandler) Handle(_ context.Context, record slog.Record) error {
	event := h.logger.WithLevel(toZerologLevel(record.Level))

	for _, attr := range h.attrs {
		event = appendAttr(event, h.group, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		event = appendAttr(event, h.group, attr)
		return true
	})

	event.Msg(record.Message)
	return nil
}

func appendAttr(event *zerolog.Event, group string, attr slog.Attr) *zerolog.Event {
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}
	return event.Interface(key, attr.Value.Resolve().Any())
}

func (h *zerologHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *zerologHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group = clone.group + "." + name
	}
	return &clone
}
