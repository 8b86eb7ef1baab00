package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// editorHandler passes records to next and shows warnings and errors in
// the editor through window/logMessage.
type editorHandler struct {
	next   slog.Handler
	notify func(LogMessageParams)
	attrs  []slog.Attr
}

func (h *editorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn || h.next.Enabled(ctx, level)
}

func (h *editorHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}
	if r.Level < slog.LevelWarn {
		return err
	}
	var b strings.Builder
	b.WriteString(r.Message)
	write := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)
	typ := messageWarning
	if r.Level >= slog.LevelError {
		typ = messageError
	}
	h.notify(LogMessageParams{Type: typ, Message: b.String()})
	return err
}

func (h *editorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &editorHandler{
		next:   h.next.WithAttrs(attrs),
		notify: h.notify,
		attrs:  append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
	}
}

func (h *editorHandler) WithGroup(name string) slog.Handler {
	return &editorHandler{next: h.next.WithGroup(name), notify: h.notify, attrs: h.attrs}
}
