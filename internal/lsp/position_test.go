package lsp

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

func TestTextColumns(t *testing.T) {
	t.Parallel()

	// a: 1 byte, é: 2 bytes, 😀: 4 bytes and a surrogate pair.
	txt := newText([]byte("x\naé😀b\n"))

	tests := []struct {
		byteCol   int
		character int
	}{
		{0, 0},
		{1, 1},
		{3, 2},
		{7, 4},
		{8, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, Position{Line: 1, Character: tt.character}, txt.toEditor(model.Position{Line: 1, Column: tt.byteCol}), "byte %d", tt.byteCol)
		assert.Equal(t, model.Position{Line: 1, Column: tt.byteCol}, txt.toByte(Position{Line: 1, Character: tt.character}), "character %d", tt.character)
	}

	assert.Equal(t, model.Position{Line: 1, Column: 8}, txt.toByte(Position{Line: 1, Character: 99}))
	assert.Equal(t, Position{Line: 1, Character: 5}, txt.toEditor(model.Position{Line: 1, Column: 99}))
	assert.Equal(t, Position{Line: 7, Character: 0}, txt.toEditor(model.Position{Line: 7, Column: 3}))
}

func TestURIs(t *testing.T) {
	t.Parallel()

	uri := pathToURI("/src/my modules/party.py")
	assert.Equal(t, "file:///src/my%20modules/party.py", uri)
	path, err := uriToPath(uri)
	require.NoError(t, err)
	assert.Equal(t, "/src/my modules/party.py", path)

	_, err = uriToPath("untitled:Untitled-1")
	assert.Error(t, err)
}

func TestEditorHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var sent []LogMessageParams
	h := &editorHandler{
		next:   slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}),
		notify: func(p LogMessageParams) { sent = append(sent, p) },
	}
	logger := slog.New(h).With("module", "party")

	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))

	logger.Info("ignored")
	logger.Warn("worker restarted", "attempt", 2)
	logger.Error("worker gone")

	assert.Equal(t, []LogMessageParams{
		{Type: messageWarning, Message: "worker restarted module=party attempt=2"},
		{Type: messageError, Message: "worker gone module=party"},
	}, sent)
	assert.Contains(t, buf.String(), "worker gone")
	assert.NotContains(t, buf.String(), "worker restarted")
}
