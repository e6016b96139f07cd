package dirty

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benoitc/gunicorn-sub001/internal/wire"
)

func TestErrorMatchesSentinels(t *testing.T) {
	err := error(&Error{Code: CodeNoEligibleApps, Message: "full"})
	assert.ErrorIs(t, err, ErrNoEligibleApps)
	assert.NotErrorIs(t, err, ErrNoWorkerForApp)
	assert.Equal(t, "no-eligible-apps: full", err.Error())

	e := asError(errors.New("plain"))
	assert.Equal(t, CodeAppError, e.Code)
	assert.Equal(t, "plain", e.Message)
}

func TestReadMessageDecodesNestedValues(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Message{
		Type:   TypeRequest,
		ID:     5,
		App:    "a",
		Action: "b",
		Args:   []any{map[string]any{"x": -1}},
	}))
	m, err := ReadMessage(&buf, MaxMessage)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"x": int64(-1)}}, m.Args)

	_, err = ReadMessage(&buf, MaxMessage)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessageRejectsGarbage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, []byte{0xff, 0x00}))
	_, err := ReadMessage(&buf, MaxMessage)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, CodeBadRequest, e.Code)

	payload, err := Marshal(map[string]any{"id": 1})
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, wire.WriteFrame(&buf, payload))
	_, err = ReadMessage(&buf, MaxMessage)
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Message, "no type")
}

func TestTerminalTypes(t *testing.T) {
	assert.True(t, TypeResult.Terminal())
	assert.True(t, TypeError.Terminal())
	assert.False(t, TypeChunk.Terminal())
}
