package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"id":1}`)))
	require.NoError(t, WriteFrame(&buf, nil))

	assert.Equal(t, HeaderLength+8+HeaderLength, buf.Len())
	assert.Equal(t, uint32(8), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	p, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(p))

	p, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Empty(t, p)

	_, err = ReadFrame(&buf, 0)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte("x"), 1000)
	copy(payload, `{"id":42,`)
	require.NoError(t, WriteFrame(&buf, payload))

	_, err := ReadFrame(&buf, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))

	var tooLarge *FrameTooLargeError
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, uint32(1000), tooLarge.Size)
	assert.Len(t, tooLarge.Prefix, salvageLength)
	assert.True(t, bytes.HasPrefix(tooLarge.Prefix, []byte(`{"id":42,`)))
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	truncated := bytes.NewReader(buf.Bytes()[:6])

	_, err := ReadFrame(truncated, 0)
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0}), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
