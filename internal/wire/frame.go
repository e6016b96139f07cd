// Package wire implements the length-prefixed framing shared by the
// control socket and the task invocation socket.
//
// Each frame is a 4-byte big-endian payload length followed by the payload.
// The payload encoding is chosen by the protocol on top (JSON for control,
// CBOR for invocation).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLength is the size of the length prefix.
const HeaderLength = 4

// DefaultMaxMessage bounds a single payload when no limit is configured.
const DefaultMaxMessage = 16 * 1024 * 1024

// salvageLength is how much of an oversized payload is read so the caller
// can still recover a request id from it.
const salvageLength = 256

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameTooLargeError reports an oversized frame. Prefix holds up to the
// first 256 payload bytes; the rest of the payload is left unread, so the
// stream must not be reused.
type FrameTooLargeError struct {
	Size   uint32
	Max    int
	Prefix []byte
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds maximum %d", e.Size, e.Max)
}

func (e *FrameTooLargeError) Is(target error) bool { return target == ErrFrameTooLarge }

// WriteFrame writes payload as a single frame. Header and payload are
// written in one call so concurrent writers serialized by a mutex never
// interleave partial frames.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, HeaderLength+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLength], uint32(len(payload)))
	copy(buf[HeaderLength:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. max <= 0 selects DefaultMaxMessage.
// io.EOF is returned unwrapped when the stream ends cleanly between frames.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxMessage
	}
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(max) {
		prefix := make([]byte, min(int(size), salvageLength))
		n, _ := io.ReadFull(r, prefix)
		return nil, &FrameTooLargeError{Size: size, Max: max, Prefix: prefix[:n]}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
