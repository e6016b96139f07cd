package dirty

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/benoitc/gunicorn-sub001/internal/arbiter"
	"github.com/benoitc/gunicorn-sub001/internal/wire"
)

// MaxMessage bounds one invocation frame.
const MaxMessage = wire.DefaultMaxMessage

// MessageType discriminates invocation frames.
type MessageType string

const (
	TypeRequest MessageType = "request"
	TypeChunk   MessageType = "chunk"
	TypeResult  MessageType = "result"
	TypeError   MessageType = "error"
	TypeStatus  MessageType = "status"
	TypeScale   MessageType = "scale"
)

// Terminal reports whether t ends a response sequence.
func (t MessageType) Terminal() bool { return t == TypeResult || t == TypeError }

// Message is one frame of the invocation protocol. A request is answered
// by zero or more chunk frames followed by exactly one result or error
// frame. Status and scale frames are administrative requests answered
// by the dirty arbiter itself.
type Message struct {
	Type   MessageType    `cbor:"type"`
	ID     uint64         `cbor:"id,omitempty"`
	App    string         `cbor:"app,omitempty"`
	Action string         `cbor:"action,omitempty"`
	Args   []any          `cbor:"args,omitempty"`
	Kwargs map[string]any `cbor:"kwargs,omitempty"`
	Stream bool           `cbor:"stream,omitempty"`
	Data   any            `cbor:"data,omitempty"`
	Code   string         `cbor:"code,omitempty"`
	Reason string         `cbor:"message,omitempty"`
	Count  int            `cbor:"count,omitempty"`

	Status *Status              `cbor:"status,omitempty"`
	Scale  *arbiter.ScaleResult `cbor:"scale,omitempty"`
}

// Err returns the error carried by an error frame, or nil.
func (m *Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	return &Error{Code: m.Code, Message: m.Reason}
}

func errorMessage(id uint64, err error) *Message {
	e := asError(err)
	return &Message{Type: TypeError, ID: id, Code: e.Code, Reason: e.Message}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("dirty: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// any-typed payloads decode to map[string]any, not
		// map[any]any, so apps can hand them to encoding/json.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("dirty: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with core deterministic encoding.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// WriteMessage encodes m into a single frame.
func WriteMessage(w io.Writer, m *Message) error {
	b, err := Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", m.Type, err)
	}
	return wire.WriteFrame(w, b)
}

// ReadMessage reads and decodes one frame. A clean end of stream is
// reported as io.EOF.
func ReadMessage(r io.Reader, max int) (*Message, error) {
	b, err := wire.ReadFrame(r, max)
	if err != nil {
		return nil, err
	}
	m := new(Message)
	if err := Unmarshal(b, m); err != nil {
		return nil, &Error{Code: CodeBadRequest, Message: fmt.Sprintf("decode frame: %v", err)}
	}
	if m.Type == "" {
		return nil, &Error{Code: CodeBadRequest, Message: "frame has no type"}
	}
	return m, nil
}
