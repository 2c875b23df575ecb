// internal/wire/wire.go
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Encoding is the on-the-wire representation of a frame. Text frames carry
// JSON, binary frames carry CBOR. Replies use the encoding of the connection.
type Encoding int

const (
	JSON Encoding = iota
	CBOR
)

func (e Encoding) String() string {
	if e == CBOR {
		return "cbor"
	}
	return "json"
}

// ErrInvalidFrame is returned when a frame is not a document with a string
// "type" field.
var ErrInvalidFrame = errors.New("invalid message format")

// Message is a single self-contained frame. Inbound messages are decoded into
// a Message; outbound messages are built as one.
type Message map[string]interface{}

var (
	decMode cbor.DecMode
	encMode cbor.EncMode
)

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]interface{}(nil)),
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor decode mode: %v", err))
	}
	encMode, err = cbor.EncOptions{}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor encode mode: %v", err))
	}
}

// Decode parses a frame. The result always has a non-empty "type".
func Decode(enc Encoding, data []byte) (Message, error) {
	var msg Message
	var err error
	switch enc {
	case CBOR:
		err = decMode.Unmarshal(data, &msg)
	default:
		err = json.Unmarshal(data, &msg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if msg.Type() == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	return msg, nil
}

// Encode serializes a message for the given encoding.
func Encode(enc Encoding, msg Message) ([]byte, error) {
	if enc == CBOR {
		return encMode.Marshal(msg)
	}
	return json.Marshal(msg)
}

// Size reports the encoded JSON length of v. Relay payload limits are
// expressed in these units regardless of the frame encoding.
func Size(v interface{}) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// New starts an outbound message of the given type.
func New(typ string) Message {
	return Message{"type": typ}
}

// Now is the millisecond timestamp used in every outbound message.
func Now() int64 {
	return time.Now().UnixMilli()
}

func (m Message) Type() string {
	s, _ := m["type"].(string)
	return s
}

// With sets key and returns m for chaining.
func (m Message) With(key string, value interface{}) Message {
	m[key] = value
	return m
}

// Has reports whether key is present and non-null.
func (m Message) Has(key string) bool {
	v, ok := m[key]
	return ok && v != nil
}

func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

func (m Message) Bool(key string) (bool, bool) {
	b, ok := m[key].(bool)
	return b, ok
}

// Map returns a nested object, or nil.
func (m Message) Map(key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}

// Uint returns a non-negative integer field. JSON numbers arrive as float64,
// CBOR integers as uint64 or int64; numeric strings are accepted too.
func (m Message) Uint(key string) (uint64, bool) {
	return ToUint(m[key])
}

// Int returns a signed integer field.
func (m Message) Int(key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		i, err := v.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// ToUint converts a decoded scalar to uint64.
func ToUint(raw interface{}) (uint64, bool) {
	switch v := raw.(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case json.Number:
		u, err := strconv.ParseUint(string(v), 10, 64)
		return u, err == nil
	case string:
		u, err := strconv.ParseUint(v, 10, 64)
		return u, err == nil
	}
	return 0, false
}
