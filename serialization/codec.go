package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrEncode is returned when a message cannot be serialized
	ErrEncode = errors.New("serialization: encode failed")
	// ErrDecode is returned when a message body cannot be deserialized
	ErrDecode = errors.New("serialization: decode failed")
)

// Error describes a failed encode or decode
type Error struct {
	Kind error  // ErrEncode or ErrDecode
	Type string // Go type involved
	Err  error  // Underlying error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v for %s: %v", e.Kind, e.Type, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Codec converts message values to and from a wire body
type Codec interface {
	// ContentType is written to the AMQP content-type property
	ContentType() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JSONCodec serializes messages as UTF-8 JSON. Field names come from the
// message types' json tags, which must be camelCase; names are not converted.
type JSONCodec struct {
	prettyPrint           bool
	disallowUnknownFields bool
}

// JSONCodecOption configures the JSON codec
type JSONCodecOption func(*JSONCodec)

// WithPrettyPrint indents encoded bodies
func WithPrettyPrint(pretty bool) JSONCodecOption {
	return func(c *JSONCodec) {
		c.prettyPrint = pretty
	}
}

// WithDisallowUnknownFields makes decoding fail on fields the target type lacks
func WithDisallowUnknownFields(disallow bool) JSONCodecOption {
	return func(c *JSONCodec) {
		c.disallowUnknownFields = disallow
	}
}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec(opts ...JSONCodecOption) *JSONCodec {
	c := &JSONCodec{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ContentType implements Codec
func (c *JSONCodec) ContentType() string {
	return "application/json"
}

// Marshal implements Codec
func (c *JSONCodec) Marshal(v interface{}) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if c.prettyPrint {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return nil, &Error{Kind: ErrEncode, Type: typeOf(v), Err: err}
	}
	return data, nil
}

// Unmarshal implements Codec. v must be a non-nil pointer.
func (c *JSONCodec) Unmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if c.disallowUnknownFields {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return &Error{Kind: ErrDecode, Type: typeOf(v), Err: err}
	}
	if dec.More() {
		return &Error{Kind: ErrDecode, Type: typeOf(v), Err: errors.New("trailing data after JSON value")}
	}
	return nil
}

// Decode unmarshals data into a new T
func Decode[T any](codec Codec, data []byte) (T, error) {
	var v T
	if err := codec.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

func typeOf(v interface{}) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
