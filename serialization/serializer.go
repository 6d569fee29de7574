// Package serialization converts payloads to and from their wire form.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

var (
	ErrNilTarget          = errors.New("serialization: decode target is nil")
	ErrNotProtoMessage    = errors.New("serialization: value is not a proto.Message")
	ErrUnknownContentType = errors.New("serialization: unknown content type")
)

// Serializer encodes payloads for the broker and decodes deliveries into a
// caller-supplied target.
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, target any) error
	ContentType() string
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

// NewJSONSerializer creates a JSON serializer
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

func (s *JSONSerializer) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialization: json encode %T: %w", v, err)
	}
	return data, nil
}

func (s *JSONSerializer) Decode(data []byte, target any) error {
	if target == nil {
		return ErrNilTarget
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("serialization: json decode into %T: %w", target, err)
	}
	return nil
}

func (s *JSONSerializer) ContentType() string {
	return ContentTypeJSON
}

// ProtoSerializer encodes protobuf messages in their binary wire format.
// Payloads and decode targets must implement proto.Message.
type ProtoSerializer struct {
	marshal   proto.MarshalOptions
	unmarshal proto.UnmarshalOptions
}

// NewProtoSerializer creates a protobuf serializer with deterministic output
func NewProtoSerializer() *ProtoSerializer {
	return &ProtoSerializer{
		marshal:   proto.MarshalOptions{Deterministic: true},
		unmarshal: proto.UnmarshalOptions{DiscardUnknown: true},
	}
}

func (s *ProtoSerializer) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
	data, err := s.marshal.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("serialization: proto encode %T: %w", v, err)
	}
	return data, nil
}

func (s *ProtoSerializer) Decode(data []byte, target any) error {
	if target == nil {
		return ErrNilTarget
	}
	msg, ok := target.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotProtoMessage, target)
	}
	if err := s.unmarshal.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("serialization: proto decode into %T: %w", target, err)
	}
	return nil
}

func (s *ProtoSerializer) ContentType() string {
	return ContentTypeProtobuf
}

// ForName returns the serializer registered under a config name or content type.
func ForName(name string) (Serializer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json", ContentTypeJSON:
		return NewJSONSerializer(), nil
	case "protobuf", "proto", ContentTypeProtobuf:
		return NewProtoSerializer(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownContentType, name)
	}
}
