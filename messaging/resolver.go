package messaging

import (
	"reflect"
	"strings"

	"github.com/glimte/zula-go/contracts"
)

// DefaultMessageType is returned when no type can be derived.
const DefaultMessageType = "default"

const (
	commandSuffix         = "Command"
	messageSuffix         = "Message"
	consumerSuffix        = "Consumer"
	messageConsumerSuffix = "MessageConsumer"
)

// ResolveMessageType returns the canonical, lowercase message type of a payload.
// The result depends only on the payload's type, never on its field values.
func ResolveMessageType(payload any) string {
	if payload == nil {
		return DefaultMessageType
	}
	return ResolveType(reflect.TypeOf(payload))
}

// ResolveType resolves the message type of t. Resolution order:
//  1. a non-empty CommandType() tag
//  2. a non-empty MessageType() tag
//  3. the type name without a trailing "Command"
//  4. the type name without a trailing "Message"
//  5. the type name
//
// Pointer types resolve as their element type.
func ResolveType(t reflect.Type) string {
	if t == nil {
		return DefaultMessageType
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if tag := staticTag(t); tag != "" {
		return tag
	}

	name := typeName(t)
	if name == "" {
		return DefaultMessageType
	}
	if trimmed, ok := trimSuffix(name, commandSuffix); ok {
		return strings.ToLower(trimmed)
	}
	if trimmed, ok := trimSuffix(name, messageSuffix); ok {
		return strings.ToLower(trimmed)
	}
	return strings.ToLower(name)
}

// ResolveConsumerType derives a message type from a consumer's type name by
// dropping a trailing "MessageConsumer" or "Consumer". Names with neither
// suffix resolve to DefaultMessageType.
func ResolveConsumerType(consumer any) string {
	if consumer == nil {
		return DefaultMessageType
	}
	t := reflect.TypeOf(consumer)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	name := typeName(t)
	if trimmed, ok := trimSuffix(name, messageConsumerSuffix); ok {
		return strings.ToLower(trimmed)
	}
	if trimmed, ok := trimSuffix(name, consumerSuffix); ok {
		return strings.ToLower(trimmed)
	}
	return DefaultMessageType
}

// staticTag evaluates the type tags on a zero value of t.
func staticTag(t reflect.Type) (tag string) {
	defer func() {
		if recover() != nil {
			tag = ""
		}
	}()

	zero := reflect.New(t).Interface()
	if c, ok := zero.(contracts.CommandTyped); ok {
		if v := strings.TrimSpace(c.CommandType()); v != "" {
			return strings.ToLower(v)
		}
	}
	if m, ok := zero.(contracts.MessageTyped); ok {
		if v := strings.TrimSpace(m.MessageType()); v != "" {
			return strings.ToLower(v)
		}
	}
	return ""
}

// typeName returns the declared name of t without generic type arguments.
func typeName(t reflect.Type) string {
	name := t.Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	return name
}

// trimSuffix removes suffix when something is left over.
func trimSuffix(name, suffix string) (string, bool) {
	if len(name) <= len(suffix) || !strings.HasSuffix(name, suffix) {
		return name, false
	}
	return strings.TrimSuffix(name, suffix), true
}
