package messaging

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/glimte/zula-go/contracts"
)

// Consumer is an object-style handler for payloads of type T.
type Consumer[T any] interface {
	Consume(ctx context.Context, message T) error
}

// Handle registers handler for T under T's resolved message type.
func Handle[T any](ctx context.Context, r *HandlerRegistry, handler func(context.Context, T) error) (*Registration, error) {
	return HandleType[T](ctx, r, ResolveType(shapeOf[T]()), handler)
}

// HandleType registers handler for T under an explicit message type.
func HandleType[T any](ctx context.Context, r *HandlerRegistry, messageType string, handler func(context.Context, T) error) (*Registration, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	return r.Register(ctx, messageType, shapeOf[T](), func(ctx context.Context, payload any) error {
		typed, ok := payload.(T)
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrUnexpectedPayload, payload, messageType)
		}
		return handler(ctx, typed)
	})
}

// RegisterConsumer registers a Consumer. The message type comes from the
// consumer's MessageType method when present, then from T, and finally from
// the consumer's own type name.
func RegisterConsumer[T any](ctx context.Context, r *HandlerRegistry, consumer Consumer[T]) (*Registration, error) {
	if consumer == nil {
		return nil, ErrNilHandler
	}
	return HandleType[T](ctx, r, consumerMessageType[T](consumer), consumer.Consume)
}

func consumerMessageType[T any](consumer any) string {
	if m, ok := consumer.(contracts.MessageTyped); ok {
		if v := strings.TrimSpace(m.MessageType()); v != "" {
			return strings.ToLower(v)
		}
	}

	shape := shapeOf[T]()
	for shape.Kind() == reflect.Pointer {
		shape = shape.Elem()
	}
	if typeName(shape) != "" {
		return ResolveType(shape)
	}
	return ResolveConsumerType(consumer)
}

func shapeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
