package messaging

import (
	"context"
)

// MessageContext describes the delivery being handled
type MessageContext struct {
	MessageID     string
	MessageType   string
	SourceService string
	Queue         string
	RoutingKey    string
}

type messageContextKey struct{}

// MessageContextFrom returns the delivery metadata attached to a handler's context
func MessageContextFrom(ctx context.Context) (MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(MessageContext)
	return mc, ok
}

func withMessageContext(ctx context.Context, mc MessageContext) context.Context {
	return context.WithValue(ctx, messageContextKey{}, mc)
}
