package messaging

import (
	"context"
)

// CommandPublisher is a command-oriented view of a MessagePublisher.
type CommandPublisher struct {
	publisher *MessagePublisher
}

// NewCommandPublisher creates a command publisher
func NewCommandPublisher(publisher *MessagePublisher) *CommandPublisher {
	return &CommandPublisher{publisher: publisher}
}

// SendCommand sends a Routable command to its target service
func (c *CommandPublisher) SendCommand(ctx context.Context, command any) (string, error) {
	return c.publisher.Publish(ctx, command)
}

// SendCommandToService sends a command to an explicit service
func (c *CommandPublisher) SendCommandToService(ctx context.Context, serviceName string, command any, options ...PublishOption) (string, error) {
	return c.publisher.PublishToService(ctx, serviceName, command, options...)
}
