package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrNilPayload          = errors.New("messaging: payload is nil")
	ErrNoTargetService     = errors.New("messaging: payload does not declare a target service")
	ErrServiceNameRequired = errors.New("messaging: service name is required")
	ErrMessageTypeRequired = errors.New("messaging: message type is required")
	ErrNilHandler          = errors.New("messaging: handler is nil")
	ErrRegistryClosed      = errors.New("messaging: handler registry is closed")
	ErrTypeConflict        = errors.New("messaging: message type already bound to a different payload type")
	ErrUnexpectedPayload   = errors.New("messaging: unexpected payload type")
)

// TopologyError reports a failed broker declaration
type TopologyError struct {
	Component string // exchange, queue or binding
	Name      string
	Op        string
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("messaging: failed to %s %s '%s': %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// PublishError reports a failed broker send
type PublishError struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("messaging: failed to publish %s to %s/%s: %v", e.MessageID, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// HandlerPanicError wraps a value recovered from a panicking handler
type HandlerPanicError struct {
	MessageType string
	Value       any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("messaging: handler for %s panicked: %v", e.MessageType, e.Value)
}
