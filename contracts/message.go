package contracts

// CommandTyped is implemented by payloads that pin their command type.
// The method is evaluated on the zero value of the type, so it must not
// depend on instance state.
type CommandTyped interface {
	CommandType() string
}

// MessageTyped is implemented by payloads (and consumers) that pin their
// message type. Like CommandTyped it is treated as static metadata.
type MessageTyped interface {
	MessageType() string
}

// Identifiable exposes the correlation identifier carried by a payload.
type Identifiable interface {
	GetRequestID() string
}

// IdentityAssignable is an Identifiable payload that accepts a generated identifier.
type IdentityAssignable interface {
	Identifiable
	SetRequestID(id string)
}

// Routable names the service a payload is published to when no explicit
// destination is given.
type Routable interface {
	TargetService() string
}

// ActionRouted overrides the default routing action of a Routable payload.
type ActionRouted interface {
	DefaultAction() string
}
