package contracts

// BaseMessage carries the correlation identifier shared by every payload.
// Embed it by value and publish a pointer so the generated identifier can be
// written back.
type BaseMessage struct {
	RequestID string `json:"requestId,omitempty"`
}

// GetRequestID returns the correlation identifier
func (m BaseMessage) GetRequestID() string {
	return m.RequestID
}

// SetRequestID sets the correlation identifier
func (m *BaseMessage) SetRequestID(id string) {
	m.RequestID = id
}

// BaseCommand is a BaseMessage addressed to a fixed target service.
type BaseCommand struct {
	BaseMessage
	Target string `json:"-"`
	Action string `json:"-"`
}

// TargetService returns the service the command is sent to
func (c BaseCommand) TargetService() string {
	return c.Target
}

// DefaultAction returns the routing action, empty for the default
func (c BaseCommand) DefaultAction() string {
	return c.Action
}

// NewBaseCommand creates a command addressed to target.
func NewBaseCommand(target, action string) BaseCommand {
	return BaseCommand{Target: target, Action: action}
}

// BaseEvent provides common fields for event payloads
type BaseEvent struct {
	BaseMessage
	AggregateID string `json:"aggregateId,omitempty"`
	Sequence    int64  `json:"sequence,omitempty"`
}

// GetAggregateID returns the aggregate ID
func (e BaseEvent) GetAggregateID() string {
	return e.AggregateID
}

// GetSequence returns the event sequence number
func (e BaseEvent) GetSequence() int64 {
	return e.Sequence
}
