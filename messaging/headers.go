package messaging

import (
	"strings"
)

const (
	HeaderSourceService = "x-source-service"
	HeaderMessageID     = "x-message-id"
	HeaderMessageType   = "x-message-type"

	// UnknownService is used when a delivery does not name its sender.
	UnknownService = "unknown-service"

	// DefaultAction is the routing action used when none is given.
	DefaultAction = "process"
)

func newHeaders(sourceService, messageID, messageType string) map[string]any {
	return map[string]any{
		HeaderSourceService: sourceService,
		HeaderMessageID:     messageID,
		HeaderMessageType:   messageType,
	}
}

// headerString reads a string header, tolerating the byte slices some
// clients put on the wire. Blank values read as "", others are returned as sent.
func headerString(headers map[string]any, key string) string {
	if headers == nil {
		return ""
	}
	var value string
	switch v := headers[key].(type) {
	case string:
		value = v
	case []byte:
		value = string(v)
	default:
		return ""
	}
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return value
}

// RoutingKey builds the routing key for a message type and action
func RoutingKey(messageType, action string) string {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		action = DefaultAction
	}
	return strings.ToLower(messageType) + "." + action
}
