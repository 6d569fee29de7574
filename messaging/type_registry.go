package messaging

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// TypeRegistry maps message types to the payload types that produce them.
// It is used to provision topology for every known message type at startup
// and to catch two payload types resolving to the same message type.
type TypeRegistry struct {
	types map[string]reflect.Type
	mu    sync.RWMutex
}

// NewTypeRegistry creates an empty type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
	}
}

// Register records prototype under its resolved message type and returns
// that type. Registering the same payload type twice is a no-op.
func (r *TypeRegistry) Register(prototype any) (string, error) {
	if prototype == nil {
		return "", ErrNilPayload
	}
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	messageType := ResolveType(t)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[messageType]; ok && existing != t {
		return "", fmt.Errorf("%w: %s is produced by %v and %v", ErrTypeConflict, messageType, existing, t)
	}
	r.types[messageType] = t
	return messageType, nil
}

// Lookup returns the payload type registered for messageType
func (r *TypeRegistry) Lookup(messageType string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[messageType]
	return t, ok
}

// MessageTypes returns all registered message types, sorted
func (r *TypeRegistry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.types))
	for name := range r.types {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
