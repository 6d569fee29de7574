package messaging

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/zula-go/contracts"
	"github.com/google/uuid"
)

// IDGenerator produces new request identifiers
type IDGenerator func() string

// IdentityAssigner guarantees that every outbound payload carries a request
// identifier. It never fails: payloads that cannot store an identifier still
// get one for the headers and the ledger.
type IdentityAssigner struct {
	generate IDGenerator
	logger   *slog.Logger
}

// IdentityOption configures the IdentityAssigner
type IdentityOption func(*IdentityAssigner)

// WithIDGenerator replaces the UUID v4 generator
func WithIDGenerator(gen IDGenerator) IdentityOption {
	return func(a *IdentityAssigner) {
		if gen != nil {
			a.generate = gen
		}
	}
}

// WithIdentityLogger sets the logger
func WithIdentityLogger(logger *slog.Logger) IdentityOption {
	return func(a *IdentityAssigner) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewIdentityAssigner creates an identity assigner
func NewIdentityAssigner(options ...IdentityOption) *IdentityAssigner {
	a := &IdentityAssigner{
		generate: uuid.NewString,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// EnsureID returns the payload's existing request id, or generates one,
// writes it back when the payload is IdentityAssignable, and returns it.
func (a *IdentityAssigner) EnsureID(payload any) string {
	if id := requestIDOf(payload); id != "" {
		return id
	}

	id := a.NewID()
	a.assign(payload, id)
	return id
}

// NewID returns a fresh identifier
func (a *IdentityAssigner) NewID() string {
	if id := strings.TrimSpace(a.generate()); id != "" {
		return id
	}
	return uuid.NewString()
}

func (a *IdentityAssigner) assign(payload any, id string) {
	target, ok := payload.(contracts.IdentityAssignable)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Debug("could not assign request id", "payloadType", fmt.Sprintf("%T", payload), "panic", r)
		}
	}()
	target.SetRequestID(id)
}

// requestIDOf returns the non-blank request id carried by payload, or "".
func requestIDOf(payload any) (id string) {
	src, ok := payload.(contracts.Identifiable)
	if !ok {
		return ""
	}
	defer func() {
		if recover() != nil {
			id = ""
		}
	}()
	id = src.GetRequestID()
	if strings.TrimSpace(id) == "" {
		return ""
	}
	return id
}
