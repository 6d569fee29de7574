package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrStoreRequired     = errors.New("ledger: store is required")
	ErrIdentifierEmpty   = errors.New("ledger: identifier is required")
	ErrInvalidIdentifier = errors.New("ledger: invalid identifier")
	ErrDuplicateRecord   = errors.New("ledger: duplicate record id")
	ErrReadUnsupported   = errors.New("ledger: store does not support reads")
)

const (
	OutboxTable = "outbox_messages"
	InboxTable  = "inbox_messages"

	schemaSuffix  = "_queue"
	defaultSchema = "zula"
)

// Store persists ledger rows inside a schema.
type Store interface {
	InsertOutbox(ctx context.Context, schema string, rec OutboxRecord) error
	InsertInbox(ctx context.Context, schema string, rec InboxRecord) error
	// UpdateInboxStatus moves the RECEIVED rows of messageID to status.
	// Updating no rows is not an error.
	UpdateInboxStatus(ctx context.Context, schema, messageID string, status Status, at time.Time) error
}

// Migrator is implemented by stores that can create their schema and tables.
type Migrator interface {
	Migrate(ctx context.Context, schema string) error
}

// Reader is implemented by stores that can list their rows.
type Reader interface {
	// RecentOutbox returns up to limit outbox rows, newest first. A limit
	// of zero or less returns every row.
	RecentOutbox(ctx context.Context, schema string, limit int) ([]OutboxRecord, error)
	// FindInbox returns the inbox rows of messageID, oldest first.
	FindInbox(ctx context.Context, schema, messageID string) ([]InboxRecord, error)
}

// Pinger is implemented by stores with a reachable backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SchemaName derives the ledger schema of a service: lowercase, runs of
// characters outside [a-z0-9] collapsed to "_", suffixed with "_queue".
func SchemaName(serviceName string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(serviceName)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	name := strings.TrimSuffix(b.String(), "_")
	if name == "" {
		name = defaultSchema
	}
	return name + schemaSuffix
}

// ValidateIdentifier accepts names made of letters, digits and underscores.
// Store implementations interpolate schema and table names, so every name
// passes through here first.
func ValidateIdentifier(name string) error {
	if name == "" {
		return ErrIdentifierEmpty
	}
	for _, r := range name {
		if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}
		return fmt.Errorf("%w: %s", ErrInvalidIdentifier, name)
	}
	return nil
}
