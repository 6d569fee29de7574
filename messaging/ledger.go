package messaging

import (
	"context"
	"fmt"
)

// OutboxEntry describes a message about to be sent
type OutboxEntry struct {
	MessageID     string
	MessageType   string
	TargetService string
	Payload       []byte
}

// InboxEntry describes a message that has been received
type InboxEntry struct {
	MessageID     string
	MessageType   string
	SourceService string
	Payload       []byte
}

// Ledger records inbox and outbox bookkeeping. Every call is best-effort:
// callers log and discard returned errors.
type Ledger interface {
	// RecordOutbox records an outgoing message with status SENT.
	RecordOutbox(ctx context.Context, entry OutboxEntry) error
	// RecordInbox records a received message with status RECEIVED.
	RecordInbox(ctx context.Context, entry InboxEntry) error
	// MarkInboxProcessed moves a received message to PROCESSED.
	MarkInboxProcessed(ctx context.Context, messageID string) error
}

// NoopLedger is used when no ledger is configured
type NoopLedger struct{}

func (NoopLedger) RecordOutbox(context.Context, OutboxEntry) error { return nil }

func (NoopLedger) RecordInbox(context.Context, InboxEntry) error { return nil }

func (NoopLedger) MarkInboxProcessed(context.Context, string) error { return nil }

// bestEffort runs a ledger call, converting panics into errors.
func bestEffort(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("messaging: ledger panic: %v", r)
		}
	}()
	return fn()
}
