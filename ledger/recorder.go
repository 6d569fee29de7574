package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/zula-go/messaging"
	"github.com/google/uuid"
)

// Recorder implements messaging.Ledger on top of a Store.
type Recorder struct {
	store  Store
	schema string
	clock  Clock
	newID  func() string
	logger *slog.Logger
}

var _ messaging.Ledger = (*Recorder)(nil)

// RecorderOption configures the Recorder
type RecorderOption func(*Recorder)

// WithSchema sets the schema explicitly. The name is lower-cased to match
// the names SchemaName derives.
func WithSchema(schema string) RecorderOption {
	return func(r *Recorder) {
		if schema != "" {
			r.schema = strings.ToLower(schema)
		}
	}
}

// WithServiceSchema derives the schema from a service name
func WithServiceSchema(serviceName string) RecorderOption {
	return func(r *Recorder) {
		r.schema = SchemaName(serviceName)
	}
}

// WithClock overrides the time source
func WithClock(clock Clock) RecorderOption {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRowIDGenerator overrides the generator for row ids
func WithRowIDGenerator(gen func() string) RecorderOption {
	return func(r *Recorder) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithRecorderLogger sets the logger
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRecorder creates a recorder writing to store
func NewRecorder(store Store, options ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	r := &Recorder{
		store:  store,
		schema: SchemaName(""),
		clock:  SystemClock{},
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	if err := ValidateIdentifier(r.schema); err != nil {
		return nil, err
	}
	return r, nil
}

// Schema returns the schema rows are written to
func (r *Recorder) Schema() string {
	return r.schema
}

// Store returns the underlying store
func (r *Recorder) Store() Store {
	return r.store
}

// Migrate creates the schema and tables when the store supports it
func (r *Recorder) Migrate(ctx context.Context) error {
	m, ok := r.store.(Migrator)
	if !ok {
		return nil
	}
	if err := m.Migrate(ctx, r.schema); err != nil {
		return fmt.Errorf("ledger: migrate schema %s: %w", r.schema, err)
	}
	r.logger.Info("ledger schema ready", "schema", r.schema)
	return nil
}

// Ping checks the store backend when it has one
func (r *Recorder) Ping(ctx context.Context) error {
	if p, ok := r.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// RecentOutbox lists the newest outbox rows of the recorder schema, all of
// them when limit is zero or less.
func (r *Recorder) RecentOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	reader, ok := r.store.(Reader)
	if !ok {
		return nil, ErrReadUnsupported
	}
	return reader.RecentOutbox(ctx, r.schema, limit)
}

// FindInbox lists the inbox rows of messageID in the recorder schema
func (r *Recorder) FindInbox(ctx context.Context, messageID string) ([]InboxRecord, error) {
	reader, ok := r.store.(Reader)
	if !ok {
		return nil, ErrReadUnsupported
	}
	return reader.FindInbox(ctx, r.schema, messageID)
}

func (r *Recorder) RecordOutbox(ctx context.Context, entry messaging.OutboxEntry) error {
	now := r.clock.Now()
	rec := OutboxRecord{
		ID:            r.newID(),
		MessageID:     entry.MessageID,
		MessageType:   entry.MessageType,
		TargetService: entry.TargetService,
		Payload:       entry.Payload,
		Status:        StatusSent,
		RetryCount:    0,
		SentAt:        now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.InsertOutbox(ctx, r.schema, rec); err != nil {
		return fmt.Errorf("ledger: record outbox %s: %w", entry.MessageID, err)
	}
	return nil
}

func (r *Recorder) RecordInbox(ctx context.Context, entry messaging.InboxEntry) error {
	now := r.clock.Now()
	rec := InboxRecord{
		ID:            r.newID(),
		MessageID:     entry.MessageID,
		MessageType:   entry.MessageType,
		SourceService: entry.SourceService,
		Payload:       entry.Payload,
		Status:        StatusReceived,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.InsertInbox(ctx, r.schema, rec); err != nil {
		return fmt.Errorf("ledger: record inbox %s: %w", entry.MessageID, err)
	}
	return nil
}

func (r *Recorder) MarkInboxProcessed(ctx context.Context, messageID string) error {
	if err := r.store.UpdateInboxStatus(ctx, r.schema, messageID, StatusProcessed, r.clock.Now()); err != nil {
		return fmt.Errorf("ledger: mark %s processed: %w", messageID, err)
	}
	return nil
}
