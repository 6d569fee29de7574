package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps ledger rows in process memory. Each schema holds at most
// maxEntries rows per table; when full, the oldest rotatePercent are dropped.
type MemoryStore struct {
	mu            sync.RWMutex
	schemas       map[string]*memorySchema
	maxEntries    int
	rotatePercent float64
}

type memorySchema struct {
	outbox      []*OutboxRecord
	inbox       []*InboxRecord
	byMessageID map[string][]*InboxRecord
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ Migrator = (*MemoryStore)(nil)
	_ Pinger   = (*MemoryStore)(nil)
	_ Reader   = (*MemoryStore)(nil)
)

// MemoryStoreOption configures the in-memory store
type MemoryStoreOption func(*MemoryStore)

// WithMaxEntries sets the per-table row limit of each schema
func WithMaxEntries(max int) MemoryStoreOption {
	return func(s *MemoryStore) {
		if max > 0 {
			s.maxEntries = max
		}
	}
}

// WithRotatePercent sets the share of rows dropped when the limit is reached
func WithRotatePercent(percent float64) MemoryStoreOption {
	return func(s *MemoryStore) {
		if percent > 0 && percent <= 1 {
			s.rotatePercent = percent
		}
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		schemas:       make(map[string]*memorySchema),
		maxEntries:    10000,
		rotatePercent: 0.2,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Migrate(_ context.Context, schema string) error {
	if err := ValidateIdentifier(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaLocked(schema)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) InsertOutbox(_ context.Context, schema string, rec OutboxRecord) error {
	if err := ValidateIdentifier(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.schemaLocked(schema)
	if len(sc.outbox) >= s.maxEntries {
		sc.outbox = sc.outbox[s.removeCount():]
	}
	sc.outbox = append(sc.outbox, &rec)
	return nil
}

func (s *MemoryStore) InsertInbox(_ context.Context, schema string, rec InboxRecord) error {
	if err := ValidateIdentifier(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.schemaLocked(schema)
	if len(sc.inbox) >= s.maxEntries {
		sc.inbox = sc.inbox[s.removeCount():]
		sc.rebuildIndex()
	}
	entry := &rec
	sc.inbox = append(sc.inbox, entry)
	if entry.MessageID != "" {
		sc.byMessageID[entry.MessageID] = append(sc.byMessageID[entry.MessageID], entry)
	}
	return nil
}

func (s *MemoryStore) UpdateInboxStatus(_ context.Context, schema, messageID string, status Status, at time.Time) error {
	if err := ValidateIdentifier(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schemas[schema]
	if !ok {
		return nil
	}
	for _, entry := range sc.byMessageID[messageID] {
		if entry.Status != StatusReceived {
			continue
		}
		entry.Status = status
		entry.UpdatedAt = at
		if status == StatusProcessed {
			processedAt := at
			entry.ProcessedAt = &processedAt
		}
	}
	return nil
}

// Outbox returns copies of the outbox rows of schema, oldest first
func (s *MemoryStore) Outbox(schema string) []OutboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schemas[schema]
	if !ok {
		return nil
	}
	out := make([]OutboxRecord, 0, len(sc.outbox))
	for _, rec := range sc.outbox {
		out = append(out, *rec)
	}
	return out
}

// Inbox returns copies of the inbox rows of schema, oldest first
func (s *MemoryStore) Inbox(schema string) []InboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schemas[schema]
	if !ok {
		return nil
	}
	return copyInbox(sc.inbox)
}

// InboxByMessageID returns copies of the inbox rows carrying messageID
func (s *MemoryStore) InboxByMessageID(schema, messageID string) []InboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schemas[schema]
	if !ok {
		return nil
	}
	return copyInbox(sc.byMessageID[messageID])
}

func (s *MemoryStore) RecentOutbox(_ context.Context, schema string, limit int) ([]OutboxRecord, error) {
	rows := s.Outbox(schema)
	out := make([]OutboxRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, rows[i])
	}
	return out, nil
}

func (s *MemoryStore) FindInbox(_ context.Context, schema, messageID string) ([]InboxRecord, error) {
	return s.InboxByMessageID(schema, messageID), nil
}

// Schemas lists the schemas that hold rows or were migrated
func (s *MemoryStore) Schemas() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.schemas))
	for name := range s.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *MemoryStore) schemaLocked(schema string) *memorySchema {
	sc, ok := s.schemas[schema]
	if !ok {
		sc = &memorySchema{byMessageID: make(map[string][]*InboxRecord)}
		s.schemas[schema] = sc
	}
	return sc
}

func (s *MemoryStore) removeCount() int {
	n := int(float64(s.maxEntries) * s.rotatePercent)
	if n < 1 {
		n = 1
	}
	return n
}

func (sc *memorySchema) rebuildIndex() {
	sc.byMessageID = make(map[string][]*InboxRecord)
	for _, entry := range sc.inbox {
		if entry.MessageID != "" {
			sc.byMessageID[entry.MessageID] = append(sc.byMessageID[entry.MessageID], entry)
		}
	}
}

func copyInbox(entries []*InboxRecord) []InboxRecord {
	out := make([]InboxRecord, 0, len(entries))
	for _, entry := range entries {
		c := *entry
		if entry.ProcessedAt != nil {
			at := *entry.ProcessedAt
			c.ProcessedAt = &at
		}
		out = append(out, c)
	}
	return out
}
