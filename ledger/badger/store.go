// Package badger stores the ledger in an embedded Badger database.
//
// Key layout per schema:
//
//	<schema>:meta                                  migration marker
//	<schema>:outbox:<created>:<id>                 outbox row (JSON)
//	<schema>:outbox-id:<id>                        -> outbox row key
//	<schema>:inbox:<id>                            inbox row (JSON)
//	<schema>:inbox-msg:<messageID>:<created>:<id>  -> inbox row id
//
// <created> is the zero-padded UnixNano of the row so prefix scans return
// rows in creation order.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/glimte/zula-go/ledger"
)

// ErrClosed is returned by Ping once the database is closed.
var ErrClosed = errors.New("ledger badger: database is closed")

// Store implements ledger.Store on Badger.
type Store struct {
	db *badger.DB
}

var (
	_ ledger.Store    = (*Store)(nil)
	_ ledger.Migrator = (*Store)(nil)
	_ ledger.Pinger   = (*Store)(nil)
	_ ledger.Reader   = (*Store)(nil)
)

// New wraps an open Badger database.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Open opens a Badger database in dir. When inMemory is set dir is ignored
// and nothing is written to disk.
func Open(dir string, inMemory bool) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger badger: open: %w", err)
	}
	return New(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (s *Store) Migrate(_ context.Context, schema string) error {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(schema), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

func (s *Store) InsertOutbox(_ context.Context, schema string, rec ledger.OutboxRecord) error {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	rowKey := outboxKey(schema, rec.CreatedAt, rec.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ensureAbsent(txn, outboxIDKey(schema, rec.ID)); err != nil {
			return err
		}
		if err := txn.Set(rowKey, data); err != nil {
			return err
		}
		return txn.Set(outboxIDKey(schema, rec.ID), rowKey)
	})
}

func (s *Store) InsertInbox(_ context.Context, schema string, rec ledger.InboxRecord) error {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := ensureAbsent(txn, inboxKey(schema, rec.ID)); err != nil {
			return err
		}
		if err := txn.Set(inboxKey(schema, rec.ID), data); err != nil {
			return err
		}
		return txn.Set(inboxIndexKey(schema, rec.MessageID, rec.CreatedAt, rec.ID), []byte(rec.ID))
	})
}

func (s *Store) UpdateInboxStatus(_ context.Context, schema, messageID string, status ledger.Status, at time.Time) error {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		rows, err := loadInbox(txn, schema, messageID)
		if err != nil {
			return err
		}
		for _, rec := range rows {
			if rec.Status != ledger.StatusReceived {
				continue
			}
			rec.Status = status
			rec.UpdatedAt = at
			if status == ledger.StatusProcessed {
				processedAt := at
				rec.ProcessedAt = &processedAt
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(inboxKey(schema, rec.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) RecentOutbox(_ context.Context, schema string, limit int) ([]ledger.OutboxRecord, error) {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return nil, err
	}
	var out []ledger.OutboxRecord
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(schema + ":outbox:")
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(prefix, 0xFF)); it.ValidForPrefix(prefix) && (limit <= 0 || len(out) < limit); it.Next() {
			var rec ledger.OutboxRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *Store) FindInbox(_ context.Context, schema, messageID string) ([]ledger.InboxRecord, error) {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return nil, err
	}
	var out []ledger.InboxRecord
	err := s.db.View(func(txn *badger.Txn) error {
		rows, err := loadInbox(txn, schema, messageID)
		if err != nil {
			return err
		}
		for _, rec := range rows {
			out = append(out, *rec)
		}
		return nil
	})
	return out, err
}

// loadInbox reads the rows indexed under messageID, oldest first. The index
// scan finishes before any caller writes back into the transaction.
func loadInbox(txn *badger.Txn, schema, messageID string) ([]*ledger.InboxRecord, error) {
	prefix := []byte(schema + ":inbox-msg:" + messageID + ":")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)

	var ids []string
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			it.Close()
			return nil, err
		}
		ids = append(ids, string(val))
	}
	it.Close()

	rows := make([]*ledger.InboxRecord, 0, len(ids))
	for _, id := range ids {
		item, err := txn.Get(inboxKey(schema, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rec := &ledger.InboxRecord{}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, rec)
		}); err != nil {
			return nil, err
		}
		// message ids may contain the separator, so the prefix can over-match
		if rec.MessageID != messageID {
			continue
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func ensureAbsent(txn *badger.Txn, key []byte) error {
	_, err := txn.Get(key)
	if err == nil {
		return ledger.ErrDuplicateRecord
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func metaKey(schema string) []byte {
	return []byte(schema + ":meta")
}

func outboxKey(schema string, created time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s:outbox:%020d:%s", schema, created.UnixNano(), id))
}

func outboxIDKey(schema, id string) []byte {
	return []byte(schema + ":outbox-id:" + id)
}

func inboxKey(schema, id string) []byte {
	return []byte(schema + ":inbox:" + id)
}

func inboxIndexKey(schema, messageID string, created time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s:inbox-msg:%s:%020d:%s", schema, messageID, created.UnixNano(), id))
}
