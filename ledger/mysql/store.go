package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/zula-go/ledger"
	"github.com/go-sql-driver/mysql"
)

const duplicateEntry = 1062

// DB is the subset of *sql.DB the store needs. *sql.Tx satisfies the
// exec and query methods as well.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// Store implements ledger.Store on MySQL.
type Store struct {
	db  DB
	cfg Config
}

var (
	_ ledger.Store    = (*Store)(nil)
	_ ledger.Migrator = (*Store)(nil)
	_ ledger.Pinger   = (*Store)(nil)
	_ ledger.Reader   = (*Store)(nil)
)

// NewStore constructs a MySQL store.
func NewStore(db DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	if err := ledger.ValidateIdentifier(cfg.Engine); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEngine, cfg.Engine)
	}
	if err := ledger.ValidateIdentifier(cfg.Charset); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEngine, cfg.Charset)
	}

	return &Store{db: db, cfg: cfg}, nil
}

// Open parses dsn, forces time parsing and opens a verified connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, *sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger mysql: parse dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger mysql: connector: %w", err)
	}
	db := sql.OpenDB(connector)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ledger mysql: ping %s: %w", cfg.Addr, err)
	}

	store, err := NewStore(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.db.(pinger); ok {
		return p.PingContext(ctx)
	}
	return nil
}

// Migrate creates the database and both ledger tables if missing.
func (s *Store) Migrate(ctx context.Context, schema string) error {
	q, err := s.queries(schema)
	if err != nil {
		return err
	}
	for _, stmt := range []string{q.createDatabase, q.createOutbox, q.createInbox} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.fail("migrate", schema, err)
		}
	}
	return nil
}

func (s *Store) InsertOutbox(ctx context.Context, schema string, rec ledger.OutboxRecord) error {
	q, err := s.queries(schema)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, q.insertOutbox,
		rec.ID,
		rec.MessageID,
		rec.MessageType,
		rec.TargetService,
		rec.Payload,
		string(rec.Status),
		rec.RetryCount,
		rec.SentAt.UTC(),
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return s.fail("insert outbox", schema, err)
	}
	return nil
}

func (s *Store) InsertInbox(ctx context.Context, schema string, rec ledger.InboxRecord) error {
	q, err := s.queries(schema)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, q.insertInbox,
		rec.ID,
		rec.MessageID,
		rec.MessageType,
		rec.SourceService,
		rec.Payload,
		string(rec.Status),
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
		nullTime(rec.ProcessedAt),
	)
	if err != nil {
		return s.fail("insert inbox", schema, err)
	}
	return nil
}

func (s *Store) UpdateInboxStatus(ctx context.Context, schema, messageID string, status ledger.Status, at time.Time) error {
	q, err := s.queries(schema)
	if err != nil {
		return err
	}
	var processedAt *time.Time
	if status == ledger.StatusProcessed {
		processedAt = &at
	}
	_, err = s.db.ExecContext(ctx, q.updateInbox,
		string(status),
		at.UTC(),
		nullTime(processedAt),
		messageID,
		string(ledger.StatusReceived),
	)
	if err != nil {
		return s.fail("update inbox", schema, err)
	}
	return nil
}

func (s *Store) RecentOutbox(ctx context.Context, schema string, limit int) ([]ledger.OutboxRecord, error) {
	q, err := s.queries(schema)
	if err != nil {
		return nil, err
	}
	query, args := q.allOutbox, []any(nil)
	if limit > 0 {
		query, args = q.recentOutbox, []any{limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail("list outbox", schema, err)
	}
	defer rows.Close()

	var out []ledger.OutboxRecord
	for rows.Next() {
		var (
			rec    ledger.OutboxRecord
			status string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.MessageID,
			&rec.MessageType,
			&rec.TargetService,
			&rec.Payload,
			&status,
			&rec.RetryCount,
			&rec.SentAt,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, s.fail("scan outbox", schema, err)
		}
		rec.Status = ledger.Status(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list outbox", schema, err)
	}
	return out, nil
}

func (s *Store) FindInbox(ctx context.Context, schema, messageID string) ([]ledger.InboxRecord, error) {
	q, err := s.queries(schema)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q.findInbox, messageID)
	if err != nil {
		return nil, s.fail("find inbox", schema, err)
	}
	defer rows.Close()

	var out []ledger.InboxRecord
	for rows.Next() {
		var (
			rec         ledger.InboxRecord
			status      string
			processedAt sql.NullTime
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.MessageID,
			&rec.MessageType,
			&rec.SourceService,
			&rec.Payload,
			&status,
			&rec.CreatedAt,
			&rec.UpdatedAt,
			&processedAt,
		); err != nil {
			return nil, s.fail("scan inbox", schema, err)
		}
		rec.Status = ledger.Status(status)
		if processedAt.Valid {
			at := processedAt.Time
			rec.ProcessedAt = &at
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("find inbox", schema, err)
	}
	return out, nil
}

func (s *Store) queries(schema string) (queries, error) {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return queries{}, err
	}
	return newQueries(schema, s.cfg), nil
}

func (s *Store) fail(op, schema string, err error) error {
	if isDuplicateEntry(err) {
		return ledger.ErrDuplicateRecord
	}
	s.cfg.Logger.Error("ledger store operation failed",
		"component", "ledger/mysql",
		"op", op,
		"schema", schema,
		"error", err,
	)
	return fmt.Errorf("ledger mysql: %s failed: %w", op, err)
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == duplicateEntry
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
