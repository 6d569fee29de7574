// Package postgres stores the ledger in PostgreSQL through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/zula-go/ledger"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const uniqueViolation = "23505"

// Store implements ledger.Store on a gorm connection.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var (
	_ ledger.Store    = (*Store)(nil)
	_ ledger.Migrator = (*Store)(nil)
	_ ledger.Pinger   = (*Store)(nil)
	_ ledger.Reader   = (*Store)(nil)
)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("ledger postgres: dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger postgres: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("ledger postgres: resolve sql handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ledger postgres: ping: %w", err)
	}
	return NewStore(db, log), nil
}

// NewStore wraps an existing gorm connection
func NewStore(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, logger: log}
}

// DB exposes the gorm handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migrate creates the schema and both ledger tables if missing.
func (s *Store) Migrate(ctx context.Context, schema string) error {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	if err := db.Exec(createSchemaSQL(schema)).Error; err != nil {
		return s.logError("ledger_create_schema_failed", err, "schema", schema)
	}
	if err := db.Table(tableName(schema, ledger.OutboxTable)).AutoMigrate(&outboxModel{}); err != nil {
		return s.logError("ledger_migrate_outbox_failed", err, "schema", schema)
	}
	if err := db.Table(tableName(schema, ledger.InboxTable)).AutoMigrate(&inboxModel{}); err != nil {
		return s.logError("ledger_migrate_inbox_failed", err, "schema", schema)
	}
	return nil
}

func (s *Store) InsertOutbox(ctx context.Context, schema string, rec ledger.OutboxRecord) error {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return err
	}
	row := outboxModelFromRecord(rec)
	if err := s.insertOutbox(s.db.WithContext(ctx), schema, &row).Error; err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateRecord
		}
		return s.logError("ledger_insert_outbox_failed", err,
			"schema", schema,
			"message_id", rec.MessageID,
		)
	}
	return nil
}

func (s *Store) InsertInbox(ctx context.Context, schema string, rec ledger.InboxRecord) error {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return err
	}
	row := inboxModelFromRecord(rec)
	if err := s.insertInbox(s.db.WithContext(ctx), schema, &row).Error; err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateRecord
		}
		return s.logError("ledger_insert_inbox_failed", err,
			"schema", schema,
			"message_id", rec.MessageID,
		)
	}
	return nil
}

func (s *Store) UpdateInboxStatus(ctx context.Context, schema, messageID string, status ledger.Status, at time.Time) error {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return err
	}
	if err := s.updateInboxStatus(s.db.WithContext(ctx), schema, messageID, status, at).Error; err != nil {
		return s.logError("ledger_update_inbox_failed", err,
			"schema", schema,
			"message_id", messageID,
			"status", string(status),
		)
	}
	return nil
}

func (s *Store) RecentOutbox(ctx context.Context, schema string, limit int) ([]ledger.OutboxRecord, error) {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return nil, err
	}
	var rows []outboxModel
	if err := s.recentOutbox(s.db.WithContext(ctx), schema, limit).Find(&rows).Error; err != nil {
		return nil, s.logError("ledger_list_outbox_failed", err, "schema", schema)
	}
	out := make([]ledger.OutboxRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *Store) FindInbox(ctx context.Context, schema, messageID string) ([]ledger.InboxRecord, error) {
	if err := ledger.ValidateIdentifier(schema); err != nil {
		return nil, err
	}
	var rows []inboxModel
	if err := s.findInbox(s.db.WithContext(ctx), schema, messageID).Find(&rows).Error; err != nil {
		return nil, s.logError("ledger_find_inbox_failed", err,
			"schema", schema,
			"message_id", messageID,
		)
	}
	out := make([]ledger.InboxRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *Store) recentOutbox(tx *gorm.DB, schema string, limit int) *gorm.DB {
	tx = tx.Table(tableName(schema, ledger.OutboxTable)).Order("created_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	return tx
}

func (s *Store) findInbox(tx *gorm.DB, schema, messageID string) *gorm.DB {
	return tx.Table(tableName(schema, ledger.InboxTable)).
		Where("message_id = ?", messageID).
		Order("created_at ASC")
}

func (s *Store) insertOutbox(tx *gorm.DB, schema string, row *outboxModel) *gorm.DB {
	return tx.Table(tableName(schema, ledger.OutboxTable)).Create(row)
}

func (s *Store) insertInbox(tx *gorm.DB, schema string, row *inboxModel) *gorm.DB {
	return tx.Table(tableName(schema, ledger.InboxTable)).Create(row)
}

func (s *Store) updateInboxStatus(tx *gorm.DB, schema, messageID string, status ledger.Status, at time.Time) *gorm.DB {
	updates := map[string]any{
		"status":     string(status),
		"updated_at": at.UTC(),
	}
	if status == ledger.StatusProcessed {
		updates["processed_at"] = at.UTC()
	}
	return tx.Table(tableName(schema, ledger.InboxTable)).
		Where("message_id = ?", messageID).
		Where("status = ?", string(ledger.StatusReceived)).
		Updates(updates)
}

func (s *Store) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"component", "ledger/postgres",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	s.logger.Error("ledger store operation failed", fields...)
	return err
}

// Schema names are folded to lower case so the quoted DDL and the table
// references resolve to the same schema.
func tableName(schema, table string) string {
	return strings.ToLower(schema) + "." + table
}

func createSchemaSQL(schema string) string {
	return `CREATE SCHEMA IF NOT EXISTS "` + strings.ToLower(schema) + `"`
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
