// Package ledger keeps the inbox and outbox audit trail of a service.
//
// A Recorder adapts a Store to the messaging.Ledger contract. Outbox rows are
// written once with status SENT; inbox rows start as RECEIVED and move to
// PROCESSED after the handler succeeds. Rows live in a per-service schema
// (see SchemaName) so services sharing a database do not collide.
//
// Store implementations:
//   - MemoryStore: in-process, for tests and local runs
//   - ledger/postgres: gorm on PostgreSQL
//   - ledger/mysql: database/sql on MySQL
//   - ledger/badger: embedded Badger key-value store
package ledger
