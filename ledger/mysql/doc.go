// Package mysql stores the ledger in MySQL using database/sql and the
// go-sql-driver/mysql driver.
//
// MySQL has no schemas separate from databases, so a ledger schema maps to a
// database holding the outbox_messages and inbox_messages tables. Migrate
// creates both when missing.
package mysql
