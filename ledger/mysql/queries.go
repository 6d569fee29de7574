package mysql

import (
	"fmt"

	"github.com/glimte/zula-go/ledger"
)

const (
	outboxColumns = "id, message_id, message_type, target_service, payload, status, retry_count, sent_at, created_at, updated_at"
	inboxColumns  = "id, message_id, message_type, source_service, payload, status, created_at, updated_at, processed_at"
)

const outboxTableTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) NOT NULL,
	message_id VARCHAR(255) NOT NULL,
	message_type VARCHAR(255) NOT NULL,
	target_service VARCHAR(255) NOT NULL,
	payload LONGBLOB NULL,
	status VARCHAR(32) NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	sent_at DATETIME(6) NOT NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	PRIMARY KEY (id),
	INDEX idx_outbox_message_id (message_id),
	INDEX idx_outbox_created_at (created_at)
) ENGINE=%s DEFAULT CHARSET=%s;`

const inboxTableTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) NOT NULL,
	message_id VARCHAR(255) NOT NULL,
	message_type VARCHAR(255) NOT NULL,
	source_service VARCHAR(255) NOT NULL,
	payload LONGBLOB NULL,
	status VARCHAR(32) NOT NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	processed_at DATETIME(6) NULL,
	PRIMARY KEY (id),
	INDEX idx_inbox_message_status (message_id, status)
) ENGINE=%s DEFAULT CHARSET=%s;`

type queries struct {
	createDatabase string
	createOutbox   string
	createInbox    string
	insertOutbox   string
	insertInbox    string
	updateInbox    string
	recentOutbox   string
	allOutbox      string
	findInbox      string
}

func newQueries(schema string, cfg Config) queries {
	outbox := qualified(schema, ledger.OutboxTable)
	inbox := qualified(schema, ledger.InboxTable)

	return queries{
		createDatabase: fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", schema),
		createOutbox:   fmt.Sprintf(outboxTableTemplate, outbox, cfg.Engine, cfg.Charset),
		createInbox:    fmt.Sprintf(inboxTableTemplate, inbox, cfg.Engine, cfg.Charset),
		insertOutbox: fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			outbox,
			outboxColumns,
		),
		insertInbox: fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			inbox,
			inboxColumns,
		),
		updateInbox: fmt.Sprintf(
			"UPDATE %s SET status = ?, updated_at = ?, processed_at = COALESCE(?, processed_at) WHERE message_id = ? AND status = ?",
			inbox,
		),
		recentOutbox: fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at DESC LIMIT ?", outboxColumns, outbox),
		allOutbox:    fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at DESC", outboxColumns, outbox),
		findInbox:    fmt.Sprintf("SELECT %s FROM %s WHERE message_id = ? ORDER BY created_at ASC", inboxColumns, inbox),
	}
}

func qualified(schema, table string) string {
	return "`" + schema + "`.`" + table + "`"
}
