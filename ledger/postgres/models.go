package postgres

import (
	"time"

	"github.com/glimte/zula-go/ledger"
)

type outboxModel struct {
	ID            string    `gorm:"column:id;type:varchar(64);primaryKey"`
	MessageID     string    `gorm:"column:message_id;type:varchar(255);not null;index"`
	MessageType   string    `gorm:"column:message_type;type:varchar(255);not null"`
	TargetService string    `gorm:"column:target_service;type:varchar(255);not null"`
	Payload       []byte    `gorm:"column:payload"`
	Status        string    `gorm:"column:status;type:varchar(32);not null"`
	RetryCount    int       `gorm:"column:retry_count;not null;default:0"`
	SentAt        time.Time `gorm:"column:sent_at"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

type inboxModel struct {
	ID            string     `gorm:"column:id;type:varchar(64);primaryKey"`
	MessageID     string     `gorm:"column:message_id;type:varchar(255);not null;index"`
	MessageType   string     `gorm:"column:message_type;type:varchar(255);not null"`
	SourceService string     `gorm:"column:source_service;type:varchar(255);not null"`
	Payload       []byte     `gorm:"column:payload"`
	Status        string     `gorm:"column:status;type:varchar(32);not null"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
	ProcessedAt   *time.Time `gorm:"column:processed_at"`
}

func outboxModelFromRecord(rec ledger.OutboxRecord) outboxModel {
	return outboxModel{
		ID:            rec.ID,
		MessageID:     rec.MessageID,
		MessageType:   rec.MessageType,
		TargetService: rec.TargetService,
		Payload:       rec.Payload,
		Status:        string(rec.Status),
		RetryCount:    rec.RetryCount,
		SentAt:        rec.SentAt.UTC(),
		CreatedAt:     rec.CreatedAt.UTC(),
		UpdatedAt:     rec.UpdatedAt.UTC(),
	}
}

func (m outboxModel) toRecord() ledger.OutboxRecord {
	return ledger.OutboxRecord{
		ID:            m.ID,
		MessageID:     m.MessageID,
		MessageType:   m.MessageType,
		TargetService: m.TargetService,
		Payload:       m.Payload,
		Status:        ledger.Status(m.Status),
		RetryCount:    m.RetryCount,
		SentAt:        m.SentAt.UTC(),
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

func inboxModelFromRecord(rec ledger.InboxRecord) inboxModel {
	row := inboxModel{
		ID:            rec.ID,
		MessageID:     rec.MessageID,
		MessageType:   rec.MessageType,
		SourceService: rec.SourceService,
		Payload:       rec.Payload,
		Status:        string(rec.Status),
		CreatedAt:     rec.CreatedAt.UTC(),
		UpdatedAt:     rec.UpdatedAt.UTC(),
	}
	if rec.ProcessedAt != nil {
		at := rec.ProcessedAt.UTC()
		row.ProcessedAt = &at
	}
	return row
}

func (m inboxModel) toRecord() ledger.InboxRecord {
	rec := ledger.InboxRecord{
		ID:            m.ID,
		MessageID:     m.MessageID,
		MessageType:   m.MessageType,
		SourceService: m.SourceService,
		Payload:       m.Payload,
		Status:        ledger.Status(m.Status),
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
	if m.ProcessedAt != nil {
		at := m.ProcessedAt.UTC()
		rec.ProcessedAt = &at
	}
	return rec
}
