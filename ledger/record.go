package ledger

import (
	"time"
)

// Status is the lifecycle state of a ledger row
type Status string

const (
	StatusSent      Status = "SENT"
	StatusReceived  Status = "RECEIVED"
	StatusProcessed Status = "PROCESSED"
)

// OutboxRecord is a message this service sent
type OutboxRecord struct {
	ID            string    `json:"id"`
	MessageID     string    `json:"messageId"`
	MessageType   string    `json:"messageType"`
	TargetService string    `json:"targetService"`
	Payload       []byte    `json:"payload"`
	Status        Status    `json:"status"`
	RetryCount    int       `json:"retryCount"`
	SentAt        time.Time `json:"sentAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// InboxRecord is a message this service received
type InboxRecord struct {
	ID            string     `json:"id"`
	MessageID     string     `json:"messageId"`
	MessageType   string     `json:"messageType"`
	SourceService string     `json:"sourceService"`
	Payload       []byte     `json:"payload"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the system time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
