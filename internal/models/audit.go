package models

import "time"

type AuditEntry struct {
	ID           uint64
	ActorID      uint64
	ActorRole    Role
	Action       string
	ResourceType string
	ResourceID   uint64
	Description  string
	At           time.Time
}

// OutboxEvent is an event stored in the same transaction as the state change
// that produced it, waiting to be relayed to the broker.
type OutboxEvent struct {
	ID            uint64
	EventID       string
	EventType     string
	Topic         string
	Key           string
	Payload       []byte
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	PublishedAt   *time.Time
	CreatedAt     time.Time
}
