package domain

import "time"

// Event is an audit record appended to the outbox inside the transaction that
// produced it.
type Event struct {
	ID          string
	Topic       string
	AgreementID int64
	Payload     map[string]any
	CreatedAt   time.Time
	Status      string
	Attempts    int
}

// Outbox statuses.
const (
	EventPending   = "pending"
	EventProcessed = "processed"
	EventDead      = "dead"
)
