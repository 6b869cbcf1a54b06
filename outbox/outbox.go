// Package outbox appends audit events inside a governance transaction and
// relays them to downstream consumers once committed.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"covenant/domain"
	"covenant/store"
)

// Append writes one pending event into the active transaction.
func Append(ctx context.Context, tx store.Tx, at time.Time, topic string, agreementID int64, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: topic required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	ev := domain.Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		AgreementID: agreementID,
		Payload:     payload,
		CreatedAt:   at.UTC(),
		Status:      domain.EventPending,
	}
	if err := tx.Events().Append(ctx, ev); err != nil {
		return fmt.Errorf("outbox: append %s: %w", topic, err)
	}
	return nil
}
