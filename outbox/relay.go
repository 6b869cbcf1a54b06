package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"covenant/domain"
	"covenant/store"
)

// Publisher delivers one committed event. Returning an error leaves the event
// pending until MaxAttempts is reached.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev domain.Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev domain.Event) error { return f(ctx, ev) }

// LogPublisher writes every event to a zap logger.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.Logger.Info("governance event",
		zap.String("event_id", ev.ID),
		zap.String("topic", ev.Topic),
		zap.Int64("agreement_id", ev.AgreementID),
		zap.Any("payload", ev.Payload),
	)
	return nil
}

// Relay drains pending outbox rows in batches.
type Relay struct {
	store       store.Store
	publisher   Publisher
	logger      *zap.Logger
	batchSize   int
	maxAttempts int
	interval    time.Duration
}

// RelayOption customizes a Relay.
type RelayOption func(*Relay)

func WithLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewRelay builds a relay publishing to pub.
func NewRelay(st store.Store, pub Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		store:       st,
		publisher:   pub,
		logger:      zap.NewNop(),
		batchSize:   10,
		maxAttempts: 5,
		interval:    100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Drain processes one batch and reports how many events were delivered.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	delivered := 0
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pending, err := tx.Events().Pending(ctx, r.batchSize)
		if err != nil {
			return err
		}
		for _, ev := range pending {
			if err := r.publisher.Publish(ctx, ev); err != nil {
				r.logger.Warn("outbox delivery failed",
					zap.String("event_id", ev.ID),
					zap.String("topic", ev.Topic),
					zap.Int("attempt", ev.Attempts+1),
					zap.Error(err),
				)
				if err := tx.Events().MarkFailed(ctx, ev.ID, r.maxAttempts); err != nil {
					return err
				}
				continue
			}
			if err := tx.Events().MarkProcessed(ctx, ev.ID); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: drain: %w", err)
	}
	return delivered, nil
}

// Run drains until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Drain(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				r.logger.Error("outbox relay", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Debug("outbox relay delivered", zap.Int("count", n))
			}
		}
	}
}
