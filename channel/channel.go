// Package channel is the private message thread between the two parties of
// an agreement. Messages live in the event log; the transcript is rebuilt
// from it.
package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"covenant/agreement"
	"covenant/domain"
	"covenant/outbox"
	"covenant/store"
)

// TopicMessageSent is the event every message is stored as.
const TopicMessageSent = "channel.message_sent"

var ErrEmptyMessage = domain.NewError(domain.ErrOutOfRange, "channel: message text required")

// Registry is the slice of the agreement registry the channel reads.
type Registry interface {
	GetTx(ctx context.Context, tx store.Tx, id int64) (domain.Agreement, error)
}

// Message is one line of the thread.
type Message struct {
	AgreementID int64           `json:"agreement_id"`
	Sender      domain.Identity `json:"sender"`
	Text        string          `json:"text"`
	SentAt      time.Time       `json:"sent_at"`
}

// Channel sends and reads agreement messages.
type Channel struct {
	store    store.Store
	registry Registry
	clock    func() time.Time
	logger   *zap.Logger
}

// Option configures a Channel.
type Option func(*Channel)

func WithClock(clock func() time.Time) Option {
	return func(c *Channel) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(st store.Store, registry Registry, opts ...Option) *Channel {
	c := &Channel{store: st, registry: registry, clock: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send appends text from caller to the thread of agreement id. Only parties
// may write, and only while the agreement is active.
func (c *Channel) Send(ctx context.Context, caller domain.Caller, id int64, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}
	var msg Message
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rec, err := c.registry.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !rec.Involves(caller.ID) {
			return agreement.ErrNotInvolved
		}
		if rec.Status.Terminal() {
			return agreement.ErrInactive
		}
		msg = Message{AgreementID: id, Sender: caller.ID, Text: text, SentAt: c.clock().UTC()}
		return outbox.Append(ctx, tx, msg.SentAt, TopicMessageSent, id, map[string]any{
			"sender": string(msg.Sender),
			"text":   msg.Text,
		})
	})
	if err != nil {
		return Message{}, err
	}
	c.logger.Debug("channel message", zap.Int64("id", id), zap.String("sender", string(caller.ID)))
	return msg, nil
}

// Messages returns the thread of agreement id in send order. Only parties
// may read it.
func (c *Channel) Messages(ctx context.Context, caller domain.Caller, id int64) ([]Message, error) {
	var out []Message
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rec, err := c.registry.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !rec.Involves(caller.ID) {
			return agreement.ErrNotInvolved
		}
		events, err := tx.Events().List(ctx, TopicMessageSent)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.AgreementID != id {
				continue
			}
			sender, _ := ev.Payload["sender"].(string)
			text, _ := ev.Payload["text"].(string)
			out = append(out, Message{AgreementID: id, Sender: domain.Identity(sender), Text: text, SentAt: ev.CreatedAt})
		}
		return nil
	})
	return out, err
}

// Transcript renders the thread one message per line, labelling the
// initiator as Payer and the respondent as Payee.
func (c *Channel) Transcript(ctx context.Context, caller domain.Caller, id int64) (string, error) {
	var rec domain.Agreement
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rec, err = c.registry.GetTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return "", err
	}
	msgs, err := c.Messages(ctx, caller, id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, m := range msgs {
		label := "Payee"
		if m.Sender == rec.Parties.Initiator {
			label = "Payer"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, m.Text)
	}
	return b.String(), nil
}
