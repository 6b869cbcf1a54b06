package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"covenant/access"
	"covenant/agreement"
	"covenant/domain"
	"covenant/store"
)

const (
	owner domain.Identity = "owner"
	user1 domain.Identity = "user1"
	user2 domain.Identity = "user2"
	other domain.Identity = "a2"
)

func newChannel(t *testing.T, records ...domain.Agreement) *Channel {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	reg := agreement.NewRegistry(st, access.NewGuard(agreement.Component, owner, access.NewIssuer("test-secret")),
		"registry", nil, nil, nil)
	for _, rec := range records {
		require.NoError(t, reg.SetRecord(ctx, domain.As(owner), rec))
	}
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	return New(st, reg, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
}

func active(id int64, status domain.Status) domain.Agreement {
	return domain.Agreement{ID: id, Status: status, VerifierQuota: 8, Parties: domain.Parties{
		Initiator: user1, Respondent: user2, SignedCount: 2,
	}}
}

func TestSend(t *testing.T) {
	c := newChannel(t, active(1, domain.StatusInProgress))
	ctx := context.Background()

	msg, err := c.Send(ctx, domain.As(user1), 1, "Hello")
	require.NoError(t, err)
	require.Equal(t, user1, msg.Sender)
	_, err = c.Send(ctx, domain.As(user2), 1, "Hi")
	require.NoError(t, err)

	_, err = c.Send(ctx, domain.As(other), 1, "Hello")
	require.ErrorIs(t, err, agreement.ErrNotInvolved)
	_, err = c.Send(ctx, domain.As(user1), 1, "  ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	_, err = c.Send(ctx, domain.As(user1), 7, "Hello")
	require.ErrorIs(t, err, agreement.ErrUnknownAgreement)
}

func TestTranscript(t *testing.T) {
	c := newChannel(t, active(1, domain.StatusInProgress), active(2, domain.StatusInProgress))
	ctx := context.Background()

	_, err := c.Send(ctx, domain.As(user1), 1, "noise on another thread")
	require.NoError(t, err)

	lines := []struct {
		from domain.Identity
		text string
	}{
		{user1, "Hello. We can start our contract discussion."},
		{user2, "Hi. I am ready to start."},
		{user1, "Great. What is your preferred paid?"},
		{user2, "I am thinking of 10 ETH."},
		{user1, "That is too much. I can only afford 5 ETH."},
		{user2, "I can only go down to 8 ETH."},
		{user1, "Deal! Let's start."},
		{user2, "Great!"},
	}
	for _, l := range lines {
		_, err := c.Send(ctx, domain.As(l.from), 2, l.text)
		require.NoError(t, err)
	}

	want := "Payer: Hello. We can start our contract discussion.\n" +
		"Payee: Hi. I am ready to start.\n" +
		"Payer: Great. What is your preferred paid?\n" +
		"Payee: I am thinking of 10 ETH.\n" +
		"Payer: That is too much. I can only afford 5 ETH.\n" +
		"Payee: I can only go down to 8 ETH.\n" +
		"Payer: Deal! Let's start.\n" +
		"Payee: Great!\n"

	got, err := c.Transcript(ctx, domain.As(user1), 2)
	require.NoError(t, err)
	require.Equal(t, want, got)
	got2, err := c.Transcript(ctx, domain.As(user2), 2)
	require.NoError(t, err)
	require.Equal(t, got, got2)

	_, err = c.Transcript(ctx, domain.As(other), 2)
	require.ErrorIs(t, err, agreement.ErrNotInvolved)

	msgs, err := c.Messages(ctx, domain.As(user2), 2)
	require.NoError(t, err)
	require.Len(t, msgs, len(lines))
	require.True(t, msgs[0].SentAt.Before(msgs[1].SentAt))
}

func TestSendInactive(t *testing.T) {
	c := newChannel(t, active(3, domain.StatusVoided))
	_, err := c.Send(context.Background(), domain.As(user1), 3, "Hello")
	require.ErrorIs(t, err, agreement.ErrInactive)
}
