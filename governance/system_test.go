package governance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"covenant/agreement"
	"covenant/auth"
	"covenant/config"
	"covenant/dispute"
	"covenant/domain"
	"covenant/outbox"
	"covenant/signing"
	"covenant/store"
	"covenant/token"
	"covenant/verification"
)

const (
	alice domain.Identity = "alice"
	bob   domain.Identity = "bob"
)

var voters = []domain.Identity{"v1", "v2", "v3", "v4", "v5", "v6", "v7", "v8"}

type harness struct {
	sys *System
	st  *store.Memory
	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{st: store.NewMemory(), now: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)}

	cfg := config.Default()
	cfg.Auth.JWTSecret = "jwt-secret"
	cfg.Auth.CapabilitySecret = "capability-secret"
	sys, err := New(ctx, h.st, cfg, WithClock(func() time.Time { return h.now }))
	require.NoError(t, err)
	h.sys = sys

	for _, id := range append([]domain.Identity{alice, bob}, voters...) {
		_, err := sys.Directory.AddAccount(ctx, sys.OwnerCaller(), auth.AddAccountRequest{ID: id})
		require.NoError(t, err)
		require.NoError(t, sys.Fund(ctx, id, 1000))
	}
	for _, id := range []domain.Identity{alice, bob} {
		require.NoError(t, sys.Tokens.Approve(ctx, domain.As(id), RegistryID, 20))
	}
	return h
}

func (h *harness) balance(t *testing.T, id domain.Identity) int64 {
	t.Helper()
	v, err := h.sys.Tokens.BalanceOf(context.Background(), id)
	require.NoError(t, err)
	return v
}

func (h *harness) score(t *testing.T, id domain.Identity) int {
	t.Helper()
	v, err := h.sys.Reputation.Score(context.Background(), id)
	require.NoError(t, err)
	return v
}

func (h *harness) agreement(t *testing.T, id int64) domain.Agreement {
	t.Helper()
	rec, err := h.sys.Registry.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (h *harness) register(t *testing.T, ref string) int64 {
	t.Helper()
	id, err := h.sys.Registry.Register(context.Background(), domain.As(alice), agreement.RegisterParams{
		Ref:        ref,
		CommonType: 1,
		Initiator:  alice,
		Respondent: bob,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) signBoth(t *testing.T, id int64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.sys.Signer.Sign(ctx, domain.As(alice), signing.Message{AgreementID: id, Nonce: 1, Role: 1, Payload: []byte("terms")})
	require.NoError(t, err)
	_, err = h.sys.Signer.Sign(ctx, domain.As(bob), signing.Message{AgreementID: id, Nonce: 2, Role: 2, Payload: []byte("terms")})
	require.NoError(t, err)
}

func TestCompletionScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	supply, err := h.sys.Tokens.TotalSupply(ctx)
	require.NoError(t, err)

	id := h.register(t, "lease-1")
	require.EqualValues(t, 980, h.balance(t, alice))
	require.EqualValues(t, 980, h.balance(t, bob))
	require.EqualValues(t, 40, h.balance(t, RegistryID))

	rec := h.agreement(t, id)
	require.Equal(t, domain.StatusDraft, rec.Status)
	require.Equal(t, 0, rec.Parties.SignedCount)

	h.signBoth(t, id)
	rec = h.agreement(t, id)
	require.Equal(t, domain.StatusSigned, rec.Status)
	require.Equal(t, 2, rec.Parties.SignedCount)
	ok, err := h.sys.Signer.VerifySignature(ctx, alice, signing.Message{AgreementID: id, Nonce: 1, Role: 1, Payload: []byte("terms")})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.sys.Registry.Proceed(ctx, domain.As(bob), id, bob))
	require.Equal(t, domain.StatusInProgress, h.agreement(t, id).Status)

	require.NoError(t, h.sys.Registry.RequestCompletion(ctx, domain.As(alice), id, alice))
	rec = h.agreement(t, id)
	require.Equal(t, domain.StatusInProgress, rec.Status)
	require.True(t, rec.PendingCompletion)
	require.Equal(t, alice, rec.CompletionRequestedBy)

	require.NoError(t, h.sys.Registry.RequestCompletion(ctx, domain.As(bob), id, bob))
	rec = h.agreement(t, id)
	require.Equal(t, domain.StatusCompleted, rec.Status)
	require.False(t, rec.PendingCompletion)
	require.Equal(t, 251, h.score(t, alice))
	require.Equal(t, 251, h.score(t, bob))

	_, err = h.sys.Channel.Send(ctx, domain.As(alice), id, "thanks")
	require.ErrorIs(t, err, agreement.ErrInactive)

	after, err := h.sys.Tokens.TotalSupply(ctx)
	require.NoError(t, err)
	require.Equal(t, supply, after)
}

func TestVerificationScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sys.Fund(ctx, RegistryID, 1000))

	id := h.register(t, "supply-7")
	rec := h.agreement(t, id)
	require.Equal(t, 8, rec.VerifierQuota)
	require.Zero(t, rec.ApproveCount)
	require.Zero(t, rec.RejectCount)

	ready := false
	for _, v := range voters[:5] {
		require.NoError(t, h.sys.Verification.CastVote(ctx, domain.As(v), id, domain.SideApprove))
		now, err := h.sys.Registry.IsReadyForVerification(ctx, id)
		require.NoError(t, err)
		require.False(t, ready && !now, "readiness regressed")
		ready = now
	}
	require.True(t, ready)

	_, err := h.sys.Verification.Resolve(ctx, id)
	require.ErrorIs(t, err, verification.ErrTooEarly)
	require.ErrorIs(t, err, domain.ErrTooEarly)

	h.now = h.now.Add(12 * time.Hour)
	outcome, err := h.sys.Verification.Resolve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomePassed, outcome)

	rec = h.agreement(t, id)
	require.Equal(t, domain.StatusInProgress, rec.Status)
	require.Equal(t, domain.OutcomePassed, rec.Outcome)
	require.Equal(t, 5, rec.ApproveCount)
	for _, v := range voters[:5] {
		require.EqualValues(t, 1010, h.balance(t, v))
	}
	require.EqualValues(t, 1040-50, h.balance(t, RegistryID))

	_, err = h.sys.Verification.Resolve(ctx, id)
	require.ErrorIs(t, err, domain.ErrAlreadyDone)
}

func TestFraudScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sys.Fund(ctx, RegistryID, 1000))
	id := h.register(t, "fraud-1")

	for _, v := range voters[:4] {
		require.NoError(t, h.sys.Verification.CastVote(ctx, domain.As(v), id, domain.SideReject))
	}
	require.NoError(t, h.sys.Verification.CastVote(ctx, domain.As(voters[4]), id, domain.SideApprove))
	h.now = h.now.Add(13 * time.Hour)

	outcome, err := h.sys.Verification.Resolve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeFailed, outcome)

	rec := h.agreement(t, id)
	require.Equal(t, domain.StatusVoided, rec.Status)
	require.EqualValues(t, 490, h.balance(t, alice))
	require.EqualValues(t, 490, h.balance(t, bob))
	require.Equal(t, 248, h.score(t, alice))
	require.Equal(t, 248, h.score(t, bob))

	// The lone approver was in the minority.
	require.EqualValues(t, 1010-100, h.balance(t, voters[4]))
	require.Equal(t, 249, h.score(t, voters[4]))
	require.EqualValues(t, 1040-50+980+100, h.balance(t, RegistryID))
}

func TestVoteRollsBackWhenEscrowIsEmpty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "thin-escrow")

	for _, v := range voters[:4] {
		require.NoError(t, h.sys.Verification.CastVote(ctx, domain.As(v), id, domain.SideApprove))
	}
	err := h.sys.Verification.CastVote(ctx, domain.As(voters[4]), id, domain.SideApprove)
	require.ErrorIs(t, err, token.ErrInsufficientFunds)

	rec := h.agreement(t, id)
	require.Equal(t, 4, rec.ApproveCount)
	ballots, err := h.sys.Verification.Ballots(ctx, id)
	require.NoError(t, err)
	require.Len(t, ballots, 4)
	require.EqualValues(t, 1000, h.balance(t, voters[4]))
	require.Zero(t, h.balance(t, RegistryID))
}

func TestDisputeScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.sys.OwnerCaller()

	id := h.register(t, "job-3")
	h.signBoth(t, id)
	require.NoError(t, h.sys.Registry.Proceed(ctx, domain.As(alice), id, alice))

	_, err := h.sys.Channel.Send(ctx, domain.As(alice), id, "the work is late")
	require.NoError(t, err)
	_, err = h.sys.Channel.Send(ctx, domain.As(bob), id, "it was delivered")
	require.NoError(t, err)

	sess, err := h.sys.Disputes.File(ctx, domain.As(alice), dispute.FileParams{AgreementID: id, DisputeType: 1, Title: "late delivery"})
	require.NoError(t, err)
	rec := h.agreement(t, id)
	require.Equal(t, domain.StatusDisputed, rec.Status)
	require.Equal(t, sess.ID, rec.DisputeRef)

	ref, err := h.sys.Registry.DisputeRef(ctx, id)
	require.NoError(t, err)
	require.Equal(t, sess.ID, ref)

	_, err = h.sys.Disputes.SubmitOutcome(ctx, domain.As(alice), sess.ID, "refund half")
	require.NoError(t, err)
	_, err = h.sys.Disputes.SubmitOutcome(ctx, domain.As(bob), sess.ID, "pay in full")
	require.NoError(t, err)
	_, err = h.sys.Disputes.OpenVoting(ctx, domain.As(bob), sess.ID)
	require.NoError(t, err)

	require.NoError(t, h.sys.Reputation.SetScore(ctx, owner, "v1", 320))
	require.NoError(t, h.sys.Reputation.SetScore(ctx, owner, "v2", 100))

	require.NoError(t, h.sys.Disputes.Vote(ctx, domain.As("v1"), sess.ID, true, 6))
	require.NoError(t, h.sys.Disputes.Vote(ctx, domain.As("v3"), sess.ID, false, 5))
	require.ErrorIs(t, h.sys.Disputes.Vote(ctx, domain.As("v2"), sess.ID, false, 5), dispute.ErrUntrusted)
	require.ErrorIs(t, h.sys.Disputes.Vote(ctx, domain.As("v4"), sess.ID, false, 6), dispute.ErrStakeOutOfRange)

	_, err = h.sys.Disputes.ForceCloseVoting(ctx, domain.As("v4"), sess.ID)
	require.ErrorIs(t, err, dispute.ErrNotAdmin)
	_, err = h.sys.Disputes.ForceCloseVoting(ctx, owner, sess.ID)
	require.NoError(t, err)

	done, err := h.sys.Disputes.Conclude(ctx, domain.As(alice), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "refund half", done.FinalOutcome)

	// A one point margin is enough.
	require.Equal(t, 250, h.score(t, alice))
	require.Equal(t, 200, h.score(t, bob))
	require.Equal(t, 326, h.score(t, "v1"))
	require.Equal(t, 245, h.score(t, "v3"))
	require.Equal(t, domain.StatusDisputed, h.agreement(t, id).Status)

	transcript, err := h.sys.Channel.Transcript(ctx, domain.As(bob), id)
	require.NoError(t, err)
	require.Equal(t, "Payer: the work is late\nPayee: it was delivered\n", transcript)
}

func TestDirectoryAdminClosesDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.sys.Directory.AddAccount(ctx, h.sys.OwnerCaller(), auth.AddAccountRequest{ID: "carol", Role: domain.RoleAdmin})
	require.NoError(t, err)

	id := h.register(t, "admin-close")
	h.signBoth(t, id)
	require.NoError(t, h.sys.Registry.Proceed(ctx, domain.As(alice), id, alice))
	sess, err := h.sys.Disputes.File(ctx, domain.As(bob), dispute.FileParams{AgreementID: id})
	require.NoError(t, err)
	require.Equal(t, bob, sess.Initiator)

	_, err = h.sys.Disputes.SubmitOutcome(ctx, domain.As(alice), sess.ID, "a")
	require.NoError(t, err)
	_, err = h.sys.Disputes.SubmitOutcome(ctx, domain.As(bob), sess.ID, "b")
	require.NoError(t, err)
	_, err = h.sys.Disputes.OpenVoting(ctx, domain.As("carol"), sess.ID)
	require.NoError(t, err)
	_, err = h.sys.Disputes.ForceCloseVoting(ctx, domain.As("carol"), sess.ID)
	require.NoError(t, err)

	require.NoError(t, h.sys.Directory.SetActive(ctx, h.sys.OwnerCaller(), "carol", false))
	_, err = h.sys.Disputes.Conclude(ctx, domain.As("carol"), sess.ID)
	require.ErrorIs(t, err, dispute.ErrNotParty)
}

func TestNewIsRepeatable(t *testing.T) {
	st := store.NewMemory()
	cfg := config.Default()
	cfg.Auth.CapabilitySecret = "stable"
	ctx := context.Background()

	first, err := New(ctx, st, cfg)
	require.NoError(t, err)
	require.NoError(t, first.Fund(ctx, "x", 5))

	second, err := New(ctx, st, cfg)
	require.NoError(t, err)
	n, err := second.Directory.NumAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, second.Fund(ctx, "x", 5))
	bal, err := second.Tokens.BalanceOf(ctx, "x")
	require.NoError(t, err)
	require.EqualValues(t, 10, bal)
}

func TestRelayDeliversAuditTrail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "audit-1")
	h.signBoth(t, id)

	var (
		mu     sync.Mutex
		topics = map[string]int{}
	)
	relay := outbox.NewRelay(h.st, outbox.PublisherFunc(func(_ context.Context, ev domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		topics[ev.Topic]++
		return nil
	}), outbox.WithBatchSize(50))

	total := 0
	for {
		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		total += n
	}
	require.Equal(t, len(h.st.Events()), total)
	require.Equal(t, 1, topics[agreement.TopicCreated])
	require.Equal(t, 2, topics[agreement.TopicSigned])
	for _, ev := range h.st.Events() {
		require.Equal(t, domain.EventProcessed, ev.Status, ev.Topic)
	}
}
