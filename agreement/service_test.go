package agreement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"covenant/access"
	"covenant/auth"
	"covenant/domain"
	"covenant/reputation"
	"covenant/store"
	"covenant/token"
)

const (
	owner     domain.Identity = "owner"
	alice     domain.Identity = "alice"
	bob       domain.Identity = "bob"
	mallory   domain.Identity = "mallory"
	registry  domain.Identity = "registry"
	signerSvc domain.Identity = "signing"
)

type fixture struct {
	st     *store.Memory
	reg    *Registry
	tokens *token.Ledger
	rep    *reputation.Ledger
	dir    *auth.Service
	signer domain.Caller
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st := store.NewMemory()
	issuer := access.NewIssuer("test-secret")
	dir := auth.NewService(st, "test-secret", auth.WithClock(clock))
	if err := dir.Bootstrap(ctx, owner, ""); err != nil {
		t.Fatalf("bootstrap directory: %v", err)
	}
	for _, id := range []domain.Identity{alice, bob, mallory} {
		if _, err := dir.AddAccount(ctx, domain.As(owner), auth.AddAccountRequest{ID: id}); err != nil {
			t.Fatalf("add account %s: %v", id, err)
		}
	}

	rep, err := reputation.NewLedger(st, access.NewGuard(reputation.Component, owner, issuer), reputation.WithClock(clock))
	if err != nil {
		t.Fatalf("reputation ledger: %v", err)
	}
	tokens := token.NewLedger(st, access.NewGuard(token.Component, owner, issuer), token.WithClock(clock))

	repCap, err := rep.ApproveCaller(ctx, domain.As(owner), registry)
	if err != nil {
		t.Fatalf("approve registry on reputation: %v", err)
	}
	tokenCap, err := tokens.ApproveOperator(ctx, domain.As(owner), registry)
	if err != nil {
		t.Fatalf("approve registry on token: %v", err)
	}

	for _, id := range []domain.Identity{alice, bob, mallory} {
		if err := tokens.Mint(ctx, domain.As(owner), id, 1000); err != nil {
			t.Fatalf("mint %s: %v", id, err)
		}
		if err := tokens.Approve(ctx, domain.As(id), registry, 20); err != nil {
			t.Fatalf("approve fee %s: %v", id, err)
		}
	}

	reg := NewRegistry(st, access.NewGuard(Component, owner, issuer), registry, dir, tokens, rep,
		WithTokenCapability(tokenCap),
		WithReputationCapability(repCap),
		WithClock(clock),
	)
	signerCap, err := reg.GrantApproval(ctx, domain.As(owner), signerSvc)
	if err != nil {
		t.Fatalf("grant signing approval: %v", err)
	}

	return &fixture{
		st:     st,
		reg:    reg,
		tokens: tokens,
		rep:    rep,
		dir:    dir,
		signer: domain.Caller{ID: signerSvc, Capability: signerCap},
		now:    now,
	}
}

func (f *fixture) register(t *testing.T, ref string) int64 {
	t.Helper()
	id, err := f.reg.Register(context.Background(), domain.As(alice), RegisterParams{
		Ref:        ref,
		Initiator:  alice,
		Respondent: bob,
	})
	if err != nil {
		t.Fatalf("register %s: %v", ref, err)
	}
	return id
}

func (f *fixture) signBoth(t *testing.T, id int64) {
	t.Helper()
	ctx := context.Background()
	if err := f.reg.RecordSignature(ctx, f.signer, id, alice, "0xa1"); err != nil {
		t.Fatalf("sign alice: %v", err)
	}
	if err := f.reg.RecordSignature(ctx, f.signer, id, bob, "0xb1"); err != nil {
		t.Fatalf("sign bob: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, id domain.Identity) int64 {
	t.Helper()
	v, err := f.tokens.BalanceOf(context.Background(), id)
	if err != nil {
		t.Fatalf("balance %s: %v", id, err)
	}
	return v
}

func (f *fixture) topics() []string {
	var out []string
	for _, ev := range f.st.Events() {
		out = append(out, ev.Topic)
	}
	return out
}

func TestRegister_CollectsFeesAndBindsRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.register(t, "deal-1")
	if id != 1 {
		t.Fatalf("expected first id 1, got %d", id)
	}

	if got := f.balance(t, alice); got != 980 {
		t.Fatalf("alice balance: want 980 got %d", got)
	}
	if got := f.balance(t, bob); got != 980 {
		t.Fatalf("bob balance: want 980 got %d", got)
	}
	if got := f.balance(t, registry); got != 40 {
		t.Fatalf("escrow balance: want 40 got %d", got)
	}

	rec, err := f.reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := domain.Agreement{
		ID:                      1,
		Status:                  domain.StatusDraft,
		CreatedAt:               f.now,
		VerificationWindowStart: f.now,
		Parties:                 domain.Parties{Initiator: alice, Respondent: bob},
		Outcome:                 domain.OutcomeUnresolved,
		VerifierQuota:           8,
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	gotID, err := f.reg.IDByRef(ctx, "deal-1")
	if err != nil || gotID != id {
		t.Fatalf("id by ref: got %d, %v", gotID, err)
	}
	ref, err := f.reg.RefByID(ctx, id)
	if err != nil || ref != "deal-1" {
		t.Fatalf("ref by id: got %q, %v", ref, err)
	}

	var created int
	for _, ev := range f.st.Events() {
		if ev.Topic == TopicCreated {
			created++
			if ev.Payload["ref"] != "deal-1" {
				t.Fatalf("created event payload: %+v", ev.Payload)
			}
		}
	}
	if created != 1 {
		t.Fatalf("expected one created event, got %d", created)
	}
}

func TestRegister_InsufficientAllowanceLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.tokens.Approve(ctx, domain.As(bob), registry, 5); err != nil {
		t.Fatalf("reduce allowance: %v", err)
	}
	before := len(f.st.Events())

	_, err := f.reg.Register(ctx, domain.As(alice), RegisterParams{Ref: "deal-x", Initiator: alice, Respondent: bob})
	if !errors.Is(err, domain.ErrInsufficientAllowance) {
		t.Fatalf("expected insufficient allowance, got %v", err)
	}
	if got := f.balance(t, alice); got != 1000 {
		t.Fatalf("alice fee must be rolled back, balance %d", got)
	}
	if len(f.st.Events()) != before {
		t.Fatal("failed registration must not emit events")
	}
	if _, err := f.reg.IDByRef(ctx, "deal-x"); !errors.Is(err, ErrUnknownAgreement) {
		t.Fatalf("ref must not be bound, got %v", err)
	}

	if err := f.tokens.Approve(ctx, domain.As(bob), registry, 20); err != nil {
		t.Fatalf("restore allowance: %v", err)
	}
	if id := f.register(t, "deal-x"); id != 1 {
		t.Fatalf("expected id 1 after rollback, got %d", id)
	}
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Register(ctx, domain.As(alice), RegisterParams{Ref: "d", Initiator: alice, Respondent: "stranger"})
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}

	_, err = f.reg.Register(ctx, domain.As(alice), RegisterParams{Ref: "d", Initiator: alice, Respondent: alice})
	if !errors.Is(err, ErrInvalidParties) {
		t.Fatalf("expected ErrInvalidParties, got %v", err)
	}

	_, err = f.reg.Register(ctx, domain.As(mallory), RegisterParams{Ref: "d", Initiator: alice, Respondent: bob})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for third party, got %v", err)
	}

	f.register(t, "d")
	if err := f.tokens.Approve(ctx, domain.As(alice), registry, 20); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := f.tokens.Approve(ctx, domain.As(bob), registry, 20); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err = f.reg.Register(ctx, domain.As(alice), RegisterParams{Ref: "d", Initiator: alice, Respondent: bob})
	if !errors.Is(err, ErrRefTaken) {
		t.Fatalf("expected ErrRefTaken, got %v", err)
	}
}

func TestRecordSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "deal-1")

	if err := f.reg.RecordSignature(ctx, domain.As(mallory), id, alice, "0xa1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("unapproved caller: expected unauthorized, got %v", err)
	}
	if err := f.reg.RecordSignature(ctx, f.signer, id, owner, "0x00"); !errors.Is(err, ErrNotInvolved) {
		t.Fatalf("expected ErrNotInvolved, got %v", err)
	}

	if err := f.reg.RecordSignature(ctx, f.signer, id, alice, "0xa1"); err != nil {
		t.Fatalf("sign alice: %v", err)
	}
	rec, _ := f.reg.Get(ctx, id)
	if rec.Status != domain.StatusDraft || rec.Parties.SignedCount != 1 || rec.Parties.InitiatorSignature != "0xa1" {
		t.Fatalf("after first signature: %+v", rec)
	}
	if err := f.reg.RecordSignature(ctx, f.signer, id, alice, "0xa1"); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}

	if err := f.reg.RecordSignature(ctx, f.signer, id, bob, "0xb1"); err != nil {
		t.Fatalf("sign bob: %v", err)
	}
	rec, _ = f.reg.Get(ctx, id)
	if rec.Status != domain.StatusSigned || rec.Parties.SignedCount != 2 || rec.Parties.RespondentSignature != "0xb1" {
		t.Fatalf("after second signature: %+v", rec)
	}
	if err := f.reg.RecordSignature(ctx, f.signer, id, bob, "0xb1"); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}
	if ok, err := f.reg.IsFullySigned(ctx, id); !ok || err != nil {
		t.Fatalf("is fully signed: %v %v", ok, err)
	}
}

func TestRecordSignature_InactiveAgreement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := domain.Agreement{
		ID:            3,
		Status:        domain.StatusVoided,
		Parties:       domain.Parties{Initiator: alice, InitiatorSignature: "0xa1", Respondent: bob, RespondentSignature: "0xb1", SignedCount: 2},
		VerifierQuota: 8,
	}
	if err := f.reg.SetRecord(ctx, f.signer, rec); err != nil {
		t.Fatalf("set record: %v", err)
	}
	if err := f.reg.RecordSignature(ctx, f.signer, 3, alice, "0xa1"); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}

func TestProceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "deal-1")

	if err := f.reg.Proceed(ctx, domain.As(alice), id, alice); !errors.Is(err, ErrNotSigned) {
		t.Fatalf("expected ErrNotSigned, got %v", err)
	}
	f.signBoth(t, id)

	if err := f.reg.Proceed(ctx, domain.As(mallory), id, alice); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := f.reg.Proceed(ctx, domain.As(mallory), id, mallory); !errors.Is(err, ErrNotInvolved) {
		t.Fatalf("expected ErrNotInvolved, got %v", err)
	}
	if err := f.reg.Proceed(ctx, domain.As(bob), id, bob); err != nil {
		t.Fatalf("proceed: %v", err)
	}
	rec, _ := f.reg.Get(ctx, id)
	if rec.Status != domain.StatusInProgress {
		t.Fatalf("expected in progress, got %s", rec.Status)
	}
	if err := f.reg.Proceed(ctx, domain.As(bob), id, bob); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

func TestRequestCompletion_RewardsBothParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, p := range []domain.Identity{alice, bob} {
		if err := f.rep.SetScore(ctx, domain.As(owner), p, 450); err != nil {
			t.Fatalf("set score: %v", err)
		}
	}
	id := f.register(t, "deal-1")

	if err := f.reg.RequestCompletion(ctx, domain.As(alice), id, alice); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("draft completion: expected ErrBadTransition, got %v", err)
	}
	f.signBoth(t, id)
	if err := f.reg.Proceed(ctx, domain.As(alice), id, alice); err != nil {
		t.Fatalf("proceed: %v", err)
	}

	if err := f.reg.RequestCompletion(ctx, domain.As(alice), id, alice); err != nil {
		t.Fatalf("first request: %v", err)
	}
	rec, _ := f.reg.Get(ctx, id)
	if !rec.PendingCompletion || rec.Status != domain.StatusInProgress {
		t.Fatalf("after first request: %+v", rec)
	}
	if err := f.reg.RequestCompletion(ctx, domain.As(alice), id, alice); !errors.Is(err, ErrAlreadyRequested) {
		t.Fatalf("expected ErrAlreadyRequested, got %v", err)
	}

	// an approved collaborator completes on bob's behalf
	if err := f.reg.RequestCompletion(ctx, f.signer, id, bob); err != nil {
		t.Fatalf("second request: %v", err)
	}
	rec, _ = f.reg.Get(ctx, id)
	if rec.Status != domain.StatusCompleted || rec.PendingCompletion {
		t.Fatalf("after completion: %+v", rec)
	}
	for _, p := range []domain.Identity{alice, bob} {
		score, err := f.rep.Score(ctx, p)
		if err != nil {
			t.Fatalf("score: %v", err)
		}
		if score != 451 {
			t.Fatalf("%s score: want 451 got %d", p, score)
		}
	}

	topics := f.topics()
	if topics[len(topics)-1] != TopicCompleted {
		t.Fatalf("last event should be completion, got %v", topics)
	}
}

func TestVoid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "deal-1")

	if err := f.reg.Void(ctx, domain.As(alice), id, alice); err != nil {
		t.Fatalf("void: %v", err)
	}
	active, err := f.reg.IsActive(ctx, id)
	if err != nil || active {
		t.Fatalf("voided agreement must be inactive: %v %v", active, err)
	}
	if err := f.reg.Void(ctx, domain.As(bob), id, bob); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

func TestFileDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "deal-1")

	if err := f.reg.FileDispute(ctx, domain.As(alice), id, alice, "case-1", 2); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("draft dispute: expected ErrBadTransition, got %v", err)
	}
	f.signBoth(t, id)
	if err := f.reg.Proceed(ctx, domain.As(alice), id, alice); err != nil {
		t.Fatalf("proceed: %v", err)
	}
	if err := f.reg.FileDispute(ctx, domain.As(bob), id, bob, "case-1", 2); err != nil {
		t.Fatalf("file dispute: %v", err)
	}
	rec, _ := f.reg.Get(ctx, id)
	if rec.Status != domain.StatusDisputed || rec.DisputeRef != "case-1" || rec.DisputeType != 2 {
		t.Fatalf("after dispute: %+v", rec)
	}
	ref, err := f.reg.DisputeRef(ctx, id)
	if err != nil || ref != "case-1" {
		t.Fatalf("dispute ref: %q %v", ref, err)
	}
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := domain.Agreement{
		ID:            6,
		Status:        domain.StatusDraft,
		Parties:       domain.Parties{Initiator: alice, Respondent: bob, SignedCount: 1},
		VerifierQuota: 8,
		ApproveCount:  3,
		RejectCount:   1,
	}
	if err := f.reg.SetRecord(ctx, f.signer, rec); err != nil {
		t.Fatalf("set record: %v", err)
	}

	ready, err := f.reg.IsReadyForVerification(ctx, 6)
	if err != nil || ready {
		t.Fatalf("3 of quota 8 must not be ready: %v %v", ready, err)
	}
	rec.ApproveCount = 4
	if err := f.reg.SetRecord(ctx, f.signer, rec); err != nil {
		t.Fatalf("set record: %v", err)
	}
	if ready, _ := f.reg.IsReadyForVerification(ctx, 6); !ready {
		t.Fatal("4 of quota 8 must be ready")
	}

	if _, err := f.reg.IsFullySigned(ctx, 6); !errors.Is(err, ErrNotSigned) {
		t.Fatalf("expected ErrNotSigned, got %v", err)
	}
	if ok, _ := f.reg.IsInvolved(ctx, 6, alice); !ok {
		t.Fatal("alice is involved")
	}
	if ok, _ := f.reg.IsInvolved(ctx, 6, mallory); ok {
		t.Fatal("mallory is not involved")
	}
	if _, err := f.reg.Get(ctx, 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	// registration after SetRecord must not reuse taken ids
	refs := []string{"deal-a", "deal-b", "deal-c", "deal-d", "deal-e", "deal-next"}
	var last int64
	for _, ref := range refs {
		if err := f.tokens.Approve(ctx, domain.As(alice), registry, 20); err != nil {
			t.Fatalf("approve: %v", err)
		}
		if err := f.tokens.Approve(ctx, domain.As(bob), registry, 20); err != nil {
			t.Fatalf("approve: %v", err)
		}
		last = f.register(t, ref)
	}
	if last != 7 {
		t.Fatalf("expected id 7 after skipping 6, got %d", last)
	}
}

func TestWalletRedirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wallet, err := f.reg.WalletOf(ctx, alice)
	if err != nil || wallet != alice {
		t.Fatalf("default wallet: %q %v", wallet, err)
	}
	if err := f.reg.SetWalletRedirect(ctx, domain.As(alice), alice, "alice-cold"); !errors.Is(err, access.ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
	if err := f.reg.SetWalletRedirect(ctx, domain.As(owner), alice, "alice-cold"); err != nil {
		t.Fatalf("owner redirect: %v", err)
	}
	if wallet, _ := f.reg.WalletOf(ctx, alice); wallet != "alice-cold" {
		t.Fatalf("redirected wallet: %q", wallet)
	}
}

func TestPrivilegedSetters_ThreeTierCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := domain.Agreement{ID: 2, Parties: domain.Parties{Initiator: alice, Respondent: bob}, VerifierQuota: 8}

	if err := f.reg.SetRecord(ctx, domain.As(mallory), rec); !errors.Is(err, access.ErrNotApproved) {
		t.Fatalf("stranger: expected ErrNotApproved, got %v", err)
	}
	forged := domain.Caller{ID: signerSvc, Capability: "not-a-token"}
	if err := f.reg.SetRecord(ctx, forged, rec); !errors.Is(err, access.ErrInvalidCapability) {
		t.Fatalf("forged capability: expected ErrInvalidCapability, got %v", err)
	}
	if err := f.reg.SetRecord(ctx, domain.As(owner), rec); err != nil {
		t.Fatalf("owner: %v", err)
	}
	if err := f.reg.SetRecord(ctx, f.signer, rec); err != nil {
		t.Fatalf("approved: %v", err)
	}
	if _, err := f.reg.GrantVotingAccess(ctx, f.signer, mallory); !errors.Is(err, access.ErrNotOwner) {
		t.Fatalf("approved caller granting: expected ErrNotOwner, got %v", err)
	}
	bad := rec
	bad.Parties.SignedCount = 3
	if err := f.reg.SetRecord(ctx, domain.As(owner), bad); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestVotingAccessOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "deal-1")

	votingCap, err := f.reg.GrantVotingAccess(ctx, domain.As(owner), "voting")
	if err != nil {
		t.Fatalf("grant voting: %v", err)
	}
	voting := domain.Caller{ID: "voting", Capability: votingCap}

	err = f.st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := f.reg.RecordVerificationVoteTx(ctx, tx, f.signer, id, domain.SideApprove); !errors.Is(err, access.ErrNotApproved) {
			t.Errorf("approved scope must not grant voting access, got %v", err)
		}
		rec, err := f.reg.RecordVerificationVoteTx(ctx, tx, voting, id, domain.SideReject)
		if err != nil {
			return err
		}
		if rec.RejectCount != 1 {
			t.Errorf("reject count: %d", rec.RejectCount)
		}
		if _, err := f.reg.PayFromEscrowTx(ctx, tx, voting, mallory, 10); err != nil {
			return err
		}
		if err := f.reg.SlashToEscrowTx(ctx, tx, voting, mallory, 500); err != nil {
			return err
		}
		rec, err = f.reg.ApplyVerificationTx(ctx, tx, voting, id, domain.OutcomeFailed)
		if err != nil {
			return err
		}
		if rec.Status != domain.StatusVoided {
			t.Errorf("failed outcome must void, got %s", rec.Status)
		}
		if _, err := f.reg.ApplyVerificationTx(ctx, tx, voting, id, domain.OutcomePassed); !errors.Is(err, ErrBadTransition) {
			t.Errorf("resolved agreement must not be re-resolved, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("voting tx: %v", err)
	}

	if got := f.balance(t, mallory); got != 510 {
		t.Fatalf("mallory: want 510 got %d", got)
	}
	if got := f.balance(t, registry); got != 530 {
		t.Fatalf("escrow: want 530 got %d", got)
	}
}
