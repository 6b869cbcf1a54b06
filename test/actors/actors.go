package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"covenant/agreement"
	"covenant/dispute"
	"covenant/domain"
	"covenant/governance"
	"covenant/signing"
)

// Env is the shared world every actor operates on.
type Env struct {
	Sys     *governance.System
	Parties []domain.Identity
	Voters  []domain.Identity

	// Tolerate, when set, accepts uncategorized errors such as dropped
	// connections.
	Tolerate func(error) bool
}

// step is one randomized action. Failures that belong to a governance error
// category are expected under contention; anything else aborts the run.
type step func(ctx context.Context, env *Env, rng *rand.Rand) error

func loop(ctx context.Context, env *Env, seed int64, pause time.Duration, stop <-chan struct{}, name string, fn step) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := fn(ctx, env, rng); err != nil && domain.Kind(err) == nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if env.Tolerate == nil || !env.Tolerate(err) {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		time.Sleep(pause + time.Duration(rng.Int63n(int64(pause)+1)))
	}
}

func pick[T any](rng *rand.Rand, xs []T) T {
	return xs[rng.Intn(len(xs))]
}

func agreementsIn(ctx context.Context, env *Env, statuses ...domain.Status) ([]domain.Agreement, error) {
	all, err := env.Sys.Registry.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Agreement
	for _, rec := range all {
		for _, s := range statuses {
			if rec.Status == s {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

func partyOf(rng *rand.Rand, rec domain.Agreement) domain.Identity {
	if rng.Intn(2) == 0 {
		return rec.Parties.Initiator
	}
	return rec.Parties.Respondent
}

// Creator registers agreements between random pairs of parties.
func Creator(ctx context.Context, env *Env, seed int64, stop <-chan struct{}) error {
	return loop(ctx, env, seed, 10*time.Millisecond, stop, "creator", func(ctx context.Context, env *Env, rng *rand.Rand) error {
		a := pick(rng, env.Parties)
		b := pick(rng, env.Parties)
		if a == b {
			return nil
		}
		_, err := env.Sys.Registry.Register(ctx, domain.As(a), agreement.RegisterParams{
			Ref:        fmt.Sprintf("stress-%d-%d", seed, rng.Int63()),
			CommonType: uint8(rng.Intn(4)),
			Initiator:  a,
			Respondent: b,
		})
		return err
	})
}

// Signer signs drafts for either party, including repeat signatures.
func Signer(ctx context.Context, env *Env, seed int64, stop <-chan struct{}) error {
	return loop(ctx, env, seed, 5*time.Millisecond, stop, "signer", func(ctx context.Context, env *Env, rng *rand.Rand) error {
		recs, err := agreementsIn(ctx, env, domain.StatusDraft, domain.StatusSigned)
		if err != nil || len(recs) == 0 {
			return err
		}
		rec := pick(rng, recs)
		_, err = env.Sys.Signer.Sign(ctx, domain.As(partyOf(rng, rec)), signing.Message{
			AgreementID: rec.ID,
			Nonce:       rng.Uint64(),
			Payload:     []byte("stress"),
		})
		return err
	})
}

// Verifier casts verification votes, parties included.
func Verifier(ctx context.Context, env *Env, seed int64, stop <-chan struct{}) error {
	return loop(ctx, env, seed, 5*time.Millisecond, stop, "verifier", func(ctx context.Context, env *Env, rng *rand.Rand) error {
		recs, err := agreementsIn(ctx, env, domain.StatusDraft, domain.StatusSigned)
		if err != nil || len(recs) == 0 {
			return err
		}
		rec := pick(rng, recs)
		voter := pick(rng, env.Voters)
		if rng.Intn(10) == 0 {
			voter = partyOf(rng, rec)
		}
		side := domain.SideApprove
		if rng.Intn(3) == 0 {
			side = domain.SideReject
		}
		return env.Sys.Verification.CastVote(ctx, domain.As(voter), rec.ID, side)
	})
}

// Resolver settles verification whenever it can.
func Resolver(ctx context.Context, env *Env, seed int64, stop <-chan struct{}) error {
	return loop(ctx, env, seed, 20*time.Millisecond, stop, "resolver", func(ctx context.Context, env *Env, rng *rand.Rand) error {
		recs, err := agreementsIn(ctx, env, domain.StatusDraft, domain.StatusSigned)
		if err != nil || len(recs) == 0 {
			return err
		}
		_, err = env.Sys.Verification.Resolve(ctx, pick(rng, recs).ID)
		return err
	})
}

// Lifecycle drives signed agreements forward and occasionally voids them.
func Lifecycle(ctx context.Context, env *Env, seed int64, stop <-chan struct{}) error {
	return loop(ctx, env, seed, 10*time.Millisecond, stop, "lifecycle", func(ctx context.Context, env *Env, rng *rand.Rand) error {
		recs, err := agreementsIn(ctx, env, domain.StatusSigned, domain.StatusInProgress)
		if err != nil || len(recs) == 0 {
			return err
		}
		rec := pick(rng, recs)
		party := partyOf(rng, rec)
		switch {
		case rng.Intn(20) == 0:
			return env.Sys.Registry.Void(ctx, domain.As(party), rec.ID, party)
		case rec.Status == domain.StatusSigned:
			return env.Sys.Registry.Proceed(ctx, domain.As(party), rec.ID, party)
		default:
			return env.Sys.Registry.RequestCompletion(ctx, domain.As(party), rec.ID, party)
		}
	})
}

// Messenger posts to random agreement channels, outsiders included.
func Messenger(ctx context.Context, env *Env, seed int64, stop <-chan struct{}) error {
	return loop(ctx, env, seed, 10*time.Millisecond, stop, "messenger", func(ctx context.Context, env *Env, rng *rand.Rand) error {
		recs, err := env.Sys.Registry.List(ctx)
		if err != nil || len(recs) == 0 {
			return err
		}
		rec := pick(rng, recs)
		sender := partyOf(rng, rec)
		if rng.Intn(5) == 0 {
			sender = pick(rng, env.Voters)
		}
		_, err = env.Sys.Channel.Send(ctx, domain.As(sender), rec.ID, fmt.Sprintf("note %d", rng.Intn(1000)))
		return err
	})
}

// Disputer files disputes on running agreements and walks open sessions
// through outcomes, voting and conclusion.
func Disputer(ctx context.Context, env *Env, seed int64, stop <-chan struct{}) error {
	return loop(ctx, env, seed, 15*time.Millisecond, stop, "disputer", func(ctx context.Context, env *Env, rng *rand.Rand) error {
		recs, err := agreementsIn(ctx, env, domain.StatusInProgress, domain.StatusDisputed)
		if err != nil || len(recs) == 0 {
			return err
		}
		rec := pick(rng, recs)
		party := partyOf(rng, rec)
		if rec.Status == domain.StatusInProgress {
			_, err := env.Sys.Disputes.File(ctx, domain.As(party), dispute.FileParams{AgreementID: rec.ID, Title: "stress"})
			return err
		}

		sess, err := env.Sys.Disputes.Get(ctx, rec.DisputeRef)
		if err != nil {
			return err
		}
		switch sess.State {
		case domain.DisputeInitiated:
			if sess.InitiatorOutcome != "" && sess.RespondentOutcome != "" {
				_, err = env.Sys.Disputes.OpenVoting(ctx, domain.As(party), sess.ID)
				return err
			}
			_, err = env.Sys.Disputes.SubmitOutcome(ctx, domain.As(party), sess.ID, fmt.Sprintf("outcome for %s", party))
			return err
		case domain.DisputeVotingOpen:
			if rng.Intn(4) == 0 {
				_, err = env.Sys.Disputes.ForceCloseVoting(ctx, env.Sys.OwnerCaller(), sess.ID)
				return err
			}
			return env.Sys.Disputes.Vote(ctx, domain.As(pick(rng, env.Voters)), sess.ID, rng.Intn(2) == 0, 4+rng.Intn(5))
		case domain.DisputeVotingClosed:
			_, err = env.Sys.Disputes.Conclude(ctx, domain.As(party), sess.ID)
			return err
		}
		return nil
	})
}
