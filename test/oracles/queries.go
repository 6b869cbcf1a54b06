package oracles

import (
	"context"
	"fmt"

	"covenant/domain"
	"covenant/reputation"
	"covenant/store"
)

// Oracle inspects a snapshot of the store and returns a description of the
// first violation it finds, or "" when the invariant holds.
type Oracle struct {
	Name  string
	Check func(ctx context.Context, tx store.Tx) (string, error)
}

// All returns the invariant checks. minted is the number of tokens the run
// has created; nothing else may create or destroy tokens.
func All(minted int64) []Oracle {
	return []Oracle{
		{Name: "O1_score_bounds", Check: scoreBounds},
		{Name: "O2_token_conservation", Check: func(ctx context.Context, tx store.Tx) (string, error) {
			return tokenConservation(ctx, tx, minted)
		}},
		{Name: "O3_signature_count", Check: signatureCount},
		{Name: "O4_verification_tally", Check: verificationTally},
		{Name: "O5_pending_completion", Check: pendingCompletion},
		{Name: "O6_dispute_ballots", Check: disputeBallots},
	}
}

func scoreBounds(ctx context.Context, tx store.Tx) (string, error) {
	scores, err := tx.Scores().All(ctx)
	if err != nil {
		return "", err
	}
	for id, v := range scores {
		if v < reputation.MinScore || v > reputation.MaxScore {
			return fmt.Sprintf("%s=%d", id, v), nil
		}
	}
	return "", nil
}

func tokenConservation(ctx context.Context, tx store.Tx, minted int64) (string, error) {
	balances, err := tx.Tokens().Balances(ctx)
	if err != nil {
		return "", err
	}
	var sum int64
	for id, v := range balances {
		if v < 0 {
			return fmt.Sprintf("%s balance %d", id, v), nil
		}
		sum += v
	}
	if sum != minted {
		return fmt.Sprintf("sum %d minted %d", sum, minted), nil
	}
	return "", nil
}

func signatureCount(ctx context.Context, tx store.Tx) (string, error) {
	recs, err := tx.Agreements().List(ctx)
	if err != nil {
		return "", err
	}
	for _, rec := range recs {
		signed := 0
		if rec.Parties.InitiatorSignature != "" {
			signed++
		}
		if rec.Parties.RespondentSignature != "" {
			signed++
		}
		if rec.Parties.SignedCount != signed || signed > 2 {
			return fmt.Sprintf("agreement %d signedCount=%d signatures=%d", rec.ID, rec.Parties.SignedCount, signed), nil
		}
		if rec.Status == domain.StatusSigned && signed != 2 {
			return fmt.Sprintf("agreement %d signed with %d signatures", rec.ID, signed), nil
		}
	}
	return "", nil
}

func verificationTally(ctx context.Context, tx store.Tx) (string, error) {
	recs, err := tx.Agreements().List(ctx)
	if err != nil {
		return "", err
	}
	for _, rec := range recs {
		ballots, err := tx.Ballots().List(ctx, rec.ID)
		if err != nil {
			return "", err
		}
		approve, reject := 0, 0
		for _, b := range ballots {
			if rec.Involves(b.Voter) {
				return fmt.Sprintf("agreement %d party %s voted", rec.ID, b.Voter), nil
			}
			switch b.Side {
			case domain.SideApprove:
				approve++
			case domain.SideReject:
				reject++
			}
		}
		if approve != rec.ApproveCount || reject != rec.RejectCount {
			return fmt.Sprintf("agreement %d counters %d/%d ballots %d/%d", rec.ID, rec.ApproveCount, rec.RejectCount, approve, reject), nil
		}
		if rec.Outcome == domain.OutcomeFailed && rec.Status != domain.StatusVoided {
			return fmt.Sprintf("agreement %d failed verification but is %s", rec.ID, rec.Status), nil
		}
	}
	return "", nil
}

func pendingCompletion(ctx context.Context, tx store.Tx) (string, error) {
	recs, err := tx.Agreements().List(ctx)
	if err != nil {
		return "", err
	}
	for _, rec := range recs {
		if rec.PendingCompletion && !rec.Involves(rec.CompletionRequestedBy) {
			return fmt.Sprintf("agreement %d pending completion by %q", rec.ID, rec.CompletionRequestedBy), nil
		}
		if rec.Status == domain.StatusCompleted && rec.PendingCompletion {
			return fmt.Sprintf("agreement %d completed with pending flag", rec.ID), nil
		}
	}
	return "", nil
}

func disputeBallots(ctx context.Context, tx store.Tx) (string, error) {
	recs, err := tx.Agreements().List(ctx)
	if err != nil {
		return "", err
	}
	for _, rec := range recs {
		if rec.DisputeRef == "" {
			continue
		}
		if rec.Status != domain.StatusDisputed && rec.Status != domain.StatusVoided {
			return fmt.Sprintf("agreement %d has dispute %s but is %s", rec.ID, rec.DisputeRef, rec.Status), nil
		}
		ballots, err := tx.Disputes().Ballots(ctx, rec.DisputeRef)
		if err != nil {
			return "", err
		}
		seen := make(map[domain.Identity]bool, len(ballots))
		for _, b := range ballots {
			if rec.Involves(b.Voter) || seen[b.Voter] {
				return fmt.Sprintf("dispute %s ballot by %s", rec.DisputeRef, b.Voter), nil
			}
			seen[b.Voter] = true
		}
	}
	return "", nil
}

// Run executes every oracle inside one transaction and returns the first
// failure (name and detail), or an empty name when all pass.
func Run(ctx context.Context, st store.Store, minted int64) (string, string, error) {
	var name, detail string
	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, o := range All(minted) {
			d, err := o.Check(ctx, tx)
			if err != nil {
				return fmt.Errorf("oracle %s: %w", o.Name, err)
			}
			if d != "" {
				name, detail = o.Name, d
				return nil
			}
		}
		return nil
	})
	return name, detail, err
}
