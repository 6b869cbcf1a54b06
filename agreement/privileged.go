package agreement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"covenant/domain"
	"covenant/outbox"
	"covenant/store"
)

// GrantApproval lets the owner approve a collaborator such as the signing
// service or the escrow contract. The capability must accompany its calls.
func (r *Registry) GrantApproval(ctx context.Context, owner domain.Caller, grantee domain.Identity) (string, error) {
	return r.grant(ctx, owner, ScopeApproved, grantee)
}

// GrantVotingAccess lets the owner approve the verification service.
func (r *Registry) GrantVotingAccess(ctx context.Context, owner domain.Caller, grantee domain.Identity) (string, error) {
	return r.grant(ctx, owner, ScopeVoting, grantee)
}

func (r *Registry) grant(ctx context.Context, owner domain.Caller, scope string, grantee domain.Identity) (string, error) {
	var capability string
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		capability, err = r.guard.Approve(ctx, tx, owner, scope, grantee)
		if err != nil {
			return err
		}
		return outbox.Append(ctx, tx, r.clock(), TopicAccessGranted, 0, map[string]any{
			"scope":   scope,
			"grantee": string(grantee),
		})
	})
	if err != nil {
		return "", err
	}
	r.logger.Info("registry access granted", zap.String("scope", scope), zap.String("grantee", string(grantee)))
	return capability, nil
}

// RecordSignature stores signer's signature hash. The agreement becomes
// Signed once both parties have signed.
func (r *Registry) RecordSignature(ctx context.Context, caller domain.Caller, id int64, signer domain.Identity, hash string) error {
	return r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := r.guard.Authorize(ctx, tx, caller, ScopeApproved); err != nil {
			return err
		}
		rec, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !rec.Involves(signer) {
			return ErrNotInvolved
		}
		if rec.Status.Terminal() {
			return ErrInactive
		}

		p := &rec.Parties
		switch signer {
		case p.Initiator:
			if p.InitiatorSignature != "" {
				return ErrAlreadySigned
			}
			p.InitiatorSignature = hash
		case p.Respondent:
			if p.RespondentSignature != "" {
				return ErrAlreadySigned
			}
			p.RespondentSignature = hash
		}
		p.SignedCount++
		if p.SignedCount == 2 && rec.Status == domain.StatusDraft {
			rec.Status = domain.StatusSigned
		}

		if err := tx.Agreements().Put(ctx, rec); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, r.clock(), TopicSigned, id, map[string]any{
			"id":           id,
			"signer":       string(signer),
			"signed_count": p.SignedCount,
		})
	})
}

// SetRecord overwrites the record stored under rec.ID.
func (r *Registry) SetRecord(ctx context.Context, caller domain.Caller, rec domain.Agreement) error {
	if rec.ID <= 0 || rec.Status > domain.StatusVoided || rec.Parties.SignedCount < 0 || rec.Parties.SignedCount > 2 {
		return ErrInvalidRecord
	}
	if rec.VerifierQuota < 0 || rec.ApproveCount < 0 || rec.RejectCount < 0 {
		return ErrInvalidRecord
	}
	return r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := r.guard.Authorize(ctx, tx, caller, ScopeApproved); err != nil {
			return err
		}
		if err := tx.Agreements().Put(ctx, rec); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, r.clock(), TopicRecorded, rec.ID, map[string]any{"id": rec.ID})
	})
}

// SetWalletRedirect routes future payouts for party to wallet.
func (r *Registry) SetWalletRedirect(ctx context.Context, caller domain.Caller, party, wallet domain.Identity) error {
	if party == "" || wallet == "" {
		return fmt.Errorf("agreement: party and wallet required")
	}
	return r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := r.guard.Authorize(ctx, tx, caller, ScopeApproved); err != nil {
			return err
		}
		if err := tx.Agreements().SetWallet(ctx, party, wallet); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, r.clock(), TopicWalletRedirected, 0, map[string]any{
			"party":  string(party),
			"wallet": string(wallet),
		})
	})
}

// RecordVerificationVoteTx increments the counter for side.
func (r *Registry) RecordVerificationVoteTx(ctx context.Context, tx store.Tx, caller domain.Caller, id int64, side domain.Side) (domain.Agreement, error) {
	if err := r.guard.Authorize(ctx, tx, caller, ScopeVoting); err != nil {
		return domain.Agreement{}, err
	}
	if !side.Valid() {
		return domain.Agreement{}, ErrInvalidSide
	}
	rec, err := r.load(ctx, tx, id)
	if err != nil {
		return domain.Agreement{}, err
	}
	switch side {
	case domain.SideApprove:
		rec.ApproveCount++
	case domain.SideReject:
		rec.RejectCount++
	}
	if err := tx.Agreements().Put(ctx, rec); err != nil {
		return domain.Agreement{}, err
	}
	if err := outbox.Append(ctx, tx, r.clock(), TopicVerificationVote, id, map[string]any{
		"id":      id,
		"side":    side.String(),
		"approve": rec.ApproveCount,
		"reject":  rec.RejectCount,
	}); err != nil {
		return domain.Agreement{}, err
	}
	return rec, nil
}

// ApplyVerificationTx stores the verification outcome. Passed moves the
// agreement to InProgress, Failed voids it.
func (r *Registry) ApplyVerificationTx(ctx context.Context, tx store.Tx, caller domain.Caller, id int64, outcome domain.Outcome) (domain.Agreement, error) {
	if err := r.guard.Authorize(ctx, tx, caller, ScopeVoting); err != nil {
		return domain.Agreement{}, err
	}
	rec, err := r.load(ctx, tx, id)
	if err != nil {
		return domain.Agreement{}, err
	}
	if rec.Outcome != domain.OutcomeUnresolved {
		return domain.Agreement{}, ErrBadTransition
	}
	switch outcome {
	case domain.OutcomePassed:
		rec.Status = domain.StatusInProgress
	case domain.OutcomeFailed:
		rec.Status = domain.StatusVoided
	default:
		return domain.Agreement{}, ErrInvalidOutcome
	}
	rec.Outcome = outcome
	if err := tx.Agreements().Put(ctx, rec); err != nil {
		return domain.Agreement{}, err
	}
	if err := outbox.Append(ctx, tx, r.clock(), TopicVerificationSet, id, map[string]any{
		"id":      id,
		"outcome": outcome.String(),
		"status":  rec.Status.String(),
	}); err != nil {
		return domain.Agreement{}, err
	}
	return rec, nil
}

// PayFromEscrowTx pays amount from escrow to the wallet of to and returns the
// wallet that was credited.
func (r *Registry) PayFromEscrowTx(ctx context.Context, tx store.Tx, caller domain.Caller, to domain.Identity, amount int64) (domain.Identity, error) {
	if err := r.guard.Authorize(ctx, tx, caller, ScopeVoting); err != nil {
		return "", err
	}
	wallet, err := r.WalletTx(ctx, tx, to)
	if err != nil {
		return "", err
	}
	if err := r.tokens.TransferTx(ctx, tx, r.escrow, wallet, amount); err != nil {
		return "", fmt.Errorf("agreement: pay %s from escrow: %w", wallet, err)
	}
	return wallet, nil
}

// SlashToEscrowTx moves amount from from into escrow without an allowance.
func (r *Registry) SlashToEscrowTx(ctx context.Context, tx store.Tx, caller domain.Caller, from domain.Identity, amount int64) error {
	if err := r.guard.Authorize(ctx, tx, caller, ScopeVoting); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	if err := r.tokens.SeizeTx(ctx, tx, r.asTokenOperator(), from, r.escrow, amount); err != nil {
		return fmt.Errorf("agreement: slash %s: %w", from, err)
	}
	return nil
}

// BalanceTx exposes token balances to voting so penalties can be capped.
func (r *Registry) BalanceTx(ctx context.Context, tx store.Tx, holder domain.Identity) (int64, error) {
	return r.tokens.BalanceTx(ctx, tx, holder)
}
