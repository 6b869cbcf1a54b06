package agreement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"covenant/domain"
	"covenant/outbox"
	"covenant/store"
)

// Register creates a Draft agreement, binds ref to it and collects the
// registration fee from both parties. Either party, or an approved
// collaborator, may register.
func (r *Registry) Register(ctx context.Context, caller domain.Caller, params RegisterParams) (int64, error) {
	if params.Ref == "" {
		return 0, fmt.Errorf("agreement: reference required")
	}
	if params.Initiator == "" || params.Respondent == "" || params.Initiator == params.Respondent {
		return 0, ErrInvalidParties
	}

	var id int64
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if caller.ID != params.Initiator && caller.ID != params.Respondent {
			if err := r.actFor(ctx, tx, caller, params.Initiator); err != nil {
				return err
			}
		}
		for _, party := range []domain.Identity{params.Initiator, params.Respondent} {
			ok, err := r.directory.IsRegisteredTx(ctx, tx, party)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrNotRegistered, party)
			}
		}
		if _, err := tx.Agreements().IDByRef(ctx, params.Ref); err == nil {
			return ErrRefTaken
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		next, err := r.nextFreeID(ctx, tx)
		if err != nil {
			return err
		}

		now := r.clock().UTC()
		rec := domain.Agreement{
			ID:                      next,
			Status:                  domain.StatusDraft,
			CreatedAt:               now,
			VerificationWindowStart: now,
			CommonType:              params.CommonType,
			DisputeType:             params.DisputeType,
			Parties: domain.Parties{
				Initiator:  params.Initiator,
				Respondent: params.Respondent,
			},
			Outcome:       domain.OutcomeUnresolved,
			VerifierQuota: r.settings.VerifierQuota,
		}
		if err := tx.Agreements().Put(ctx, rec); err != nil {
			return err
		}
		if err := tx.Agreements().BindRef(ctx, next, params.Ref); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrRefTaken
			}
			return err
		}

		if fee := r.settings.RegistrationFee; fee > 0 {
			for _, party := range []domain.Identity{params.Initiator, params.Respondent} {
				if err := r.tokens.TransferFromTx(ctx, tx, r.self, party, r.escrow, fee); err != nil {
					return fmt.Errorf("agreement: registration fee from %s: %w", party, err)
				}
			}
		}

		id = next
		return outbox.Append(ctx, tx, now, TopicCreated, next, map[string]any{
			"ref":        params.Ref,
			"id":         next,
			"initiator":  string(params.Initiator),
			"respondent": string(params.Respondent),
		})
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info("agreement registered", zap.Int64("id", id), zap.String("ref", params.Ref))
	return id, nil
}

// nextFreeID skips ids already taken by SetRecord.
func (r *Registry) nextFreeID(ctx context.Context, tx store.Tx) (int64, error) {
	for {
		id, err := tx.Agreements().NextID(ctx)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Agreements().Get(ctx, id); errors.Is(err, store.ErrNotFound) {
			return id, nil
		} else if err != nil {
			return 0, err
		}
	}
}

// Get returns the record for id.
func (r *Registry) Get(ctx context.Context, id int64) (domain.Agreement, error) {
	var rec domain.Agreement
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rec, err = r.load(ctx, tx, id)
		return err
	})
	return rec, err
}

// GetTx is Get inside an existing transaction.
func (r *Registry) GetTx(ctx context.Context, tx store.Tx, id int64) (domain.Agreement, error) {
	return r.load(ctx, tx, id)
}

// List returns every record ordered by id.
func (r *Registry) List(ctx context.Context) ([]domain.Agreement, error) {
	var out []domain.Agreement
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Agreements().List(ctx)
		return err
	})
	return out, err
}

// IDByRef resolves an external reference.
func (r *Registry) IDByRef(ctx context.Context, ref string) (int64, error) {
	var id int64
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		id, err = tx.Agreements().IDByRef(ctx, ref)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownAgreement
		}
		return err
	})
	return id, err
}

// RefByID returns the external reference bound to id.
func (r *Registry) RefByID(ctx context.Context, id int64) (string, error) {
	var ref string
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ref, err = tx.Agreements().RefByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownAgreement
		}
		return err
	})
	return ref, err
}

// DisputeRef returns the dispute reference recorded for id, or "".
func (r *Registry) DisputeRef(ctx context.Context, id int64) (string, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.DisputeRef, nil
}

// IsReadyForVerification reports whether the larger vote count has reached
// half the verifier quota.
func (r *Registry) IsReadyForVerification(ctx context.Context, id int64) (bool, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return QuorumReached(rec), nil
}

// QuorumReached is the verification readiness rule.
func QuorumReached(rec domain.Agreement) bool {
	return max(rec.ApproveCount, rec.RejectCount) >= rec.VerifierQuota/2
}

// IsFullySigned returns true, or ErrNotSigned.
func (r *Registry) IsFullySigned(ctx context.Context, id int64) (bool, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.Parties.SignedCount != 2 {
		return false, ErrNotSigned
	}
	return true, nil
}

// IsActive reports whether id is neither completed nor voided.
func (r *Registry) IsActive(ctx context.Context, id int64) (bool, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return !rec.Status.Terminal(), nil
}

// IsInvolved reports whether who is a party to id.
func (r *Registry) IsInvolved(ctx context.Context, id int64, who domain.Identity) (bool, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.Involves(who), nil
}

// WalletOf returns where party receives payouts. Without a redirect this is
// party itself.
func (r *Registry) WalletOf(ctx context.Context, party domain.Identity) (domain.Identity, error) {
	var wallet domain.Identity
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		wallet, err = r.WalletTx(ctx, tx, party)
		return err
	})
	return wallet, err
}

// WalletTx is WalletOf inside an existing transaction.
func (r *Registry) WalletTx(ctx context.Context, tx store.Tx, party domain.Identity) (domain.Identity, error) {
	wallet, ok, err := tx.Agreements().Wallet(ctx, party)
	if err != nil {
		return "", err
	}
	if !ok {
		return party, nil
	}
	return wallet, nil
}
