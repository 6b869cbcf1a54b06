package agreement

import (
	"context"

	"go.uber.org/zap"

	"covenant/domain"
	"covenant/outbox"
	"covenant/store"
)

// transition loads id, checks that caller may act for party and that party is
// involved, then lets apply mutate the record. The record and the event are
// written in the same transaction.
func (r *Registry) transition(ctx context.Context, caller domain.Caller, id int64, party domain.Identity, apply func(ctx context.Context, tx store.Tx, rec *domain.Agreement) (string, map[string]any, error)) error {
	return r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return r.transitionTx(ctx, tx, caller, id, party, apply)
	})
}

func (r *Registry) transitionTx(ctx context.Context, tx store.Tx, caller domain.Caller, id int64, party domain.Identity, apply func(ctx context.Context, tx store.Tx, rec *domain.Agreement) (string, map[string]any, error)) error {
	rec, err := r.load(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := r.actFor(ctx, tx, caller, party); err != nil {
		return err
	}
	if !rec.Involves(party) {
		return ErrNotInvolved
	}

	previous := rec.Status
	topic, payload, err := apply(ctx, tx, &rec)
	if err != nil {
		return err
	}
	if err := tx.Agreements().Put(ctx, rec); err != nil {
		return err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["id"] = rec.ID
	payload["party"] = string(party)
	payload["previous_status"] = previous.String()
	payload["status"] = rec.Status.String()
	if err := outbox.Append(ctx, tx, r.clock(), topic, rec.ID, payload); err != nil {
		return err
	}
	r.logger.Debug("agreement transition",
		zap.Int64("id", rec.ID),
		zap.String("topic", topic),
		zap.Stringer("from", previous),
		zap.Stringer("to", rec.Status),
	)
	return nil
}

// Proceed moves a fully signed agreement into execution.
func (r *Registry) Proceed(ctx context.Context, caller domain.Caller, id int64, party domain.Identity) error {
	return r.transition(ctx, caller, id, party, func(_ context.Context, _ store.Tx, rec *domain.Agreement) (string, map[string]any, error) {
		if rec.Status != domain.StatusDraft && rec.Status != domain.StatusSigned {
			return "", nil, ErrBadTransition
		}
		if rec.Parties.SignedCount != 2 {
			return "", nil, ErrNotSigned
		}
		rec.Status = domain.StatusInProgress
		return TopicProceeded, nil, nil
	})
}

// RequestCompletion records that party considers the agreement fulfilled.
// The second request, from the other party, completes it and rewards both.
func (r *Registry) RequestCompletion(ctx context.Context, caller domain.Caller, id int64, party domain.Identity) error {
	return r.transition(ctx, caller, id, party, func(ctx context.Context, tx store.Tx, rec *domain.Agreement) (string, map[string]any, error) {
		if rec.Status != domain.StatusInProgress {
			return "", nil, ErrBadTransition
		}
		if !rec.PendingCompletion {
			rec.PendingCompletion = true
			rec.CompletionRequestedBy = party
			return TopicPendingCompletion, nil, nil
		}
		if rec.CompletionRequestedBy == party {
			return "", nil, ErrAlreadyRequested
		}

		rec.PendingCompletion = false
		rec.Status = domain.StatusCompleted
		if reward := r.settings.CompletionReward; reward > 0 {
			for _, p := range []domain.Identity{rec.Parties.Initiator, rec.Parties.Respondent} {
				if _, err := r.reputation.IncreaseTx(ctx, tx, r.asReputationWriter(), p, reward); err != nil {
					return "", nil, err
				}
			}
		}
		return TopicCompleted, map[string]any{"requested_by": string(rec.CompletionRequestedBy)}, nil
	})
}

// Void cancels an agreement that has not reached a terminal status.
func (r *Registry) Void(ctx context.Context, caller domain.Caller, id int64, party domain.Identity) error {
	return r.transition(ctx, caller, id, party, func(_ context.Context, _ store.Tx, rec *domain.Agreement) (string, map[string]any, error) {
		if rec.Status.Terminal() {
			return "", nil, ErrBadTransition
		}
		rec.Status = domain.StatusVoided
		rec.PendingCompletion = false
		return TopicVoided, nil, nil
	})
}

// FileDispute moves an in-progress agreement into dispute.
func (r *Registry) FileDispute(ctx context.Context, caller domain.Caller, id int64, party domain.Identity, disputeRef string, disputeType uint8) error {
	return r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return r.FileDisputeTx(ctx, tx, caller, id, party, disputeRef, disputeType)
	})
}

// FileDisputeTx is FileDispute inside an existing transaction.
func (r *Registry) FileDisputeTx(ctx context.Context, tx store.Tx, caller domain.Caller, id int64, party domain.Identity, disputeRef string, disputeType uint8) error {
	return r.transitionTx(ctx, tx, caller, id, party, func(_ context.Context, _ store.Tx, rec *domain.Agreement) (string, map[string]any, error) {
		if rec.Status != domain.StatusInProgress {
			return "", nil, ErrBadTransition
		}
		rec.Status = domain.StatusDisputed
		rec.PendingCompletion = false
		rec.DisputeRef = disputeRef
		rec.DisputeType = disputeType
		return TopicDisputeFiled, map[string]any{
			"dispute_ref":  disputeRef,
			"dispute_type": int(disputeType),
		}, nil
	})
}
