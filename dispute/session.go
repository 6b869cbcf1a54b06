package dispute

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"covenant/domain"
	"covenant/outbox"
	"covenant/store"
)

// mutate loads session id, lets apply change it and writes it back together
// with the event apply names.
func (s *Service) mutate(ctx context.Context, id string, apply func(ctx context.Context, tx store.Tx, sess *domain.DisputeSession, now time.Time) (string, map[string]any, error)) (domain.DisputeSession, error) {
	var out domain.DisputeSession
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		previous := sess.State
		now := s.clock().UTC()
		topic, payload, err := apply(ctx, tx, &sess, now)
		if err != nil {
			return err
		}
		if err := tx.Disputes().Update(ctx, sess); err != nil {
			return err
		}
		if payload == nil {
			payload = map[string]any{}
		}
		payload["session"] = sess.ID
		payload["previous_state"] = previous.String()
		payload["state"] = sess.State.String()
		if err := outbox.Append(ctx, tx, now, topic, sess.AgreementID, payload); err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return domain.DisputeSession{}, err
	}
	s.logger.Debug("dispute updated", zap.String("session", out.ID), zap.Stringer("state", out.State))
	return out, nil
}

// File opens a session for an in-progress agreement the caller is party to
// and moves the agreement into dispute in the same transaction.
func (s *Service) File(ctx context.Context, caller domain.Caller, params FileParams) (domain.DisputeSession, error) {
	var sess domain.DisputeSession
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rec, err := s.registry.GetTx(ctx, tx, params.AgreementID)
		if err != nil {
			return err
		}
		if !rec.Involves(caller.ID) {
			return ErrNotParty
		}

		now := s.clock().UTC()
		sess = domain.DisputeSession{
			ID:          s.newID(),
			AgreementID: rec.ID,
			Initiator:   caller.ID,
			Respondent:  rec.Counterpart(caller.ID),
			Title:       strings.TrimSpace(params.Title),
			Description: params.Description,
			State:       domain.DisputeInitiated,
			CreatedAt:   now,
		}
		if err := s.registry.FileDisputeTx(ctx, tx, s.registryCaller, rec.ID, caller.ID, sess.ID, params.DisputeType); err != nil {
			return err
		}
		if err := tx.Disputes().Create(ctx, sess); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, now, TopicFiled, rec.ID, map[string]any{
			"session":      sess.ID,
			"agreement_id": rec.ID,
			"initiator":    string(sess.Initiator),
			"respondent":   string(sess.Respondent),
			"dispute_type": int(params.DisputeType),
			"title":        sess.Title,
		})
	})
	if err != nil {
		return domain.DisputeSession{}, err
	}
	s.logger.Info("dispute filed",
		zap.String("session", sess.ID),
		zap.Int64("agreement", sess.AgreementID),
		zap.String("initiator", string(sess.Initiator)),
	)
	return sess, nil
}

// SubmitOutcome records the outcome a party asks for. A party may revise its
// outcome until voting opens.
func (s *Service) SubmitOutcome(ctx context.Context, caller domain.Caller, id, outcome string) (domain.DisputeSession, error) {
	outcome = strings.TrimSpace(outcome)
	return s.mutate(ctx, id, func(_ context.Context, _ store.Tx, sess *domain.DisputeSession, _ time.Time) (string, map[string]any, error) {
		if !involves(*sess, caller.ID) {
			return "", nil, ErrNotParty
		}
		if sess.State != domain.DisputeInitiated {
			return "", nil, ErrNotInitiated
		}
		if outcome == "" {
			return "", nil, ErrEmptyOutcome
		}
		if caller.ID == sess.Initiator {
			sess.InitiatorOutcome = outcome
		} else {
			sess.RespondentOutcome = outcome
		}
		return TopicOutcomeSubmitted, map[string]any{"party": string(caller.ID), "outcome": outcome}, nil
	})
}

// Cancel withdraws a session before voting opens. Only the initiator may do
// so. The agreement stays disputed.
func (s *Service) Cancel(ctx context.Context, caller domain.Caller, id string) (domain.DisputeSession, error) {
	return s.mutate(ctx, id, func(_ context.Context, _ store.Tx, sess *domain.DisputeSession, now time.Time) (string, map[string]any, error) {
		if caller.ID == "" || caller.ID != sess.Initiator {
			return "", nil, ErrNotInitiator
		}
		if sess.State != domain.DisputeInitiated {
			return "", nil, ErrNotInitiated
		}
		sess.State = domain.DisputeCancelled
		sess.ConcludedAt = &now
		return TopicCancelled, map[string]any{"party": string(caller.ID)}, nil
	})
}
