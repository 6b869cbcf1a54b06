package dispute

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"covenant/domain"
	"covenant/outbox"
	"covenant/store"
)

// OpenVoting starts the community vote once both outcomes are in. Parties
// and administrators may open it.
func (s *Service) OpenVoting(ctx context.Context, caller domain.Caller, id string) (domain.DisputeSession, error) {
	return s.mutate(ctx, id, func(ctx context.Context, tx store.Tx, sess *domain.DisputeSession, now time.Time) (string, map[string]any, error) {
		if !involves(*sess, caller.ID) {
			admin, err := s.isAdmin(ctx, tx, caller)
			if err != nil {
				return "", nil, err
			}
			if !admin {
				return "", nil, ErrNotParty
			}
		}
		if sess.State != domain.DisputeInitiated {
			return "", nil, ErrNotInitiated
		}
		if sess.InitiatorOutcome == "" || sess.RespondentOutcome == "" {
			return "", nil, ErrOutcomesMissing
		}
		sess.State = domain.DisputeVotingOpen
		sess.VotingOpenedAt = &now
		return TopicVotingOpened, map[string]any{
			"closes_at": now.Add(s.settings.VotingPeriod).Format(time.RFC3339),
		}, nil
	})
}

// Vote stakes weight reputation behind one side. The voter's tier decides
// whether and how much it may stake. Stakes are settled at conclusion.
func (s *Service) Vote(ctx context.Context, voter domain.Caller, id string, supportsInitiator bool, weight int) error {
	var tier Tier
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if sess.State != domain.DisputeVotingOpen {
			return ErrVotingNotOpen
		}
		now := s.clock().UTC()
		if s.votingElapsed(sess, now) {
			return ErrVotingEnded
		}
		if voter.ID == "" || involves(sess, voter.ID) {
			return ErrPartyVote
		}

		score, err := s.reputation.ScoreTx(ctx, tx, voter.ID)
		if err != nil {
			return err
		}
		tier = s.tiers.Classify(score)
		if tier == TierUntrusted {
			return ErrUntrusted
		}
		if !s.tiers.StakeAllowed(tier, weight) {
			return ErrStakeOutOfRange
		}

		ballot := domain.DisputeBallot{
			SessionID:         id,
			Voter:             voter.ID,
			SupportsInitiator: supportsInitiator,
			Weight:            weight,
			CastAt:            now,
		}
		if err := tx.Disputes().AddBallot(ctx, ballot); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrAlreadyVoted
			}
			return err
		}
		return outbox.Append(ctx, tx, now, TopicBallotCast, sess.AgreementID, map[string]any{
			"session":            id,
			"voter":              string(voter.ID),
			"supports_initiator": supportsInitiator,
			"weight":             weight,
			"tier":               tier.String(),
		})
	})
	if err != nil {
		return err
	}
	s.logger.Debug("dispute ballot cast",
		zap.String("session", id),
		zap.String("voter", string(voter.ID)),
		zap.Stringer("tier", tier),
		zap.Int("weight", weight),
	)
	return nil
}

func (s *Service) votingElapsed(sess domain.DisputeSession, now time.Time) bool {
	if sess.VotingOpenedAt == nil {
		return false
	}
	return !now.Before(sess.VotingOpenedAt.Add(s.settings.VotingPeriod))
}

// ForceCloseVoting ends voting immediately. Administrators only.
func (s *Service) ForceCloseVoting(ctx context.Context, caller domain.Caller, id string) (domain.DisputeSession, error) {
	return s.mutate(ctx, id, func(ctx context.Context, tx store.Tx, sess *domain.DisputeSession, _ time.Time) (string, map[string]any, error) {
		admin, err := s.isAdmin(ctx, tx, caller)
		if err != nil {
			return "", nil, err
		}
		if !admin {
			return "", nil, ErrNotAdmin
		}
		if sess.State != domain.DisputeVotingOpen {
			return "", nil, ErrVotingNotOpen
		}
		sess.State = domain.DisputeVotingClosed
		return TopicVotingClosed, map[string]any{"forced": true, "by": string(caller.ID)}, nil
	})
}

// CloseVoting ends voting once the voting period has elapsed. Anyone may
// call it.
func (s *Service) CloseVoting(ctx context.Context, id string) (domain.DisputeSession, error) {
	return s.mutate(ctx, id, func(_ context.Context, _ store.Tx, sess *domain.DisputeSession, now time.Time) (string, map[string]any, error) {
		if sess.State != domain.DisputeVotingOpen {
			return "", nil, ErrVotingNotOpen
		}
		if !s.votingElapsed(*sess, now) {
			return "", nil, ErrVotingNotOver
		}
		sess.State = domain.DisputeVotingClosed
		return TopicVotingClosed, map[string]any{"forced": false}, nil
	})
}

// Conclude settles a closed vote. The losing party gives up LoserPenalty
// reputation; voters on the winning side gain their stake and the others
// lose it.
func (s *Service) Conclude(ctx context.Context, caller domain.Caller, id string) (domain.DisputeSession, error) {
	var t Tally
	sess, err := s.mutate(ctx, id, func(ctx context.Context, tx store.Tx, sess *domain.DisputeSession, now time.Time) (string, map[string]any, error) {
		if !involves(*sess, caller.ID) {
			admin, err := s.isAdmin(ctx, tx, caller)
			if err != nil {
				return "", nil, err
			}
			if !admin {
				return "", nil, ErrNotParty
			}
		}
		if sess.State != domain.DisputeVotingClosed {
			return "", nil, ErrNotClosed
		}
		ballots, err := tx.Disputes().Ballots(ctx, sess.ID)
		if err != nil {
			return "", nil, err
		}
		if len(ballots) == 0 {
			return "", nil, ErrNoBallots
		}

		t = tally(ballots)
		winner := t.Winner(*sess)
		loser := sess.Initiator
		sess.FinalOutcome = sess.RespondentOutcome
		if winner == sess.Initiator {
			loser = sess.Respondent
			sess.FinalOutcome = sess.InitiatorOutcome
		}

		if _, err := s.reputation.DecreaseTx(ctx, tx, s.reputationCaller, loser, s.settings.LoserPenalty); err != nil {
			return "", nil, err
		}
		initiatorWon := winner == sess.Initiator
		for _, b := range ballots {
			if b.SupportsInitiator == initiatorWon {
				_, err = s.reputation.IncreaseTx(ctx, tx, s.reputationCaller, b.Voter, b.Weight)
			} else {
				_, err = s.reputation.DecreaseTx(ctx, tx, s.reputationCaller, b.Voter, b.Weight)
			}
			if err != nil {
				return "", nil, err
			}
		}

		sess.State = domain.DisputeConcluded
		sess.ConcludedAt = &now
		return TopicConcluded, map[string]any{
			"winner":         string(winner),
			"loser":          string(loser),
			"for_initiator":  t.ForInitiator,
			"for_respondent": t.ForRespondent,
			"ballots":        t.Ballots,
			"final_outcome":  sess.FinalOutcome,
		}, nil
	})
	if err != nil {
		return domain.DisputeSession{}, err
	}
	s.logger.Info("dispute concluded",
		zap.String("session", sess.ID),
		zap.Int("for_initiator", t.ForInitiator),
		zap.Int("for_respondent", t.ForRespondent),
	)
	return sess, nil
}
