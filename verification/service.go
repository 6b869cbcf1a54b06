// Package verification runs the time-windowed verifier vote that decides
// whether a drafted agreement is genuine.
package verification

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"covenant/access"
	"covenant/agreement"
	"covenant/domain"
	"covenant/outbox"
	"covenant/store"
)

const (
	// Component names the service in grants.
	Component = "verification"

	windowKey = "verification.window"

	TopicVoteCast      = "verification.vote_cast"
	TopicPassed        = "verification.passed"
	TopicFailed        = "verification.failed"
	TopicResolved      = "verification.resolved"
	TopicConfigChanged = "verification.config_changed"
)

var (
	ErrInvalidRange     = domain.NewError(domain.ErrOutOfRange, "verification: invalid time range")
	ErrInvalidCutoff    = domain.NewError(domain.ErrOutOfRange, "verification: cutoff must be positive")
	ErrInvalidSide      = domain.NewError(domain.ErrOutOfRange, "verification: invalid side")
	ErrVotingClosed     = domain.NewError(domain.ErrInvalidState, "verification: agreement is not open for verification")
	ErrCutoffPassed     = domain.NewError(domain.ErrInvalidState, "verification: verification period is over")
	ErrPartyVote        = domain.NewError(domain.ErrUnauthorized, "verification: parties cannot verify their own agreement")
	ErrAlreadyVoted     = domain.NewError(domain.ErrAlreadyDone, "verification: voter already voted")
	ErrAlreadyResolved  = domain.NewError(domain.ErrAlreadyDone, "verification: already resolved")
	ErrTooEarly         = domain.NewError(domain.ErrTooEarly, "verification: resolve is not available yet")
	ErrQuorumNotReached = domain.NewError(domain.ErrNotReady, "verification: quorum not reached")
)

// Registry is the slice of the agreement registry voting needs.
type Registry interface {
	GetTx(ctx context.Context, tx store.Tx, id int64) (domain.Agreement, error)
	RecordVerificationVoteTx(ctx context.Context, tx store.Tx, caller domain.Caller, id int64, side domain.Side) (domain.Agreement, error)
	ApplyVerificationTx(ctx context.Context, tx store.Tx, caller domain.Caller, id int64, outcome domain.Outcome) (domain.Agreement, error)
	PayFromEscrowTx(ctx context.Context, tx store.Tx, caller domain.Caller, to domain.Identity, amount int64) (domain.Identity, error)
	SlashToEscrowTx(ctx context.Context, tx store.Tx, caller domain.Caller, from domain.Identity, amount int64) error
	BalanceTx(ctx context.Context, tx store.Tx, holder domain.Identity) (int64, error)
	WalletTx(ctx context.Context, tx store.Tx, party domain.Identity) (domain.Identity, error)
}

// ReputationLedger applies reputation penalties.
type ReputationLedger interface {
	DecreaseTx(ctx context.Context, tx store.Tx, caller domain.Caller, subject domain.Identity, delta int) (int, error)
}

// Service runs verification votes.
type Service struct {
	store      store.Store
	guard      *access.Guard
	registry   Registry
	reputation ReputationLedger

	// registryCaller and reputationCaller carry the capabilities the service
	// was issued by each component.
	registryCaller   domain.Caller
	reputationCaller domain.Caller

	window    Window
	economics Economics
	clock     func() time.Time
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithWindow(w Window) Option {
	return func(s *Service) { s.window = w }
}

func WithEconomics(e Economics) Option {
	return func(s *Service) { s.economics = e }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService builds the voting service. registryCaller must hold voting
// access on the registry and reputationCaller write access on the ledger.
func NewService(st store.Store, guard *access.Guard, registry Registry, reputation ReputationLedger, registryCaller, reputationCaller domain.Caller, opts ...Option) (*Service, error) {
	s := &Service{
		store:            st,
		guard:            guard,
		registry:         registry,
		reputation:       reputation,
		registryCaller:   registryCaller,
		reputationCaller: reputationCaller,
		window:           DefaultWindow(),
		economics:        DefaultEconomics(),
		clock:            time.Now,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.window.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Window returns the active timing.
func (s *Service) Window(ctx context.Context) (Window, error) {
	var w Window
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		w, err = s.windowTx(ctx, tx)
		return err
	})
	return w, err
}

func (s *Service) windowTx(ctx context.Context, tx store.Tx) (Window, error) {
	var w Window
	ok, err := tx.Settings().Get(ctx, windowKey, &w)
	if err != nil {
		return Window{}, err
	}
	if !ok {
		return s.window, nil
	}
	return w, nil
}

func (s *Service) updateWindow(ctx context.Context, caller domain.Caller, change func(*Window)) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := s.guard.RequireOwner(ctx, tx, caller); err != nil {
			return err
		}
		w, err := s.windowTx(ctx, tx)
		if err != nil {
			return err
		}
		change(&w)
		if err := w.Validate(); err != nil {
			return err
		}
		if err := tx.Settings().Put(ctx, windowKey, w); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, s.clock(), TopicConfigChanged, 0, map[string]any{
			"min_resolution_delay": w.MinResolutionDelay.String(),
			"max_resolution_delay": w.MaxResolutionDelay.String(),
			"verification_cutoff":  w.VerificationCutoff.String(),
		})
	})
}

// SetResolutionRange sets both resolution delays; minimum must be below maximum.
func (s *Service) SetResolutionRange(ctx context.Context, caller domain.Caller, minDelay, maxDelay time.Duration) error {
	return s.updateWindow(ctx, caller, func(w *Window) {
		w.MinResolutionDelay = minDelay
		w.MaxResolutionDelay = maxDelay
	})
}

// SetMinResolutionDelay sets the earliest resolution delay.
func (s *Service) SetMinResolutionDelay(ctx context.Context, caller domain.Caller, d time.Duration) error {
	return s.updateWindow(ctx, caller, func(w *Window) { w.MinResolutionDelay = d })
}

// SetVerificationCutoff sets how long votes are accepted.
func (s *Service) SetVerificationCutoff(ctx context.Context, caller domain.Caller, d time.Duration) error {
	return s.updateWindow(ctx, caller, func(w *Window) { w.VerificationCutoff = d })
}

// CastVote records voter's ballot on agreement id and pays the vote reward
// from escrow to the voter's wallet.
func (s *Service) CastVote(ctx context.Context, voter domain.Caller, id int64, side domain.Side) error {
	if !side.Valid() {
		return ErrInvalidSide
	}
	if voter.ID == "" {
		return ErrPartyVote
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rec, err := s.registry.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.Status != domain.StatusDraft && rec.Status != domain.StatusSigned {
			return ErrVotingClosed
		}
		w, err := s.windowTx(ctx, tx)
		if err != nil {
			return err
		}
		now := s.clock().UTC()
		if !now.Before(rec.VerificationWindowStart.Add(w.VerificationCutoff)) {
			return ErrCutoffPassed
		}
		if rec.Involves(voter.ID) {
			return ErrPartyVote
		}

		ballot := domain.VerificationBallot{AgreementID: id, Voter: voter.ID, Side: side, CastAt: now}
		if err := tx.Ballots().Add(ctx, ballot); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrAlreadyVoted
			}
			return err
		}
		if _, err := s.registry.RecordVerificationVoteTx(ctx, tx, s.registryCaller, id, side); err != nil {
			return err
		}
		wallet, err := s.registry.PayFromEscrowTx(ctx, tx, s.registryCaller, voter.ID, s.economics.VoteReward)
		if err != nil {
			return err
		}

		return outbox.Append(ctx, tx, now, TopicVoteCast, id, map[string]any{
			"id":     id,
			"voter":  string(voter.ID),
			"side":   side.String(),
			"wallet": string(wallet),
			"at":     now.Format(time.RFC3339),
		})
	})
}

// Ballots lists the ballots cast on id.
func (s *Service) Ballots(ctx context.Context, id int64) ([]domain.VerificationBallot, error) {
	var out []domain.VerificationBallot
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Ballots().List(ctx, id)
		return err
	})
	return out, err
}

// Resolve decides the verification outcome of id. Anyone may call it once
// the minimum delay has elapsed; before the maximum delay a quorum is also
// required.
func (s *Service) Resolve(ctx context.Context, id int64) (domain.Outcome, error) {
	var outcome domain.Outcome
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rec, err := s.registry.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.Outcome != domain.OutcomeUnresolved {
			return ErrAlreadyResolved
		}
		if rec.Status != domain.StatusDraft && rec.Status != domain.StatusSigned {
			return ErrVotingClosed
		}
		w, err := s.windowTx(ctx, tx)
		if err != nil {
			return err
		}
		now := s.clock().UTC()
		start := rec.VerificationWindowStart
		if now.Before(start.Add(w.MinResolutionDelay)) {
			return ErrTooEarly
		}
		if !agreement.QuorumReached(rec) && now.Before(start.Add(w.MaxResolutionDelay)) {
			return ErrQuorumNotReached
		}

		outcome = domain.OutcomeFailed
		if rec.ApproveCount > rec.RejectCount {
			outcome = domain.OutcomePassed
		}
		if _, err := s.registry.ApplyVerificationTx(ctx, tx, s.registryCaller, id, outcome); err != nil {
			return err
		}

		if rec.RejectCount > rec.ApproveCount {
			if err := s.penalizeFraud(ctx, tx, rec); err != nil {
				return err
			}
		}
		if rec.ApproveCount != rec.RejectCount {
			losing := domain.SideReject
			if outcome == domain.OutcomeFailed {
				losing = domain.SideApprove
			}
			if err := s.penalizeMinority(ctx, tx, id, losing); err != nil {
				return err
			}
		}

		topic := TopicFailed
		if outcome == domain.OutcomePassed {
			topic = TopicPassed
		}
		if err := outbox.Append(ctx, tx, now, topic, id, map[string]any{"id": id}); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, now, TopicResolved, id, map[string]any{
			"id":      id,
			"outcome": outcome.String(),
			"approve": rec.ApproveCount,
			"reject":  rec.RejectCount,
			"at":      now.Format(time.RFC3339),
		})
	})
	if err != nil {
		return domain.OutcomeUnresolved, err
	}
	s.logger.Info("verification resolved", zap.Int64("id", id), zap.Stringer("outcome", outcome))
	return outcome, nil
}

// penalizeFraud slashes both parties of an agreement the verifiers rejected.
func (s *Service) penalizeFraud(ctx context.Context, tx store.Tx, rec domain.Agreement) error {
	for _, party := range []domain.Identity{rec.Parties.Initiator, rec.Parties.Respondent} {
		balance, err := s.registry.BalanceTx(ctx, tx, party)
		if err != nil {
			return err
		}
		slash := balance * s.economics.FraudSlashPercent / 100
		if err := s.registry.SlashToEscrowTx(ctx, tx, s.registryCaller, party, slash); err != nil {
			return err
		}
		if _, err := s.reputation.DecreaseTx(ctx, tx, s.reputationCaller, party, s.economics.FraudReputationPenalty); err != nil {
			return err
		}
	}
	return nil
}

// penalizeMinority charges every voter who sided against the outcome.
func (s *Service) penalizeMinority(ctx context.Context, tx store.Tx, id int64, losing domain.Side) error {
	ballots, err := tx.Ballots().List(ctx, id)
	if err != nil {
		return err
	}
	for _, b := range ballots {
		if b.Side != losing {
			continue
		}
		// rewards went to the voter's wallet, so the penalty comes from there too
		wallet, err := s.registry.WalletTx(ctx, tx, b.Voter)
		if err != nil {
			return err
		}
		balance, err := s.registry.BalanceTx(ctx, tx, wallet)
		if err != nil {
			return err
		}
		penalty := min(s.economics.MinorityTokenPenalty, balance)
		if err := s.registry.SlashToEscrowTx(ctx, tx, s.registryCaller, wallet, penalty); err != nil {
			return err
		}
		if _, err := s.reputation.DecreaseTx(ctx, tx, s.reputationCaller, b.Voter, s.economics.MinorityReputationPenalty); err != nil {
			return err
		}
	}
	return nil
}
