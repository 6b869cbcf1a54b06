// Package dispute arbitrates disputed agreements through a reputation
// weighted vote among community members.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"covenant/access"
	"covenant/domain"
	"covenant/store"
)

const (
	// Component names the arbitration service in grants.
	Component = "dispute"

	TopicFiled            = "dispute.filed"
	TopicOutcomeSubmitted = "dispute.outcome_submitted"
	TopicVotingOpened     = "dispute.voting_opened"
	TopicBallotCast       = "dispute.ballot_cast"
	TopicVotingClosed     = "dispute.voting_closed"
	TopicConcluded        = "dispute.concluded"
	TopicCancelled        = "dispute.cancelled"
)

var (
	ErrUnknownSession  = domain.NewError(domain.ErrNotFound, "dispute: session not found")
	ErrNotParty        = domain.NewError(domain.ErrNotInvolved, "dispute: only initiator and respondent may submit outcomes")
	ErrNotInitiator    = domain.NewError(domain.ErrUnauthorized, "dispute: only initiator may cancel dispute")
	ErrNotInitiated    = domain.NewError(domain.ErrInvalidState, "dispute: dispute must be initiated")
	ErrEmptyOutcome    = domain.NewError(domain.ErrOutOfRange, "dispute: outcome text required")
	ErrOutcomesMissing = domain.NewError(domain.ErrNotReady, "dispute: both outcomes must be submitted before voting")
	ErrNotAdmin        = domain.NewError(domain.ErrUnauthorized, "dispute: caller is not an administrator")
	ErrVotingNotOpen   = domain.NewError(domain.ErrInvalidState, "dispute: voting is not open")
	ErrVotingEnded     = domain.NewError(domain.ErrInvalidState, "dispute: voting period is over")
	ErrVotingNotOver   = domain.NewError(domain.ErrTooEarly, "dispute: voting period has not elapsed")
	ErrPartyVote       = domain.NewError(domain.ErrUnauthorized, "dispute: parties cannot vote on their own dispute")
	ErrUntrusted       = domain.NewError(domain.ErrUnauthorized, "dispute: untrusted users cannot vote")
	ErrStakeOutOfRange = domain.NewError(domain.ErrOutOfRange, "dispute: score must be within given range for user tier")
	ErrAlreadyVoted    = domain.NewError(domain.ErrAlreadyDone, "dispute: voter already voted")
	ErrNotClosed       = domain.NewError(domain.ErrInvalidState, "dispute: voting must be closed to conclude")
	ErrNoBallots       = domain.NewError(domain.ErrNotReady, "dispute: no ballots were cast")
	ErrNotConcluded    = domain.NewError(domain.ErrNotReady, "dispute: dispute has not been concluded")
	ErrInvalidTiers    = domain.NewError(domain.ErrOutOfRange, "dispute: invalid tier configuration")
)

// Registry is the slice of the agreement registry arbitration needs.
type Registry interface {
	GetTx(ctx context.Context, tx store.Tx, id int64) (domain.Agreement, error)
	FileDisputeTx(ctx context.Context, tx store.Tx, caller domain.Caller, id int64, party domain.Identity, disputeRef string, disputeType uint8) error
}

// ReputationLedger reads voter tiers and settles the vote.
type ReputationLedger interface {
	ScoreTx(ctx context.Context, tx store.Tx, subject domain.Identity) (int, error)
	IncreaseTx(ctx context.Context, tx store.Tx, caller domain.Caller, subject domain.Identity, delta int) (int, error)
	DecreaseTx(ctx context.Context, tx store.Tx, caller domain.Caller, subject domain.Identity, delta int) (int, error)
}

// Service runs arbitration sessions.
type Service struct {
	store      store.Store
	guard      *access.Guard
	registry   Registry
	reputation ReputationLedger
	directory  access.RoleLookup

	registryCaller   domain.Caller
	reputationCaller domain.Caller

	tiers    Tiers
	settings Settings
	newID    func() string
	clock    func() time.Time
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithTiers(t Tiers) Option {
	return func(s *Service) { s.tiers = t }
}

func WithSettings(set Settings) Option {
	return func(s *Service) { s.settings = set }
}

// WithDirectory lets directory owners and admins administer sessions.
func WithDirectory(d access.RoleLookup) Option {
	return func(s *Service) { s.directory = d }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
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

// NewService builds the arbitration service. registryCaller must be an
// approved collaborator of the registry and reputationCaller an approved
// writer of the reputation ledger.
func NewService(st store.Store, guard *access.Guard, registry Registry, reputation ReputationLedger, registryCaller, reputationCaller domain.Caller, opts ...Option) (*Service, error) {
	s := &Service{
		store:            st,
		guard:            guard,
		registry:         registry,
		reputation:       reputation,
		registryCaller:   registryCaller,
		reputationCaller: reputationCaller,
		tiers:            DefaultTiers(),
		settings:         DefaultSettings(),
		newID:            uuid.NewString,
		clock:            time.Now,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.tiers.validate(); err != nil {
		return nil, err
	}
	if s.settings.LoserPenalty < 0 || s.settings.VotingPeriod <= 0 {
		return nil, fmt.Errorf("dispute: invalid settings: %+v", s.settings)
	}
	return s, nil
}

// Tiers returns the active tier thresholds.
func (s *Service) Tiers() Tiers { return s.tiers }

func (s *Service) load(ctx context.Context, tx store.Tx, id string) (domain.DisputeSession, error) {
	sess, err := tx.Disputes().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.DisputeSession{}, ErrUnknownSession
	}
	if err != nil {
		return domain.DisputeSession{}, fmt.Errorf("dispute: load %s: %w", id, err)
	}
	return sess, nil
}

func involves(sess domain.DisputeSession, id domain.Identity) bool {
	return id != "" && (id == sess.Initiator || id == sess.Respondent)
}

// isAdmin reports whether caller owns the service or is a directory owner or
// admin.
func (s *Service) isAdmin(ctx context.Context, tx store.Tx, caller domain.Caller) (bool, error) {
	owner, err := s.guard.IsOwner(ctx, tx, caller)
	if err != nil || owner {
		return owner, err
	}
	if s.directory == nil || caller.ID == "" {
		return false, nil
	}
	role, err := s.directory.RoleOfTx(ctx, tx, caller.ID)
	if err != nil {
		return false, fmt.Errorf("dispute: resolve role: %w", err)
	}
	return role.Administrative(), nil
}

// Get returns a session.
func (s *Service) Get(ctx context.Context, id string) (domain.DisputeSession, error) {
	var sess domain.DisputeSession
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		sess, err = s.load(ctx, tx, id)
		return err
	})
	return sess, err
}

// Ballots lists the ballots cast in a session.
func (s *Service) Ballots(ctx context.Context, id string) ([]domain.DisputeBallot, error) {
	var out []domain.DisputeBallot
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.load(ctx, tx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.Disputes().Ballots(ctx, id)
		return err
	})
	return out, err
}

// FinalOutcome returns the winning party's outcome text once concluded.
func (s *Service) FinalOutcome(ctx context.Context, id string) (string, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.State != domain.DisputeConcluded {
		return "", ErrNotConcluded
	}
	return sess.FinalOutcome, nil
}
