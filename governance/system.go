// Package governance assembles the governance components over one store and
// hands each collaborator the grants and capabilities it needs.
package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"covenant/access"
	"covenant/agreement"
	"covenant/auth"
	"covenant/channel"
	"covenant/config"
	"covenant/dispute"
	"covenant/domain"
	"covenant/reputation"
	"covenant/signing"
	"covenant/store"
	"covenant/token"
	"covenant/verification"
)

// Principals the components act as when calling each other.
const (
	RegistryID     domain.Identity = "svc:registry"
	VerificationID domain.Identity = "svc:verification"
	DisputeID      domain.Identity = "svc:dispute"
	SigningID      domain.Identity = "svc:signing"
)

// System is a fully wired governance node.
type System struct {
	Store        store.Store
	Owner        domain.Identity
	Directory    *auth.Service
	Reputation   *reputation.Ledger
	Tokens       *token.Ledger
	Registry     *agreement.Registry
	Verification *verification.Service
	Disputes     *dispute.Service
	Signer       *signing.Signer
	Channel      *channel.Channel
}

type options struct {
	clock  func() time.Time
	logger *zap.Logger
}

// Option configures New.
type Option func(*options)

func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds every component on st, bootstraps the owner account and issues
// the inter-component grants. Running it again against the same store is
// safe: grants are re-approved and fresh capabilities issued.
func New(ctx context.Context, st store.Store, cfg *config.Config, opts ...Option) (*System, error) {
	o := options{clock: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		o.logger.Warn("auth.jwt_secret not set; login tokens will not survive a restart")
		jwtSecret = uuid.NewString()
	}
	capSecret := cfg.Auth.CapabilitySecret
	if capSecret == "" {
		capSecret = uuid.NewString()
	}
	issuer := access.NewIssuer(capSecret)
	owner := domain.Identity(cfg.Auth.Owner)
	ownerCaller := domain.As(owner)
	econ := cfg.Economics

	dir := auth.NewService(st, jwtSecret,
		auth.WithClock(o.clock),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
		auth.WithLogger(o.logger.Named("directory")),
	)
	if err := dir.Bootstrap(ctx, owner, cfg.Auth.OwnerPassword); err != nil {
		return nil, fmt.Errorf("governance: bootstrap directory: %w", err)
	}
	guard := func(component string) *access.Guard {
		return access.NewGuard(component, owner, issuer).WithRoles(dir)
	}

	rep, err := reputation.NewLedger(st, guard(reputation.Component),
		reputation.WithDefaultScore(econ.DefaultScore),
		reputation.WithClock(o.clock),
		reputation.WithLogger(o.logger.Named("reputation")),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: reputation: %w", err)
	}
	tokens := token.NewLedger(st, guard(token.Component),
		token.WithSupplyCap(econ.TokenSupply),
		token.WithClock(o.clock),
		token.WithLogger(o.logger.Named("token")),
	)

	repCaps := make(map[domain.Identity]string, 3)
	for _, id := range []domain.Identity{RegistryID, VerificationID, DisputeID} {
		capability, err := rep.ApproveCaller(ctx, ownerCaller, id)
		if err != nil {
			return nil, fmt.Errorf("governance: approve %s on reputation: %w", id, err)
		}
		repCaps[id] = capability
	}
	tokenCap, err := tokens.ApproveOperator(ctx, ownerCaller, RegistryID)
	if err != nil {
		return nil, fmt.Errorf("governance: approve registry on token: %w", err)
	}

	reg := agreement.NewRegistry(st, guard(agreement.Component), RegistryID, dir, tokens, rep,
		agreement.WithSettings(agreement.Settings{
			RegistrationFee:  econ.RegistrationFee,
			VerifierQuota:    econ.VerifierQuota,
			CompletionReward: econ.CompletionReward,
		}),
		agreement.WithTokenCapability(tokenCap),
		agreement.WithReputationCapability(repCaps[RegistryID]),
		agreement.WithClock(o.clock),
		agreement.WithLogger(o.logger.Named("registry")),
	)
	votingCap, err := reg.GrantVotingAccess(ctx, ownerCaller, VerificationID)
	if err != nil {
		return nil, fmt.Errorf("governance: grant voting access: %w", err)
	}
	disputeCap, err := reg.GrantApproval(ctx, ownerCaller, DisputeID)
	if err != nil {
		return nil, fmt.Errorf("governance: approve dispute on registry: %w", err)
	}
	signingCap, err := reg.GrantApproval(ctx, ownerCaller, SigningID)
	if err != nil {
		return nil, fmt.Errorf("governance: approve signing on registry: %w", err)
	}

	v := cfg.Verification
	voting, err := verification.NewService(st, guard(verification.Component), reg, rep,
		domain.Caller{ID: VerificationID, Capability: votingCap},
		domain.Caller{ID: VerificationID, Capability: repCaps[VerificationID]},
		verification.WithWindow(verification.Window{
			MinResolutionDelay: v.MinResolutionDelay,
			MaxResolutionDelay: v.MaxResolutionDelay,
			VerificationCutoff: v.VerificationCutoff,
		}),
		verification.WithEconomics(verification.Economics{
			VoteReward:                econ.VoteReward,
			FraudSlashPercent:         econ.FraudSlashPercent,
			FraudReputationPenalty:    econ.FraudReputationPenalty,
			MinorityTokenPenalty:      econ.MinorityTokenPenalty,
			MinorityReputationPenalty: econ.MinorityReputationPenalty,
		}),
		verification.WithClock(o.clock),
		verification.WithLogger(o.logger.Named("verification")),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: verification: %w", err)
	}

	d := cfg.Dispute
	disputes, err := dispute.NewService(st, guard(dispute.Component), reg, rep,
		domain.Caller{ID: DisputeID, Capability: disputeCap},
		domain.Caller{ID: DisputeID, Capability: repCaps[DisputeID]},
		dispute.WithTiers(dispute.Tiers{
			NeutralFrom:     d.NeutralFrom,
			TrustedFrom:     d.TrustedFrom,
			NeutralStake:    d.NeutralStake,
			TrustedMinStake: d.TrustedMinStake,
			TrustedMaxStake: d.TrustedMaxStake,
		}),
		dispute.WithSettings(dispute.Settings{LoserPenalty: d.LoserPenalty, VotingPeriod: d.VotingPeriod}),
		dispute.WithDirectory(dir),
		dispute.WithClock(o.clock),
		dispute.WithLogger(o.logger.Named("dispute")),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: dispute: %w", err)
	}

	o.logger.Info("governance system ready", zap.String("owner", string(owner)))
	return &System{
		Store:        st,
		Owner:        owner,
		Directory:    dir,
		Reputation:   rep,
		Tokens:       tokens,
		Registry:     reg,
		Verification: voting,
		Disputes:     disputes,
		Signer:       signing.New(reg, domain.Caller{ID: SigningID, Capability: signingCap}, signing.WithLogger(o.logger.Named("signing"))),
		Channel:      channel.New(st, reg, channel.WithClock(o.clock), channel.WithLogger(o.logger.Named("channel"))),
	}, nil
}

// OwnerCaller returns the caller that owns every component.
func (s *System) OwnerCaller() domain.Caller { return domain.As(s.Owner) }

// Fund mints amount to holder as the owner.
func (s *System) Fund(ctx context.Context, holder domain.Identity, amount int64) error {
	return s.Tokens.Mint(ctx, s.OwnerCaller(), holder, amount)
}
