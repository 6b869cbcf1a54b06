// Package agreement is the registry of agreements: the canonical record of
// every agreement, its lifecycle and the privileged hooks collaborators use
// to move it forward.
package agreement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"covenant/access"
	"covenant/domain"
	"covenant/store"
)

const (
	// Component names the registry in grants and capabilities.
	Component = "agreement"
	// ScopeApproved covers collaborators such as signing, escrow and dispute.
	ScopeApproved = "approved"
	// ScopeVoting covers the verification service.
	ScopeVoting = "voting"
)

var (
	ErrUnknownAgreement = domain.NewError(domain.ErrNotFound, "agreement: not found")
	ErrRefTaken         = domain.NewError(domain.ErrAlreadyDone, "agreement: reference already registered")
	ErrInvalidParties   = domain.NewError(domain.ErrOutOfRange, "agreement: two distinct parties required")
	ErrNotRegistered    = domain.NewError(domain.ErrUnauthorized, "agreement: party is not registered")
	ErrNotInvolved      = domain.NewError(domain.ErrNotInvolved, "agreement: you are not involved in the contract")
	ErrNotAuthorized    = domain.NewError(domain.ErrUnauthorized, "agreement: caller may not act for party")
	ErrAlreadySigned    = domain.NewError(domain.ErrAlreadyDone, "agreement: already signed")
	ErrInactive         = domain.NewError(domain.ErrInvalidState, "agreement: the contract is inactivated")
	ErrNotSigned        = domain.NewError(domain.ErrNotReady, "agreement: contract is not signed by both parties")
	ErrBadTransition    = domain.NewError(domain.ErrInvalidState, "agreement: transition not allowed from current status")
	ErrAlreadyRequested = domain.NewError(domain.ErrAlreadyDone, "agreement: completion already requested by this party")
	ErrInvalidRecord    = domain.NewError(domain.ErrOutOfRange, "agreement: invalid record")
	ErrInvalidSide      = domain.NewError(domain.ErrOutOfRange, "agreement: invalid verification side")
	ErrInvalidOutcome   = domain.NewError(domain.ErrOutOfRange, "agreement: invalid verification outcome")
)

// RoleDirectory answers whether an identity may take part in agreements.
type RoleDirectory interface {
	IsRegisteredTx(ctx context.Context, tx store.Tx, id domain.Identity) (bool, error)
}

// TokenLedger moves fees, rewards and penalties.
type TokenLedger interface {
	TransferTx(ctx context.Context, tx store.Tx, from, to domain.Identity, amount int64) error
	TransferFromTx(ctx context.Context, tx store.Tx, spender, from, to domain.Identity, amount int64) error
	SeizeTx(ctx context.Context, tx store.Tx, operator domain.Caller, from, to domain.Identity, amount int64) error
	BalanceTx(ctx context.Context, tx store.Tx, holder domain.Identity) (int64, error)
}

// ReputationLedger applies reputation deltas.
type ReputationLedger interface {
	IncreaseTx(ctx context.Context, tx store.Tx, caller domain.Caller, subject domain.Identity, delta int) (int, error)
}

// Registry owns agreement records.
type Registry struct {
	store      store.Store
	guard      *access.Guard
	directory  RoleDirectory
	tokens     TokenLedger
	reputation ReputationLedger
	settings   Settings

	// self is the registry's own principal; it is the fee spender and holds
	// the escrow balance unless escrow is set.
	self          domain.Identity
	escrow        domain.Identity
	tokenCap      string
	reputationCap string

	clock  func() time.Time
	logger *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

func WithSettings(s Settings) Option {
	return func(r *Registry) { r.settings = s }
}

// WithEscrow holds collected fees and penalties in a separate account.
func WithEscrow(id domain.Identity) Option {
	return func(r *Registry) {
		if id != "" {
			r.escrow = id
		}
	}
}

// WithTokenCapability sets the operator capability the registry presents to
// the token ledger.
func WithTokenCapability(capability string) Option {
	return func(r *Registry) { r.tokenCap = capability }
}

// WithReputationCapability sets the write capability the registry presents to
// the reputation ledger.
func WithReputationCapability(capability string) Option {
	return func(r *Registry) { r.reputationCap = capability }
}

func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry wires a registry acting as self.
func NewRegistry(st store.Store, guard *access.Guard, self domain.Identity, directory RoleDirectory, tokens TokenLedger, reputation ReputationLedger, opts ...Option) *Registry {
	r := &Registry{
		store:      st,
		guard:      guard,
		directory:  directory,
		tokens:     tokens,
		reputation: reputation,
		settings:   DefaultSettings(),
		self:       self,
		escrow:     self,
		clock:      time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Identity returns the principal the registry acts as.
func (r *Registry) Identity() domain.Identity { return r.self }

// Escrow returns the account holding fees and penalties.
func (r *Registry) Escrow() domain.Identity { return r.escrow }

// Guard exposes the access guard.
func (r *Registry) Guard() *access.Guard { return r.guard }

// Settings returns the active economic constants.
func (r *Registry) Settings() Settings { return r.settings }

func (r *Registry) asTokenOperator() domain.Caller {
	return domain.Caller{ID: r.self, Capability: r.tokenCap}
}

func (r *Registry) asReputationWriter() domain.Caller {
	return domain.Caller{ID: r.self, Capability: r.reputationCap}
}

func (r *Registry) load(ctx context.Context, tx store.Tx, id int64) (domain.Agreement, error) {
	if id <= 0 {
		return domain.Agreement{}, ErrUnknownAgreement
	}
	rec, err := tx.Agreements().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Agreement{}, ErrUnknownAgreement
		}
		return domain.Agreement{}, fmt.Errorf("agreement: load %d: %w", id, err)
	}
	return rec, nil
}

// actFor passes when caller is party itself or an approved collaborator
// acting on its behalf.
func (r *Registry) actFor(ctx context.Context, tx store.Tx, caller domain.Caller, party domain.Identity) error {
	if caller.ID != "" && caller.ID == party {
		return nil
	}
	if err := r.guard.Authorize(ctx, tx, caller, ScopeApproved); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return ErrNotAuthorized
		}
		return err
	}
	return nil
}
