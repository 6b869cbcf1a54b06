// Package store provides the transactional persistence every governance
// component runs against. A Store executes one unit of work at a time; all
// writes made through a Tx become visible together or not at all.
package store

import (
	"context"
	"errors"

	"covenant/domain"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = domain.NewError(domain.ErrNotFound, "store: not found")
	// ErrDuplicate signals a unique key guardrail was hit.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store runs fn inside a single serialized transaction. When fn returns an
// error nothing it wrote is kept.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the repositories bound to the active transaction.
type Tx interface {
	Settings() SettingsRepository
	Grants() GrantRepository
	Scores() ScoreRepository
	Tokens() TokenRepository
	Accounts() AccountRepository
	Agreements() AgreementRepository
	Ballots() BallotRepository
	Disputes() DisputeRepository
	Events() EventRepository
}

// SettingsRepository stores component configuration as JSON documents.
type SettingsRepository interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Put(ctx context.Context, key string, value any) error
}

// GrantRepository keeps the approved-caller sets, one per component and scope.
type GrantRepository interface {
	Add(ctx context.Context, component, scope string, grantee domain.Identity) error
	Has(ctx context.Context, component, scope string, grantee domain.Identity) (bool, error)
	Revoke(ctx context.Context, component, scope string, grantee domain.Identity) error
}

// ScoreRepository holds explicitly set reputation scores.
type ScoreRepository interface {
	Get(ctx context.Context, subject domain.Identity) (int, bool, error)
	Put(ctx context.Context, subject domain.Identity, score int) error
	All(ctx context.Context) (map[domain.Identity]int, error)
}

// TokenRepository holds token balances and allowances.
type TokenRepository interface {
	Balance(ctx context.Context, holder domain.Identity) (int64, error)
	SetBalance(ctx context.Context, holder domain.Identity, amount int64) error
	Allowance(ctx context.Context, owner, spender domain.Identity) (int64, error)
	SetAllowance(ctx context.Context, owner, spender domain.Identity, amount int64) error
	Balances(ctx context.Context) (map[domain.Identity]int64, error)
}

// AccountRepository backs the role directory.
type AccountRepository interface {
	Create(ctx context.Context, acc domain.Account) error
	Get(ctx context.Context, id domain.Identity) (domain.Account, error)
	Update(ctx context.Context, acc domain.Account) error
	Count(ctx context.Context) (int, error)
}

// AgreementRepository backs the registry.
type AgreementRepository interface {
	NextID(ctx context.Context) (int64, error)
	Get(ctx context.Context, id int64) (domain.Agreement, error)
	Put(ctx context.Context, rec domain.Agreement) error
	List(ctx context.Context) ([]domain.Agreement, error)
	BindRef(ctx context.Context, id int64, ref string) error
	IDByRef(ctx context.Context, ref string) (int64, error)
	RefByID(ctx context.Context, id int64) (string, error)
	SetWallet(ctx context.Context, party, wallet domain.Identity) error
	Wallet(ctx context.Context, party domain.Identity) (domain.Identity, bool, error)
}

// BallotRepository stores verification ballots.
type BallotRepository interface {
	Add(ctx context.Context, b domain.VerificationBallot) error
	List(ctx context.Context, agreementID int64) ([]domain.VerificationBallot, error)
}

// DisputeRepository stores arbitration sessions and their ballots.
type DisputeRepository interface {
	Create(ctx context.Context, s domain.DisputeSession) error
	Get(ctx context.Context, id string) (domain.DisputeSession, error)
	Update(ctx context.Context, s domain.DisputeSession) error
	AddBallot(ctx context.Context, b domain.DisputeBallot) error
	Ballots(ctx context.Context, sessionID string) ([]domain.DisputeBallot, error)
}

// EventRepository is the transactional outbox.
type EventRepository interface {
	Append(ctx context.Context, ev domain.Event) error
	List(ctx context.Context, topic string) ([]domain.Event, error)
	Pending(ctx context.Context, limit int) ([]domain.Event, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, maxAttempts int) error
}
