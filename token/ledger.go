// Package token is the fungible token ledger used for fees, rewards and
// penalties.
package token

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"covenant/access"
	"covenant/domain"
	"covenant/outbox"
	"covenant/store"
)

const (
	// Component names the ledger in grants and capabilities.
	Component = "token"
	// ScopeMint lets a caller create tokens.
	ScopeMint = "mint"
	// ScopeOperator lets a caller move tokens without an allowance.
	ScopeOperator = "operator"

	TopicTransfer = "token.transfer"
	TopicApproval = "token.approval"
	TopicMinted   = "token.minted"
)

var (
	ErrInsufficientFunds     = domain.NewError(domain.ErrInsufficientFunds, "token: insufficient balance")
	ErrInsufficientAllowance = domain.NewError(domain.ErrInsufficientAllowance, "token: insufficient allowance")
	ErrInvalidAmount         = domain.NewError(domain.ErrOutOfRange, "token: amount must not be negative")
	ErrSupplyExhausted       = domain.NewError(domain.ErrOutOfRange, "token: mint exceeds supply cap")
)

// Ledger holds balances and allowances.
type Ledger struct {
	store     store.Store
	guard     *access.Guard
	supplyCap int64
	clock     func() time.Time
	logger    *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSupplyCap limits total minted supply. Zero disables the cap.
func WithSupplyCap(limit int64) Option {
	return func(l *Ledger) { l.supplyCap = limit }
}

func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger builds a token ledger.
func NewLedger(st store.Store, guard *access.Guard, opts ...Option) *Ledger {
	l := &Ledger{store: st, guard: guard, clock: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Guard exposes the access guard.
func (l *Ledger) Guard() *access.Guard { return l.guard }

// ApproveOperator lets owner grant id operator rights and returns its capability.
func (l *Ledger) ApproveOperator(ctx context.Context, owner domain.Caller, id domain.Identity) (string, error) {
	return l.approve(ctx, owner, ScopeOperator, id)
}

// ApproveMinter lets owner grant id mint rights and returns its capability.
func (l *Ledger) ApproveMinter(ctx context.Context, owner domain.Caller, id domain.Identity) (string, error) {
	return l.approve(ctx, owner, ScopeMint, id)
}

func (l *Ledger) approve(ctx context.Context, owner domain.Caller, scope string, id domain.Identity) (string, error) {
	var capability string
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		capability, err = l.guard.Approve(ctx, tx, owner, scope, id)
		return err
	})
	return capability, err
}

// Mint credits amount to holder.
func (l *Ledger) Mint(ctx context.Context, caller domain.Caller, holder domain.Identity, amount int64) error {
	return l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := l.guard.Authorize(ctx, tx, caller, ScopeMint); err != nil {
			return err
		}
		if amount < 0 {
			return ErrInvalidAmount
		}
		if l.supplyCap > 0 {
			supply, err := totalSupply(ctx, tx)
			if err != nil {
				return err
			}
			if supply+amount > l.supplyCap {
				return ErrSupplyExhausted
			}
		}
		bal, err := tx.Tokens().Balance(ctx, holder)
		if err != nil {
			return err
		}
		if err := tx.Tokens().SetBalance(ctx, holder, bal+amount); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, l.clock(), TopicMinted, 0, map[string]any{
			"to":     string(holder),
			"amount": amount,
		})
	})
}

func totalSupply(ctx context.Context, tx store.Tx) (int64, error) {
	all, err := tx.Tokens().Balances(ctx)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, v := range all {
		sum += v
	}
	return sum, nil
}

// TotalSupply sums every balance.
func (l *Ledger) TotalSupply(ctx context.Context) (int64, error) {
	var out int64
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = totalSupply(ctx, tx)
		return err
	})
	return out, err
}

// Approve sets the allowance spender may draw from owner.
func (l *Ledger) Approve(ctx context.Context, owner domain.Caller, spender domain.Identity, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	return l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Tokens().SetAllowance(ctx, owner.ID, spender, amount); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, l.clock(), TopicApproval, 0, map[string]any{
			"owner":   string(owner.ID),
			"spender": string(spender),
			"amount":  amount,
		})
	})
}

// Transfer moves amount from the caller to to.
func (l *Ledger) Transfer(ctx context.Context, from domain.Caller, to domain.Identity, amount int64) error {
	return l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.TransferTx(ctx, tx, from.ID, to, amount)
	})
}

// TransferFrom moves amount from from to to on behalf of spender, consuming
// allowance.
func (l *Ledger) TransferFrom(ctx context.Context, spender domain.Caller, from, to domain.Identity, amount int64) error {
	return l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.TransferFromTx(ctx, tx, spender.ID, from, to, amount)
	})
}

// Seize moves amount from from to to without an allowance. Only approved
// operators may call it.
func (l *Ledger) Seize(ctx context.Context, operator domain.Caller, from, to domain.Identity, amount int64) error {
	return l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.SeizeTx(ctx, tx, operator, from, to, amount)
	})
}

// TransferTx moves tokens owned by from. from is trusted to be the
// authenticated principal.
func (l *Ledger) TransferTx(ctx context.Context, tx store.Tx, from, to domain.Identity, amount int64) error {
	return l.move(ctx, tx, from, to, amount)
}

// TransferFromTx is TransferFrom inside an existing transaction.
func (l *Ledger) TransferFromTx(ctx context.Context, tx store.Tx, spender, from, to domain.Identity, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	allowance, err := tx.Tokens().Allowance(ctx, from, spender)
	if err != nil {
		return err
	}
	if allowance < amount {
		return ErrInsufficientAllowance
	}
	if err := l.move(ctx, tx, from, to, amount); err != nil {
		return err
	}
	return tx.Tokens().SetAllowance(ctx, from, spender, allowance-amount)
}

// SeizeTx is Seize inside an existing transaction.
func (l *Ledger) SeizeTx(ctx context.Context, tx store.Tx, operator domain.Caller, from, to domain.Identity, amount int64) error {
	if err := l.guard.Authorize(ctx, tx, operator, ScopeOperator); err != nil {
		return err
	}
	return l.move(ctx, tx, from, to, amount)
}

func (l *Ledger) move(ctx context.Context, tx store.Tx, from, to domain.Identity, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if from == "" || to == "" {
		return fmt.Errorf("token: transfer endpoints required")
	}
	fromBal, err := tx.Tokens().Balance(ctx, from)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return ErrInsufficientFunds
	}
	if from != to {
		toBal, err := tx.Tokens().Balance(ctx, to)
		if err != nil {
			return err
		}
		if err := tx.Tokens().SetBalance(ctx, from, fromBal-amount); err != nil {
			return err
		}
		if err := tx.Tokens().SetBalance(ctx, to, toBal+amount); err != nil {
			return err
		}
	}
	return outbox.Append(ctx, tx, l.clock(), TopicTransfer, 0, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"amount": amount,
	})
}

// BalanceOf returns the balance of holder.
func (l *Ledger) BalanceOf(ctx context.Context, holder domain.Identity) (int64, error) {
	var out int64
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Tokens().Balance(ctx, holder)
		return err
	})
	return out, err
}

// BalanceTx is BalanceOf inside an existing transaction.
func (l *Ledger) BalanceTx(ctx context.Context, tx store.Tx, holder domain.Identity) (int64, error) {
	return tx.Tokens().Balance(ctx, holder)
}

// Allowance returns what spender may still draw from owner.
func (l *Ledger) Allowance(ctx context.Context, owner, spender domain.Identity) (int64, error) {
	var out int64
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Tokens().Allowance(ctx, owner, spender)
		return err
	})
	return out, err
}
