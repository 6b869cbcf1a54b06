package token

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"covenant/access"
	"covenant/domain"
	"covenant/store"
)

var owner = domain.As("owner")

func newLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	return NewLedger(store.NewMemory(), access.NewGuard(Component, "owner", access.NewIssuer("secret")), opts...)
}

func balance(t *testing.T, l *Ledger, holder domain.Identity) int64 {
	t.Helper()
	v, err := l.BalanceOf(context.Background(), holder)
	require.NoError(t, err)
	return v
}

func TestMintHonoursCap(t *testing.T) {
	l := newLedger(t, WithSupplyCap(100))
	ctx := context.Background()

	require.NoError(t, l.Mint(ctx, owner, "alice", 60))
	require.NoError(t, l.Mint(ctx, owner, "bob", 40))
	require.ErrorIs(t, l.Mint(ctx, owner, "bob", 1), ErrSupplyExhausted)
	require.ErrorIs(t, l.Mint(ctx, owner, "bob", -1), ErrInvalidAmount)

	supply, err := l.TotalSupply(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 100, supply)
}

func TestMintRequiresMinter(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	require.ErrorIs(t, l.Mint(ctx, domain.As("faucet"), "alice", 1), access.ErrNotApproved)

	capability, err := l.ApproveMinter(ctx, owner, "faucet")
	require.NoError(t, err)
	require.NoError(t, l.Mint(ctx, domain.Caller{ID: "faucet", Capability: capability}, "alice", 7))
	require.EqualValues(t, 7, balance(t, l, "alice"))
}

func TestTransfer(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Mint(ctx, owner, "alice", 50))

	require.NoError(t, l.Transfer(ctx, domain.As("alice"), "bob", 20))
	require.EqualValues(t, 30, balance(t, l, "alice"))
	require.EqualValues(t, 20, balance(t, l, "bob"))

	err := l.Transfer(ctx, domain.As("alice"), "bob", 31)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.EqualValues(t, 30, balance(t, l, "alice"))

	require.NoError(t, l.Transfer(ctx, domain.As("alice"), "alice", 30))
	require.EqualValues(t, 30, balance(t, l, "alice"))
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Mint(ctx, owner, "alice", 100))

	require.ErrorIs(t, l.Approve(ctx, domain.As("alice"), "registry", -5), ErrInvalidAmount)
	require.NoError(t, l.Approve(ctx, domain.As("alice"), "registry", 30))

	require.NoError(t, l.TransferFrom(ctx, domain.As("registry"), "alice", "escrow", 20))
	left, err := l.Allowance(ctx, "alice", "registry")
	require.NoError(t, err)
	require.EqualValues(t, 10, left)

	require.ErrorIs(t, l.TransferFrom(ctx, domain.As("registry"), "alice", "escrow", 11), ErrInsufficientAllowance)
	require.EqualValues(t, 80, balance(t, l, "alice"))
	require.EqualValues(t, 20, balance(t, l, "escrow"))
}

func TestTransferFromKeepsAllowanceWhenFundsShort(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Mint(ctx, owner, "alice", 5))
	require.NoError(t, l.Approve(ctx, domain.As("alice"), "registry", 30))

	require.ErrorIs(t, l.TransferFrom(ctx, domain.As("registry"), "alice", "escrow", 10), ErrInsufficientFunds)
	left, err := l.Allowance(ctx, "alice", "registry")
	require.NoError(t, err)
	require.EqualValues(t, 30, left)
}

func TestSeizeRequiresOperator(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Mint(ctx, owner, "alice", 100))

	require.ErrorIs(t, l.Seize(ctx, domain.As("verifier"), "alice", "escrow", 50), access.ErrNotApproved)

	capability, err := l.ApproveOperator(ctx, owner, "verifier")
	require.NoError(t, err)
	verifier := domain.Caller{ID: "verifier", Capability: capability}

	require.NoError(t, l.Seize(ctx, verifier, "alice", "escrow", 50))
	require.ErrorIs(t, l.Seize(ctx, verifier, "alice", "escrow", 51), ErrInsufficientFunds)
	require.EqualValues(t, 50, balance(t, l, "alice"))
	require.EqualValues(t, 50, balance(t, l, "escrow"))
}
