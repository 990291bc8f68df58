package wallet_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niceverygood/heart-engine/ledger"
	memstore "github.com/niceverygood/heart-engine/ledger/store"
	"github.com/niceverygood/heart-engine/wallet"
)

func newTestWallet() *wallet.Wallet {
	return wallet.New(ledger.New(memstore.NewMemory(), nil))
}

// =============================================================================
// SPEND TESTS
// =============================================================================

func TestSpend_DebitsBalance(t *testing.T) {
	w := newTestWallet()
	ctx := context.Background()

	balance, err := w.Spend(ctx, "user-1", wallet.MessageCost, "chat message")
	require.NoError(t, err)
	assert.Equal(t, int64(149), balance)

	txs, err := w.Ledger.History(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxSpend, txs[0].Type)
	assert.Equal(t, int64(-1), txs[0].HeartAmount)
}

func TestSpend_InsufficientBalanceLeavesNoEntry(t *testing.T) {
	// GIVEN: A user at the 150-heart starting balance
	// WHEN: Spending 200
	// THEN: The spend fails, the balance holds, and the log is clean

	w := newTestWallet()
	ctx := context.Background()

	_, err := w.Spend(ctx, "user-1", 200, "big spend")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, err := w.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)

	txs, err := w.Ledger.History(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestSpend_RejectsNonPositiveAmounts(t *testing.T) {
	w := newTestWallet()
	ctx := context.Background()

	_, err := w.Spend(ctx, "user-1", 0, "free")
	assert.Error(t, err)
	_, err = w.Spend(ctx, "user-1", -5, "reverse")
	assert.Error(t, err, "a negative spend is not a refund")
}

// =============================================================================
// COMPENSATION TESTS
// =============================================================================

func TestSpendFor_SuccessKeepsDebit(t *testing.T) {
	w := newTestWallet()
	ctx := context.Background()

	balance, err := w.SpendFor(ctx, "user-1", wallet.MessageCost, "chat message",
		func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, int64(149), balance)
}

func TestSpendFor_FailureCompensates(t *testing.T) {
	// GIVEN: A 1-heart spend gating a side effect
	// WHEN: The side effect fails after the debit
	// THEN: The net balance is unchanged, the caller sees the side
	//       effect's error, and the log shows debit + equal credit

	w := newTestWallet()
	ctx := context.Background()

	sideEffectErr := errors.New("model call failed")
	balance, err := w.SpendFor(ctx, "user-1", wallet.MessageCost, "chat message",
		func(context.Context) error { return sideEffectErr })

	assert.ErrorIs(t, err, sideEffectErr)
	assert.Equal(t, int64(150), balance)

	txs, err := w.Ledger.History(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, txs, 2, "compensation appends, never deletes")

	// Newest first: the refund, then the spend
	assert.Equal(t, ledger.TxRefund, txs[0].Type)
	assert.Equal(t, int64(1), txs[0].HeartAmount)
	assert.Equal(t, ledger.TxSpend, txs[1].Type)
	assert.Equal(t, int64(-1), txs[1].HeartAmount)
}

func TestSpendFor_InsufficientBalanceSkipsSideEffect(t *testing.T) {
	w := newTestWallet()
	ctx := context.Background()

	called := false
	_, err := w.SpendFor(ctx, "user-1", 1000, "expensive",
		func(context.Context) error { called = true; return nil })

	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.False(t, called, "the gated action must not run unpaid")
}

func TestRefund_CreditsBack(t *testing.T) {
	w := newTestWallet()
	ctx := context.Background()

	_, err := w.Spend(ctx, "user-1", 10, "batch")
	require.NoError(t, err)

	balance, err := w.Refund(ctx, "user-1", 10, "batch aborted")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
}
