package wallet_test

import (
	"context"
	"sync"
	"testing"

	"bonus_service/internal/wallet"

	"github.com/go-jose/go-jose/v4/testutils/assert"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func setUpService() (*wallet.Service, *wallet.MemoryRepository) {
	repo := wallet.NewMemoryRepository()
	return wallet.NewService(repo), repo
}

func TestCreditAndDebit(t *testing.T) {
	service, repo := setUpService()
	playerID := uuid.NewString()
	ctx := context.Background()

	creditTx, err := service.Credit(ctx, playerID, wallet.TypeMain, wallet.TxDeposit, decimal.NewFromInt(100), uuid.NewString())
	require.NoError(t, err)
	require.True(t, creditTx.BalanceBefore.IsZero())
	require.True(t, creditTx.BalanceAfter.Equal(decimal.NewFromInt(100)))

	debitTx, err := service.Debit(ctx, playerID, wallet.TypeMain, wallet.TxBet, decimal.NewFromInt(40), uuid.NewString())
	require.NoError(t, err)
	require.True(t, debitTx.BalanceBefore.Equal(decimal.NewFromInt(100)))
	require.True(t, debitTx.BalanceAfter.Equal(decimal.NewFromInt(60)))

	w, err := service.GetBalance(ctx, playerID, wallet.TypeMain, wallet.DefaultCurrency)
	require.NoError(t, err)
	require.True(t, w.Balance.Equal(decimal.NewFromInt(60)))
	require.Len(t, repo.Transactions(), 2)
}

func TestDebitInsufficientFunds(t *testing.T) {
	service, _ := setUpService()
	playerID := uuid.NewString()
	ctx := context.Background()

	_, err := service.Debit(ctx, playerID, wallet.TypeMain, wallet.TxBet, decimal.NewFromInt(10), uuid.NewString())
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	_, err = service.Credit(ctx, playerID, wallet.TypeMain, wallet.TxDeposit, decimal.NewFromInt(5), uuid.NewString())
	require.NoError(t, err)

	_, err = service.Debit(ctx, playerID, wallet.TypeMain, wallet.TxBet, decimal.NewFromInt(10), uuid.NewString())
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	w, err := service.GetBalance(ctx, playerID, wallet.TypeMain, wallet.DefaultCurrency)
	require.NoError(t, err)
	require.True(t, w.Balance.Equal(decimal.NewFromInt(5)))
}

func TestIdempotentReference(t *testing.T) {
	service, repo := setUpService()
	playerID := uuid.NewString()
	reference := uuid.NewString()
	ctx := context.Background()

	first, err := service.Credit(ctx, playerID, wallet.TypeMain, wallet.TxDeposit, decimal.NewFromInt(50), reference)
	require.NoError(t, err)

	repeat, err := service.Credit(ctx, playerID, wallet.TypeMain, wallet.TxDeposit, decimal.NewFromInt(50), reference)
	require.NoError(t, err)
	require.Equal(t, first.TransactionID, repeat.TransactionID)

	w, err := service.GetBalance(ctx, playerID, wallet.TypeMain, wallet.DefaultCurrency)
	require.NoError(t, err)
	require.True(t, w.Balance.Equal(decimal.NewFromInt(50)))
	require.Len(t, repo.Transactions(), 1)
}

func TestReferenceScopedPerWallet(t *testing.T) {
	service, repo := setUpService()
	playerID := uuid.NewString()
	betID := uuid.NewString()
	ctx := context.Background()

	_, err := service.Credit(ctx, playerID, wallet.TypeMain, wallet.TxDeposit, decimal.NewFromInt(100), uuid.NewString())
	require.NoError(t, err)
	_, err = service.Credit(ctx, playerID, wallet.TypeBonus, wallet.TxBonusGrant, decimal.NewFromInt(100), uuid.NewString())
	require.NoError(t, err)

	// A split bet debits both wallets under the same reference and type.
	// The bonus leg must not satisfy the main leg's idempotency check.
	bonusTx, err := service.Debit(ctx, playerID, wallet.TypeBonus, wallet.TxBet, decimal.NewFromInt(30), betID)
	require.NoError(t, err)
	mainTx, err := service.Debit(ctx, playerID, wallet.TypeMain, wallet.TxBet, decimal.NewFromInt(50), betID)
	require.NoError(t, err)
	require.NotEqual(t, bonusTx.TransactionID, mainTx.TransactionID)

	mainW, err := service.GetBalance(ctx, playerID, wallet.TypeMain, wallet.DefaultCurrency)
	require.NoError(t, err)
	require.True(t, mainW.Balance.Equal(decimal.NewFromInt(50)))
	bonusW, err := service.GetBalance(ctx, playerID, wallet.TypeBonus, wallet.DefaultCurrency)
	require.NoError(t, err)
	require.True(t, bonusW.Balance.Equal(decimal.NewFromInt(70)))

	// A repeat on the same wallet is still idempotent.
	repeat, err := service.Debit(ctx, playerID, wallet.TypeMain, wallet.TxBet, decimal.NewFromInt(50), betID)
	require.NoError(t, err)
	require.Equal(t, mainTx.TransactionID, repeat.TransactionID)
	require.Len(t, repo.Transactions(), 4)

	// FindTransaction stays wallet-agnostic so a duplicate bet is caught
	// regardless of which wallet funded it.
	found, err := service.FindTransaction(ctx, betID, wallet.TxBet)
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestConcurrentCredits(t *testing.T) {
	service, _ := setUpService()
	playerID := uuid.NewString()
	ctx := context.Background()

	_, err := service.Credit(ctx, playerID, wallet.TypeMain, wallet.TxDeposit, decimal.NewFromInt(100), uuid.NewString())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Credit(ctx, playerID, wallet.TypeMain, wallet.TxWin, decimal.NewFromInt(1), uuid.NewString())
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Without row locks the memory repo rejects stale versions, so every
	// success moved the balance exactly once.
	w, err := service.GetBalance(ctx, playerID, wallet.TypeMain, wallet.DefaultCurrency)
	assert.NoError(t, err)
	expected := decimal.NewFromInt(100).Add(decimal.NewFromInt(int64(successCount)))
	require.True(t, w.Balance.Equal(expected), "balance %s, successes %d", w.Balance, successCount)
}
