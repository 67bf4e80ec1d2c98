package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service moves money on a single wallet. Credit and Debit expect to run
// inside the caller's transaction: the balance is read under a row lock and
// the transaction row is written with before/after balances in the same unit.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetBalance(ctx context.Context, playerID, walletType, currency string) (*Wallet, error) {
	return s.repo.Get(ctx, playerID, walletType, currency)
}

// BalanceForUpdate reads the wallet balance under a row lock so the caller can
// split an amount across wallets inside its transaction. A missing wallet
// reads as zero.
func (s *Service) BalanceForUpdate(ctx context.Context, playerID, walletType string) (decimal.Decimal, error) {
	w, err := s.repo.GetForUpdate(ctx, playerID, walletType, DefaultCurrency)
	if err != nil {
		if err == ErrWalletNotFound {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// FindTransaction looks up a prior transaction by reference and type across
// all wallets. Returns nil without error when none exists.
func (s *Service) FindTransaction(ctx context.Context, referenceID, txType string) (*Transaction, error) {
	return s.repo.GetTransactionByReference(ctx, referenceID, txType, "")
}

// Credit adds amount to the wallet. A non-empty referenceID makes the credit
// idempotent: a repeat with the same reference, type, and wallet returns the
// original transaction without moving money again. The wallet dimension
// matters because a single operation can touch both wallets under one
// reference, a bonus release debits bonus and credits main.
func (s *Service) Credit(ctx context.Context, playerID, walletType, txType string, amount decimal.Decimal, referenceID string) (*Transaction, error) {
	if referenceID != "" {
		existing, err := s.repo.GetTransactionByReference(ctx, referenceID, txType, walletType)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	w, err := s.lockOrCreate(ctx, playerID, walletType, DefaultCurrency)
	if err != nil {
		return nil, err
	}
	newBalance := w.Balance.Add(amount)
	if err := s.repo.UpdateBalance(ctx, w.WalletID, w.Version, newBalance); err != nil {
		return nil, err
	}
	return s.record(ctx, w, txType, amount, newBalance, referenceID)
}

// Debit removes amount from the wallet, failing with ErrInsufficientFunds if
// the locked balance cannot cover it.
func (s *Service) Debit(ctx context.Context, playerID, walletType, txType string, amount decimal.Decimal, referenceID string) (*Transaction, error) {
	if referenceID != "" {
		existing, err := s.repo.GetTransactionByReference(ctx, referenceID, txType, walletType)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	w, err := s.repo.GetForUpdate(ctx, playerID, walletType, DefaultCurrency)
	if err != nil {
		if err == ErrWalletNotFound {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}
	if w.Balance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	newBalance := w.Balance.Sub(amount)
	if err := s.repo.UpdateBalance(ctx, w.WalletID, w.Version, newBalance); err != nil {
		return nil, err
	}
	return s.record(ctx, w, txType, amount, newBalance, referenceID)
}

func (s *Service) lockOrCreate(ctx context.Context, playerID, walletType, currency string) (*Wallet, error) {
	w, err := s.repo.GetForUpdate(ctx, playerID, walletType, currency)
	if err == nil {
		return w, nil
	}
	if err != ErrWalletNotFound {
		return nil, err
	}
	if _, err := s.repo.Create(ctx, playerID, walletType, currency); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return s.repo.GetForUpdate(ctx, playerID, walletType, currency)
}

func (s *Service) record(ctx context.Context, w *Wallet, txType string, amount, newBalance decimal.Decimal, referenceID string) (*Transaction, error) {
	now := time.Now()
	tx := &Transaction{
		TransactionID:   uuid.New().String(),
		WalletID:        w.WalletID,
		WalletType:      w.WalletType,
		PlayerID:        w.PlayerID,
		TransactionType: txType,
		Amount:          amount,
		BalanceBefore:   w.Balance,
		BalanceAfter:    newBalance,
		ReferenceID:     referenceID,
		Status:          "completed",
		CreatedAt:       now,
		CompletedAt:     &now,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}
