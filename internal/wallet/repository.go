package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	trmgorm "github.com/avito-tech/go-transaction-manager/drivers/gorm/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrStaleVersion      = errors.New("wallet version conflict")
)

type Repository interface {
	Get(ctx context.Context, playerID, walletType, currency string) (*Wallet, error)
	// GetForUpdate locks the wallet row for the rest of the ambient
	// transaction. Balance reads that feed a debit must use this.
	GetForUpdate(ctx context.Context, playerID, walletType, currency string) (*Wallet, error)
	Create(ctx context.Context, playerID, walletType, currency string) (*Wallet, error)
	UpdateBalance(ctx context.Context, walletID string, version int, newBalance decimal.Decimal) error
	CreateTransaction(ctx context.Context, tx *Transaction) error
	// GetTransactionByReference finds a prior transaction by external
	// reference and type. A non-empty walletType narrows the match to that
	// wallet; a split operation writes one row per wallet under the same
	// reference, so the idempotency check must not see the other leg.
	GetTransactionByReference(ctx context.Context, referenceID, transactionType, walletType string) (*Transaction, error)
}

type RepositoryImpl struct {
	db     *gorm.DB
	getter *trmgorm.CtxGetter
}

func NewRepository(db *gorm.DB) *RepositoryImpl {
	return &RepositoryImpl{db: db, getter: trmgorm.DefaultCtxGetter}
}

func (r *RepositoryImpl) conn(ctx context.Context) *gorm.DB {
	return r.getter.DefaultTrOrDB(ctx, r.db).WithContext(ctx)
}

func (r *RepositoryImpl) Get(ctx context.Context, playerID, walletType, currency string) (*Wallet, error) {
	var w Wallet
	err := r.conn(ctx).
		Where("player_id = ? AND wallet_type = ? AND currency = ?", playerID, walletType, currency).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

func (r *RepositoryImpl) GetForUpdate(ctx context.Context, playerID, walletType, currency string) (*Wallet, error) {
	var w Wallet
	err := r.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("player_id = ? AND wallet_type = ? AND currency = ?", playerID, walletType, currency).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &w, nil
}

func (r *RepositoryImpl) Create(ctx context.Context, playerID, walletType, currency string) (*Wallet, error) {
	w := Wallet{
		WalletID:   uuid.New().String(),
		PlayerID:   playerID,
		WalletType: walletType,
		Currency:   currency,
		Balance:    decimal.Zero,
		Version:    1,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := r.conn(ctx).Create(&w).Error; err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &w, nil
}

// UpdateBalance writes the new balance guarded by the version the caller read.
// Under a FOR UPDATE lock the guard always holds; it remains as a backstop
// against writes that skipped the lock.
func (r *RepositoryImpl) UpdateBalance(ctx context.Context, walletID string, version int, newBalance decimal.Decimal) error {
	res := r.conn(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ? AND version = ?", walletID, version).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update wallet balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r *RepositoryImpl) CreateTransaction(ctx context.Context, tx *Transaction) error {
	if err := r.conn(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("failed to create wallet transaction: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) GetTransactionByReference(ctx context.Context, referenceID, transactionType, walletType string) (*Transaction, error) {
	q := r.conn(ctx).
		Where("reference_id = ? AND transaction_type = ?", referenceID, transactionType)
	if walletType != "" {
		q = q.Where("wallet_type = ?", walletType)
	}
	var t Transaction
	err := q.First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get wallet transaction: %w", err)
	}
	return &t, nil
}
