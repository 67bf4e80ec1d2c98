package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-memory Repository used by tests. Individual calls
// are atomic; it does not emulate row locks across calls.
type MemoryRepository struct {
	mu           sync.RWMutex
	wallets      map[string]*Wallet // keyed by player|type|currency
	transactions []*Transaction
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{wallets: make(map[string]*Wallet)}
}

func key(playerID, walletType, currency string) string {
	return playerID + "|" + walletType + "|" + currency
}

func (r *MemoryRepository) Get(ctx context.Context, playerID, walletType, currency string) (*Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[key(playerID, walletType, currency)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *MemoryRepository) GetForUpdate(ctx context.Context, playerID, walletType, currency string) (*Wallet, error) {
	return r.Get(ctx, playerID, walletType, currency)
}

func (r *MemoryRepository) Create(ctx context.Context, playerID, walletType, currency string) (*Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := &Wallet{
		WalletID:   uuid.New().String(),
		PlayerID:   playerID,
		WalletType: walletType,
		Currency:   currency,
		Balance:    decimal.Zero,
		Version:    1,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	r.wallets[key(playerID, walletType, currency)] = w
	cp := *w
	return &cp, nil
}

func (r *MemoryRepository) UpdateBalance(ctx context.Context, walletID string, version int, newBalance decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.wallets {
		if w.WalletID == walletID {
			if w.Version != version {
				return ErrStaleVersion
			}
			w.Balance = newBalance
			w.Version++
			w.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrWalletNotFound
}

func (r *MemoryRepository) CreateTransaction(ctx context.Context, tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *tx
	r.transactions = append(r.transactions, &cp)
	return nil
}

func (r *MemoryRepository) GetTransactionByReference(ctx context.Context, referenceID, transactionType, walletType string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tx := range r.transactions {
		if tx.ReferenceID == referenceID && tx.TransactionType == transactionType &&
			(walletType == "" || tx.WalletType == walletType) {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, nil
}

// Transactions returns a snapshot of all recorded wallet transactions.
func (r *MemoryRepository) Transactions() []Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Transaction, 0, len(r.transactions))
	for _, tx := range r.transactions {
		out = append(out, *tx)
	}
	return out
}
