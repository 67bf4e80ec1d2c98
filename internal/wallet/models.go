package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TypeMain  = "main"
	TypeBonus = "bonus"

	DefaultCurrency = "USD"
)

// Wallet transaction types.
const (
	TxDeposit      = "deposit"
	TxWithdrawal   = "withdrawal"
	TxBet          = "bet"
	TxWin          = "win"
	TxBonusGrant   = "bonus_grant"
	TxBonusRelease = "bonus_release"
	TxBonusForfeit = "bonus_forfeit"
	TxBonusExpire  = "bonus_expire"
)

type Wallet struct {
	WalletID   string          `gorm:"column:wallet_id;primaryKey;type:uuid;default:uuid_generate_v4()"`
	PlayerID   string          `gorm:"column:player_id;type:uuid;not null;uniqueIndex:idx_wallets_player_type_currency"`
	WalletType string          `gorm:"column:wallet_type;type:varchar(20);not null;uniqueIndex:idx_wallets_player_type_currency"` // "main", "bonus"
	Currency   string          `gorm:"column:currency;type:varchar(3);not null;uniqueIndex:idx_wallets_player_type_currency"`
	Balance    decimal.Decimal `gorm:"column:balance;type:numeric(20,2);not null;default:0"`
	Version    int             `gorm:"column:version;not null;default:1"`
	CreatedAt  time.Time       `gorm:"column:created_at;not null;default:now()"`
	UpdatedAt  time.Time       `gorm:"column:updated_at;not null;default:now()"`
}

func (Wallet) TableName() string { return "wallets" }

type Transaction struct {
	TransactionID   string          `gorm:"column:transaction_id;primaryKey;type:uuid;default:uuid_generate_v4()"`
	WalletID        string          `gorm:"column:wallet_id;type:uuid;not null;index"`
	WalletType      string          `gorm:"column:wallet_type;type:varchar(20);not null"`
	PlayerID        string          `gorm:"column:player_id;type:uuid;not null;index"`
	TransactionType string          `gorm:"column:transaction_type;type:varchar(20);not null"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	BalanceBefore   decimal.Decimal `gorm:"column:balance_before;type:numeric(20,2);not null"`
	BalanceAfter    decimal.Decimal `gorm:"column:balance_after;type:numeric(20,2);not null"`
	ReferenceID     string          `gorm:"column:reference_id;type:varchar(255);not null;index"` // external reference (bet, payment, bonus instance)
	Status          string          `gorm:"column:status;type:varchar(20);not null"`
	CreatedAt       time.Time       `gorm:"column:created_at;not null;default:now()"`
	CompletedAt     *time.Time      `gorm:"column:completed_at"`
}

func (Transaction) TableName() string { return "wallet_transactions" }
