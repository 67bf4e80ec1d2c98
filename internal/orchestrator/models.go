package orchestrator

import (
	"github.com/shopspring/decimal"
)

// BetRouting reports how a bet was funded across the two wallets.
type BetRouting struct {
	BetID         string          `json:"bet_id"`
	PlayerID      string          `json:"player_id"`
	Amount        decimal.Decimal `json:"amount"`
	UsedMain      decimal.Decimal `json:"used_main"`
	UsedBonus     decimal.Decimal `json:"used_bonus"`
	InstancesUsed []string        `json:"instances_used,omitempty"`
}

// UsedBonusFunds reports whether any part of the bet was bonus-funded. Win
// settlement routes on this.
func (r *BetRouting) UsedBonusFunds() bool {
	return r.UsedBonus.IsPositive()
}

// CombinedBalance is the player-facing balance view. TotalAvailable is the
// main balance only: bonus money is playable but not withdrawable.
type CombinedBalance struct {
	PlayerID         string          `json:"player_id"`
	MainBalance      decimal.Decimal `json:"main_balance"`
	BonusBalance     decimal.Decimal `json:"bonus_balance"`
	TotalAvailable   decimal.Decimal `json:"total_available"`
	ActiveBonusCount int             `json:"active_bonus_count"`
}

// DepositResult is the outcome of a deposit: the wallet transaction plus any
// bonus instances the deposit triggered.
type DepositResult struct {
	TransactionID  string          `json:"transaction_id"`
	Amount         decimal.Decimal `json:"amount"`
	NewBalance     decimal.Decimal `json:"new_balance"`
	BonusesGranted []string        `json:"bonuses_granted,omitempty"`
}

// WithdrawalResult is the outcome of a withdrawal, including how many bonus
// instances were forfeited on the way out.
type WithdrawalResult struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	Forfeited     int             `json:"bonuses_forfeited"`
}

type BetRequest struct {
	PlayerID string          `json:"player_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount" binding:"required"`
	GameCode string          `json:"game_code" binding:"required"`
	BetID    string          `json:"bet_id" binding:"required"`
}

type WinRequest struct {
	PlayerID     string          `json:"player_id" binding:"required"`
	Amount       decimal.Decimal `json:"amount"`
	GameCode     string          `json:"game_code"`
	BetID        string          `json:"bet_id" binding:"required"`
	BetUsedBonus bool            `json:"bet_used_bonus"`
}

type DepositRequest struct {
	PlayerID        string          `json:"player_id" binding:"required"`
	Amount          decimal.Decimal `json:"amount" binding:"required"`
	PaymentMethodID string          `json:"payment_method_id"`
	TransactionID   string          `json:"transaction_id" binding:"required"`
}

type WithdrawalRequest struct {
	PlayerID      string          `json:"player_id" binding:"required"`
	Amount        decimal.Decimal `json:"amount" binding:"required"`
	TransactionID string          `json:"transaction_id" binding:"required"`
}

type RedeemRequest struct {
	PlayerID string `json:"player_id" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

type GrantRequest struct {
	PlayerID  string           `json:"player_id"`
	PlayerIDs []string         `json:"player_ids"`
	PlanID    string           `json:"plan_id" binding:"required"`
	Amount    *decimal.Decimal `json:"amount"`
	Notes     string           `json:"notes"`
	AdminID   string           `json:"admin_id"`
}

type ForfeitRequest struct {
	InstanceID  string   `json:"instance_id"`
	InstanceIDs []string `json:"instance_ids"`
	Reason      string   `json:"reason"`
}
