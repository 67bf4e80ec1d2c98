package bonus

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a bonus instance.
type Status string

const (
	StatusActive    Status = "active"
	StatusWagering  Status = "wagering"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusForfeited Status = "forfeited"
	StatusCancelled Status = "cancelled"
)

// transitions lists the legal moves out of each non-terminal status.
// Terminal statuses have no entry: nothing transitions out of them.
var transitions = map[Status][]Status{
	StatusActive:   {StatusWagering, StatusCompleted, StatusExpired, StatusForfeited, StatusCancelled},
	StatusWagering: {StatusCompleted, StatusExpired, StatusForfeited},
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

const (
	TriggerDeposit = "deposit"
	TriggerCode    = "code"
	TriggerManual  = "manual"
)

const (
	AwardPercentage = "percentage"
	AwardFixed      = "fixed"
)

const (
	WagerBaseBonus            = "bonus"
	WagerBaseBonusPlusDeposit = "bonus_plus_deposit"
	WagerBaseDeposit          = "deposit"
)

const (
	CategorySlots      = "slots"
	CategoryTableGames = "table_games"
	CategoryLiveCasino = "live_casino"
	CategoryVideoPoker = "video_poker"
	CategoryOther      = "other"
)

// Ledger transaction types.
const (
	TxGranted          = "granted"
	TxActivated        = "activated"
	TxBetPlaced        = "bet_placed"
	TxBetWon           = "bet_won"
	TxBetLost          = "bet_lost"
	TxWagerContributed = "wager_contributed"
	TxReleased         = "released"
	TxForfeited        = "forfeited"
	TxExpired          = "expired"
	TxCancelled        = "cancelled"
)

// Plan is a bonus offer template. Instances snapshot everything they need at
// grant time, so editing a plan only affects future grants.
type Plan struct {
	PlanID              string          `gorm:"column:plan_id;primaryKey;type:uuid;default:uuid_generate_v4()"`
	Name                string          `gorm:"column:name;type:varchar(100);not null"`
	TriggerType         string          `gorm:"column:trigger_type;type:varchar(20);not null"` // "deposit", "code", "manual"
	AwardType           string          `gorm:"column:award_type;type:varchar(20);not null"`   // "percentage", "fixed"
	AwardValue          decimal.Decimal `gorm:"column:award_value;type:numeric(20,2);not null"`
	WagerBase           string          `gorm:"column:wager_base;type:varchar(30);not null;default:'bonus'"` // "bonus", "bonus_plus_deposit", "deposit"
	WagerMultiplier     decimal.Decimal `gorm:"column:wager_multiplier;type:numeric(10,2);not null"`
	ExpiryDays          int             `gorm:"column:expiry_days;not null"`
	IsPlayable          bool            `gorm:"column:is_playable;not null;default:true"`
	CancelOnWithdrawal  bool            `gorm:"column:cancel_on_withdrawal;not null;default:false"`
	MaxTriggerPerPlayer *int            `gorm:"column:max_trigger_per_player"`                            // nil = unlimited
	MinDeposit          decimal.Decimal `gorm:"column:min_deposit;type:numeric(20,2);not null;default:0"`
	MaxDeposit          decimal.Decimal `gorm:"column:max_deposit;type:numeric(20,2);not null;default:0"`       // zero = no upper bound
	MaxBonus            decimal.Decimal `gorm:"column:max_bonus;type:numeric(20,2);not null;default:0"`         // cap on granted amount, zero = uncapped
	BonusMaxRelease     decimal.Decimal `gorm:"column:bonus_max_release;type:numeric(20,2);not null;default:0"` // cap on released amount, zero = uncapped
	Code                string          `gorm:"column:code;type:varchar(50);uniqueIndex:idx_plans_code,where:code <> ''"`
	MaxCodeUsage        *int            `gorm:"column:max_code_usage"` // nil = unlimited
	CodeUsageCount      int             `gorm:"column:code_usage_count;not null;default:0"`
	PaymentMethodID     string          `gorm:"column:payment_method_id;type:varchar(50)"` // empty = any method
	StartDate           *time.Time      `gorm:"column:start_date"`
	EndDate             *time.Time      `gorm:"column:end_date"`
	IsActive            bool            `gorm:"column:is_active;not null;default:true"`
	CreatedAt           time.Time       `gorm:"column:created_at;not null;default:now()"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;not null;default:now()"`
}

func (Plan) TableName() string { return "bonus_plans" }

// InWindow reports whether the plan's validity window covers t.
func (p *Plan) InWindow(t time.Time) bool {
	if p.StartDate != nil && t.Before(*p.StartDate) {
		return false
	}
	if p.EndDate != nil && t.After(*p.EndDate) {
		return false
	}
	return true
}

// Instance is one granted bonus for one player. Never deleted, only
// transitioned to a terminal status.
type Instance struct {
	InstanceID           string          `gorm:"column:instance_id;primaryKey;type:uuid;default:uuid_generate_v4()"`
	PlanID               string          `gorm:"column:plan_id;type:uuid;not null;index"`
	PlayerID             string          `gorm:"column:player_id;type:uuid;not null;index"`
	Status               Status          `gorm:"column:status;type:varchar(20);not null;default:'active'"`
	BonusAmount          decimal.Decimal `gorm:"column:bonus_amount;type:numeric(20,2);not null"`
	RemainingBonus       decimal.Decimal `gorm:"column:remaining_bonus;type:numeric(20,2);not null"`
	DepositAmount        decimal.Decimal `gorm:"column:deposit_amount;type:numeric(20,2);not null;default:0"`
	WagerRequirement     decimal.Decimal `gorm:"column:wager_requirement_amount;type:numeric(20,2);not null"`
	WagerProgressAmount  decimal.Decimal `gorm:"column:wager_progress_amount;type:numeric(20,2);not null;default:0"`
	CompletionPercentage decimal.Decimal `gorm:"column:completion_percentage;type:numeric(5,2);not null;default:0"`
	Notes                string          `gorm:"column:notes;type:text"`
	GrantedAt            time.Time       `gorm:"column:granted_at;not null"`
	ExpiresAt            time.Time       `gorm:"column:expires_at;not null"`
	CompletedAt          *time.Time      `gorm:"column:completed_at"`
	CreatedAt            time.Time       `gorm:"column:created_at;not null;default:now()"`
	UpdatedAt            time.Time       `gorm:"column:updated_at;not null;default:now()"`
}

func (Instance) TableName() string { return "bonus_instances" }

// WagerProgress is 1:1 with an instance and is the authoritative record of
// turnover. The instance mirrors wager_progress_amount and
// completion_percentage from here.
type WagerProgress struct {
	ProgressID           string          `gorm:"column:progress_id;primaryKey;type:uuid;default:uuid_generate_v4()"`
	InstanceID           string          `gorm:"column:instance_id;type:uuid;not null;uniqueIndex"`
	PlayerID             string          `gorm:"column:player_id;type:uuid;not null;index"`
	RequiredWagerAmount  decimal.Decimal `gorm:"column:required_wager_amount;type:numeric(20,2);not null"`
	CurrentWagerAmount   decimal.Decimal `gorm:"column:current_wager_amount;type:numeric(20,2);not null;default:0"`
	SlotsWagered         decimal.Decimal `gorm:"column:slots_wagered;type:numeric(20,2);not null;default:0"`
	TableWagered         decimal.Decimal `gorm:"column:table_wagered;type:numeric(20,2);not null;default:0"`
	LiveWagered          decimal.Decimal `gorm:"column:live_wagered;type:numeric(20,2);not null;default:0"`
	VideoPokerWagered    decimal.Decimal `gorm:"column:video_poker_wagered;type:numeric(20,2);not null;default:0"`
	OtherWagered         decimal.Decimal `gorm:"column:other_wagered;type:numeric(20,2);not null;default:0"`
	CompletionPercentage decimal.Decimal `gorm:"column:completion_percentage;type:numeric(5,2);not null;default:0"`
	BetCount             int             `gorm:"column:bet_count;not null;default:0"`
	LastBetAt            *time.Time      `gorm:"column:last_bet_at"`
	CompletedAt          *time.Time      `gorm:"column:completed_at"`
	CreatedAt            time.Time       `gorm:"column:created_at;not null;default:now()"`
	UpdatedAt            time.Time       `gorm:"column:updated_at;not null;default:now()"`
}

func (WagerProgress) TableName() string { return "bonus_wager_progress" }

// Transaction is an append-only ledger row. balance_before/balance_after are
// the player's bonus wallet balance around the event.
type Transaction struct {
	TransactionID string          `gorm:"column:transaction_id;primaryKey;type:uuid;default:uuid_generate_v4()"`
	InstanceID    string          `gorm:"column:instance_id;type:uuid;not null;index"`
	PlayerID      string          `gorm:"column:player_id;type:uuid;not null;index"`
	Type          string          `gorm:"column:type;type:varchar(30);not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	BalanceBefore decimal.Decimal `gorm:"column:balance_before;type:numeric(20,2);not null"`
	BalanceAfter  decimal.Decimal `gorm:"column:balance_after;type:numeric(20,2);not null"`
	GameCode      string          `gorm:"column:game_code;type:varchar(100)"`
	BetID         string          `gorm:"column:bet_id;type:varchar(255);index"`
	Description   string          `gorm:"column:description;type:text"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null;default:now()"`
}

func (Transaction) TableName() string { return "bonus_transactions" }

// GameContribution maps a game code or a category to a wagering contribution
// percentage. A row with an empty game_code is a category-level rule.
type GameContribution struct {
	ContributionID string          `gorm:"column:contribution_id;primaryKey;type:uuid;default:uuid_generate_v4()"`
	GameCode       string          `gorm:"column:game_code;type:varchar(100);uniqueIndex:idx_contrib_game,where:game_code <> ''"`
	Category       string          `gorm:"column:category;type:varchar(30);not null"`
	Percentage     decimal.Decimal `gorm:"column:percentage;type:numeric(5,2);not null"` // 0-100
	IsRestricted   bool            `gorm:"column:is_restricted;not null;default:false"`
	CreatedAt      time.Time       `gorm:"column:created_at;not null;default:now()"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;not null;default:now()"`
}

func (GameContribution) TableName() string { return "bonus_game_contributions" }

// Contribution is a resolved contribution rule for one bet.
type Contribution struct {
	GameCode     string          `json:"game_code"`
	Category     string          `json:"category"`
	Percentage   decimal.Decimal `json:"percentage"`
	IsRestricted bool            `json:"is_restricted"`
}

// Progress is the wagering progress view returned to callers.
type Progress struct {
	InstanceID          string          `json:"instance_id"`
	RequiredWagerAmount decimal.Decimal `json:"required_wager_amount"`
	CurrentWagerAmount  decimal.Decimal `json:"current_wager_amount"`
	PercentageComplete  decimal.Decimal `json:"percentage_complete"`
	BetCount            int             `json:"bet_count"`
	Completed           bool            `json:"completed"`
}

// WageringUpdate is pushed to subscribers after a bet moves wagering forward.
type WageringUpdate struct {
	InstanceID          string          `json:"instance_id"`
	PlayerID            string          `json:"player_id"`
	CurrentWagerAmount  decimal.Decimal `json:"current_wager_amount"`
	RequiredWagerAmount decimal.Decimal `json:"required_wager_amount"`
	PercentageComplete  decimal.Decimal `json:"percentage_complete"`
	Completed           bool            `json:"completed"`
	Timestamp           time.Time       `json:"timestamp"`
}

// PlanFilter narrows List on the plan repository.
type PlanFilter struct {
	TriggerType string
	IsActive    *bool
	Limit       int
	Offset      int
}

// defaultCategoryPercentages are the fallback contribution percentages when no
// game or category row exists.
var defaultCategoryPercentages = map[string]decimal.Decimal{
	CategorySlots:      decimal.NewFromInt(100),
	CategoryVideoPoker: decimal.NewFromInt(50),
	CategoryTableGames: decimal.NewFromInt(10),
	CategoryLiveCasino: decimal.NewFromInt(10),
	CategoryOther:      decimal.NewFromInt(50),
}
