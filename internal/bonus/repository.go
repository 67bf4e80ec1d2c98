package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	trmgorm "github.com/avito-tech/go-transaction-manager/drivers/gorm/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrValidation        = errors.New("invalid bonus parameters")
	ErrPlanNotFound      = errors.New("bonus plan not found")
	ErrInstanceNotFound  = errors.New("bonus instance not found")
	ErrProgressNotFound  = errors.New("wager progress not found")
	ErrDuplicateCode     = errors.New("bonus code already exists")
	ErrDuplicateBet      = errors.New("bet already processed")
	ErrCodeLimitExceeded = errors.New("bonus code usage limit exceeded")
	ErrEligibilityDenied = errors.New("player is not eligible for this bonus")
	ErrInvalidState      = errors.New("bonus instance is in the wrong state for this operation")
	ErrNoActiveBonus     = errors.New("no active bonus instance")
	ErrBonusNotPlayable  = errors.New("bonus is not playable")
	ErrInsufficientBonus = errors.New("insufficient bonus balance")
)

type InstanceRepository interface {
	Create(ctx context.Context, inst *Instance) error
	// CreateCapped inserts only while the player holds fewer than maxPerPlayer
	// instances of the plan. The check and the insert are one statement, so two
	// concurrent grants cannot both pass a full cap.
	CreateCapped(ctx context.Context, inst *Instance, maxPerPlayer int) error
	Get(ctx context.Context, instanceID string) (*Instance, error)
	GetForUpdate(ctx context.Context, instanceID string) (*Instance, error)
	ListActiveByPlayer(ctx context.Context, playerID string) ([]Instance, error)
	ListByPlayer(ctx context.Context, playerID string, status Status, limit, offset int) ([]Instance, error)
	ListDueForExpiry(ctx context.Context, now time.Time) ([]Instance, error)
	UpdateStatusFrom(ctx context.Context, instanceID string, from, to Status) error
	UpdateRemaining(ctx context.Context, instanceID string, remaining decimal.Decimal) error
	UpdateWagerMirror(ctx context.Context, instanceID string, progress, completionPct decimal.Decimal) error
	MarkCompleted(ctx context.Context, instanceID string, at time.Time) error
	SumRemainingActive(ctx context.Context, playerID string) (decimal.Decimal, error)
}

type ProgressRepository interface {
	Create(ctx context.Context, p *WagerProgress) error
	GetByInstance(ctx context.Context, instanceID string) (*WagerProgress, error)
	GetByInstanceForUpdate(ctx context.Context, instanceID string) (*WagerProgress, error)
	Update(ctx context.Context, p *WagerProgress) error
	MarkCompleted(ctx context.Context, instanceID string, at time.Time) error
}

type LedgerRepository interface {
	Append(ctx context.Context, tx *Transaction) error
	GetBetPlaced(ctx context.Context, betID string) (*Transaction, error)
	ListByInstance(ctx context.Context, instanceID string) ([]Transaction, error)
	ListByPlayer(ctx context.Context, playerID string, limit, offset int) ([]Transaction, error)
}

type ContributionRepository interface {
	GetByGameCode(ctx context.Context, gameCode string) (*GameContribution, error)
	GetByCategory(ctx context.Context, category string) (*GameContribution, error)
	Upsert(ctx context.Context, c *GameContribution) error
	List(ctx context.Context) ([]GameContribution, error)
}

type InstanceRepositoryImpl struct {
	db     *gorm.DB
	getter *trmgorm.CtxGetter
}

func NewInstanceRepository(db *gorm.DB) *InstanceRepositoryImpl {
	return &InstanceRepositoryImpl{db: db, getter: trmgorm.DefaultCtxGetter}
}

// conn returns the transaction bound to ctx by the tx manager, or the bare
// connection outside one.
func (r *InstanceRepositoryImpl) conn(ctx context.Context) *gorm.DB {
	return r.getter.DefaultTrOrDB(ctx, r.db).WithContext(ctx)
}

func (r *InstanceRepositoryImpl) Create(ctx context.Context, inst *Instance) error {
	if err := r.conn(ctx).Create(inst).Error; err != nil {
		return fmt.Errorf("failed to create bonus instance: %w", err)
	}
	return nil
}

func (r *InstanceRepositoryImpl) CreateCapped(ctx context.Context, inst *Instance, maxPerPlayer int) error {
	// Lock the plan row first. Under READ COMMITTED two concurrent grants
	// would otherwise both count the pre-insert instances, both pass the
	// cap predicate, and both insert; the lock makes them run one at a
	// time so the second sees the first's row.
	var plan Plan
	err := r.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("plan_id").
		Where("plan_id = ?", inst.PlanID).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPlanNotFound
		}
		return fmt.Errorf("failed to lock bonus plan: %w", err)
	}

	res := r.conn(ctx).Exec(`
		INSERT INTO bonus_instances
			(instance_id, plan_id, player_id, status, bonus_amount, remaining_bonus,
			 deposit_amount, wager_requirement_amount, wager_progress_amount,
			 completion_percentage, notes, granted_at, expires_at, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT count(*) FROM bonus_instances
		       WHERE player_id = ? AND plan_id = ?) < ?`,
		inst.InstanceID, inst.PlanID, inst.PlayerID, inst.Status, inst.BonusAmount,
		inst.RemainingBonus, inst.DepositAmount, inst.WagerRequirement,
		inst.WagerProgressAmount, inst.CompletionPercentage, inst.Notes,
		inst.GrantedAt, inst.ExpiresAt, inst.CreatedAt, inst.UpdatedAt,
		inst.PlayerID, inst.PlanID, maxPerPlayer)
	if res.Error != nil {
		return fmt.Errorf("failed to create capped bonus instance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrEligibilityDenied
	}
	return nil
}

func (r *InstanceRepositoryImpl) Get(ctx context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	err := r.conn(ctx).
		Where("instance_id = ?", instanceID).
		First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to get bonus instance: %w", err)
	}
	return &inst, nil
}

func (r *InstanceRepositoryImpl) GetForUpdate(ctx context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	err := r.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("instance_id = ?", instanceID).
		First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to lock bonus instance: %w", err)
	}
	return &inst, nil
}

func (r *InstanceRepositoryImpl) ListActiveByPlayer(ctx context.Context, playerID string) ([]Instance, error) {
	var insts []Instance
	err := r.conn(ctx).
		Where("player_id = ? AND status IN ?", playerID, []Status{StatusActive, StatusWagering}).
		Order("granted_at ASC").
		Find(&insts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active bonus instances: %w", err)
	}
	return insts, nil
}

func (r *InstanceRepositoryImpl) ListByPlayer(ctx context.Context, playerID string, status Status, limit, offset int) ([]Instance, error) {
	q := r.conn(ctx).Where("player_id = ?", playerID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var insts []Instance
	err := q.Offset(offset).Order("granted_at DESC").Find(&insts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bonus instances: %w", err)
	}
	return insts, nil
}

func (r *InstanceRepositoryImpl) ListDueForExpiry(ctx context.Context, now time.Time) ([]Instance, error) {
	var insts []Instance
	err := r.conn(ctx).
		Where("status IN ? AND expires_at < ?", []Status{StatusActive, StatusWagering}, now).
		Find(&insts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired bonus instances: %w", err)
	}
	return insts, nil
}

// UpdateStatusFrom moves the instance from one status to another. The current
// status is part of the WHERE clause, so a concurrent transition loses cleanly
// instead of overwriting.
func (r *InstanceRepositoryImpl) UpdateStatusFrom(ctx context.Context, instanceID string, from, to Status) error {
	res := r.conn(ctx).
		Model(&Instance{}).
		Where("instance_id = ? AND status = ?", instanceID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update bonus status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

func (r *InstanceRepositoryImpl) UpdateRemaining(ctx context.Context, instanceID string, remaining decimal.Decimal) error {
	res := r.conn(ctx).
		Model(&Instance{}).
		Where("instance_id = ?", instanceID).
		Updates(map[string]interface{}{
			"remaining_bonus": remaining,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update remaining bonus: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (r *InstanceRepositoryImpl) UpdateWagerMirror(ctx context.Context, instanceID string, progress, completionPct decimal.Decimal) error {
	res := r.conn(ctx).
		Model(&Instance{}).
		Where("instance_id = ?", instanceID).
		Updates(map[string]interface{}{
			"wager_progress_amount": progress,
			"completion_percentage": completionPct,
			"updated_at":            time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mirror wager progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (r *InstanceRepositoryImpl) MarkCompleted(ctx context.Context, instanceID string, at time.Time) error {
	res := r.conn(ctx).
		Model(&Instance{}).
		Where("instance_id = ?", instanceID).
		Updates(map[string]interface{}{
			"completed_at": at,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark instance completed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (r *InstanceRepositoryImpl) SumRemainingActive(ctx context.Context, playerID string) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := r.conn(ctx).
		Model(&Instance{}).
		Select("SUM(remaining_bonus)").
		Where("player_id = ? AND status IN ?", playerID, []Status{StatusActive, StatusWagering}).
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum remaining bonus: %w", err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

type ProgressRepositoryImpl struct {
	db     *gorm.DB
	getter *trmgorm.CtxGetter
}

func NewProgressRepository(db *gorm.DB) *ProgressRepositoryImpl {
	return &ProgressRepositoryImpl{db: db, getter: trmgorm.DefaultCtxGetter}
}

func (r *ProgressRepositoryImpl) conn(ctx context.Context) *gorm.DB {
	return r.getter.DefaultTrOrDB(ctx, r.db).WithContext(ctx)
}

func (r *ProgressRepositoryImpl) Create(ctx context.Context, p *WagerProgress) error {
	if err := r.conn(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("failed to create wager progress: %w", err)
	}
	return nil
}

func (r *ProgressRepositoryImpl) GetByInstance(ctx context.Context, instanceID string) (*WagerProgress, error) {
	var p WagerProgress
	err := r.conn(ctx).
		Where("instance_id = ?", instanceID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgressNotFound
		}
		return nil, fmt.Errorf("failed to get wager progress: %w", err)
	}
	return &p, nil
}

func (r *ProgressRepositoryImpl) GetByInstanceForUpdate(ctx context.Context, instanceID string) (*WagerProgress, error) {
	var p WagerProgress
	err := r.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("instance_id = ?", instanceID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgressNotFound
		}
		return nil, fmt.Errorf("failed to lock wager progress: %w", err)
	}
	return &p, nil
}

func (r *ProgressRepositoryImpl) Update(ctx context.Context, p *WagerProgress) error {
	res := r.conn(ctx).
		Model(&WagerProgress{}).
		Where("instance_id = ?", p.InstanceID).
		Updates(map[string]interface{}{
			"current_wager_amount":  p.CurrentWagerAmount,
			"slots_wagered":         p.SlotsWagered,
			"table_wagered":         p.TableWagered,
			"live_wagered":          p.LiveWagered,
			"video_poker_wagered":   p.VideoPokerWagered,
			"other_wagered":         p.OtherWagered,
			"completion_percentage": p.CompletionPercentage,
			"bet_count":             p.BetCount,
			"last_bet_at":           p.LastBetAt,
			"updated_at":            time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update wager progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrProgressNotFound
	}
	return nil
}

func (r *ProgressRepositoryImpl) MarkCompleted(ctx context.Context, instanceID string, at time.Time) error {
	res := r.conn(ctx).
		Model(&WagerProgress{}).
		Where("instance_id = ?", instanceID).
		Updates(map[string]interface{}{
			"completed_at": at,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark wager progress completed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrProgressNotFound
	}
	return nil
}

type LedgerRepositoryImpl struct {
	db     *gorm.DB
	getter *trmgorm.CtxGetter
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepositoryImpl {
	return &LedgerRepositoryImpl{db: db, getter: trmgorm.DefaultCtxGetter}
}

func (r *LedgerRepositoryImpl) conn(ctx context.Context) *gorm.DB {
	return r.getter.DefaultTrOrDB(ctx, r.db).WithContext(ctx)
}

// Append inserts a ledger row. There is deliberately no update or delete on
// this repository.
func (r *LedgerRepositoryImpl) Append(ctx context.Context, tx *Transaction) error {
	if err := r.conn(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("failed to append bonus transaction: %w", err)
	}
	return nil
}

func (r *LedgerRepositoryImpl) GetBetPlaced(ctx context.Context, betID string) (*Transaction, error) {
	var tx Transaction
	err := r.conn(ctx).
		Where("bet_id = ? AND type = ?", betID, TxBetPlaced).
		First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get bet transaction: %w", err)
	}
	return &tx, nil
}

func (r *LedgerRepositoryImpl) ListByInstance(ctx context.Context, instanceID string) ([]Transaction, error) {
	var txs []Transaction
	err := r.conn(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at ASC").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bonus transactions: %w", err)
	}
	return txs, nil
}

func (r *LedgerRepositoryImpl) ListByPlayer(ctx context.Context, playerID string, limit, offset int) ([]Transaction, error) {
	q := r.conn(ctx).Where("player_id = ?", playerID)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var txs []Transaction
	err := q.Offset(offset).Order("created_at DESC").Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bonus transactions: %w", err)
	}
	return txs, nil
}

type ContributionRepositoryImpl struct {
	db     *gorm.DB
	getter *trmgorm.CtxGetter
}

func NewContributionRepository(db *gorm.DB) *ContributionRepositoryImpl {
	return &ContributionRepositoryImpl{db: db, getter: trmgorm.DefaultCtxGetter}
}

func (r *ContributionRepositoryImpl) conn(ctx context.Context) *gorm.DB {
	return r.getter.DefaultTrOrDB(ctx, r.db).WithContext(ctx)
}

func (r *ContributionRepositoryImpl) GetByGameCode(ctx context.Context, gameCode string) (*GameContribution, error) {
	var c GameContribution
	err := r.conn(ctx).
		Where("game_code = ?", gameCode).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get game contribution: %w", err)
	}
	return &c, nil
}

func (r *ContributionRepositoryImpl) GetByCategory(ctx context.Context, category string) (*GameContribution, error) {
	var c GameContribution
	err := r.conn(ctx).
		Where("game_code = '' AND category = ?", category).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get category contribution: %w", err)
	}
	return &c, nil
}

func (r *ContributionRepositoryImpl) Upsert(ctx context.Context, c *GameContribution) error {
	err := r.conn(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "game_code"}, {Name: "category"}},
			DoUpdates: clause.AssignmentColumns([]string{"percentage", "is_restricted", "updated_at"}),
		}).
		Create(c).Error
	if err != nil {
		return fmt.Errorf("failed to upsert game contribution: %w", err)
	}
	return nil
}

func (r *ContributionRepositoryImpl) List(ctx context.Context) ([]GameContribution, error) {
	var cs []GameContribution
	err := r.conn(ctx).Order("category, game_code").Find(&cs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list game contributions: %w", err)
	}
	return cs, nil
}
