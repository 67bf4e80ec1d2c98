package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	trmgorm "github.com/avito-tech/go-transaction-manager/drivers/gorm/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PlanRepository interface {
	Create(ctx context.Context, plan *Plan) error
	Update(ctx context.Context, plan *Plan) error
	Get(ctx context.Context, planID string) (*Plan, error)
	List(ctx context.Context, filter PlanFilter) ([]Plan, error)
	// GetActiveDepositPlans returns active deposit-triggered plans whose
	// validity window and deposit bounds match.
	GetActiveDepositPlans(ctx context.Context, depositAmount decimal.Decimal, paymentMethodID string, now time.Time) ([]Plan, error)
	GetByCode(ctx context.Context, code string, now time.Time) (*Plan, error)
	// IncrementCodeUsage bumps code_usage_count while it is still under
	// max_code_usage. The cap check is part of the UPDATE statement.
	IncrementCodeUsage(ctx context.Context, planID string) error
}

type PlanRepositoryImpl struct {
	db     *gorm.DB
	getter *trmgorm.CtxGetter
}

func NewPlanRepository(db *gorm.DB) *PlanRepositoryImpl {
	return &PlanRepositoryImpl{db: db, getter: trmgorm.DefaultCtxGetter}
}

func (r *PlanRepositoryImpl) conn(ctx context.Context) *gorm.DB {
	return r.getter.DefaultTrOrDB(ctx, r.db).WithContext(ctx)
}

func (r *PlanRepositoryImpl) Create(ctx context.Context, plan *Plan) error {
	err := r.conn(ctx).Create(plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("failed to create bonus plan: %w", err)
	}
	return nil
}

func (r *PlanRepositoryImpl) Update(ctx context.Context, plan *Plan) error {
	res := r.conn(ctx).
		Model(&Plan{}).
		Where("plan_id = ?", plan.PlanID).
		Updates(map[string]interface{}{
			"name":                   plan.Name,
			"award_type":             plan.AwardType,
			"award_value":            plan.AwardValue,
			"wager_base":             plan.WagerBase,
			"wager_multiplier":       plan.WagerMultiplier,
			"expiry_days":            plan.ExpiryDays,
			"is_playable":            plan.IsPlayable,
			"cancel_on_withdrawal":   plan.CancelOnWithdrawal,
			"max_trigger_per_player": plan.MaxTriggerPerPlayer,
			"min_deposit":            plan.MinDeposit,
			"max_deposit":            plan.MaxDeposit,
			"max_bonus":              plan.MaxBonus,
			"bonus_max_release":      plan.BonusMaxRelease,
			"max_code_usage":         plan.MaxCodeUsage,
			"payment_method_id":      plan.PaymentMethodID,
			"start_date":             plan.StartDate,
			"end_date":               plan.EndDate,
			"is_active":              plan.IsActive,
			"updated_at":             time.Now(),
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("failed to update bonus plan: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPlanNotFound
	}
	return nil
}

func (r *PlanRepositoryImpl) Get(ctx context.Context, planID string) (*Plan, error) {
	var plan Plan
	err := r.conn(ctx).
		Where("plan_id = ?", planID).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to get bonus plan: %w", err)
	}
	return &plan, nil
}

func (r *PlanRepositoryImpl) List(ctx context.Context, filter PlanFilter) ([]Plan, error) {
	q := r.conn(ctx).Model(&Plan{})
	if filter.TriggerType != "" {
		q = q.Where("trigger_type = ?", filter.TriggerType)
	}
	if filter.IsActive != nil {
		q = q.Where("is_active = ?", *filter.IsActive)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var plans []Plan
	err := q.Offset(filter.Offset).Order("created_at DESC").Find(&plans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bonus plans: %w", err)
	}
	return plans, nil
}

func (r *PlanRepositoryImpl) GetActiveDepositPlans(ctx context.Context, depositAmount decimal.Decimal, paymentMethodID string, now time.Time) ([]Plan, error) {
	var plans []Plan
	err := r.conn(ctx).
		Where("trigger_type = ? AND is_active = true", TriggerDeposit).
		Where("(start_date IS NULL OR start_date <= ?)", now).
		Where("(end_date IS NULL OR end_date >= ?)", now).
		Where("min_deposit <= ?", depositAmount).
		Where("(max_deposit = 0 OR max_deposit >= ?)", depositAmount).
		Where("(payment_method_id = '' OR payment_method_id = ?)", paymentMethodID).
		Order("created_at ASC").
		Find(&plans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get active deposit plans: %w", err)
	}
	return plans, nil
}

func (r *PlanRepositoryImpl) GetByCode(ctx context.Context, code string, now time.Time) (*Plan, error) {
	var plan Plan
	err := r.conn(ctx).
		Where("code = ? AND is_active = true", code).
		Where("(start_date IS NULL OR start_date <= ?)", now).
		Where("(end_date IS NULL OR end_date >= ?)", now).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to get plan by code: %w", err)
	}
	return &plan, nil
}

func (r *PlanRepositoryImpl) IncrementCodeUsage(ctx context.Context, planID string) error {
	res := r.conn(ctx).
		Model(&Plan{}).
		Where("plan_id = ?", planID).
		Where("max_code_usage IS NULL OR code_usage_count < max_code_usage").
		Updates(map[string]interface{}{
			"code_usage_count": gorm.Expr("code_usage_count + 1"),
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to increment code usage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCodeLimitExceeded
	}
	return nil
}
