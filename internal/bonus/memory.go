package bonus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// In-memory repository implementations used by tests. Each call is atomic
// under the repository mutex; cross-call locking semantics of the SQL
// implementations are not emulated.

type MemoryPlanRepository struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

func NewMemoryPlanRepository() *MemoryPlanRepository {
	return &MemoryPlanRepository{plans: make(map[string]*Plan)}
}

func (r *MemoryPlanRepository) Create(ctx context.Context, plan *Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if plan.Code != "" {
		for _, p := range r.plans {
			if p.Code == plan.Code {
				return ErrDuplicateCode
			}
		}
	}
	cp := *plan
	r.plans[plan.PlanID] = &cp
	return nil
}

func (r *MemoryPlanRepository) Update(ctx context.Context, plan *Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.plans[plan.PlanID]
	if !ok {
		return ErrPlanNotFound
	}
	cp := *plan
	cp.CodeUsageCount = existing.CodeUsageCount
	cp.UpdatedAt = time.Now()
	r.plans[plan.PlanID] = &cp
	return nil
}

func (r *MemoryPlanRepository) Get(ctx context.Context, planID string) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryPlanRepository) List(ctx context.Context, filter PlanFilter) ([]Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Plan
	for _, p := range r.plans {
		if filter.TriggerType != "" && p.TriggerType != filter.TriggerType {
			continue
		}
		if filter.IsActive != nil && p.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (r *MemoryPlanRepository) GetActiveDepositPlans(ctx context.Context, depositAmount decimal.Decimal, paymentMethodID string, now time.Time) ([]Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Plan
	for _, p := range r.plans {
		if p.TriggerType != TriggerDeposit || !p.IsActive || !p.InWindow(now) {
			continue
		}
		if depositAmount.LessThan(p.MinDeposit) {
			continue
		}
		if p.MaxDeposit.IsPositive() && depositAmount.GreaterThan(p.MaxDeposit) {
			continue
		}
		if p.PaymentMethodID != "" && p.PaymentMethodID != paymentMethodID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryPlanRepository) GetByCode(ctx context.Context, code string, now time.Time) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plans {
		if p.Code == code && p.IsActive && p.InWindow(now) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPlanNotFound
}

func (r *MemoryPlanRepository) IncrementCodeUsage(ctx context.Context, planID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[planID]
	if !ok {
		return ErrPlanNotFound
	}
	if p.MaxCodeUsage != nil && p.CodeUsageCount >= *p.MaxCodeUsage {
		return ErrCodeLimitExceeded
	}
	p.CodeUsageCount++
	p.UpdatedAt = time.Now()
	return nil
}

type MemoryInstanceRepository struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

func NewMemoryInstanceRepository() *MemoryInstanceRepository {
	return &MemoryInstanceRepository{instances: make(map[string]*Instance)}
}

func (r *MemoryInstanceRepository) Create(ctx context.Context, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *inst
	r.instances[inst.InstanceID] = &cp
	return nil
}

func (r *MemoryInstanceRepository) CreateCapped(ctx context.Context, inst *Instance, maxPerPlayer int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, i := range r.instances {
		if i.PlayerID == inst.PlayerID && i.PlanID == inst.PlanID {
			count++
		}
	}
	if count >= maxPerPlayer {
		return ErrEligibilityDenied
	}
	cp := *inst
	r.instances[inst.InstanceID] = &cp
	return nil
}

func (r *MemoryInstanceRepository) Get(ctx context.Context, instanceID string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (r *MemoryInstanceRepository) GetForUpdate(ctx context.Context, instanceID string) (*Instance, error) {
	return r.Get(ctx, instanceID)
}

func (r *MemoryInstanceRepository) ListActiveByPlayer(ctx context.Context, playerID string) ([]Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Instance
	for _, inst := range r.instances {
		if inst.PlayerID == playerID && (inst.Status == StatusActive || inst.Status == StatusWagering) {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func (r *MemoryInstanceRepository) ListByPlayer(ctx context.Context, playerID string, status Status, limit, offset int) ([]Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Instance
	for _, inst := range r.instances {
		if inst.PlayerID != playerID {
			continue
		}
		if status != "" && inst.Status != status {
			continue
		}
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.After(out[j].GrantedAt) })
	return paginate(out, limit, offset), nil
}

func (r *MemoryInstanceRepository) ListDueForExpiry(ctx context.Context, now time.Time) ([]Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Instance
	for _, inst := range r.instances {
		if (inst.Status == StatusActive || inst.Status == StatusWagering) && inst.ExpiresAt.Before(now) {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (r *MemoryInstanceRepository) UpdateStatusFrom(ctx context.Context, instanceID string, from, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok || inst.Status != from {
		return ErrInvalidState
	}
	inst.Status = to
	inst.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryInstanceRepository) UpdateRemaining(ctx context.Context, instanceID string, remaining decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.RemainingBonus = remaining
	inst.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryInstanceRepository) UpdateWagerMirror(ctx context.Context, instanceID string, progress, completionPct decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.WagerProgressAmount = progress
	inst.CompletionPercentage = completionPct
	inst.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryInstanceRepository) MarkCompleted(ctx context.Context, instanceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.CompletedAt = &at
	inst.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryInstanceRepository) SumRemainingActive(ctx context.Context, playerID string) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := decimal.Zero
	for _, inst := range r.instances {
		if inst.PlayerID == playerID && (inst.Status == StatusActive || inst.Status == StatusWagering) {
			sum = sum.Add(inst.RemainingBonus)
		}
	}
	return sum, nil
}

type MemoryProgressRepository struct {
	mu      sync.RWMutex
	records map[string]*WagerProgress // keyed by instance id
}

func NewMemoryProgressRepository() *MemoryProgressRepository {
	return &MemoryProgressRepository{records: make(map[string]*WagerProgress)}
}

func (r *MemoryProgressRepository) Create(ctx context.Context, p *WagerProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.records[p.InstanceID] = &cp
	return nil
}

func (r *MemoryProgressRepository) GetByInstance(ctx context.Context, instanceID string) (*WagerProgress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.records[instanceID]
	if !ok {
		return nil, ErrProgressNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryProgressRepository) GetByInstanceForUpdate(ctx context.Context, instanceID string) (*WagerProgress, error) {
	return r.GetByInstance(ctx, instanceID)
}

func (r *MemoryProgressRepository) Update(ctx context.Context, p *WagerProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.records[p.InstanceID]
	if !ok {
		return ErrProgressNotFound
	}
	existing.CurrentWagerAmount = p.CurrentWagerAmount
	existing.SlotsWagered = p.SlotsWagered
	existing.TableWagered = p.TableWagered
	existing.LiveWagered = p.LiveWagered
	existing.VideoPokerWagered = p.VideoPokerWagered
	existing.OtherWagered = p.OtherWagered
	existing.CompletionPercentage = p.CompletionPercentage
	existing.BetCount = p.BetCount
	existing.LastBetAt = p.LastBetAt
	existing.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryProgressRepository) MarkCompleted(ctx context.Context, instanceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[instanceID]
	if !ok {
		return ErrProgressNotFound
	}
	p.CompletedAt = &at
	p.UpdatedAt = time.Now()
	return nil
}

type MemoryLedgerRepository struct {
	mu           sync.RWMutex
	transactions []*Transaction
}

func NewMemoryLedgerRepository() *MemoryLedgerRepository {
	return &MemoryLedgerRepository{}
}

func (r *MemoryLedgerRepository) Append(ctx context.Context, tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *tx
	r.transactions = append(r.transactions, &cp)
	return nil
}

func (r *MemoryLedgerRepository) GetBetPlaced(ctx context.Context, betID string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tx := range r.transactions {
		if tx.BetID == betID && tx.Type == TxBetPlaced {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemoryLedgerRepository) ListByInstance(ctx context.Context, instanceID string) ([]Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Transaction
	for _, tx := range r.transactions {
		if tx.InstanceID == instanceID {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (r *MemoryLedgerRepository) ListByPlayer(ctx context.Context, playerID string, limit, offset int) ([]Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Transaction
	for _, tx := range r.transactions {
		if tx.PlayerID == playerID {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

type MemoryContributionRepository struct {
	mu   sync.RWMutex
	rows []*GameContribution
}

func NewMemoryContributionRepository() *MemoryContributionRepository {
	return &MemoryContributionRepository{}
}

func (r *MemoryContributionRepository) GetByGameCode(ctx context.Context, gameCode string) (*GameContribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.rows {
		if c.GameCode != "" && c.GameCode == gameCode {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemoryContributionRepository) GetByCategory(ctx context.Context, category string) (*GameContribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.rows {
		if c.GameCode == "" && c.Category == category {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemoryContributionRepository) Upsert(ctx context.Context, c *GameContribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows {
		if existing.GameCode == c.GameCode && existing.Category == c.Category {
			existing.Percentage = c.Percentage
			existing.IsRestricted = c.IsRestricted
			existing.UpdatedAt = time.Now()
			return nil
		}
	}
	cp := *c
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *MemoryContributionRepository) List(ctx context.Context) ([]GameContribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]GameContribution, 0, len(r.rows))
	for _, c := range r.rows {
		out = append(out, *c)
	}
	return out, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
