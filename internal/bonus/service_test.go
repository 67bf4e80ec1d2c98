package bonus_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"bonus_service/internal/bonus"
	"bonus_service/internal/wallet"

	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// nopTxManager satisfies trm.Manager without a database. The in-memory
// repositories are atomic per call, which is enough for these tests.
type nopTxManager struct{}

func (nopTxManager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (nopTxManager) DoWithSettings(ctx context.Context, _ trm.Settings, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type testEnv struct {
	svc        *bonus.Service
	wallets    *wallet.Service
	walletRepo *wallet.MemoryRepository
	plans      *bonus.MemoryPlanRepository
	instances  *bonus.MemoryInstanceRepository
	progress   *bonus.MemoryProgressRepository
	ledger     *bonus.MemoryLedgerRepository
	contribs   *bonus.MemoryContributionRepository
}

func newTestEnv() *testEnv {
	env := &testEnv{
		walletRepo: wallet.NewMemoryRepository(),
		plans:      bonus.NewMemoryPlanRepository(),
		instances:  bonus.NewMemoryInstanceRepository(),
		progress:   bonus.NewMemoryProgressRepository(),
		ledger:     bonus.NewMemoryLedgerRepository(),
		contribs:   bonus.NewMemoryContributionRepository(),
	}
	env.wallets = wallet.NewService(env.walletRepo)
	env.svc = bonus.NewService(nopTxManager{}, env.plans, env.instances, env.progress, env.ledger, env.contribs, env.wallets)
	return env
}

func (env *testEnv) addPlan(t *testing.T, plan *bonus.Plan) *bonus.Plan {
	t.Helper()
	require.NoError(t, env.plans.Create(context.Background(), plan))
	return plan
}

func (env *testEnv) bonusBalance(t *testing.T, playerID string) decimal.Decimal {
	t.Helper()
	w, err := env.wallets.GetBalance(context.Background(), playerID, wallet.TypeBonus, wallet.DefaultCurrency)
	if err == wallet.ErrWalletNotFound {
		return decimal.Zero
	}
	require.NoError(t, err)
	return w.Balance
}

func (env *testEnv) mainBalance(t *testing.T, playerID string) decimal.Decimal {
	t.Helper()
	w, err := env.wallets.GetBalance(context.Background(), playerID, wallet.TypeMain, wallet.DefaultCurrency)
	if err == wallet.ErrWalletNotFound {
		return decimal.Zero
	}
	require.NoError(t, err)
	return w.Balance
}

func depositPlan() *bonus.Plan {
	return &bonus.Plan{
		PlanID:          uuid.NewString(),
		Name:            "Welcome 100%",
		TriggerType:     bonus.TriggerDeposit,
		AwardType:       bonus.AwardPercentage,
		AwardValue:      decimal.NewFromInt(100),
		WagerBase:       bonus.WagerBaseBonus,
		WagerMultiplier: decimal.NewFromInt(35),
		ExpiryDays:      30,
		IsPlayable:      true,
		IsActive:        true,
		CreatedAt:       time.Now(),
	}
}

func TestGrantDeposit(t *testing.T) {
	env := newTestEnv()
	plan := env.addPlan(t, depositPlan())
	playerID := uuid.NewString()

	inst, err := env.svc.GrantDeposit(context.Background(), playerID, plan.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)

	require.Equal(t, bonus.StatusActive, inst.Status)
	require.True(t, inst.BonusAmount.Equal(decimal.NewFromInt(100)))
	require.True(t, inst.RemainingBonus.Equal(decimal.NewFromInt(100)))
	require.True(t, inst.WagerRequirement.Equal(decimal.NewFromInt(3500)))
	require.True(t, env.bonusBalance(t, playerID).Equal(decimal.NewFromInt(100)))

	ledger, err := env.svc.ListTransactions(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, bonus.TxGranted, ledger[0].Type)
	require.True(t, ledger[0].BalanceAfter.Equal(decimal.NewFromInt(100)))

	walletBalance, instanceSum, err := env.svc.Reconcile(context.Background(), playerID)
	require.NoError(t, err)
	require.True(t, walletBalance.Equal(instanceSum))
}

func TestGrantDepositBelowMinimum(t *testing.T) {
	env := newTestEnv()
	plan := depositPlan()
	plan.MinDeposit = decimal.NewFromInt(20)
	env.addPlan(t, plan)

	_, err := env.svc.GrantDeposit(context.Background(), uuid.NewString(), plan.PlanID, decimal.NewFromInt(10))
	require.ErrorIs(t, err, bonus.ErrEligibilityDenied)
}

func TestGrantDepositMaxBonusCap(t *testing.T) {
	env := newTestEnv()
	plan := depositPlan()
	plan.AwardValue = decimal.NewFromInt(200)
	plan.MaxBonus = decimal.NewFromInt(150)
	env.addPlan(t, plan)

	inst, err := env.svc.GrantDeposit(context.Background(), uuid.NewString(), plan.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, inst.BonusAmount.Equal(decimal.NewFromInt(150)))
}

func TestConcurrentCappedGrant(t *testing.T) {
	env := newTestEnv()
	plan := depositPlan()
	maxOne := 1
	plan.MaxTriggerPerPlayer = &maxOne
	env.addPlan(t, plan)
	playerID := uuid.NewString()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	denied := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.GrantDeposit(context.Background(), playerID, plan.PlanID, decimal.NewFromInt(100))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted++
			} else if err == bonus.ErrEligibilityDenied {
				denied++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, granted)
	require.Equal(t, 4, denied)
	require.True(t, env.bonusBalance(t, playerID).Equal(decimal.NewFromInt(100)))
}

func TestGrantCodeUsageCap(t *testing.T) {
	env := newTestEnv()
	plan := depositPlan()
	plan.TriggerType = bonus.TriggerCode
	plan.AwardType = bonus.AwardFixed
	plan.AwardValue = decimal.NewFromInt(25)
	plan.Code = "SUMMER25"
	maxOnce := 1
	plan.MaxCodeUsage = &maxOnce
	env.addPlan(t, plan)

	inst, err := env.svc.GrantCode(context.Background(), uuid.NewString(), "SUMMER25")
	require.NoError(t, err)
	require.True(t, inst.BonusAmount.Equal(decimal.NewFromInt(25)))

	_, err = env.svc.GrantCode(context.Background(), uuid.NewString(), "SUMMER25")
	require.ErrorIs(t, err, bonus.ErrCodeLimitExceeded)
}

func TestGrantCodeUnknown(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.GrantCode(context.Background(), uuid.NewString(), "NOPE")
	require.ErrorIs(t, err, bonus.ErrPlanNotFound)
}

func TestGrantManualOverride(t *testing.T) {
	env := newTestEnv()
	plan := depositPlan()
	plan.TriggerType = bonus.TriggerManual
	plan.AwardType = bonus.AwardFixed
	plan.AwardValue = decimal.NewFromInt(10)
	env.addPlan(t, plan)

	override := decimal.NewFromInt(25)
	inst, err := env.svc.GrantManual(context.Background(), uuid.NewString(), plan.PlanID, &override, "goodwill", "admin-7")
	require.NoError(t, err)
	require.True(t, inst.BonusAmount.Equal(decimal.NewFromInt(25)))
	require.Contains(t, inst.Notes, "goodwill")
	require.Contains(t, inst.Notes, "admin-7")
}

// A 100% deposit bonus with a 35x requirement: 35 full-balance bets with
// slightly larger wins complete the requirement and release what is left.
func TestWageringCompletionScenario(t *testing.T) {
	env := newTestEnv()
	plan := env.addPlan(t, depositPlan())
	playerID := uuid.NewString()
	ctx := context.Background()

	inst, err := env.svc.GrantDeposit(ctx, playerID, plan.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, inst.WagerRequirement.Equal(decimal.NewFromInt(3500)))

	stake := decimal.NewFromInt(100)
	win := decimal.NewFromInt(110)
	for i := 1; i < 35; i++ {
		betID := fmt.Sprintf("bet-%d", i)
		result, err := env.svc.DebitForBet(ctx, inst.InstanceID, stake, "starburst-slot", betID)
		require.NoError(t, err)
		require.False(t, result.Completed)
		require.NoError(t, env.svc.CreditWin(ctx, inst.InstanceID, win, "starburst-slot", betID))
	}

	// After 34 bet/win cycles the balance has grown by 10 per cycle.
	current, err := env.svc.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, bonus.StatusWagering, current.Status)
	require.True(t, current.RemainingBonus.Equal(decimal.NewFromInt(440)))

	result, err := env.svc.DebitForBet(ctx, inst.InstanceID, stake, "starburst-slot", "bet-35")
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.True(t, result.Update.PercentageComplete.Equal(decimal.NewFromInt(100)))

	final, err := env.svc.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, bonus.StatusCompleted, final.Status)
	require.True(t, final.RemainingBonus.IsZero())
	require.NotNil(t, final.CompletedAt)

	// 340 was left after the final stake; all of it releases to main.
	require.True(t, env.mainBalance(t, playerID).Equal(decimal.NewFromInt(340)))
	require.True(t, env.bonusBalance(t, playerID).IsZero())

	progress, err := env.svc.GetProgress(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.True(t, progress.Completed)
	require.True(t, progress.CurrentWagerAmount.Equal(decimal.NewFromInt(3500)))

	// A win settling after completion no longer belongs to the instance.
	err = env.svc.CreditWin(ctx, inst.InstanceID, win, "starburst-slot", "bet-35")
	require.ErrorIs(t, err, bonus.ErrInvalidState)
}

func TestReleaseCap(t *testing.T) {
	env := newTestEnv()
	plan := depositPlan()
	plan.WagerMultiplier = decimal.NewFromInt(5)
	plan.BonusMaxRelease = decimal.NewFromInt(50)
	env.addPlan(t, plan)
	playerID := uuid.NewString()
	ctx := context.Background()

	inst, err := env.svc.GrantDeposit(ctx, playerID, plan.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)

	stake := decimal.NewFromInt(100)
	win := decimal.NewFromInt(120)
	for i := 1; i < 5; i++ {
		betID := fmt.Sprintf("bet-%d", i)
		_, err := env.svc.DebitForBet(ctx, inst.InstanceID, stake, "starburst-slot", betID)
		require.NoError(t, err)
		require.NoError(t, env.svc.CreditWin(ctx, inst.InstanceID, win, "starburst-slot", betID))
	}

	result, err := env.svc.DebitForBet(ctx, inst.InstanceID, stake, "starburst-slot", "bet-5")
	require.NoError(t, err)
	require.True(t, result.Completed)

	// 80 remained, the cap releases 50 and destroys the rest.
	require.True(t, env.mainBalance(t, playerID).Equal(decimal.NewFromInt(50)))
	require.True(t, env.bonusBalance(t, playerID).IsZero())
}

func TestBetExceedingRemaining(t *testing.T) {
	env := newTestEnv()
	plan := env.addPlan(t, depositPlan())
	ctx := context.Background()

	inst, err := env.svc.GrantDeposit(ctx, uuid.NewString(), plan.PlanID, decimal.NewFromInt(50))
	require.NoError(t, err)

	_, err = env.svc.DebitForBet(ctx, inst.InstanceID, decimal.NewFromInt(60), "starburst-slot", uuid.NewString())
	require.ErrorIs(t, err, bonus.ErrInsufficientBonus)
}

func TestForfeitIsFinal(t *testing.T) {
	env := newTestEnv()
	plan := env.addPlan(t, depositPlan())
	playerID := uuid.NewString()
	ctx := context.Background()

	inst, err := env.svc.GrantDeposit(ctx, playerID, plan.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)

	require.NoError(t, env.svc.Forfeit(ctx, inst.InstanceID, "abuse"))

	forfeited, err := env.svc.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, bonus.StatusForfeited, forfeited.Status)
	require.True(t, forfeited.RemainingBonus.IsZero())
	require.True(t, env.bonusBalance(t, playerID).IsZero())

	require.ErrorIs(t, env.svc.Forfeit(ctx, inst.InstanceID, "again"), bonus.ErrInvalidState)
	_, err = env.svc.DebitForBet(ctx, inst.InstanceID, decimal.NewFromInt(10), "starburst-slot", uuid.NewString())
	require.ErrorIs(t, err, bonus.ErrNoActiveBonus)
}

func TestCancelOnlyBeforeWagering(t *testing.T) {
	env := newTestEnv()
	plan := env.addPlan(t, depositPlan())
	ctx := context.Background()

	inst, err := env.svc.GrantDeposit(ctx, uuid.NewString(), plan.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = env.svc.DebitForBet(ctx, inst.InstanceID, decimal.NewFromInt(10), "starburst-slot", uuid.NewString())
	require.NoError(t, err)

	require.ErrorIs(t, env.svc.Cancel(ctx, inst.InstanceID, "changed mind"), bonus.ErrInvalidState)
	require.NoError(t, env.svc.Forfeit(ctx, inst.InstanceID, "still allowed"))
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv()
	expiring := depositPlan()
	expiring.ExpiryDays = 0
	env.addPlan(t, expiring)
	fresh := env.addPlan(t, depositPlan())
	playerID := uuid.NewString()
	ctx := context.Background()

	expired, err := env.svc.GrantDeposit(ctx, playerID, expiring.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)
	kept, err := env.svc.GrantDeposit(ctx, playerID, fresh.PlanID, decimal.NewFromInt(50))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := env.svc.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	inst, err := env.svc.GetInstance(ctx, expired.InstanceID)
	require.NoError(t, err)
	require.Equal(t, bonus.StatusExpired, inst.Status)
	require.True(t, inst.RemainingBonus.IsZero())

	inst, err = env.svc.GetInstance(ctx, kept.InstanceID)
	require.NoError(t, err)
	require.Equal(t, bonus.StatusActive, inst.Status)
	require.True(t, env.bonusBalance(t, playerID).Equal(decimal.NewFromInt(50)))

	ledger, err := env.svc.ListTransactions(ctx, expired.InstanceID)
	require.NoError(t, err)
	require.Equal(t, bonus.TxExpired, ledger[len(ledger)-1].Type)
}

func TestForfeitOnWithdrawal(t *testing.T) {
	env := newTestEnv()
	sticky := depositPlan()
	sticky.CancelOnWithdrawal = true
	env.addPlan(t, sticky)
	keeper := env.addPlan(t, depositPlan())
	playerID := uuid.NewString()
	ctx := context.Background()

	_, err := env.svc.GrantDeposit(ctx, playerID, sticky.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)
	kept, err := env.svc.GrantDeposit(ctx, playerID, keeper.PlanID, decimal.NewFromInt(40))
	require.NoError(t, err)

	forfeited, err := env.svc.ForfeitOnWithdrawal(ctx, playerID)
	require.NoError(t, err)
	require.Equal(t, 1, forfeited)

	inst, err := env.svc.GetInstance(ctx, kept.InstanceID)
	require.NoError(t, err)
	require.Equal(t, bonus.StatusActive, inst.Status)
	require.True(t, env.bonusBalance(t, playerID).Equal(decimal.NewFromInt(40)))
}

func TestReconcileAfterMixedActivity(t *testing.T) {
	env := newTestEnv()
	plan := env.addPlan(t, depositPlan())
	playerID := uuid.NewString()
	ctx := context.Background()

	inst, err := env.svc.GrantDeposit(ctx, playerID, plan.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)

	betID := uuid.NewString()
	_, err = env.svc.DebitForBet(ctx, inst.InstanceID, decimal.NewFromInt(30), "starburst-slot", betID)
	require.NoError(t, err)
	require.NoError(t, env.svc.CreditWin(ctx, inst.InstanceID, decimal.NewFromInt(45), "starburst-slot", betID))

	walletBalance, instanceSum, err := env.svc.Reconcile(ctx, playerID)
	require.NoError(t, err)
	require.True(t, walletBalance.Equal(instanceSum), "wallet %s vs instances %s", walletBalance, instanceSum)
	require.True(t, walletBalance.Equal(decimal.NewFromInt(115)))
}

func TestFindBetInstance(t *testing.T) {
	env := newTestEnv()
	plan := env.addPlan(t, depositPlan())
	ctx := context.Background()

	inst, err := env.svc.GrantDeposit(ctx, uuid.NewString(), plan.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)

	betID := uuid.NewString()
	_, err = env.svc.DebitForBet(ctx, inst.InstanceID, decimal.NewFromInt(10), "starburst-slot", betID)
	require.NoError(t, err)

	found, err := env.svc.FindBetInstance(ctx, betID)
	require.NoError(t, err)
	require.Equal(t, inst.InstanceID, found)

	_, err = env.svc.FindBetInstance(ctx, "unknown-bet")
	require.ErrorIs(t, err, bonus.ErrInstanceNotFound)
}
