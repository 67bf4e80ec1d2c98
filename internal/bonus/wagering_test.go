package bonus_test

import (
	"context"
	"testing"

	"bonus_service/internal/bonus"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestContributionDefaults(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cases := []struct {
		gameCode   string
		category   string
		percentage int64
	}{
		{"starburst-slot", bonus.CategorySlots, 100},
		{"mega-fortune", bonus.CategorySlots, 100},
		{"blackjack-pro", bonus.CategoryTableGames, 10},
		{"european-roulette", bonus.CategoryTableGames, 10},
		{"baccarat-squeeze", bonus.CategoryTableGames, 10},
		{"caribbean-poker", bonus.CategoryTableGames, 10},
		{"live-roulette", bonus.CategoryLiveCasino, 10},
		{"dealer-blackjack", bonus.CategoryLiveCasino, 10},
		{"video-poker-jacks", bonus.CategoryVideoPoker, 50},
		{"videopoker-deuces", bonus.CategoryVideoPoker, 50},
	}
	for _, tc := range cases {
		contrib, err := env.svc.GetGameContribution(ctx, tc.gameCode)
		require.NoError(t, err)
		require.Equal(t, tc.category, contrib.Category, tc.gameCode)
		require.True(t, contrib.Percentage.Equal(decimal.NewFromInt(tc.percentage)), tc.gameCode)
		require.False(t, contrib.IsRestricted)
	}
}

func TestContributionGameOverride(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	require.NoError(t, env.contribs.Upsert(ctx, &bonus.GameContribution{
		ContributionID: uuid.NewString(),
		GameCode:       "starburst-slot",
		Category:       bonus.CategorySlots,
		Percentage:     decimal.NewFromInt(20),
	}))

	contrib, err := env.svc.GetGameContribution(ctx, "starburst-slot")
	require.NoError(t, err)
	require.True(t, contrib.Percentage.Equal(decimal.NewFromInt(20)))

	// Other slots still use the category default.
	other, err := env.svc.GetGameContribution(ctx, "mega-fortune")
	require.NoError(t, err)
	require.True(t, other.Percentage.Equal(decimal.NewFromInt(100)))
}

func TestContributionCategoryOverride(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	require.NoError(t, env.contribs.Upsert(ctx, &bonus.GameContribution{
		ContributionID: uuid.NewString(),
		Category:       bonus.CategorySlots,
		Percentage:     decimal.NewFromInt(75),
	}))

	contrib, err := env.svc.GetGameContribution(ctx, "mega-fortune")
	require.NoError(t, err)
	require.True(t, contrib.Percentage.Equal(decimal.NewFromInt(75)))
}

// A restricted game still consumes the stake; it just contributes nothing
// toward the wagering requirement.
func TestRestrictedGameBurnsWithoutProgress(t *testing.T) {
	env := newTestEnv()
	plan := env.addPlan(t, depositPlan())
	playerID := uuid.NewString()
	ctx := context.Background()

	require.NoError(t, env.contribs.Upsert(ctx, &bonus.GameContribution{
		ContributionID: uuid.NewString(),
		GameCode:       "jackpot-slot",
		Category:       bonus.CategorySlots,
		Percentage:     decimal.NewFromInt(100),
		IsRestricted:   true,
	}))

	inst, err := env.svc.GrantDeposit(ctx, playerID, plan.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)

	result, err := env.svc.DebitForBet(ctx, inst.InstanceID, decimal.NewFromInt(40), "jackpot-slot", uuid.NewString())
	require.NoError(t, err)
	require.Nil(t, result.Update)
	require.False(t, result.Completed)

	current, err := env.svc.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.True(t, current.RemainingBonus.Equal(decimal.NewFromInt(60)))
	require.True(t, current.WagerProgressAmount.IsZero())
	require.True(t, env.bonusBalance(t, playerID).Equal(decimal.NewFromInt(60)))

	for _, tx := range mustLedger(t, env, inst.InstanceID) {
		require.NotEqual(t, bonus.TxWagerContributed, tx.Type)
	}
}

func TestPartialContributionProgress(t *testing.T) {
	env := newTestEnv()
	plan := depositPlan()
	plan.WagerMultiplier = decimal.NewFromInt(3)
	env.addPlan(t, plan)
	ctx := context.Background()

	inst, err := env.svc.GrantDeposit(ctx, uuid.NewString(), plan.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)

	// Table games contribute 10%: a 100 bet moves wagering by 10 out of 300.
	result, err := env.svc.DebitForBet(ctx, inst.InstanceID, decimal.NewFromInt(100), "blackjack-pro", uuid.NewString())
	require.NoError(t, err)
	require.NotNil(t, result.Update)
	require.True(t, result.Update.CurrentWagerAmount.Equal(decimal.NewFromInt(10)))
	require.True(t, result.Update.PercentageComplete.Equal(decimal.NewFromFloat(3.33)))

	progress, err := env.progress.GetByInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.True(t, progress.TableWagered.Equal(decimal.NewFromInt(100)))
	require.True(t, progress.SlotsWagered.IsZero())
	require.Equal(t, 1, progress.BetCount)
	require.NotNil(t, progress.LastBetAt)
}

func TestCategoryBuckets(t *testing.T) {
	env := newTestEnv()
	plan := env.addPlan(t, depositPlan())
	ctx := context.Background()

	inst, err := env.svc.GrantDeposit(ctx, uuid.NewString(), plan.PlanID, decimal.NewFromInt(100))
	require.NoError(t, err)

	bets := []struct {
		gameCode string
		stake    int64
	}{
		{"starburst-slot", 10},
		{"blackjack-pro", 20},
		{"live-roulette", 15},
		{"video-poker-jacks", 5},
	}
	for _, b := range bets {
		_, err := env.svc.DebitForBet(ctx, inst.InstanceID, decimal.NewFromInt(b.stake), b.gameCode, uuid.NewString())
		require.NoError(t, err)
	}

	progress, err := env.progress.GetByInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.True(t, progress.SlotsWagered.Equal(decimal.NewFromInt(10)))
	require.True(t, progress.TableWagered.Equal(decimal.NewFromInt(20)))
	require.True(t, progress.LiveWagered.Equal(decimal.NewFromInt(15)))
	require.True(t, progress.VideoPokerWagered.Equal(decimal.NewFromInt(5)))
	require.Equal(t, 4, progress.BetCount)

	// 10*1.00 + 20*0.10 + 15*0.10 + 5*0.50 = 16
	require.True(t, progress.CurrentWagerAmount.Equal(decimal.NewFromInt(16)))
}

func mustLedger(t *testing.T, env *testEnv, instanceID string) []bonus.Transaction {
	t.Helper()
	txs, err := env.svc.ListTransactions(context.Background(), instanceID)
	require.NoError(t, err)
	return txs
}
