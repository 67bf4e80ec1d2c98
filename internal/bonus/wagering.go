package bonus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bonus_service/internal/metrics"
	"bonus_service/internal/wallet"
)

// GetGameContribution resolves the wagering contribution for a game code.
// Lookup order: game-specific row, then category row, then the hardcoded
// category default. A restricted game contributes nothing regardless of its
// percentage.
func (s *Service) GetGameContribution(ctx context.Context, gameCode string) (*Contribution, error) {
	row, err := s.contributions.GetByGameCode(ctx, gameCode)
	if err != nil {
		return nil, err
	}
	if row != nil {
		category := row.Category
		if category == "" {
			category = deriveCategory(gameCode)
		}
		return &Contribution{
			GameCode:     gameCode,
			Category:     category,
			Percentage:   row.Percentage,
			IsRestricted: row.IsRestricted,
		}, nil
	}

	category := deriveCategory(gameCode)
	catRow, err := s.contributions.GetByCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	if catRow != nil {
		return &Contribution{
			GameCode:     gameCode,
			Category:     category,
			Percentage:   catRow.Percentage,
			IsRestricted: catRow.IsRestricted,
		}, nil
	}

	return &Contribution{
		GameCode:   gameCode,
		Category:   category,
		Percentage: defaultCategoryPercentages[category],
	}, nil
}

// deriveCategory guesses a category from the game code when no explicit
// mapping exists. "video poker" is checked before the table keywords so it
// does not match on "poker".
func deriveCategory(gameCode string) string {
	name := strings.ToLower(gameCode)
	switch {
	case strings.Contains(name, "live"), strings.Contains(name, "dealer"):
		return CategoryLiveCasino
	case strings.Contains(name, "video poker"), strings.Contains(name, "video-poker"), strings.Contains(name, "videopoker"):
		return CategoryVideoPoker
	case strings.Contains(name, "blackjack"), strings.Contains(name, "roulette"),
		strings.Contains(name, "baccarat"), strings.Contains(name, "poker"):
		return CategoryTableGames
	default:
		return CategorySlots
	}
}

// processBetWagering advances the instance's wagering by the bet's
// contribution. Runs under the instance row lock taken by DebitForBet. A
// restricted or zero-percentage game changes nothing: the stake already left
// the bonus balance, it just does not count toward turnover.
func (s *Service) processBetWagering(ctx context.Context, inst *Instance, stake decimal.Decimal, gameCode, betID string) (*WageringUpdate, bool, error) {
	contrib, err := s.GetGameContribution(ctx, gameCode)
	if err != nil {
		return nil, false, err
	}
	if contrib.IsRestricted || !contrib.Percentage.IsPositive() {
		return nil, false, nil
	}
	amount := stake.Mul(contrib.Percentage).Div(hundred)

	p, err := s.progress.GetByInstanceForUpdate(ctx, inst.InstanceID)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	p.CurrentWagerAmount = p.CurrentWagerAmount.Add(amount)
	p.BetCount++
	p.LastBetAt = &now
	switch contrib.Category {
	case CategorySlots:
		p.SlotsWagered = p.SlotsWagered.Add(stake)
	case CategoryTableGames:
		p.TableWagered = p.TableWagered.Add(stake)
	case CategoryLiveCasino:
		p.LiveWagered = p.LiveWagered.Add(stake)
	case CategoryVideoPoker:
		p.VideoPokerWagered = p.VideoPokerWagered.Add(stake)
	default:
		p.OtherWagered = p.OtherWagered.Add(stake)
	}
	p.CompletionPercentage = completionPercentage(p.CurrentWagerAmount, p.RequiredWagerAmount)

	if err := s.progress.Update(ctx, p); err != nil {
		return nil, false, err
	}
	// The progress record is authoritative; the instance carries a copy.
	if err := s.instances.UpdateWagerMirror(ctx, inst.InstanceID, p.CurrentWagerAmount, p.CompletionPercentage); err != nil {
		return nil, false, err
	}

	before, after := decimal.Zero, decimal.Zero
	if bonusW, werr := s.wallets.GetBalance(ctx, inst.PlayerID, wallet.TypeBonus, wallet.DefaultCurrency); werr == nil {
		before, after = bonusW.Balance, bonusW.Balance
	} else if !errors.Is(werr, wallet.ErrWalletNotFound) {
		return nil, false, werr
	}
	if err := s.ledger.Append(ctx, &Transaction{
		TransactionID: uuid.New().String(),
		InstanceID:    inst.InstanceID,
		PlayerID:      inst.PlayerID,
		Type:          TxWagerContributed,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		GameCode:      gameCode,
		BetID:         betID,
		CreatedAt:     now,
	}); err != nil {
		return nil, false, err
	}

	metrics.WageringContribution.Add(amount.InexactFloat64())

	completed := p.CurrentWagerAmount.GreaterThanOrEqual(p.RequiredWagerAmount)
	if completed {
		if err := s.complete(ctx, inst); err != nil {
			return nil, false, err
		}
	}

	return &WageringUpdate{
		InstanceID:          inst.InstanceID,
		PlayerID:            inst.PlayerID,
		CurrentWagerAmount:  p.CurrentWagerAmount,
		RequiredWagerAmount: p.RequiredWagerAmount,
		PercentageComplete:  p.CompletionPercentage,
		Completed:           completed,
		Timestamp:           now,
	}, completed, nil
}

// completionPercentage is min(100, current/required*100), rounded to two
// decimal places. A zero requirement counts as complete.
func completionPercentage(current, required decimal.Decimal) decimal.Decimal {
	if !required.IsPositive() {
		return hundred
	}
	pct := current.Div(required).Mul(hundred).Round(2)
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}
