package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/shopspring/decimal"

	"bonus_service/internal/bonus"
	"bonus_service/internal/metrics"
	"bonus_service/internal/wallet"
)

var (
	// ErrInsufficientBalance means main plus playable bonus cannot cover the
	// bet, or no single instance can fund the bonus part.
	ErrInsufficientBalance = errors.New("insufficient combined balance")
)

// Service routes money between the main wallet and bonus instances. Bets
// consume main funds first; the remainder comes from a single bonus instance.
type Service struct {
	txManager trm.Manager
	wallets   *wallet.Service
	plans     bonus.PlanRepository
	bonuses   *bonus.Service
}

func NewService(txManager trm.Manager, wallets *wallet.Service, plans bonus.PlanRepository, bonuses *bonus.Service) *Service {
	return &Service{
		txManager: txManager,
		wallets:   wallets,
		plans:     plans,
		bonuses:   bonuses,
	}
}

// ProcessBet debits a bet across the two wallets in one transaction.
// Main funds go first; any remainder must fit inside a single active or
// wagering instance, oldest grant first. A repeated bet_id fails with
// ErrDuplicateBet.
func (s *Service) ProcessBet(ctx context.Context, playerID string, amount decimal.Decimal, gameCode, betID string) (*BetRouting, error) {
	if amount.LessThanOrEqual(decimal.Zero) || betID == "" {
		return nil, bonus.ErrValidation
	}

	routing := &BetRouting{BetID: betID, PlayerID: playerID, Amount: amount}
	var update *bonus.WageringUpdate

	err := s.txManager.Do(ctx, func(txCtx context.Context) error {
		existing, err := s.wallets.FindTransaction(txCtx, betID, wallet.TxBet)
		if err != nil {
			return err
		}
		if existing != nil {
			return bonus.ErrDuplicateBet
		}

		mainBalance, err := s.wallets.BalanceForUpdate(txCtx, playerID, wallet.TypeMain)
		if err != nil {
			return err
		}

		usedMain := decimal.Min(mainBalance, amount)
		remainder := amount.Sub(usedMain)

		if remainder.IsPositive() {
			instanceID, err := s.pickFundingInstance(txCtx, playerID, remainder)
			if err != nil {
				return err
			}
			result, err := s.bonuses.DebitForBet(txCtx, instanceID, remainder, gameCode, betID)
			if err != nil {
				return err
			}
			routing.UsedBonus = remainder
			routing.InstancesUsed = append(routing.InstancesUsed, instanceID)
			update = result.Update
		}

		if usedMain.IsPositive() {
			if _, err := s.wallets.Debit(txCtx, playerID, wallet.TypeMain, wallet.TxBet, usedMain, betID); err != nil {
				return err
			}
			routing.UsedMain = usedMain
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.BetsRouted.WithLabelValues(routing.fundingLabel()).Inc()
	s.bonuses.Publish(playerID, update)
	log.Printf("bet routed player_id=%s bet_id=%s amount=%s main=%s bonus=%s",
		playerID, betID, amount, routing.UsedMain, routing.UsedBonus)
	return routing, nil
}

func (r *BetRouting) fundingLabel() string {
	switch {
	case r.UsedMain.IsPositive() && r.UsedBonus.IsPositive():
		return "split"
	case r.UsedBonus.IsPositive():
		return "bonus"
	default:
		return "main"
	}
}

// pickFundingInstance returns the oldest active/wagering instance whose
// remaining bonus covers the amount. The caller already holds the main wallet
// lock, so lock order is stable across concurrent bets.
func (s *Service) pickFundingInstance(ctx context.Context, playerID string, amount decimal.Decimal) (string, error) {
	instances, err := s.bonuses.ListActive(ctx, playerID)
	if err != nil {
		return "", err
	}
	if len(instances) == 0 {
		return "", bonus.ErrNoActiveBonus
	}
	for i := range instances {
		if instances[i].RemainingBonus.LessThan(amount) {
			continue
		}
		plan, err := s.plans.Get(ctx, instances[i].PlanID)
		if err != nil {
			return "", err
		}
		if !plan.IsPlayable {
			return "", bonus.ErrBonusNotPlayable
		}
		return instances[i].InstanceID, nil
	}
	return "", ErrInsufficientBalance
}

// ProcessWin settles a win for a prior bet. Bonus-funded bets credit back to
// the funding instance; if that instance has since reached a terminal status
// the win falls through to the main wallet.
func (s *Service) ProcessWin(ctx context.Context, playerID string, amount decimal.Decimal, gameCode, betID string, betUsedBonus bool) error {
	if amount.IsNegative() || betID == "" {
		return bonus.ErrValidation
	}

	return s.txManager.Do(ctx, func(txCtx context.Context) error {
		if !betUsedBonus {
			if amount.IsZero() {
				return nil
			}
			_, err := s.wallets.Credit(txCtx, playerID, wallet.TypeMain, wallet.TxWin, amount, betID)
			return err
		}

		instanceID, err := s.bonuses.FindBetInstance(txCtx, betID)
		if err != nil {
			if errors.Is(err, bonus.ErrInstanceNotFound) {
				return s.winToMain(txCtx, playerID, amount, betID, "bet has no ledger entry")
			}
			return err
		}

		err = s.bonuses.CreditWin(txCtx, instanceID, amount, gameCode, betID)
		if errors.Is(err, bonus.ErrInvalidState) {
			return s.winToMain(txCtx, playerID, amount, betID, "instance already settled")
		}
		return err
	})
}

func (s *Service) winToMain(ctx context.Context, playerID string, amount decimal.Decimal, betID, reason string) error {
	log.Printf("win routed to main wallet player_id=%s bet_id=%s reason=%q", playerID, betID, reason)
	if amount.IsZero() {
		return nil
	}
	_, err := s.wallets.Credit(ctx, playerID, wallet.TypeMain, wallet.TxWin, amount, betID)
	return err
}

// HandleDeposit credits the main wallet, then grants every matching deposit
// plan. Grant failures never fail the deposit; they are logged and skipped.
// A repeated transactionID returns the original credit without moving money.
func (s *Service) HandleDeposit(ctx context.Context, playerID string, amount decimal.Decimal, paymentMethodID, transactionID string) (*DepositResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, bonus.ErrValidation
	}

	var tx *wallet.Transaction
	err := s.txManager.Do(ctx, func(txCtx context.Context) error {
		var err error
		tx, err = s.wallets.Credit(txCtx, playerID, wallet.TypeMain, wallet.TxDeposit, amount, transactionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to credit deposit: %w", err)
	}

	result := &DepositResult{
		TransactionID: tx.TransactionID,
		Amount:        amount,
		NewBalance:    tx.BalanceAfter,
	}

	plans, err := s.plans.GetActiveDepositPlans(ctx, amount, paymentMethodID, tx.CreatedAt)
	if err != nil {
		log.Printf("deposit plan lookup failed player_id=%s: %v", playerID, err)
		return result, nil
	}
	for i := range plans {
		inst, err := s.bonuses.GrantDeposit(ctx, playerID, plans[i].PlanID, amount)
		if err != nil {
			log.Printf("deposit bonus not granted player_id=%s plan_id=%s: %v", playerID, plans[i].PlanID, err)
			continue
		}
		result.BonusesGranted = append(result.BonusesGranted, inst.InstanceID)
	}
	return result, nil
}

// HandleWithdrawal forfeits every cancel_on_withdrawal bonus and debits the
// main wallet in one transaction. A forfeit failure fails the withdrawal.
func (s *Service) HandleWithdrawal(ctx context.Context, playerID string, amount decimal.Decimal, transactionID string) (*WithdrawalResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, bonus.ErrValidation
	}

	result := &WithdrawalResult{Amount: amount}
	err := s.txManager.Do(ctx, func(txCtx context.Context) error {
		forfeited, err := s.bonuses.ForfeitOnWithdrawal(txCtx, playerID)
		if err != nil {
			return fmt.Errorf("failed to forfeit bonuses: %w", err)
		}
		result.Forfeited = forfeited

		tx, err := s.wallets.Debit(txCtx, playerID, wallet.TypeMain, wallet.TxWithdrawal, amount, transactionID)
		if err != nil {
			return err
		}
		result.TransactionID = tx.TransactionID
		result.NewBalance = tx.BalanceAfter
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("withdrawal processed player_id=%s amount=%s forfeited=%d", playerID, amount, result.Forfeited)
	return result, nil
}

// RedeemCode grants the plan behind a bonus code.
func (s *Service) RedeemCode(ctx context.Context, playerID, code string) (*bonus.Instance, error) {
	return s.bonuses.GrantCode(ctx, playerID, code)
}

// AdminGrant awards a plan to a player outside any trigger, with an optional
// amount override.
func (s *Service) AdminGrant(ctx context.Context, playerID, planID string, amount *decimal.Decimal, notes, adminID string) (*bonus.Instance, error) {
	return s.bonuses.GrantManual(ctx, playerID, planID, amount, notes, adminID)
}

// BulkGrant awards a plan to many players. Individual failures are logged and
// skipped; the granted instance ids come back.
func (s *Service) BulkGrant(ctx context.Context, playerIDs []string, planID string, amount *decimal.Decimal, notes, adminID string) []string {
	var granted []string
	for _, playerID := range playerIDs {
		inst, err := s.bonuses.GrantManual(ctx, playerID, planID, amount, notes, adminID)
		if err != nil {
			log.Printf("bulk grant skipped player_id=%s plan_id=%s: %v", playerID, planID, err)
			continue
		}
		granted = append(granted, inst.InstanceID)
	}
	return granted
}

// AdminForfeit forfeits a single instance.
func (s *Service) AdminForfeit(ctx context.Context, instanceID, reason string) error {
	return s.bonuses.Forfeit(ctx, instanceID, reason)
}

// BulkForfeit forfeits many instances, skipping ones already terminal.
func (s *Service) BulkForfeit(ctx context.Context, instanceIDs []string, reason string) int {
	forfeited := 0
	for _, id := range instanceIDs {
		if err := s.bonuses.Forfeit(ctx, id, reason); err != nil {
			log.Printf("bulk forfeit skipped instance_id=%s: %v", id, err)
			continue
		}
		forfeited++
	}
	return forfeited
}

// GetCombinedBalance returns the two wallet balances for a player. Bonus money
// counts toward play, never toward withdrawal.
func (s *Service) GetCombinedBalance(ctx context.Context, playerID string) (*CombinedBalance, error) {
	out := &CombinedBalance{PlayerID: playerID}

	mainW, err := s.wallets.GetBalance(ctx, playerID, wallet.TypeMain, wallet.DefaultCurrency)
	if err != nil && !errors.Is(err, wallet.ErrWalletNotFound) {
		return nil, err
	}
	if mainW != nil {
		out.MainBalance = mainW.Balance
	}

	bonusW, err := s.wallets.GetBalance(ctx, playerID, wallet.TypeBonus, wallet.DefaultCurrency)
	if err != nil && !errors.Is(err, wallet.ErrWalletNotFound) {
		return nil, err
	}
	if bonusW != nil {
		out.BonusBalance = bonusW.Balance
	}

	active, err := s.bonuses.ListActive(ctx, playerID)
	if err != nil {
		return nil, err
	}
	out.ActiveBonusCount = len(active)
	out.TotalAvailable = out.MainBalance
	return out, nil
}

func (s *Service) GetPlayerActiveBonuses(ctx context.Context, playerID string) ([]bonus.Instance, error) {
	return s.bonuses.ListActive(ctx, playerID)
}

func (s *Service) GetPlayerBonuses(ctx context.Context, playerID string, status bonus.Status, limit, offset int) ([]bonus.Instance, error) {
	return s.bonuses.ListByPlayer(ctx, playerID, status, limit, offset)
}

func (s *Service) GetWageringProgress(ctx context.Context, instanceID string) (*bonus.Progress, error) {
	return s.bonuses.GetProgress(ctx, instanceID)
}
