package bonus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bonus_service/internal/metrics"
	"bonus_service/internal/wallet"
)

var hundred = decimal.NewFromInt(100)

// Service owns the bonus instance lifecycle. Every multi-step operation runs
// under the transaction manager so the instance mutation, the wallet movement
// and the ledger row commit or roll back together.
type Service struct {
	txManager     trm.Manager
	plans         PlanRepository
	instances     InstanceRepository
	progress      ProgressRepository
	ledger        LedgerRepository
	contributions ContributionRepository
	wallets       *wallet.Service
	hub           *NotificationHub
}

func NewService(
	txManager trm.Manager,
	plans PlanRepository,
	instances InstanceRepository,
	progress ProgressRepository,
	ledger LedgerRepository,
	contributions ContributionRepository,
	wallets *wallet.Service,
) *Service {
	return &Service{
		txManager:     txManager,
		plans:         plans,
		instances:     instances,
		progress:      progress,
		ledger:        ledger,
		contributions: contributions,
		wallets:       wallets,
		hub:           NewNotificationHub(),
	}
}

// BetDebitResult reports what a bonus-funded bet did to the instance.
type BetDebitResult struct {
	InstanceID string
	Completed  bool
	Update     *WageringUpdate // nil when the game contributed nothing
}

// GrantDeposit creates an instance from a deposit-triggered plan.
func (s *Service) GrantDeposit(ctx context.Context, playerID, planID string, depositAmount decimal.Decimal) (*Instance, error) {
	if depositAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrValidation
	}
	plan, err := s.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.TriggerType != TriggerDeposit {
		return nil, ErrEligibilityDenied
	}
	return s.grant(ctx, plan, playerID, depositAmount, nil, "")
}

// GrantCode redeems a bonus code. The usage-cap increment is part of the
// grant transaction, so a code at its cap cannot be redeemed twice.
func (s *Service) GrantCode(ctx context.Context, playerID, code string) (*Instance, error) {
	if code == "" {
		return nil, ErrValidation
	}
	plan, err := s.plans.GetByCode(ctx, code, time.Now())
	if err != nil {
		return nil, err
	}
	if plan.TriggerType != TriggerCode {
		return nil, ErrEligibilityDenied
	}

	var inst *Instance
	err = s.txManager.Do(ctx, func(txCtx context.Context) error {
		if err := s.plans.IncrementCodeUsage(txCtx, plan.PlanID); err != nil {
			return err
		}
		inst, err = s.grant(txCtx, plan, playerID, decimal.Zero, nil, "code: "+code)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// GrantManual is the admin grant path. A non-nil amount overrides the plan's
// award formula.
func (s *Service) GrantManual(ctx context.Context, playerID, planID string, amount *decimal.Decimal, notes, adminID string) (*Instance, error) {
	plan, err := s.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if amount != nil && amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrValidation
	}
	if notes != "" && adminID != "" {
		notes = notes + " (by " + adminID + ")"
	} else if adminID != "" {
		notes = "granted by " + adminID
	}
	return s.grant(ctx, plan, playerID, decimal.Zero, amount, notes)
}

func (s *Service) grant(ctx context.Context, plan *Plan, playerID string, depositAmount decimal.Decimal, override *decimal.Decimal, notes string) (*Instance, error) {
	now := time.Now()
	if !plan.IsActive || !plan.InWindow(now) {
		return nil, ErrEligibilityDenied
	}
	if plan.TriggerType == TriggerDeposit {
		if depositAmount.LessThan(plan.MinDeposit) {
			return nil, ErrEligibilityDenied
		}
		if plan.MaxDeposit.IsPositive() && depositAmount.GreaterThan(plan.MaxDeposit) {
			return nil, ErrEligibilityDenied
		}
	}

	bonusAmount, err := computeAward(plan, depositAmount, override)
	if err != nil {
		return nil, err
	}
	requirement := computeRequirement(plan, bonusAmount, depositAmount)

	inst := &Instance{
		InstanceID:           uuid.New().String(),
		PlanID:               plan.PlanID,
		PlayerID:             playerID,
		Status:               StatusActive,
		BonusAmount:          bonusAmount,
		RemainingBonus:       bonusAmount,
		DepositAmount:        depositAmount,
		WagerRequirement:     requirement,
		WagerProgressAmount:  decimal.Zero,
		CompletionPercentage: decimal.Zero,
		Notes:                notes,
		GrantedAt:            now,
		ExpiresAt:            now.AddDate(0, 0, plan.ExpiryDays),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err = s.txManager.Do(ctx, func(txCtx context.Context) error {
		if plan.MaxTriggerPerPlayer != nil {
			if err := s.instances.CreateCapped(txCtx, inst, *plan.MaxTriggerPerPlayer); err != nil {
				return err
			}
		} else {
			if err := s.instances.Create(txCtx, inst); err != nil {
				return err
			}
		}

		progress := &WagerProgress{
			ProgressID:          uuid.New().String(),
			InstanceID:          inst.InstanceID,
			PlayerID:            playerID,
			RequiredWagerAmount: requirement,
			CurrentWagerAmount:  decimal.Zero,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := s.progress.Create(txCtx, progress); err != nil {
			return err
		}

		walletTx, err := s.wallets.Credit(txCtx, playerID, wallet.TypeBonus, wallet.TxBonusGrant, bonusAmount, inst.InstanceID)
		if err != nil {
			return err
		}

		return s.ledger.Append(txCtx, &Transaction{
			TransactionID: uuid.New().String(),
			InstanceID:    inst.InstanceID,
			PlayerID:      playerID,
			Type:          TxGranted,
			Amount:        bonusAmount,
			BalanceBefore: walletTx.BalanceBefore,
			BalanceAfter:  walletTx.BalanceAfter,
			Description:   "bonus granted from plan " + plan.Name,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.BonusesGranted.Inc()
	log.Printf("Bonus granted: instance=%s player=%s plan=%s amount=%s requirement=%s",
		inst.InstanceID, playerID, plan.PlanID, bonusAmount.String(), requirement.String())
	return inst, nil
}

func computeAward(plan *Plan, depositAmount decimal.Decimal, override *decimal.Decimal) (decimal.Decimal, error) {
	if override != nil {
		return *override, nil
	}
	var amount decimal.Decimal
	switch plan.AwardType {
	case AwardPercentage:
		amount = depositAmount.Mul(plan.AwardValue).Div(hundred)
	case AwardFixed:
		amount = plan.AwardValue
	default:
		return decimal.Zero, ErrValidation
	}
	if plan.MaxBonus.IsPositive() && amount.GreaterThan(plan.MaxBonus) {
		amount = plan.MaxBonus
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrValidation
	}
	return amount, nil
}

func computeRequirement(plan *Plan, bonusAmount, depositAmount decimal.Decimal) decimal.Decimal {
	var base decimal.Decimal
	switch plan.WagerBase {
	case WagerBaseBonusPlusDeposit:
		base = bonusAmount.Add(depositAmount)
	case WagerBaseDeposit:
		base = depositAmount
	default:
		base = bonusAmount
	}
	return base.Mul(plan.WagerMultiplier)
}

// DebitForBet consumes stake from the instance's remaining bonus, moves it
// out of the bonus wallet, records the bet and advances wagering. It expects
// to run inside the orchestrator's transaction and joins it.
func (s *Service) DebitForBet(ctx context.Context, instanceID string, stake decimal.Decimal, gameCode, betID string) (*BetDebitResult, error) {
	if stake.LessThanOrEqual(decimal.Zero) {
		return nil, ErrValidation
	}

	result := &BetDebitResult{InstanceID: instanceID}
	err := s.txManager.Do(ctx, func(txCtx context.Context) error {
		inst, err := s.instances.GetForUpdate(txCtx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != StatusActive && inst.Status != StatusWagering {
			return ErrNoActiveBonus
		}
		if inst.RemainingBonus.LessThan(stake) {
			return ErrInsufficientBonus
		}

		now := time.Now()
		if inst.Status == StatusActive {
			if err := s.instances.UpdateStatusFrom(txCtx, instanceID, StatusActive, StatusWagering); err != nil {
				return err
			}
			inst.Status = StatusWagering
			bonusW, err := s.wallets.GetBalance(txCtx, inst.PlayerID, wallet.TypeBonus, wallet.DefaultCurrency)
			if err != nil {
				return err
			}
			if err := s.ledger.Append(txCtx, &Transaction{
				TransactionID: uuid.New().String(),
				InstanceID:    instanceID,
				PlayerID:      inst.PlayerID,
				Type:          TxActivated,
				Amount:        decimal.Zero,
				BalanceBefore: bonusW.Balance,
				BalanceAfter:  bonusW.Balance,
				Description:   "first bonus-funded bet",
				CreatedAt:     now,
			}); err != nil {
				return err
			}
		}

		newRemaining := inst.RemainingBonus.Sub(stake)
		if err := s.instances.UpdateRemaining(txCtx, instanceID, newRemaining); err != nil {
			return err
		}
		inst.RemainingBonus = newRemaining

		walletTx, err := s.wallets.Debit(txCtx, inst.PlayerID, wallet.TypeBonus, wallet.TxBet, stake, betID)
		if err != nil {
			return err
		}

		if err := s.ledger.Append(txCtx, &Transaction{
			TransactionID: uuid.New().String(),
			InstanceID:    instanceID,
			PlayerID:      inst.PlayerID,
			Type:          TxBetPlaced,
			Amount:        stake,
			BalanceBefore: walletTx.BalanceBefore,
			BalanceAfter:  walletTx.BalanceAfter,
			GameCode:      gameCode,
			BetID:         betID,
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		update, completed, err := s.processBetWagering(txCtx, inst, stake, gameCode, betID)
		if err != nil {
			return err
		}
		result.Update = update
		result.Completed = completed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreditWin returns a bonus-funded win to the instance. A zero win amount is
// recorded as a loss entry without moving money. Fails with ErrInvalidState
// if the instance has since reached a terminal status.
func (s *Service) CreditWin(ctx context.Context, instanceID string, amount decimal.Decimal, gameCode, betID string) error {
	if amount.IsNegative() {
		return ErrValidation
	}
	return s.txManager.Do(ctx, func(txCtx context.Context) error {
		inst, err := s.instances.GetForUpdate(txCtx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return ErrInvalidState
		}

		now := time.Now()
		if amount.IsZero() {
			bonusW, err := s.wallets.GetBalance(txCtx, inst.PlayerID, wallet.TypeBonus, wallet.DefaultCurrency)
			if err != nil {
				return err
			}
			return s.ledger.Append(txCtx, &Transaction{
				TransactionID: uuid.New().String(),
				InstanceID:    instanceID,
				PlayerID:      inst.PlayerID,
				Type:          TxBetLost,
				Amount:        decimal.Zero,
				BalanceBefore: bonusW.Balance,
				BalanceAfter:  bonusW.Balance,
				GameCode:      gameCode,
				BetID:         betID,
				CreatedAt:     now,
			})
		}

		if err := s.instances.UpdateRemaining(txCtx, instanceID, inst.RemainingBonus.Add(amount)); err != nil {
			return err
		}
		walletTx, err := s.wallets.Credit(txCtx, inst.PlayerID, wallet.TypeBonus, wallet.TxWin, amount, betID)
		if err != nil {
			return err
		}
		return s.ledger.Append(txCtx, &Transaction{
			TransactionID: uuid.New().String(),
			InstanceID:    instanceID,
			PlayerID:      inst.PlayerID,
			Type:          TxBetWon,
			Amount:        amount,
			BalanceBefore: walletTx.BalanceBefore,
			BalanceAfter:  walletTx.BalanceAfter,
			GameCode:      gameCode,
			BetID:         betID,
			CreatedAt:     now,
		})
	})
}

// Forfeit destroys the instance's remaining bonus. Only valid from
// active/wagering; a terminal instance fails with ErrInvalidState.
func (s *Service) Forfeit(ctx context.Context, instanceID, reason string) error {
	err := s.txManager.Do(ctx, func(txCtx context.Context) error {
		inst, err := s.instances.GetForUpdate(txCtx, instanceID)
		if err != nil {
			return err
		}
		return s.terminate(txCtx, inst, StatusForfeited, wallet.TxBonusForfeit, TxForfeited, reason)
	})
	if err != nil {
		return err
	}
	metrics.BonusesForfeited.Inc()
	return nil
}

// Cancel is the pre-activation admin action: allowed only while the instance
// is still active (no bonus-funded bet yet).
func (s *Service) Cancel(ctx context.Context, instanceID, reason string) error {
	return s.txManager.Do(ctx, func(txCtx context.Context) error {
		inst, err := s.instances.GetForUpdate(txCtx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != StatusActive {
			return ErrInvalidState
		}
		return s.terminate(txCtx, inst, StatusCancelled, wallet.TxBonusForfeit, TxCancelled, reason)
	})
}

// terminate moves a locked instance to a terminal status, destroying whatever
// bonus is left. Shared by forfeit, cancel and expiry.
func (s *Service) terminate(ctx context.Context, inst *Instance, to Status, walletTxType, ledgerType, reason string) error {
	if !inst.Status.CanTransition(to) {
		return ErrInvalidState
	}
	if err := s.instances.UpdateStatusFrom(ctx, inst.InstanceID, inst.Status, to); err != nil {
		return err
	}
	forfeited := inst.RemainingBonus
	if err := s.instances.UpdateRemaining(ctx, inst.InstanceID, decimal.Zero); err != nil {
		return err
	}

	now := time.Now()
	before, after := decimal.Zero, decimal.Zero
	if forfeited.IsPositive() {
		walletTx, err := s.wallets.Debit(ctx, inst.PlayerID, wallet.TypeBonus, walletTxType, forfeited, inst.InstanceID)
		if err != nil {
			return err
		}
		before, after = walletTx.BalanceBefore, walletTx.BalanceAfter
	} else {
		bonusW, err := s.wallets.GetBalance(ctx, inst.PlayerID, wallet.TypeBonus, wallet.DefaultCurrency)
		if err == nil {
			before, after = bonusW.Balance, bonusW.Balance
		} else if !errors.Is(err, wallet.ErrWalletNotFound) {
			return err
		}
	}

	if err := s.ledger.Append(ctx, &Transaction{
		TransactionID: uuid.New().String(),
		InstanceID:    inst.InstanceID,
		PlayerID:      inst.PlayerID,
		Type:          ledgerType,
		Amount:        forfeited,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   reason,
		CreatedAt:     now,
	}); err != nil {
		return err
	}

	log.Printf("Bonus %s: instance=%s player=%s amount=%s reason=%q",
		to, inst.InstanceID, inst.PlayerID, forfeited.String(), reason)
	return nil
}

// complete releases a locked instance whose wagering requirement has been
// met. Remaining bonus above the plan's release cap is destroyed, not paid.
func (s *Service) complete(ctx context.Context, inst *Instance) error {
	plan, err := s.plans.Get(ctx, inst.PlanID)
	if err != nil {
		return err
	}

	release := inst.RemainingBonus
	if plan.BonusMaxRelease.IsPositive() && release.GreaterThan(plan.BonusMaxRelease) {
		release = plan.BonusMaxRelease
	}
	destroyed := inst.RemainingBonus.Sub(release)

	if err := s.instances.UpdateStatusFrom(ctx, inst.InstanceID, inst.Status, StatusCompleted); err != nil {
		return err
	}
	now := time.Now()
	if err := s.instances.MarkCompleted(ctx, inst.InstanceID, now); err != nil {
		return err
	}
	if err := s.progress.MarkCompleted(ctx, inst.InstanceID, now); err != nil {
		return err
	}
	if err := s.instances.UpdateRemaining(ctx, inst.InstanceID, decimal.Zero); err != nil {
		return err
	}

	before, after := decimal.Zero, decimal.Zero
	if inst.RemainingBonus.IsPositive() {
		walletTx, err := s.wallets.Debit(ctx, inst.PlayerID, wallet.TypeBonus, wallet.TxBonusRelease, inst.RemainingBonus, inst.InstanceID)
		if err != nil {
			return err
		}
		before, after = walletTx.BalanceBefore, walletTx.BalanceAfter
	}
	if release.IsPositive() {
		if _, err := s.wallets.Credit(ctx, inst.PlayerID, wallet.TypeMain, wallet.TxBonusRelease, release, inst.InstanceID); err != nil {
			return err
		}
	}

	desc := "wagering requirement met"
	if destroyed.IsPositive() {
		desc = fmt.Sprintf("wagering requirement met, %s above release cap destroyed", destroyed.String())
	}
	if err := s.ledger.Append(ctx, &Transaction{
		TransactionID: uuid.New().String(),
		InstanceID:    inst.InstanceID,
		PlayerID:      inst.PlayerID,
		Type:          TxReleased,
		Amount:        release,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   desc,
		CreatedAt:     now,
	}); err != nil {
		return err
	}

	metrics.BonusesCompleted.Inc()
	log.Printf("Bonus completed: instance=%s player=%s released=%s destroyed=%s",
		inst.InstanceID, inst.PlayerID, release.String(), destroyed.String())
	return nil
}

// ForfeitOnWithdrawal forfeits every active/wagering instance whose plan is
// flagged cancel_on_withdrawal. Any failure propagates so the caller can
// block the withdrawal.
func (s *Service) ForfeitOnWithdrawal(ctx context.Context, playerID string) (int, error) {
	forfeited := 0
	err := s.txManager.Do(ctx, func(txCtx context.Context) error {
		insts, err := s.instances.ListActiveByPlayer(txCtx, playerID)
		if err != nil {
			return err
		}
		for i := range insts {
			plan, err := s.plans.Get(txCtx, insts[i].PlanID)
			if err != nil {
				return err
			}
			if !plan.CancelOnWithdrawal {
				continue
			}
			inst, err := s.instances.GetForUpdate(txCtx, insts[i].InstanceID)
			if err != nil {
				return err
			}
			if inst.Status.IsTerminal() {
				continue
			}
			if err := s.terminate(txCtx, inst, StatusForfeited, wallet.TxBonusForfeit, TxForfeited, "withdrawal requested"); err != nil {
				return err
			}
			forfeited++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if forfeited > 0 {
		metrics.BonusesForfeited.Add(float64(forfeited))
	}
	return forfeited, nil
}

// PlayableBalance is the sum of remaining_bonus over the player's
// active/wagering instances.
func (s *Service) PlayableBalance(ctx context.Context, playerID string) (decimal.Decimal, error) {
	return s.instances.SumRemainingActive(ctx, playerID)
}

func (s *Service) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	return s.instances.Get(ctx, instanceID)
}

func (s *Service) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	return s.plans.Get(ctx, planID)
}

func (s *Service) ListActive(ctx context.Context, playerID string) ([]Instance, error) {
	return s.instances.ListActiveByPlayer(ctx, playerID)
}

func (s *Service) ListByPlayer(ctx context.Context, playerID string, status Status, limit, offset int) ([]Instance, error) {
	return s.instances.ListByPlayer(ctx, playerID, status, limit, offset)
}

func (s *Service) ListTransactions(ctx context.Context, instanceID string) ([]Transaction, error) {
	return s.ledger.ListByInstance(ctx, instanceID)
}

func (s *Service) ListPlayerTransactions(ctx context.Context, playerID string, limit, offset int) ([]Transaction, error) {
	return s.ledger.ListByPlayer(ctx, playerID, limit, offset)
}

// FindBetInstance resolves which instance funded a bet, from the ledger.
func (s *Service) FindBetInstance(ctx context.Context, betID string) (string, error) {
	tx, err := s.ledger.GetBetPlaced(ctx, betID)
	if err != nil {
		return "", err
	}
	if tx == nil {
		return "", ErrInstanceNotFound
	}
	return tx.InstanceID, nil
}

// GetProgress returns the wagering view for an instance. The progress record
// is authoritative; the completed flag comes from the instance status.
func (s *Service) GetProgress(ctx context.Context, instanceID string) (*Progress, error) {
	p, err := s.progress.GetByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	inst, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &Progress{
		InstanceID:          instanceID,
		RequiredWagerAmount: p.RequiredWagerAmount,
		CurrentWagerAmount:  p.CurrentWagerAmount,
		PercentageComplete:  p.CompletionPercentage,
		BetCount:            p.BetCount,
		Completed:           inst.Status == StatusCompleted,
	}, nil
}

// Reconcile returns the bonus wallet balance next to the instance sum; the
// two must match at all times.
func (s *Service) Reconcile(ctx context.Context, playerID string) (walletBalance, instanceSum decimal.Decimal, err error) {
	instanceSum, err = s.instances.SumRemainingActive(ctx, playerID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	w, err := s.wallets.GetBalance(ctx, playerID, wallet.TypeBonus, wallet.DefaultCurrency)
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			return decimal.Zero, instanceSum, nil
		}
		return decimal.Zero, decimal.Zero, err
	}
	return w.Balance, instanceSum, nil
}

// Subscribe returns a channel of wagering updates for a player.
func (s *Service) Subscribe(playerID string) <-chan WageringUpdate {
	return s.hub.Subscribe(playerID)
}

// Publish pushes a wagering update to subscribers. Call after the enclosing
// transaction commits.
func (s *Service) Publish(playerID string, update *WageringUpdate) {
	if update == nil {
		return
	}
	s.hub.Notify(playerID, *update)
}
