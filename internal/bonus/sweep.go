package bonus

import (
	"context"
	"log"
	"time"

	"bonus_service/internal/metrics"
	"bonus_service/internal/wallet"
)

// Sweeper periodically expires time-barred bonus instances.
type Sweeper struct {
	svc      *Service
	interval time.Duration
}

func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	return &Sweeper{svc: svc, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sw.svc.SweepExpired(ctx)
			if err != nil {
				log.Printf("Expiry sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("Expiry sweep: expired=%d", n)
			}
		}
	}
}

// SweepExpired expires every active/wagering instance whose expires_at has
// passed. Each instance gets its own short transaction so the sweep never
// holds locks that block live betting; a failure on one instance is logged
// and the sweep moves on.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	due, err := s.instances.ListDueForExpiry(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range due {
		instanceID := due[i].InstanceID
		// Count only after Do returns nil: the closure can run and roll
		// back, so it must not bump the tally itself.
		terminated := false
		err := s.txManager.Do(ctx, func(txCtx context.Context) error {
			terminated = false
			inst, err := s.instances.GetForUpdate(txCtx, instanceID)
			if err != nil {
				return err
			}
			// Re-check under the lock: a bet or forfeit may have won the race.
			if inst.Status.IsTerminal() || inst.ExpiresAt.After(time.Now()) {
				return nil
			}
			if err := s.terminate(txCtx, inst, StatusExpired, wallet.TxBonusExpire, TxExpired, "bonus expired"); err != nil {
				return err
			}
			terminated = true
			return nil
		})
		if err != nil {
			log.Printf("Failed to expire instance %s: %v", instanceID, err)
			continue
		}
		if terminated {
			expired++
		}
	}

	if expired > 0 {
		metrics.BonusesExpired.Add(float64(expired))
	}
	return expired, nil
}
