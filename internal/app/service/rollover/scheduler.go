package rollover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agencykit/tokenmeter/internal/app/service/ledger"
	"github.com/agencykit/tokenmeter/internal/models"
	"github.com/agencykit/tokenmeter/pkg/config"
	"github.com/agencykit/tokenmeter/pkg/logctx"
	"github.com/agencykit/tokenmeter/pkg/metrics"
	"github.com/agencykit/tokenmeter/pkg/types"
)

// ErrRolloverAlreadyApplied is the idempotency guard: the period advanced
// between scan and lock, so another run already handled this boundary. It is
// logged and skipped, never treated as a failure.
var ErrRolloverAlreadyApplied = errors.New("rollover already applied for this boundary")

// Scheduler drives period-boundary transitions: grant the plan's monthly
// allocation, reset the per-period usage counter and advance the billing
// window. Unused balance rolls over indefinitely; the scheduler only ever
// adds, it never zeroes a balance.
type Scheduler struct {
	cfg    *config.Config
	db     *gorm.DB
	log    *zap.SugaredLogger
	ledger *ledger.Service

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger, led *ledger.Service) *Scheduler {
	return &Scheduler{cfg: cfg, db: db, log: log, ledger: led}
}

// Start launches the background tick loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	interval := s.cfg.Rollover.TickInterval
	if interval <= 0 {
		interval = time.Hour
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if err := s.RunOnce(ctx, now); err != nil {
					s.log.Errorw("rollover tick failed", "err", err)
				}
			}
		}
	}()
}

// Stop cancels the tick loop and waits for the in-flight pass to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce processes every subscription whose period has ended at now. Safe
// to invoke concurrently with ticks and retries: each subscription carries
// its own idempotency guard.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	batch := s.cfg.Rollover.BatchSize
	if batch <= 0 {
		batch = 500
	}

	var due []*models.Subscription
	if err := s.db.WithContext(ctx).
		Where("current_period_end <= ? AND status = ?", now, types.SubscriptionStatusActive).
		Order("current_period_end").
		Limit(batch).
		Find(&due).Error; err != nil {
		return fmt.Errorf("failed to scan expired periods: %w", err)
	}

	log := logctx.FromCtx(ctx, s.log)
	for _, sub := range due {
		err := s.rolloverOne(ctx, sub.TenantID, sub.CurrentPeriodEnd, now)
		switch {
		case errors.Is(err, ErrRolloverAlreadyApplied):
			metrics.RolloversTotal.WithLabelValues("skipped").Inc()
			log.Infow("rollover already applied, skipping",
				"tenant_id", sub.TenantID, "period_end", sub.CurrentPeriodEnd)
		case err != nil:
			metrics.RolloversTotal.WithLabelValues("failed").Inc()
			log.Errorw("rollover failed", "tenant_id", sub.TenantID, "err", err)
		default:
			metrics.RolloversTotal.WithLabelValues("applied").Inc()
		}
	}
	return nil
}

// rolloverOne advances a single subscription across one period boundary.
// The guard is keyed on (tenant, expected period end): if the locked row no
// longer ends at the boundary we scanned, someone else already rolled it.
func (s *Scheduler) rolloverOne(ctx context.Context, tenantID string, expectedPeriodEnd, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		q := tx.WithContext(ctx)
		if q.Dialector == nil || q.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.Where("tenant_id = ?", tenantID).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledger.ErrSubscriptionNotFound
			}
			return fmt.Errorf("failed to lock subscription: %w", err)
		}

		if !sub.CurrentPeriodEnd.Equal(expectedPeriodEnd) {
			return ErrRolloverAlreadyApplied
		}
		if sub.Status != types.SubscriptionStatusActive || !sub.PeriodExpired(now) {
			return ErrRolloverAlreadyApplied
		}

		if sub.CancelAtPeriodEnd {
			return tx.WithContext(ctx).Model(&models.Subscription{}).
				Where("tenant_id = ?", tenantID).
				Update("status", types.SubscriptionStatusRetired).Error
		}

		plan := s.cfg.GetPlanByID(sub.PlanID)
		if plan == nil {
			return fmt.Errorf("plan not found: %s", sub.PlanID)
		}

		newStart := sub.CurrentPeriodEnd
		newEnd := newStart.AddDate(0, 1, 0)

		if _, err := s.ledger.ApplyDeltaTx(ctx, tx, &ledger.ApplyDeltaRequest{
			TenantID:    tenantID,
			Delta:       plan.MonthlyTokens,
			Type:        types.TokenTransactionTypeAllocation,
			Description: fmt.Sprintf("monthly allocation for plan %s", plan.ID),
			Extra: &models.TokenTransactionExtra{Allocation: &models.AllocationExtra{
				PlanID:      plan.ID,
				PeriodStart: newStart,
				PeriodEnd:   newEnd,
			}},
		}); err != nil {
			return fmt.Errorf("failed to grant allocation: %w", err)
		}

		// Usage resets only here, at the boundary; balance is untouched
		// beyond the additive allocation above.
		return tx.WithContext(ctx).Model(&models.Subscription{}).
			Where("tenant_id = ?", tenantID).
			Updates(map[string]any{
				"tokens_used_this_period": 0,
				"current_period_start":    newStart,
				"current_period_end":      newEnd,
				"is_trialing":             false,
			}).Error
	})
}

func registerLifecycle(lc fx.Lifecycle, s *Scheduler, log *zap.SugaredLogger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting rollover scheduler", "interval", s.cfg.Rollover.TickInterval)
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping rollover scheduler")
			return s.Stop(ctx)
		},
	})
}

// Module exposes the rollover scheduler via Fx.
var Module = fx.Options(
	fx.Provide(NewScheduler),
	fx.Invoke(registerLifecycle),
)
