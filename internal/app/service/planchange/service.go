package planchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agencykit/tokenmeter/internal/app/service/ledger"
	"github.com/agencykit/tokenmeter/internal/models"
	"github.com/agencykit/tokenmeter/internal/platform/invoicing"
	"github.com/agencykit/tokenmeter/pkg/config"
	"github.com/agencykit/tokenmeter/pkg/logctx"
	"github.com/agencykit/tokenmeter/pkg/types"
)

var (
	ErrUnknownPlan = errors.New("unknown plan")
	ErrSamePlan    = errors.New("already on requested plan")
)

// Result reports what a plan change did: the pro-rated token adjustment
// applied to the ledger and the pro-rated price difference handed to the
// invoicing collaborator. This engine computes the number; it moves no money.
type Result struct {
	TokenAdjustment         int64   `json:"token_adjustment"`
	ProRatedPriceDifference float64 `json:"pro_rated_price_difference"`
	NewBalance              int64   `json:"new_balance"`
}

// Service performs mid-period plan switches. The standing token balance is
// always preserved: tenants who saved up tokens keep them, only the
// entitlement difference is pro-rated in.
type Service struct {
	cfg       *config.Config
	db        *gorm.DB
	log       *zap.SugaredLogger
	ledger    *ledger.Service
	invoicing *invoicing.Client
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger, led *ledger.Service, inv *invoicing.Client) *Service {
	return &Service{cfg: cfg, db: db, log: log, ledger: led, invoicing: inv}
}

// ChangePlan switches the tenant to newPlanID, applying a plan_adjustment
// ledger row for the pro-rated token entitlement difference and computing
// the pro-rated price difference for invoicing.
func (s *Service) ChangePlan(ctx context.Context, tenantID, newPlanID string) (*Result, error) {
	newPlan := s.cfg.GetPlanByID(newPlanID)
	if newPlan == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, newPlanID)
	}

	sub, err := s.ledger.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !sub.Active() {
		return nil, ledger.ErrSubscriptionRetired
	}
	if sub.PlanID == newPlanID {
		return nil, ErrSamePlan
	}
	oldPlan := s.cfg.GetPlanByID(sub.PlanID)
	if oldPlan == nil {
		return nil, fmt.Errorf("%w: current plan %s", ErrUnknownPlan, sub.PlanID)
	}

	now := time.Now()
	daysRemaining, daysInPeriod := periodDays(sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	fraction := float64(daysRemaining) / float64(daysInPeriod)

	tokenAdjustment := int64(math.Round(float64(newPlan.MonthlyTokens-oldPlan.MonthlyTokens) * fraction))
	priceDifference := math.Round((newPlan.MonthlyPrice-oldPlan.MonthlyPrice)*fraction*100) / 100

	var newBalance int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := s.ledger.ApplyDeltaTx(ctx, tx, &ledger.ApplyDeltaRequest{
			TenantID:    tenantID,
			Delta:       tokenAdjustment,
			Type:        types.TokenTransactionTypePlanAdjustment,
			Description: fmt.Sprintf("plan change %s -> %s", oldPlan.ID, newPlan.ID),
			Extra: &models.TokenTransactionExtra{PlanAdjustment: &models.PlanAdjustmentExtra{
				FromPlanID:      oldPlan.ID,
				ToPlanID:        newPlan.ID,
				DaysRemaining:   daysRemaining,
				DaysInPeriod:    daysInPeriod,
				PriceDifference: priceDifference,
			}},
		})
		if err != nil {
			return err
		}
		newBalance = txn.BalanceAfter

		// Allocation going forward follows the new plan; the current
		// period window stays as is.
		return tx.WithContext(ctx).Model(&models.Subscription{}).
			Where("tenant_id = ?", tenantID).
			Updates(map[string]any{
				"plan_id":            newPlan.ID,
				"monthly_allocation": newPlan.MonthlyTokens,
				"overage_enabled":    newPlan.OverageEnabled,
				"overage_token_cost": newPlan.OverageTokenCost,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	log := logctx.FromCtx(ctx, s.log)
	if priceDifference != 0 {
		if ierr := s.invoicing.SubmitCharge(ctx, &invoicing.ChargeEvent{
			TenantID:    tenantID,
			Kind:        invoicing.ChargeKindPlanChange,
			Amount:      priceDifference,
			Description: fmt.Sprintf("pro-rated plan change %s -> %s (%d/%d days)", oldPlan.ID, newPlan.ID, daysRemaining, daysInPeriod),
		}); ierr != nil {
			// Tokens already adjusted stand; the failed charge is
			// flagged for manual collection, not rolled back.
			log.Warnw("plan change charge failed, flagging tenant",
				"tenant_id", tenantID, "amount", priceDifference, "err", ierr)
			if ferr := s.ledger.SetBillingFlag(ctx, tenantID, true); ferr != nil {
				log.Errorw("failed to set billing flag", "tenant_id", tenantID, "err", ferr)
			}
		}
	}

	log.Infow("plan changed", "tenant_id", tenantID, "from", oldPlan.ID, "to", newPlan.ID,
		"token_adjustment", tokenAdjustment, "price_difference", priceDifference)
	return &Result{
		TokenAdjustment:         tokenAdjustment,
		ProRatedPriceDifference: priceDifference,
		NewBalance:              newBalance,
	}, nil
}

// periodDays computes whole days remaining and in the period, both at least
// one so pro-ration never divides by zero on short or nearly-over periods.
func periodDays(start, end, now time.Time) (remaining, total int) {
	total = int(math.Round(end.Sub(start).Hours() / 24))
	if total < 1 {
		total = 1
	}
	remaining = int(math.Round(end.Sub(now).Hours() / 24))
	if remaining < 0 {
		remaining = 0
	}
	if remaining > total {
		remaining = total
	}
	return remaining, total
}
