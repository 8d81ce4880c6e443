package planchange

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agencykit/tokenmeter/internal/app/service/ledger"
	"github.com/agencykit/tokenmeter/internal/models"
	"github.com/agencykit/tokenmeter/internal/platform/invoicing"
	"github.com/agencykit/tokenmeter/pkg/config"
	"github.com/agencykit/tokenmeter/pkg/types"
)

func newTestService(t *testing.T) (*Service, *ledger.Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Subscription{}, &models.TokenTransaction{}))

	cfg := &config.Config{Plans: []*types.Plan{
		{ID: "starter", Name: "Starter", MonthlyPrice: 50, MonthlyTokens: 1000, OverageTokenCost: 0.01},
		{ID: "growth", Name: "Growth", MonthlyPrice: 110, MonthlyTokens: 5000, OverageTokenCost: 0.008, OverageEnabled: true},
	}}
	log := zap.NewNop().Sugar()
	led := ledger.NewService(cfg, db, log)
	inv := invoicing.NewClient(cfg, log)
	return NewService(cfg, db, log, led, inv), led, db
}

// setPeriod pins the billing window so the remaining fraction is known.
func setPeriod(t *testing.T, db *gorm.DB, tenantID string, start, end time.Time) {
	t.Helper()
	require.NoError(t, db.Model(&models.Subscription{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]any{
			"current_period_start": start,
			"current_period_end":   end,
		}).Error)
}

func TestChangePlan_UpgradeMidPeriod(t *testing.T) {
	svc, led, db := newTestService(t)
	ctx := context.Background()

	_, err := led.CreateSubscription(ctx, &ledger.CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)
	// Half the period remains: 15 of 30 days.
	now := time.Now()
	setPeriod(t, db, "t1", now.Add(-15*24*time.Hour), now.Add(15*24*time.Hour))

	res, err := svc.ChangePlan(ctx, "t1", "growth")
	require.NoError(t, err)
	// (5000 - 1000) * 15/30
	require.Equal(t, int64(2000), res.TokenAdjustment)
	// (110 - 50) * 15/30
	require.Equal(t, 30.0, res.ProRatedPriceDifference)
	// Standing balance is preserved, the adjustment lands on top.
	require.Equal(t, int64(3000), res.NewBalance)

	sub, err := led.GetSubscription(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "growth", sub.PlanID)
	require.Equal(t, int64(5000), sub.MonthlyAllocation)
	require.True(t, sub.OverageEnabled)
	require.Equal(t, int64(3000), sub.TokenBalance)

	var row models.TokenTransaction
	require.NoError(t, db.Where("tenant_id = ? AND type = ?", "t1", types.TokenTransactionTypePlanAdjustment).
		First(&row).Error)
	require.Equal(t, int64(2000), row.Tokens)
	extra := row.Extra.Data()
	require.NotNil(t, extra)
	require.NotNil(t, extra.PlanAdjustment)
	require.Equal(t, "starter", extra.PlanAdjustment.FromPlanID)
	require.Equal(t, "growth", extra.PlanAdjustment.ToPlanID)
	require.Equal(t, 30.0, extra.PlanAdjustment.PriceDifference)
}

func TestChangePlan_DowngradeCanGoNegative(t *testing.T) {
	svc, led, db := newTestService(t)
	ctx := context.Background()

	_, err := led.CreateSubscription(ctx, &ledger.CreateSubscriptionRequest{TenantID: "t1", PlanID: "growth"})
	require.NoError(t, err)
	// Spend most of the allocation, then downgrade with half the period left.
	_, err = led.ApplyDelta(ctx, &ledger.ApplyDeltaRequest{TenantID: "t1", Delta: -4500, Type: types.TokenTransactionTypeConsume})
	require.NoError(t, err)
	now := time.Now()
	setPeriod(t, db, "t1", now.Add(-15*24*time.Hour), now.Add(15*24*time.Hour))

	res, err := svc.ChangePlan(ctx, "t1", "starter")
	require.NoError(t, err)
	// (1000 - 5000) * 15/30
	require.Equal(t, int64(-2000), res.TokenAdjustment)
	require.Equal(t, -30.0, res.ProRatedPriceDifference)
	// 500 - 2000: negative balances are legal, nothing is clamped.
	require.Equal(t, int64(-1500), res.NewBalance)

	// The fold still matches the stored balance.
	rep, err := led.Replay(ctx, "t1")
	require.NoError(t, err)
	require.True(t, rep.Consistent)
}

func TestChangePlan_SamePlan(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()

	_, err := led.CreateSubscription(ctx, &ledger.CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)

	_, err = svc.ChangePlan(ctx, "t1", "starter")
	require.ErrorIs(t, err, ErrSamePlan)
}

func TestChangePlan_UnknownPlan(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()

	_, err := led.CreateSubscription(ctx, &ledger.CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)

	_, err = svc.ChangePlan(ctx, "t1", "enterprise")
	require.ErrorIs(t, err, ErrUnknownPlan)
}

func TestChangePlan_RetiredSubscription(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()

	_, err := led.CreateSubscription(ctx, &ledger.CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)
	require.NoError(t, led.RetireSubscription(ctx, "t1"))

	_, err = svc.ChangePlan(ctx, "t1", "growth")
	require.ErrorIs(t, err, ledger.ErrSubscriptionRetired)
}

func TestPeriodDays(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	remaining, total := periodDays(start, end, start.AddDate(0, 0, 10))
	require.Equal(t, 31, total)
	require.Equal(t, 21, remaining)

	// Past the end: nothing remains.
	remaining, _ = periodDays(start, end, end.Add(time.Hour))
	require.Equal(t, 0, remaining)

	// Before the start: clamped to the full period.
	remaining, total = periodDays(start, end, start.Add(-time.Hour))
	require.Equal(t, total, remaining)

	// Degenerate window still divides by at least one day.
	_, total = periodDays(start, start, start)
	require.Equal(t, 1, total)
}
