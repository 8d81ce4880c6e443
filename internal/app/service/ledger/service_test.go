package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agencykit/tokenmeter/internal/models"
	"github.com/agencykit/tokenmeter/pkg/config"
	"github.com/agencykit/tokenmeter/pkg/types"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Subscription{}, &models.TokenTransaction{}))

	cfg := &config.Config{Plans: []*types.Plan{
		{ID: "starter", Name: "Starter", MonthlyPrice: 49, MonthlyTokens: 1000, OverageTokenCost: 0.01},
		{ID: "growth", Name: "Growth", MonthlyPrice: 99, MonthlyTokens: 5000, OverageTokenCost: 0.008, OverageEnabled: true},
	}}
	return NewService(cfg, db, zap.NewNop().Sugar()), db
}

func foldLedger(t *testing.T, db *gorm.DB, tenantID string) int64 {
	t.Helper()
	var sum int64
	require.NoError(t, db.Model(&models.TokenTransaction{}).
		Where("tenant_id = ?", tenantID).
		Select("COALESCE(SUM(tokens), 0)").
		Scan(&sum).Error)
	return sum
}

func TestCreateSubscription_GrantsInitialAllocation(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	sub, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)
	require.Equal(t, int64(1000), sub.TokenBalance)
	require.Equal(t, int64(1000), sub.MonthlyAllocation)
	require.Equal(t, types.SubscriptionStatusActive, sub.Status)

	var rows []*models.TokenTransaction
	require.NoError(t, db.Where("tenant_id = ?", "t1").Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, types.TokenTransactionTypeAllocation, rows[0].Type)
	require.Equal(t, int64(0), rows[0].BalanceBefore)
	require.Equal(t, int64(1000), rows[0].BalanceAfter)

	require.Equal(t, sub.TokenBalance, foldLedger(t, db, "t1"))
}

func TestCreateSubscription_UnknownPlan(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateSubscription(context.Background(), &CreateSubscriptionRequest{TenantID: "t1", PlanID: "nope"})
	require.Error(t, err)
}

func TestApplyDelta_FoldMatchesBalance(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)

	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{TenantID: "t1", Delta: 500, Type: types.TokenTransactionTypeRefill})
	require.NoError(t, err)
	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{TenantID: "t1", Delta: -300, Type: types.TokenTransactionTypeConsume})
	require.NoError(t, err)
	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{TenantID: "t1", Delta: 25, Type: types.TokenTransactionTypeBonus})
	require.NoError(t, err)

	sub, err := svc.GetSubscription(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(1225), sub.TokenBalance)
	require.Equal(t, sub.TokenBalance, foldLedger(t, db, "t1"))

	res, err := svc.Replay(ctx, "t1")
	require.NoError(t, err)
	require.True(t, res.Consistent)
}

func TestApplyDelta_ChainsBalances(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)
	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{TenantID: "t1", Delta: -100, Type: types.TokenTransactionTypeConsume})
	require.NoError(t, err)
	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{TenantID: "t1", Delta: 50, Type: types.TokenTransactionTypeRefill})
	require.NoError(t, err)

	var rows []*models.TokenTransaction
	require.NoError(t, db.Where("tenant_id = ?", "t1").Order("id").Find(&rows).Error)
	require.Len(t, rows, 3)
	for i := 1; i < len(rows); i++ {
		require.Equal(t, rows[i-1].BalanceAfter, rows[i].BalanceBefore)
	}
}

func TestApplyDelta_UnknownTenant(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ApplyDelta(context.Background(), &ApplyDeltaRequest{TenantID: "ghost", Delta: 10, Type: types.TokenTransactionTypeBonus})
	require.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestConditionalDebit_Success(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)

	txn, err := svc.ConditionalDebit(ctx, &ConditionalDebitRequest{TenantID: "t1", Cost: 400, ActionType: "ai_post_generation"})
	require.NoError(t, err)
	require.Equal(t, int64(-400), txn.Tokens)
	require.Equal(t, int64(1000), txn.BalanceBefore)
	require.Equal(t, int64(600), txn.BalanceAfter)

	sub, err := svc.GetSubscription(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(600), sub.TokenBalance)
	require.Equal(t, int64(400), sub.TokensUsedThisPeriod)
	require.Equal(t, int64(400), sub.LifetimeTokensUsed)
	require.Equal(t, sub.TokenBalance, foldLedger(t, db, "t1"))
}

func TestConditionalDebit_InsufficientWritesNothing(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)

	_, err = svc.ConditionalDebit(ctx, &ConditionalDebitRequest{TenantID: "t1", Cost: 2000, ActionType: "ai_post_generation"})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	sub, err := svc.GetSubscription(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), sub.TokenBalance)
	require.Equal(t, int64(0), sub.TokensUsedThisPeriod)

	var count int64
	require.NoError(t, db.Model(&models.TokenTransaction{}).
		Where("tenant_id = ? AND type = ?", "t1", types.TokenTransactionTypeConsume).
		Count(&count).Error)
	require.Equal(t, int64(0), count)
}

func TestConditionalDebit_AllowNegative(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)

	txn, err := svc.ConditionalDebit(ctx, &ConditionalDebitRequest{TenantID: "t1", Cost: 1500, ActionType: "bulk_export", AllowNegative: true})
	require.NoError(t, err)
	require.Equal(t, int64(-500), txn.BalanceAfter)
	require.Equal(t, txn.BalanceAfter, foldLedger(t, db, "t1"))
}

func TestConditionalDebit_ZeroCostAlwaysAllowed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)
	// Drive the balance negative, then record a free action.
	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{TenantID: "t1", Delta: -1100, Type: types.TokenTransactionTypeConsume})
	require.NoError(t, err)

	txn, err := svc.ConditionalDebit(ctx, &ConditionalDebitRequest{TenantID: "t1", Cost: 0, ActionType: "dashboard_view"})
	require.NoError(t, err)
	require.Equal(t, int64(0), txn.Tokens)
	require.Equal(t, int64(-100), txn.BalanceAfter)
}

func TestConditionalDebit_RetiredSubscription(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)
	require.NoError(t, svc.RetireSubscription(ctx, "t1"))

	_, err = svc.ConditionalDebit(ctx, &ConditionalDebitRequest{TenantID: "t1", Cost: 1, ActionType: "ai_post_generation"})
	require.ErrorIs(t, err, ErrSubscriptionRetired)
}

func TestConditionalDebit_UnknownTenant(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ConditionalDebit(context.Background(), &ConditionalDebitRequest{TenantID: "ghost", Cost: 1, ActionType: "x"})
	require.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestConditionalDebit_ConcurrentNeverOverspends(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)
	// Leave a balance that affords exactly 5 debits of 10.
	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{TenantID: "t1", Delta: -945, Type: types.TokenTransactionTypeConsume})
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.ConditionalDebit(ctx, &ConditionalDebitRequest{TenantID: "t1", Cost: 10, ActionType: "email_send"})
		}(i)
	}
	wg.Wait()

	allowed, denied := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			allowed++
		default:
			require.ErrorIs(t, err, ErrInsufficientBalance)
			denied++
		}
	}
	require.Equal(t, 5, allowed)
	require.Equal(t, 5, denied)

	sub, err := svc.GetSubscription(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(5), sub.TokenBalance)
	require.Equal(t, sub.TokenBalance, foldLedger(t, db, "t1"))
}

func TestRetireSubscription_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)

	require.NoError(t, svc.RetireSubscription(ctx, "t1"))
	require.ErrorIs(t, svc.RetireSubscription(ctx, "t1"), ErrSubscriptionNotFound)
}

func TestReplay_MismatchHaltsDebits(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)

	// Corrupt the materialized balance behind the ledger's back.
	require.NoError(t, db.Model(&models.Subscription{}).
		Where("tenant_id = ?", "t1").
		Update("token_balance", 9999).Error)

	res, err := svc.Replay(ctx, "t1")
	require.ErrorIs(t, err, ErrLedgerMismatch)
	require.NotNil(t, res)
	require.False(t, res.Consistent)
	require.Equal(t, int64(1000), res.ComputedBalance)
	require.Equal(t, int64(9999), res.StoredBalance)

	_, err = svc.ConditionalDebit(ctx, &ConditionalDebitRequest{TenantID: "t1", Cost: 1, ActionType: "email_send"})
	require.ErrorIs(t, err, ErrDebitsHalted)
}

func TestReplay_ConsistentUnderConcurrentGrants(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)

	// Grants land while replays run. A healthy ledger must never be
	// reported inconsistent, no matter where a delta commits.
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 50; i++ {
			if _, err := svc.ApplyDelta(ctx, &ApplyDeltaRequest{TenantID: "t1", Delta: 1, Type: types.TokenTransactionTypeBonus}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < 50; i++ {
		res, err := svc.Replay(ctx, "t1")
		require.NoError(t, err)
		require.True(t, res.Consistent)
	}
	require.NoError(t, <-done)

	sub, err := svc.GetSubscription(ctx, "t1")
	require.NoError(t, err)
	require.False(t, sub.DebitsHalted)
}

func TestScanTransactions_Pagination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{TenantID: "t1", Delta: -10, Type: types.TokenTransactionTypeConsume})
		require.NoError(t, err)
	}

	res, err := svc.ScanTransactions(ctx, &ScanTransactionsRequest{Size: 3})
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Total)
	require.Len(t, res.Items, 3)

	res, err = svc.ScanTransactions(ctx, &ScanTransactionsRequest{From: 3, Size: 3})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
}

func TestScanTransactions_Filtered(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t1", PlanID: "starter"})
	require.NoError(t, err)
	_, err = svc.CreateSubscription(ctx, &CreateSubscriptionRequest{TenantID: "t2", PlanID: "growth"})
	require.NoError(t, err)
	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{TenantID: "t2", Delta: -42, Type: types.TokenTransactionTypeConsume})
	require.NoError(t, err)

	res, err := svc.ScanTransactions(ctx, &ScanTransactionsRequest{
		Size: 10,
		Filters: []*types.CommonFilter{
			{Field: "tenant_id", Operator: types.CommonFilterOperatorEq, Values: []any{"t2"}},
			{Field: "type", Operator: types.CommonFilterOperatorEq, Values: []any{string(types.TokenTransactionTypeConsume)}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Total)
	require.Len(t, res.Items, 1)
	require.Equal(t, int64(-42), res.Items[0].Tokens)
}
