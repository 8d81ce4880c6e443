package statistics

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agencykit/tokenmeter/internal/app/service/ledger"
	"github.com/agencykit/tokenmeter/internal/models"
	"github.com/agencykit/tokenmeter/pkg/config"
	"github.com/agencykit/tokenmeter/pkg/types"
)

func newTestService(t *testing.T) (*Service, *ledger.Service) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Subscription{}, &models.TokenTransaction{}))

	cfg := &config.Config{Plans: []*types.Plan{
		{ID: "starter", Name: "Starter", MonthlyPrice: 49, MonthlyTokens: 1000},
	}}
	led := ledger.NewService(cfg, db, zap.NewNop().Sugar())
	return New(db), led
}

func seedUsage(t *testing.T, led *ledger.Service) {
	t.Helper()
	ctx := context.Background()
	for _, tenant := range []string{"t1", "t2"} {
		_, err := led.CreateSubscription(ctx, &ledger.CreateSubscriptionRequest{TenantID: tenant, PlanID: "starter"})
		require.NoError(t, err)
	}
	_, err := led.ApplyDelta(ctx, &ledger.ApplyDeltaRequest{TenantID: "t1", Delta: -100, Type: types.TokenTransactionTypeConsume})
	require.NoError(t, err)
	_, err = led.ApplyDelta(ctx, &ledger.ApplyDeltaRequest{TenantID: "t1", Delta: -50, Type: types.TokenTransactionTypeConsume})
	require.NoError(t, err)
	_, err = led.ApplyDelta(ctx, &ledger.ApplyDeltaRequest{TenantID: "t2", Delta: -30, Type: types.TokenTransactionTypeConsume})
	require.NoError(t, err)
}

func TestGetUsageStatistic_DailyTokensConsumed(t *testing.T) {
	svc, led := newTestService(t)
	seedUsage(t, led)

	res, err := svc.GetUsageStatistic(context.Background(), &UsageStatisticRequest{
		DataItems: []*UsageStatisticDataItem{{ID: StatisticTypeDailyTokensConsumed}},
	})
	require.NoError(t, err)

	series := res.DataItems[StatisticTypeDailyTokensConsumed]
	require.Len(t, series, 1)
	require.Equal(t, int64(180), series[0].Value)
	require.NotEmpty(t, series[0].Date)
}

func TestGetUsageStatistic_TopConsumers(t *testing.T) {
	svc, led := newTestService(t)
	seedUsage(t, led)

	res, err := svc.GetUsageStatistic(context.Background(), &UsageStatisticRequest{
		DataItems: []*UsageStatisticDataItem{{ID: StatisticTypeTopConsumers}},
	})
	require.NoError(t, err)

	series := res.DataItems[StatisticTypeTopConsumers]
	require.Len(t, series, 2)
	require.Equal(t, "t1", series[0].Label)
	require.Equal(t, int64(150), series[0].Value)
	require.Equal(t, "t2", series[1].Label)
	require.Equal(t, int64(30), series[1].Value)
}

func TestGetUsageStatistic_FilteredByTenant(t *testing.T) {
	svc, led := newTestService(t)
	seedUsage(t, led)

	res, err := svc.GetUsageStatistic(context.Background(), &UsageStatisticRequest{
		Filters: []*types.CommonFilter{
			{Field: "tenant_id", Operator: types.CommonFilterOperatorEq, Values: []any{"t2"}},
		},
		DataItems: []*UsageStatisticDataItem{{ID: StatisticTypeDailyTokensConsumed}},
	})
	require.NoError(t, err)

	series := res.DataItems[StatisticTypeDailyTokensConsumed]
	require.Len(t, series, 1)
	require.Equal(t, int64(30), series[0].Value)
}

func TestGetUsageStatistic_MultipleSeries(t *testing.T) {
	svc, led := newTestService(t)
	seedUsage(t, led)

	res, err := svc.GetUsageStatistic(context.Background(), &UsageStatisticRequest{
		DataItems: []*UsageStatisticDataItem{
			{ID: StatisticTypeDailyTokensGranted},
			{ID: StatisticTypeActiveSubscriptions},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.DataItems, 2)

	granted := res.DataItems[StatisticTypeDailyTokensGranted]
	require.Len(t, granted, 1)
	require.Equal(t, int64(2000), granted[0].Value)

	active := res.DataItems[StatisticTypeActiveSubscriptions]
	require.Len(t, active, 1)
	require.Equal(t, "starter", active[0].Label)
	require.Equal(t, int64(2), active[0].Value)
}

func TestGetUsageStatistic_AllSeriesReturned(t *testing.T) {
	svc, led := newTestService(t)
	seedUsage(t, led)

	all := []StatisticType{
		StatisticTypeDailyTokensConsumed,
		StatisticTypeDailyTokensGranted,
		StatisticTypeDailyOverageCharges,
		StatisticTypeTopConsumers,
		StatisticTypeActiveSubscriptions,
	}
	items := make([]*UsageStatisticDataItem, 0, len(all))
	for _, id := range all {
		items = append(items, &UsageStatisticDataItem{ID: id})
	}

	// Every requested series must come back keyed in the response, even
	// when all workers finish before collection starts.
	res, err := svc.GetUsageStatistic(context.Background(), &UsageStatisticRequest{DataItems: items})
	require.NoError(t, err)
	require.Len(t, res.DataItems, len(all))
	for _, id := range all {
		require.Contains(t, res.DataItems, id)
	}
}

func TestGetUsageStatistic_UnknownSeries(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetUsageStatistic(context.Background(), &UsageStatisticRequest{
		DataItems: []*UsageStatisticDataItem{{ID: "bogus"}},
	})
	require.Error(t, err)
}
