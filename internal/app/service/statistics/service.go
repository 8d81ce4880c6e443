package statistics

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agencykit/tokenmeter/pkg/types"
)

// StatisticType identifies one usage analytics series over the token ledger.
type StatisticType string

const (
	// Daily token movement
	StatisticTypeDailyTokensConsumed StatisticType = "daily_tokens_consumed"
	StatisticTypeDailyTokensGranted  StatisticType = "daily_tokens_granted"
	StatisticTypeDailyOverageCharges StatisticType = "daily_overage_charges"

	// Tenant aggregates
	StatisticTypeTopConsumers        StatisticType = "top_consumers"
	StatisticTypeActiveSubscriptions StatisticType = "active_subscriptions"
)

type UsageStatisticDataItem struct {
	ID StatisticType `json:"id"`
}

type UsageStatisticRequest struct {
	Filters   []*types.CommonFilter     `json:"filters"`
	DataItems []*UsageStatisticDataItem `json:"data_items"`
}

// Build composes a WHERE clause from the request filters.
func (f *UsageStatisticRequest) Build(builder clause.Builder) {
	if len(f.Filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	for i, filter := range f.Filters {
		if i > 0 {
			builder.WriteString(" AND ")
		}
		filter.Build(builder)
	}
}

type UsageStatisticResponseDataItem struct {
	Date  string `json:"date,omitempty"`
	Label string `json:"label,omitempty"`
	Value int64  `json:"value"`
}

type UsageStatisticResponse struct {
	DataItems map[StatisticType][]UsageStatisticResponseDataItem `json:"data_items"`
}

// Service provides read-only analytics over the token transaction ledger.
type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service { return &Service{db: db} }

// dayExpr formats created_at as YYYY-MM-DD for the active dialect.
func (s *Service) dayExpr() string {
	if s.db.Dialector != nil && s.db.Dialector.Name() == "sqlite" {
		return "strftime('%Y-%m-%d', created_at)"
	}
	return "TO_CHAR(created_at, 'YYYY-MM-DD')"
}

func (s *Service) getDailyTokensConsumed(ctx context.Context, request *UsageStatisticRequest) ([]UsageStatisticResponseDataItem, error) {
	day := s.dayExpr()
	var results []UsageStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table("token_transaction").
		Select(day+" as date, SUM(-tokens) as value").
		Where("type = ?", types.TokenTransactionTypeConsume).
		Where(clause.Where{Exprs: []clause.Expression{request}}).
		Group(day).
		Order("date")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyTokensGranted(ctx context.Context, request *UsageStatisticRequest) ([]UsageStatisticResponseDataItem, error) {
	day := s.dayExpr()
	var results []UsageStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table("token_transaction").
		Select(day+" as date, type as label, SUM(tokens) as value").
		Where("tokens > 0").
		Where(clause.Where{Exprs: []clause.Expression{request}}).
		Group(day).
		Group("type").
		Order("date")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyOverageCharges(ctx context.Context, request *UsageStatisticRequest) ([]UsageStatisticResponseDataItem, error) {
	day := s.dayExpr()
	var results []UsageStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table("token_transaction").
		Select(day+" as date, COUNT(*) as value").
		Where("type = ?", types.TokenTransactionTypeOverageCharge).
		Where(clause.Where{Exprs: []clause.Expression{request}}).
		Group(day).
		Order("date")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getTopConsumers(ctx context.Context, request *UsageStatisticRequest) ([]UsageStatisticResponseDataItem, error) {
	var results []UsageStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table("token_transaction").
		Select("tenant_id as label, SUM(-tokens) as value").
		Where("type = ?", types.TokenTransactionTypeConsume).
		Where(clause.Where{Exprs: []clause.Expression{request}}).
		Group("tenant_id").
		Order("value DESC").
		Limit(20)
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getActiveSubscriptions(ctx context.Context, _ *UsageStatisticRequest) ([]UsageStatisticResponseDataItem, error) {
	var results []UsageStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table("subscription").
		Select("plan_id as label, COUNT(*) as value").
		Where("status = ?", types.SubscriptionStatusActive).
		Group("plan_id")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getUsageStatistic(ctx context.Context, request *UsageStatisticRequest, dataItem *UsageStatisticDataItem) ([]UsageStatisticResponseDataItem, error) {
	switch dataItem.ID {
	case StatisticTypeDailyTokensConsumed:
		return s.getDailyTokensConsumed(ctx, request)
	case StatisticTypeDailyTokensGranted:
		return s.getDailyTokensGranted(ctx, request)
	case StatisticTypeDailyOverageCharges:
		return s.getDailyOverageCharges(ctx, request)
	case StatisticTypeTopConsumers:
		return s.getTopConsumers(ctx, request)
	case StatisticTypeActiveSubscriptions:
		return s.getActiveSubscriptions(ctx, request)
	default:
		return nil, fmt.Errorf("invalid data item id: %s", dataItem.ID)
	}
}

// GetUsageStatistic resolves every requested series concurrently.
func (s *Service) GetUsageStatistic(ctx context.Context, request *UsageStatisticRequest) (*UsageStatisticResponse, error) {
	var wg sync.WaitGroup
	errChan := make(chan error, len(request.DataItems))
	resChan := make(chan *lo.Entry[StatisticType, []UsageStatisticResponseDataItem], len(request.DataItems))

	for _, item := range request.DataItems {
		wg.Add(1)
		go func(di *UsageStatisticDataItem) {
			defer wg.Done()
			res, err := s.getUsageStatistic(ctx, request, di)
			if err != nil {
				errChan <- err
				return
			}
			resChan <- &lo.Entry[StatisticType, []UsageStatisticResponseDataItem]{Key: di.ID, Value: res}
		}(item)
	}

	go func() { wg.Wait(); close(errChan); close(resChan) }()

	// Drain the result channel to completion before looking at errors. A
	// select against a closed error channel would win its races and drop
	// buffered series.
	results := make(map[StatisticType][]UsageStatisticResponseDataItem)
	for entry := range resChan {
		results[entry.Key] = entry.Value
	}
	if err := <-errChan; err != nil {
		return nil, err
	}
	return &UsageStatisticResponse{DataItems: results}, nil
}

// Module exposes the statistics service via Fx.
var Module = fx.Options(
	fx.Provide(New),
)
