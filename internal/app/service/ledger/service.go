package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agencykit/tokenmeter/internal/models"
	"github.com/agencykit/tokenmeter/pkg/config"
	"github.com/agencykit/tokenmeter/pkg/logctx"
	"github.com/agencykit/tokenmeter/pkg/metrics"
	"github.com/agencykit/tokenmeter/pkg/tool"
	"github.com/agencykit/tokenmeter/pkg/types"
)

// Service owns every mutation of Subscription.TokenBalance. All other
// components change balances only through ApplyDelta/ConditionalDebit, never
// by reading and writing the column themselves.
type Service struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{cfg: cfg, db: db, log: log}
}

// lockForUpdate applies a row lock where the dialect supports it. SQLite
// serializes writers globally, so the clause is omitted there.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector != nil && tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

type ApplyDeltaRequest struct {
	TenantID    string
	Delta       int64
	Type        types.TokenTransactionType
	ActionType  *string
	Description string
	Extra       *models.TokenTransactionExtra
}

// ApplyDelta applies a signed token delta and appends the matching ledger row
// in one database transaction. Negative balances are never clamped.
func (s *Service) ApplyDelta(ctx context.Context, req *ApplyDeltaRequest) (*models.TokenTransaction, error) {
	var txn *models.TokenTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = s.ApplyDeltaTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// ApplyDeltaTx is ApplyDelta running inside an existing transaction, for
// callers that mutate subscription state alongside the balance (rollover,
// plan change).
func (s *Service) ApplyDeltaTx(ctx context.Context, tx *gorm.DB, req *ApplyDeltaRequest) (*models.TokenTransaction, error) {
	if req == nil || req.TenantID == "" {
		return nil, fmt.Errorf("invalid apply delta request")
	}

	var sub models.Subscription
	if err := lockForUpdate(tx.WithContext(ctx)).Where("tenant_id = ?", req.TenantID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.DebitsHalted && req.Delta < 0 {
		return nil, ErrDebitsHalted
	}

	before := sub.TokenBalance
	after := before + req.Delta
	debited := int64(0)
	if req.Delta < 0 {
		debited = -req.Delta
	}

	updates := map[string]any{
		"token_balance": after,
	}
	if req.Type == types.TokenTransactionTypeConsume && debited > 0 {
		updates["tokens_used_this_period"] = gorm.Expr("tokens_used_this_period + ?", debited)
	}
	if req.Type.CountsTowardUsage() && debited > 0 {
		updates["lifetime_tokens_used"] = gorm.Expr("lifetime_tokens_used + ?", debited)
	}
	if err := tx.WithContext(ctx).Model(&models.Subscription{}).
		Where("tenant_id = ?", req.TenantID).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	txn := &models.TokenTransaction{
		ID:             tool.GenerateUUIDV7(),
		TenantID:       req.TenantID,
		SubscriptionID: sub.ID,
		Type:           req.Type,
		Tokens:         req.Delta,
		BalanceBefore:  before,
		BalanceAfter:   after,
		ActionType:     req.ActionType,
		Description:    req.Description,
		Extra:          datatypes.NewJSONType(req.Extra),
	}
	if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
		return nil, fmt.Errorf("failed to append token transaction: %w", err)
	}
	return txn, nil
}

type ConditionalDebitRequest struct {
	TenantID    string
	Cost        int64
	ActionType  string
	Description string
	// AllowNegative lets the debit drive the balance below zero (overage).
	AllowNegative bool
	Extra         *models.TokenTransactionExtra
}

// ConditionalDebit collapses check-then-act into one conditional UPDATE:
// "decrement where the balance affords it", keyed on the tenant row. Two
// concurrent calls can never both spend the same tokens; the loser of the
// condition is denied without writing anything.
func (s *Service) ConditionalDebit(ctx context.Context, req *ConditionalDebitRequest) (*models.TokenTransaction, error) {
	if req == nil || req.TenantID == "" {
		return nil, fmt.Errorf("invalid conditional debit request")
	}
	if req.Cost < 0 {
		return nil, fmt.Errorf("negative cost: %d", req.Cost)
	}

	// A zero-cost action needs no funds; it is still recorded.
	allowNegative := req.AllowNegative || req.Cost == 0

	var txn *models.TokenTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var updated models.Subscription
		q := tx.WithContext(ctx).Model(&updated).
			Clauses(clause.Returning{}).
			Where("tenant_id = ? AND status = ? AND debits_halted = ?",
				req.TenantID, types.SubscriptionStatusActive, false)
		if !allowNegative {
			q = q.Where("token_balance >= ?", req.Cost)
		}
		res := q.Updates(map[string]any{
			"token_balance":           gorm.Expr("token_balance - ?", req.Cost),
			"tokens_used_this_period": gorm.Expr("tokens_used_this_period + ?", req.Cost),
			"lifetime_tokens_used":    gorm.Expr("lifetime_tokens_used + ?", req.Cost),
		})
		if res.Error != nil {
			return fmt.Errorf("conditional debit failed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return s.classifyDebitFailure(ctx, tx, req)
		}

		after := updated.TokenBalance
		actionType := req.ActionType
		txn = &models.TokenTransaction{
			ID:             tool.GenerateUUIDV7(),
			TenantID:       req.TenantID,
			SubscriptionID: updated.ID,
			Type:           types.TokenTransactionTypeConsume,
			Tokens:         -req.Cost,
			BalanceBefore:  after + req.Cost,
			BalanceAfter:   after,
			ActionType:     &actionType,
			Description:    req.Description,
			Extra:          datatypes.NewJSONType(req.Extra),
		}
		return tx.WithContext(ctx).Create(txn).Error
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// classifyDebitFailure turns "zero rows affected" into a precise denial. A
// fresh read that says the condition should have held means we raced another
// writer; the caller retries once against the new state.
func (s *Service) classifyDebitFailure(ctx context.Context, tx *gorm.DB, req *ConditionalDebitRequest) error {
	var sub models.Subscription
	if err := tx.WithContext(ctx).Where("tenant_id = ?", req.TenantID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to inspect subscription: %w", err)
	}
	switch {
	case sub.Status != types.SubscriptionStatusActive:
		return ErrSubscriptionRetired
	case sub.DebitsHalted:
		return ErrDebitsHalted
	case req.AllowNegative || req.Cost == 0 || sub.TokenBalance >= req.Cost:
		return ErrDebitConflict
	default:
		return ErrInsufficientBalance
	}
}

// GetSubscription returns the live row for a tenant.
func (s *Service) GetSubscription(ctx context.Context, tenantID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

type CreateSubscriptionRequest struct {
	TenantID string `json:"tenant_id"`
	PlanID   string `json:"plan_id"`
	Trialing bool   `json:"trialing"`
}

// CreateSubscription opens a tenant's subscription and grants the first
// period allocation through the ledger so the fold invariant holds from the
// very first row.
func (s *Service) CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*models.Subscription, error) {
	if req == nil || req.TenantID == "" {
		return nil, fmt.Errorf("invalid create subscription request")
	}
	plan := s.cfg.GetPlanByID(req.PlanID)
	if plan == nil {
		return nil, fmt.Errorf("plan not found: %s", req.PlanID)
	}

	now := time.Now()
	sub := &models.Subscription{
		ID:                 tool.GenerateUUIDV7(),
		TenantID:           req.TenantID,
		PlanID:             plan.ID,
		Status:             types.SubscriptionStatusActive,
		MonthlyAllocation:  plan.MonthlyTokens,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		OverageEnabled:     plan.OverageEnabled,
		OverageTokenCost:   plan.OverageTokenCost,
		IsTrialing:         req.Trialing,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(sub).Error; err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		_, err := s.ApplyDeltaTx(ctx, tx, &ApplyDeltaRequest{
			TenantID:    req.TenantID,
			Delta:       plan.MonthlyTokens,
			Type:        types.TokenTransactionTypeAllocation,
			Description: fmt.Sprintf("initial allocation for plan %s", plan.ID),
			Extra: &models.TokenTransactionExtra{Allocation: &models.AllocationExtra{
				PlanID:      plan.ID,
				PeriodStart: sub.CurrentPeriodStart,
				PeriodEnd:   sub.CurrentPeriodEnd,
			}},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetSubscription(ctx, req.TenantID)
}

// RetireSubscription soft-retires the row; ledger history stays intact.
func (s *Service) RetireSubscription(ctx context.Context, tenantID string) error {
	res := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("tenant_id = ? AND status = ?", tenantID, types.SubscriptionStatusActive).
		Update("status", types.SubscriptionStatusRetired)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SetBillingFlag marks (or clears) a failed external charge on the tenant.
func (s *Service) SetBillingFlag(ctx context.Context, tenantID string, flagged bool) error {
	return s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("tenant_id = ?", tenantID).
		Update("billing_flag", flagged).Error
}

type ReplayResult struct {
	TenantID        string `json:"tenant_id"`
	ComputedBalance int64  `json:"computed_balance"`
	StoredBalance   int64  `json:"stored_balance"`
	Consistent      bool   `json:"consistent"`
}

// Replay folds every ledger row for a tenant and compares the sum to the
// stored balance. A mismatch is the one fatal condition of the engine: the
// tenant's debits are halted until reconciled offline. The stored-balance
// read, the fold and the halt run in one transaction under a row lock, so a
// delta committing mid-replay can never fake a mismatch on a healthy ledger.
func (s *Service) Replay(ctx context.Context, tenantID string) (*ReplayResult, error) {
	var result *ReplayResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := lockForUpdate(tx.WithContext(ctx)).Where("tenant_id = ?", tenantID).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSubscriptionNotFound
			}
			return fmt.Errorf("failed to load subscription: %w", err)
		}

		var computed int64
		if err := tx.WithContext(ctx).Model(&models.TokenTransaction{}).
			Where("tenant_id = ?", tenantID).
			Select("COALESCE(SUM(tokens), 0)").
			Scan(&computed).Error; err != nil {
			return fmt.Errorf("failed to fold ledger: %w", err)
		}

		result = &ReplayResult{
			TenantID:        tenantID,
			ComputedBalance: computed,
			StoredBalance:   sub.TokenBalance,
			Consistent:      computed == sub.TokenBalance,
		}
		if result.Consistent {
			return nil
		}

		metrics.LedgerMismatchesTotal.Inc()
		logctx.FromCtx(ctx, s.log).Errorw("ledger replay mismatch, halting debits",
			"tenant_id", tenantID, "computed", computed, "stored", sub.TokenBalance)
		if err := tx.WithContext(ctx).Model(&models.Subscription{}).
			Where("tenant_id = ?", tenantID).
			Update("debits_halted", true).Error; err != nil {
			return fmt.Errorf("failed to halt debits: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Consistent {
		return result, ErrLedgerMismatch
	}
	return result, nil
}

// filtersAnd combines multiple CommonFilter into a single clause.Expression.
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	exprs := make([]clause.Expression, 0, len(w.filters))
	for _, f := range w.filters {
		exprs = append(exprs, f)
	}
	clause.And(exprs...).Build(builder)
}

type ScanTransactionsRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type ScanTransactionsResponse struct {
	Items []*models.TokenTransaction `json:"items"`
	Total int64                      `json:"total"`
}

// ScanTransactions implements paginated/filtered ledger listing for the
// admin and reporting surface. Read-only.
func (s *Service) ScanTransactions(ctx context.Context, req *ScanTransactionsRequest) (*ScanTransactionsResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Size <= 0 {
		req.Size = 10
	}
	if req.From < 0 {
		req.From = 0
	}

	tx := s.db.WithContext(ctx).Model(&models.TokenTransaction{})
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count token transactions: %w", err)
	}

	var rows []*models.TokenTransaction

	q := tx.Limit(req.Size)
	if req.From > 0 {
		q = q.Offset(req.From)
	}
	if req.SortBy == "" {
		req.SortBy = "created_at"
	}
	q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: req.SortBy}, Desc: req.SortOrder != "asc"}}})
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list token transactions: %w", err)
	}

	return &ScanTransactionsResponse{Items: rows, Total: total}, nil
}
