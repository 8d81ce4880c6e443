package metering

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/agencykit/tokenmeter/internal/app/service/catalog"
	"github.com/agencykit/tokenmeter/internal/app/service/ledger"
	"github.com/agencykit/tokenmeter/internal/models"
	"github.com/agencykit/tokenmeter/internal/platform/invoicing"
	"github.com/agencykit/tokenmeter/pkg/logctx"
	"github.com/agencykit/tokenmeter/pkg/metrics"
	"github.com/agencykit/tokenmeter/pkg/types"
)

// Decision is the authorization verdict handed back to feature modules. When
// Allowed is false no ledger row was written and BalanceAfter == BalanceBefore.
type Decision struct {
	Allowed       bool    `json:"allowed"`
	ActionType    string  `json:"action_type"`
	Cost          int64   `json:"cost"`
	BalanceBefore int64   `json:"balance_before"`
	BalanceAfter  int64   `json:"balance_after"`
	OverageCharge float64 `json:"overage_charge,omitempty"`
}

// balanceLedger is the slice of the ledger the authorizer depends on.
type balanceLedger interface {
	GetSubscription(ctx context.Context, tenantID string) (*models.Subscription, error)
	ConditionalDebit(ctx context.Context, req *ledger.ConditionalDebitRequest) (*models.TokenTransaction, error)
	ApplyDelta(ctx context.Context, req *ledger.ApplyDeltaRequest) (*models.TokenTransaction, error)
	SetBillingFlag(ctx context.Context, tenantID string, flagged bool) error
}

// Service is the consumption authorizer: it resolves cost, performs the
// atomic conditional debit and drives the overage branch. Feature modules
// must not perform a metered action when Allowed is false.
type Service struct {
	catalog   *catalog.Service
	ledger    balanceLedger
	invoicing *invoicing.Client
	log       *zap.SugaredLogger
}

func NewService(cat *catalog.Service, led *ledger.Service, inv *invoicing.Client, log *zap.SugaredLogger) *Service {
	return &Service{catalog: cat, ledger: led, invoicing: inv, log: log}
}

// Authorize decides whether the tenant may perform actionType and, if so,
// debits the cost exactly once. Denials mutate nothing.
func (s *Service) Authorize(ctx context.Context, tenantID, actionType string) (*Decision, error) {
	if tenantID == "" || actionType == "" {
		return nil, fmt.Errorf("tenant_id and action_type required")
	}

	entry, err := s.catalog.Get(ctx, actionType)
	if err != nil {
		// Fail closed: no catalog entry means the cost cannot be
		// determined, not that the action is free.
		metrics.AuthorizationsTotal.WithLabelValues(actionType, "unknown_action").Inc()
		return nil, err
	}
	cost := entry.TokenCost

	sub, err := s.ledger.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	req := &ledger.ConditionalDebitRequest{
		TenantID:      tenantID,
		Cost:          cost,
		ActionType:    actionType,
		Description:   fmt.Sprintf("consume %s", actionType),
		AllowNegative: sub.OverageEnabled,
		Extra: &models.TokenTransactionExtra{Consume: &models.ConsumeExtra{
			UnitCost: cost,
			Category: entry.Category,
		}},
	}

	txn, err := s.ledger.ConditionalDebit(ctx, req)
	if errors.Is(err, ledger.ErrDebitConflict) {
		// The condition is re-checked against fresh state; one bounded
		// retry before surfacing denial.
		txn, err = s.ledger.ConditionalDebit(ctx, req)
		if errors.Is(err, ledger.ErrDebitConflict) {
			err = ledger.ErrInsufficientBalance
		}
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		metrics.AuthorizationsTotal.WithLabelValues(actionType, "denied").Inc()
		balance, berr := s.currentBalance(ctx, tenantID)
		if berr != nil {
			return nil, berr
		}
		return &Decision{
			Allowed:       false,
			ActionType:    actionType,
			Cost:          cost,
			BalanceBefore: balance,
			BalanceAfter:  balance,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.AuthorizationsTotal.WithLabelValues(actionType, "allowed").Inc()
	metrics.TokensConsumedTotal.WithLabelValues(actionType).Add(float64(cost))

	decision := &Decision{
		Allowed:       true,
		ActionType:    actionType,
		Cost:          cost,
		BalanceBefore: txn.BalanceBefore,
		BalanceAfter:  txn.BalanceAfter,
	}

	if txn.BalanceAfter < 0 {
		decision.OverageCharge = s.billOverage(ctx, sub, txn, cost)
	}
	return decision, nil
}

// billOverage prices the share of this debit that dipped below zero, records
// the overage_charge ledger row and hands the amount to invoicing. A failed
// charge flags the tenant for manual collection; the tokens already debited
// stand.
func (s *Service) billOverage(ctx context.Context, sub *models.Subscription, txn *models.TokenTransaction, cost int64) float64 {
	over := -txn.BalanceAfter
	if over > cost {
		over = cost
	}
	charge := OverageCharge(over, sub.OverageTokenCost)
	if charge == 0 {
		return 0
	}

	log := logctx.FromCtx(ctx, s.log)
	metrics.OverageChargesTotal.Inc()

	flagged := false
	if err := s.invoicing.SubmitCharge(ctx, &invoicing.ChargeEvent{
		TenantID:    sub.TenantID,
		Kind:        invoicing.ChargeKindOverage,
		Amount:      charge,
		Description: fmt.Sprintf("overage: %d tokens past allocation", over),
	}); err != nil {
		flagged = true
		log.Warnw("overage charge failed, flagging tenant for manual collection",
			"tenant_id", sub.TenantID, "amount", charge, "err", err)
		if ferr := s.ledger.SetBillingFlag(ctx, sub.TenantID, true); ferr != nil {
			log.Errorw("failed to set billing flag", "tenant_id", sub.TenantID, "err", ferr)
		}
	}

	if _, err := s.ledger.ApplyDelta(ctx, &ledger.ApplyDeltaRequest{
		TenantID:    sub.TenantID,
		Delta:       0,
		Type:        types.TokenTransactionTypeOverageCharge,
		ActionType:  txn.ActionType,
		Description: fmt.Sprintf("overage charge %.2f", charge),
		Extra: &models.TokenTransactionExtra{Overage: &models.OverageExtra{
			TokensOverBudget: over,
			RatePerToken:     sub.OverageTokenCost,
			ChargeAmount:     charge,
			ChargeFlagged:    flagged,
		}},
	}); err != nil {
		log.Errorw("failed to record overage charge row", "tenant_id", sub.TenantID, "err", err)
	}
	return charge
}

func (s *Service) currentBalance(ctx context.Context, tenantID string) (int64, error) {
	sub, err := s.ledger.GetSubscription(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return sub.TokenBalance, nil
}
