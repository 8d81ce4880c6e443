package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/agencykit/tokenmeter/pkg/types"
)

// ConsumeExtra annotates consume rows.
type ConsumeExtra struct {
	// UnitCost is the catalog cost at debit time; catalog entries may be
	// deactivated later, so the row carries its own snapshot.
	UnitCost int64                `json:"unit_cost"`
	Category types.ActionCategory `json:"category,omitempty"`
}

// OverageExtra annotates overage_charge rows.
type OverageExtra struct {
	TokensOverBudget int64   `json:"tokens_over_budget"`
	RatePerToken     float64 `json:"rate_per_token"`
	ChargeAmount     float64 `json:"charge_amount"`
	// ChargeFlagged records that the external invoicing call failed and the
	// amount awaits manual collection.
	ChargeFlagged bool `json:"charge_flagged,omitempty"`
}

// AllocationExtra annotates allocation rows written at period boundaries.
type AllocationExtra struct {
	PlanID      string    `json:"plan_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// PlanAdjustmentExtra annotates plan_adjustment rows.
type PlanAdjustmentExtra struct {
	FromPlanID      string  `json:"from_plan_id"`
	ToPlanID        string  `json:"to_plan_id"`
	DaysRemaining   int     `json:"days_remaining"`
	DaysInPeriod    int     `json:"days_in_period"`
	PriceDifference float64 `json:"price_difference"`
}

// GrantExtra annotates refill and bonus rows.
type GrantExtra struct {
	OperatorID string `json:"operator_id,omitempty"`
	Reference  string `json:"reference,omitempty"`
}

// TokenTransactionExtra is a typed side-payload keyed by the transaction
// type: exactly the member matching Type is populated. Keeping the shape
// closed is what makes the ledger fold mechanically checkable.
type TokenTransactionExtra struct {
	Consume        *ConsumeExtra        `json:"consume,omitempty"`
	Overage        *OverageExtra        `json:"overage,omitempty"`
	Allocation     *AllocationExtra     `json:"allocation,omitempty"`
	PlanAdjustment *PlanAdjustmentExtra `json:"plan_adjustment,omitempty"`
	Grant          *GrantExtra          `json:"grant,omitempty"`
}

// TokenTransaction is one append-only ledger row. Rows are never updated or
// deleted: replaying all rows for a tenant in creation order and summing
// Tokens must equal Subscription.TokenBalance exactly.
type TokenTransaction struct {
	ID             string                     `gorm:"column:id;primary_key;type:uuid;index:idx_tenant_id_id,priority:2,sort:desc" json:"id"`
	TenantID       string                     `gorm:"column:tenant_id;type:varchar(64);not null;index:idx_tenant_id_id,priority:1;index:idx_tenant_created,priority:1" json:"tenant_id"`
	SubscriptionID string                     `gorm:"column:subscription_id;type:uuid;not null" json:"subscription_id"`
	Type           types.TokenTransactionType `gorm:"column:type;type:varchar(32);not null" json:"type"`

	// Tokens is the signed delta from the tenant's perspective: negative
	// for debits, positive for grants. Zero is legal (free catalog entries).
	Tokens        int64 `gorm:"column:tokens;type:bigint;not null" json:"tokens"`
	BalanceBefore int64 `gorm:"column:balance_before;type:bigint;not null" json:"balance_before"`
	BalanceAfter  int64 `gorm:"column:balance_after;type:bigint;not null" json:"balance_after"`

	ActionType  *string `gorm:"column:action_type;type:varchar(128);default:null" json:"action_type"`
	Description string  `gorm:"column:description;type:varchar(512)" json:"description"`

	Extra     datatypes.JSONType[*TokenTransactionExtra] `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time                                  `gorm:"column:created_at;index:idx_tenant_created,priority:2" json:"created_at"`
}

func (TokenTransaction) TableName() string {
	return "token_transaction"
}

// IsDebit reports whether the row lowered the balance.
func (t *TokenTransaction) IsDebit() bool {
	return t != nil && t.Tokens < 0
}
