package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/agencykit/tokenmeter/pkg/types"
)

// Subscription is the single live billing row per tenant. TokenBalance is a
// materialized fold of the tenant's token transactions; the ledger service is
// its sole writer. A negative balance is a valid state representing overage
// debt, never an error.
type Subscription struct {
	ID       string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	TenantID string                   `gorm:"column:tenant_id;type:varchar(64);not null;uniqueIndex" json:"tenant_id"`
	PlanID   string                   `gorm:"column:plan_id;type:varchar(64);not null" json:"plan_id"`
	Status   types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null;default:'active'" json:"status"`

	TokenBalance      int64 `gorm:"column:token_balance;type:bigint;not null;default:0" json:"token_balance"`
	MonthlyAllocation int64 `gorm:"column:monthly_allocation;type:bigint;not null;default:0" json:"monthly_allocation"`
	// TokensUsedThisPeriod resets to zero only at a period boundary.
	TokensUsedThisPeriod int64 `gorm:"column:tokens_used_this_period;type:bigint;not null;default:0" json:"tokens_used_this_period"`
	// LifetimeTokensUsed is monotonically non-decreasing.
	LifetimeTokensUsed int64 `gorm:"column:lifetime_tokens_used;type:bigint;not null;default:0" json:"lifetime_tokens_used"`

	CurrentPeriodStart time.Time `gorm:"column:current_period_start;not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time `gorm:"column:current_period_end;not null;index" json:"current_period_end"`

	OverageEnabled   bool    `gorm:"column:overage_enabled;not null;default:false" json:"overage_enabled"`
	OverageTokenCost float64 `gorm:"column:overage_token_cost;type:decimal(20,10);not null;default:0" json:"overage_token_cost"`

	IsTrialing        bool `gorm:"column:is_trialing;not null;default:false" json:"is_trialing"`
	CancelAtPeriodEnd bool `gorm:"column:cancel_at_period_end;not null;default:false" json:"cancel_at_period_end"`

	// DebitsHalted is set when ledger replay finds a fold mismatch; all
	// further debits are refused until the tenant is reconciled by hand.
	DebitsHalted bool `gorm:"column:debits_halted;not null;default:false" json:"debits_halted"`
	// BillingFlag marks a failed external invoicing charge for manual
	// collection. Token movements behind the charge stand.
	BillingFlag bool `gorm:"column:billing_flag;not null;default:false" json:"billing_flag"`

	Extra     datatypes.JSON `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

// Active reports whether the subscription may consume tokens at all.
func (s *Subscription) Active() bool {
	return s != nil && s.Status == types.SubscriptionStatusActive
}

// PeriodExpired reports whether the current billing period ended at or
// before now, i.e. the rollover scheduler owes this row a transition.
func (s *Subscription) PeriodExpired(now time.Time) bool {
	return s != nil && !s.CurrentPeriodEnd.After(now)
}
