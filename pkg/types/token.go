package types

// TokenTransactionType classifies a ledger mutation. The set is closed:
// replaying typed rows is how the fold invariant stays mechanically checkable.
type TokenTransactionType string

const (
	TokenTransactionTypeConsume        TokenTransactionType = "consume"
	TokenTransactionTypeAllocation     TokenTransactionType = "allocation"
	TokenTransactionTypeRefill         TokenTransactionType = "refill"
	TokenTransactionTypeBonus          TokenTransactionType = "bonus"
	TokenTransactionTypeOverageCharge  TokenTransactionType = "overage_charge"
	TokenTransactionTypePlanAdjustment TokenTransactionType = "plan_adjustment"
)

// CountsTowardUsage reports whether a debit of this type increments the
// per-period and lifetime usage counters. Grants never do.
func (t TokenTransactionType) CountsTowardUsage() bool {
	return t == TokenTransactionTypeConsume || t == TokenTransactionTypeOverageCharge
}

type SubscriptionStatus string

const (
	SubscriptionStatusActive  SubscriptionStatus = "active"
	SubscriptionStatusRetired SubscriptionStatus = "retired"
)

// ActionCategory groups pricing catalog entries for reporting.
type ActionCategory string

const (
	ActionCategoryAI       ActionCategory = "ai"
	ActionCategoryEmail    ActionCategory = "email"
	ActionCategoryExport   ActionCategory = "export"
	ActionCategoryPlatform ActionCategory = "platform"
)
