package models

import (
	"time"

	"github.com/agencykit/tokenmeter/pkg/types"
)

// PricingEntry maps an action type to its token cost. Entries referenced by
// ledger rows are never hard-deleted; "delete" flips IsActive off so old
// transactions keep an auditable cost source.
type PricingEntry struct {
	ID         string               `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ActionType string               `gorm:"column:action_type;type:varchar(128);not null;uniqueIndex" json:"action_type"`
	TokenCost  int64                `gorm:"column:token_cost;type:bigint;not null" json:"token_cost"`
	Category   types.ActionCategory `gorm:"column:category;type:varchar(32);not null;default:'platform'" json:"category"`
	IsActive   bool                 `gorm:"column:is_active;not null;default:true" json:"is_active"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

func (PricingEntry) TableName() string {
	return "pricing_entry"
}
