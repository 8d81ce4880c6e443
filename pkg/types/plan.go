package types

// Plan is immutable reference data declared in config. Plan changes create
// new subscription state; plan rows are never mutated or persisted.
type Plan struct {
	ID           string  `json:"id" mapstructure:"id"`
	Name         string  `json:"name" mapstructure:"name"`
	MonthlyPrice float64 `json:"monthly_price" mapstructure:"monthly_price"`
	// MonthlyTokens is the allocation granted at each period boundary.
	MonthlyTokens int64 `json:"monthly_tokens" mapstructure:"monthly_tokens"`
	// OverageTokenCost is the per-token price charged once balance goes negative.
	OverageTokenCost float64  `json:"overage_token_cost" mapstructure:"overage_token_cost"`
	OverageEnabled   bool     `json:"overage_enabled" mapstructure:"overage_enabled"`
	Features         []string `json:"features" mapstructure:"features"`
}
