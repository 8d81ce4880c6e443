package metering

import "math"

// OverageCharge prices consumption beyond the allocation: tokens over budget
// times the plan's per-token overage rate, rounded to cents. Pure function;
// the actual money movement belongs to the invoicing collaborator.
func OverageCharge(tokensOverBudget int64, overageTokenCost float64) float64 {
	if tokensOverBudget <= 0 || overageTokenCost <= 0 {
		return 0
	}
	return math.Round(float64(tokensOverBudget)*overageTokenCost*100) / 100
}
