package tool

import "github.com/google/uuid"

// GenerateUUIDV7 returns a time-ordered UUID. Ledger rows rely on the v7
// ordering so that (tenant_id, id desc) scans follow creation order.
func GenerateUUIDV7() string {
	return uuid.Must(uuid.NewV7()).String()
}
