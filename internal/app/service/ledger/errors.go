package ledger

import "errors"

var (
	// ErrSubscriptionNotFound means the tenant has no live subscription row.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSubscriptionRetired rejects mutations against a soft-retired row.
	ErrSubscriptionRetired = errors.New("subscription retired")

	// ErrInsufficientBalance is the non-overage denial: the conditional
	// debit found the balance too low. No ledger row is written.
	ErrInsufficientBalance = errors.New("insufficient token balance")

	// ErrDebitConflict means the conditional update affected zero rows while
	// a fresh read shows the condition should hold. The caller retries once.
	ErrDebitConflict = errors.New("concurrent debit conflict")

	// ErrDebitsHalted refuses debits for a tenant whose ledger replay found
	// a fold mismatch, until reconciled by hand.
	ErrDebitsHalted = errors.New("debits halted pending reconciliation")

	// ErrLedgerMismatch indicates the transaction fold does not equal the
	// stored balance. Data corruption: the tenant's debits are halted.
	ErrLedgerMismatch = errors.New("ledger replay mismatch")
)
