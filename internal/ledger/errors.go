package ledger

import "errors"

// Error kinds surfaced by the engine. Handlers dispatch on these with
// errors.Is to pick HTTP status codes.
var (
	// validation errors, rejected before any persistence attempt
	ErrInvalidAmount = errors.New("amount out of allowed range")
	ErrSameAccount   = errors.New("source and destination are the same account")

	// business-rule errors, rejected after read, no transaction recorded
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountInactive     = errors.New("account is deactivated")
	ErrAccountExists       = errors.New("account already exists for user and festival")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPaymentNotCaptured  = errors.New("payment capture not confirmed")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyRefunded     = errors.New("transaction already refunded")
	ErrNotRefundable       = errors.New("transaction type is not refundable")
	ErrTagLinked           = errors.New("tag already linked to another account")

	// ErrConflict is returned by stores when a balance update lost against a
	// concurrent writer (stale version). The engine retries it internally and
	// never surfaces it to callers.
	ErrConflict = errors.New("stale balance read")

	// transient errors surfaced to callers
	ErrLedgerBusy         = errors.New("ledger busy, retries exhausted")
	ErrStorageUnavailable = errors.New("storage unavailable")
)
