package models

import (
	"time"
)

// Transaction types. Amounts are signed from the owning account's
// perspective: TOPUP, TRANSFER_IN and REFUND are positive, PAYMENT and
// TRANSFER_OUT are negative.
const (
	TypeTopUp       = "TOPUP"
	TypePayment     = "PAYMENT"
	TypeTransferOut = "TRANSFER_OUT"
	TypeTransferIn  = "TRANSFER_IN"
	TypeRefund      = "REFUND"
)

// Transaction is an immutable, append-only record of a balance mutation.
// BalanceAfter of transaction N equals BalanceBefore of transaction N+1 for
// the same account.
type Transaction struct {
	ID             string    `json:"transaction_id" db:"transaction_id"`
	AccountID      string    `json:"account_id" db:"account_id"`
	FestivalID     string    `json:"festival_id" db:"festival_id"`
	Type           string    `json:"type" db:"type"`
	Amount         int64     `json:"amount" db:"amount"`
	BalanceBefore  int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter   int64     `json:"balance_after" db:"balance_after"`
	Description    string    `json:"description,omitempty" db:"description"`
	VendorID       string    `json:"vendor_id,omitempty" db:"vendor_id"`
	CounterpartyID string    `json:"counterparty_account_id,omitempty" db:"counterparty_account_id"`
	CorrelationID  string    `json:"correlation_id,omitempty" db:"correlation_id"` // shared by a transfer pair
	RefersTo       string    `json:"refers_to,omitempty" db:"refers_to"`           // original transaction for refunds
	Reference      string    `json:"reference,omitempty" db:"reference"`           // client idempotency key
	Metadata       Metadata  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// TransferResult carries the two halves of a committed transfer.
type TransferResult struct {
	Debit  *Transaction `json:"debit"`
	Credit *Transaction `json:"credit"`
}
