package ledger

import (
	"context"

	"github.com/wristpay/backend/internal/models"
)

// Store is the durable persistence port of the ledger engine. Mutations go
// through Begin/Tx so that a balance read, the appended transaction rows and
// the balance update commit as one atomic unit.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	CreateAccount(ctx context.Context, acc *models.Account) error
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetAccountByUser(ctx context.Context, userID, festivalID string) (*models.Account, error)
	GetAccountByTag(ctx context.Context, tagID string) (*models.Account, error)
	UpdateTag(ctx context.Context, accountID, tagID string) error
	SetActive(ctx context.Context, accountID string, active bool) error

	GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, accountID, festivalID string, limit, offset int) ([]models.Transaction, error)
}

// Tx is one atomic ledger mutation. LockAccount must return the current
// committed state and, for stores that support it, take an exclusive row
// lock. UpdateBalance must fail with ErrConflict when the supplied version is
// stale so the engine can retry against the fresh balance.
type Tx interface {
	LockAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error)
	HasRefund(ctx context.Context, originalTransactionID string) (bool, error)
	Append(ctx context.Context, txn *models.Transaction) error
	UpdateBalance(ctx context.Context, accountID string, newBalance int64, version int) error
	Commit() error
	Rollback() error
}

// CaptureVerifier confirms that an external payment (card capture or cash
// confirmation) backs a top-up.
type CaptureVerifier interface {
	Confirmed(ctx context.Context, paymentRef string) (bool, error)
}
