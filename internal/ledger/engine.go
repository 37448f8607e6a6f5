package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/wristpay/backend/internal/audit"
	"github.com/wristpay/backend/internal/config"
	"github.com/wristpay/backend/internal/models"
)

// Engine owns account balances and the append-only transaction history.
// Every mutating operation reads the current balance and appends the
// resulting transaction as one atomic unit scoped to the account (or the
// account pair for transfers).
//
// Concurrency is enforced twice: a per-account mutex serializes operations
// inside this process, and the store's version CAS catches writers from
// other processes. A stale read is retried with exponential backoff up to
// MaxRetries, then surfaced as ErrLedgerBusy.
type Engine struct {
	store    Store
	captures CaptureVerifier
	locks    *lockTable
	audit    *audit.Logger
	cfg      *config.LedgerConfig
}

func NewEngine(store Store, captures CaptureVerifier, cfg *config.LedgerConfig) *Engine {
	if cfg == nil {
		cfg = config.LoadLedgerConfig()
	}
	return &Engine{
		store:    store,
		captures: captures,
		locks:    newLockTable(),
		audit:    audit.NewLogger(),
		cfg:      cfg,
	}
}

// Store exposes the engine's persistence port for read-only collaborators
// (account provisioning, ownership checks).
func (e *Engine) Store() Store {
	return e.store
}

type TopUpParams struct {
	AccountID  string
	FestivalID string
	Amount     int64
	PaymentRef string
	Reference  string
	Metadata   models.Metadata
}

type PayParams struct {
	AccountID   string
	FestivalID  string
	Amount      int64
	VendorID    string
	Description string
	Reference   string
	Metadata    models.Metadata
}

type TransferParams struct {
	FromAccountID string
	ToUserID      string
	FestivalID    string
	Amount        int64
	Description   string
	Reference     string
}

type RefundParams struct {
	TransactionID string
	RefundedBy    string
	Reason        string
}

// TopUp credits an account after a confirmed external payment capture.
func (e *Engine) TopUp(ctx context.Context, p TopUpParams) (*models.Transaction, error) {
	if p.Amount < e.cfg.TopUpMin || p.Amount > e.cfg.TopUpMax {
		return nil, ErrInvalidAmount
	}

	ok, err := e.captures.Confirmed(ctx, p.PaymentRef)
	if err != nil {
		return nil, fmt.Errorf("payment gateway: %w", err)
	}
	if !ok {
		e.audit.LogRejected(models.TypeTopUp, p.AccountID, p.Amount, ErrPaymentNotCaptured)
		return nil, ErrPaymentNotCaptured
	}

	unlock := e.locks.Acquire(p.AccountID)
	defer unlock()

	if dup, err := e.replay(ctx, p.Reference); err != nil || dup != nil {
		return dup, err
	}

	meta := p.Metadata
	if meta == nil {
		meta = models.Metadata{}
	}
	meta["payment_ref"] = p.PaymentRef

	var out *models.Transaction
	err = e.withRetry(ctx, models.TypeTopUp, func() error {
		tx, err := e.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		defer tx.Rollback()

		acc, err := tx.LockAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		if !acc.IsActive {
			return ErrAccountInactive
		}
		if acc.FestivalID != p.FestivalID {
			return ErrAccountNotFound
		}

		txn := &models.Transaction{
			ID:            uuid.New().String(),
			AccountID:     acc.ID,
			FestivalID:    acc.FestivalID,
			Type:          models.TypeTopUp,
			Amount:        p.Amount,
			BalanceBefore: acc.Balance,
			BalanceAfter:  acc.Balance + p.Amount,
			Description:   "Top-up",
			Reference:     p.Reference,
			Metadata:      meta,
			CreatedAt:     time.Now(),
		}

		if err := tx.Append(ctx, txn); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, acc.ID, txn.BalanceAfter, acc.Version); err != nil {
			return err
		}
		if err := commitTx(tx); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		e.audit.LogRejected(models.TypeTopUp, p.AccountID, p.Amount, err)
		return nil, err
	}

	e.audit.LogCommitted(out)
	return out, nil
}

// Pay debits an account for a vendor purchase. Requires sufficient balance.
func (e *Engine) Pay(ctx context.Context, p PayParams) (*models.Transaction, error) {
	if p.Amount <= 0 || p.Amount > e.cfg.PayCeiling {
		return nil, ErrInvalidAmount
	}

	unlock := e.locks.Acquire(p.AccountID)
	defer unlock()

	if dup, err := e.replay(ctx, p.Reference); err != nil || dup != nil {
		return dup, err
	}

	var out *models.Transaction
	err := e.withRetry(ctx, models.TypePayment, func() error {
		tx, err := e.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		defer tx.Rollback()

		acc, err := tx.LockAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		if !acc.IsActive {
			return ErrAccountInactive
		}
		if acc.FestivalID != p.FestivalID {
			return ErrAccountNotFound
		}
		if acc.Balance < p.Amount {
			return ErrInsufficientBalance
		}

		desc := p.Description
		if desc == "" {
			desc = "Payment"
		}
		txn := &models.Transaction{
			ID:            uuid.New().String(),
			AccountID:     acc.ID,
			FestivalID:    acc.FestivalID,
			Type:          models.TypePayment,
			Amount:        -p.Amount,
			BalanceBefore: acc.Balance,
			BalanceAfter:  acc.Balance - p.Amount,
			Description:   desc,
			VendorID:      p.VendorID,
			Reference:     p.Reference,
			Metadata:      p.Metadata,
			CreatedAt:     time.Now(),
		}

		if err := tx.Append(ctx, txn); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, acc.ID, txn.BalanceAfter, acc.Version); err != nil {
			return err
		}
		if err := commitTx(tx); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		e.audit.LogRejected(models.TypePayment, p.AccountID, p.Amount, err)
		return nil, err
	}

	e.audit.LogCommitted(out)
	return out, nil
}

// Transfer atomically debits the source and credits the destination account
// within the same festival. Both halves share a correlation id and either
// both commit or neither does.
func (e *Engine) Transfer(ctx context.Context, p TransferParams) (*models.TransferResult, error) {
	if p.Amount <= 0 || p.Amount > e.cfg.PayCeiling {
		return nil, ErrInvalidAmount
	}

	// Resolve the destination outside the lock so both account ids are known
	// before acquiring the ordered pair.
	dest, err := e.store.GetAccountByUser(ctx, p.ToUserID, p.FestivalID)
	if err != nil {
		return nil, err
	}
	if dest.ID == p.FromAccountID {
		return nil, ErrSameAccount
	}

	unlock := e.locks.AcquirePair(p.FromAccountID, dest.ID)
	defer unlock()

	if p.Reference != "" {
		if dup, err := e.store.GetTransactionByReference(ctx, p.Reference); err == nil && dup != nil {
			return e.transferFromCorrelation(ctx, dup)
		} else if err != nil && !errors.Is(err, ErrTransactionNotFound) {
			return nil, err
		}
	}

	var result *models.TransferResult
	err = e.withRetry(ctx, models.TypeTransferOut, func() error {
		tx, err := e.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		defer tx.Rollback()

		// Lock rows in canonical order to match every other writer.
		firstID, secondID := p.FromAccountID, dest.ID
		if firstID > secondID {
			firstID, secondID = secondID, firstID
		}
		first, err := tx.LockAccount(ctx, firstID)
		if err != nil {
			return err
		}
		second, err := tx.LockAccount(ctx, secondID)
		if err != nil {
			return err
		}
		from, to := first, second
		if from.ID != p.FromAccountID {
			from, to = second, first
		}

		if !from.IsActive || !to.IsActive {
			return ErrAccountInactive
		}
		if from.FestivalID != p.FestivalID || to.FestivalID != p.FestivalID {
			return ErrAccountNotFound
		}
		if from.Balance < p.Amount {
			return ErrInsufficientBalance
		}

		corrID := uuid.New().String()
		now := time.Now()
		debit := &models.Transaction{
			ID:             uuid.New().String(),
			AccountID:      from.ID,
			FestivalID:     p.FestivalID,
			Type:           models.TypeTransferOut,
			Amount:         -p.Amount,
			BalanceBefore:  from.Balance,
			BalanceAfter:   from.Balance - p.Amount,
			Description:    p.Description,
			CounterpartyID: to.ID,
			CorrelationID:  corrID,
			Reference:      p.Reference,
			CreatedAt:      now,
		}
		credit := &models.Transaction{
			ID:             uuid.New().String(),
			AccountID:      to.ID,
			FestivalID:     p.FestivalID,
			Type:           models.TypeTransferIn,
			Amount:         p.Amount,
			BalanceBefore:  to.Balance,
			BalanceAfter:   to.Balance + p.Amount,
			Description:    p.Description,
			CounterpartyID: from.ID,
			CorrelationID:  corrID,
			CreatedAt:      now,
		}

		if err := tx.Append(ctx, debit); err != nil {
			return err
		}
		if err := tx.Append(ctx, credit); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, from.ID, debit.BalanceAfter, from.Version); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, to.ID, credit.BalanceAfter, to.Version); err != nil {
			return err
		}
		if err := commitTx(tx); err != nil {
			return err
		}
		result = &models.TransferResult{Debit: debit, Credit: credit}
		return nil
	})
	if err != nil {
		e.audit.LogRejected(models.TypeTransferOut, p.FromAccountID, p.Amount, err)
		return nil, err
	}

	e.audit.LogCommitted(result.Debit)
	e.audit.LogCommitted(result.Credit)
	return result, nil
}

// Refund credits back a prior PAYMENT. Restricted to staff by the HTTP
// layer; the engine only enforces ledger rules.
func (e *Engine) Refund(ctx context.Context, p RefundParams) (*models.Transaction, error) {
	orig, err := e.store.GetTransaction(ctx, p.TransactionID)
	if err != nil {
		return nil, err
	}
	if orig.Type != models.TypePayment {
		return nil, ErrNotRefundable
	}

	unlock := e.locks.Acquire(orig.AccountID)
	defer unlock()

	var out *models.Transaction
	err = e.withRetry(ctx, models.TypeRefund, func() error {
		tx, err := e.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		defer tx.Rollback()

		acc, err := tx.LockAccount(ctx, orig.AccountID)
		if err != nil {
			return err
		}

		refunded, err := tx.HasRefund(ctx, orig.ID)
		if err != nil {
			return err
		}
		if refunded {
			return ErrAlreadyRefunded
		}

		amount := -orig.Amount // payment amounts are negative
		desc := p.Reason
		if desc == "" {
			desc = "Refund"
		}
		txn := &models.Transaction{
			ID:            uuid.New().String(),
			AccountID:     acc.ID,
			FestivalID:    acc.FestivalID,
			Type:          models.TypeRefund,
			Amount:        amount,
			BalanceBefore: acc.Balance,
			BalanceAfter:  acc.Balance + amount,
			Description:   desc,
			VendorID:      orig.VendorID,
			RefersTo:      orig.ID,
			Metadata:      models.Metadata{"refunded_by": p.RefundedBy},
			CreatedAt:     time.Now(),
		}

		if err := tx.Append(ctx, txn); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, acc.ID, txn.BalanceAfter, acc.Version); err != nil {
			return err
		}
		if err := commitTx(tx); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		e.audit.LogRejected(models.TypeRefund, orig.AccountID, orig.Amount, err)
		return nil, err
	}

	e.audit.LogCommitted(out)
	return out, nil
}

// GetHistory returns transactions for an account ordered by creation time
// descending. Read-only, no side effects.
func (e *Engine) GetHistory(ctx context.Context, accountID, festivalID string, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = e.cfg.HistoryLimit
	}
	if limit > e.cfg.HistoryMaxLim {
		limit = e.cfg.HistoryMaxLim
	}
	if offset < 0 {
		offset = 0
	}
	return e.store.ListTransactions(ctx, accountID, festivalID, limit, offset)
}

// replay returns the previously committed transaction for a client
// reference, if any. Must be called with the account lock held.
func (e *Engine) replay(ctx context.Context, reference string) (*models.Transaction, error) {
	if reference == "" {
		return nil, nil
	}
	txn, err := e.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	log.Printf("[LEDGER] duplicate reference %s, replaying transaction %s", reference, txn.ID)
	return txn, nil
}

// transferFromCorrelation rebuilds a TransferResult for an idempotent replay
// of a committed transfer.
func (e *Engine) transferFromCorrelation(ctx context.Context, debit *models.Transaction) (*models.TransferResult, error) {
	log.Printf("[LEDGER] duplicate reference %s, replaying transfer %s", debit.Reference, debit.CorrelationID)
	credits, err := e.store.ListTransactions(ctx, debit.CounterpartyID, debit.FestivalID, e.cfg.HistoryMaxLim, 0)
	if err != nil {
		return nil, err
	}
	for i := range credits {
		if credits[i].CorrelationID == debit.CorrelationID && credits[i].Type == models.TypeTransferIn {
			return &models.TransferResult{Debit: debit, Credit: &credits[i]}, nil
		}
	}
	return &models.TransferResult{Debit: debit}, nil
}

// commitTx surfaces version conflicts unchanged so withRetry can see them;
// anything else at commit time means storage trouble.
func commitTx(tx Tx) error {
	if err := tx.Commit(); err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// withRetry runs fn, retrying stale balance reads with doubling backoff. Any
// other error aborts immediately.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := e.cfg.RetryBackoff
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		err := fn()
		if !errors.Is(err, ErrConflict) {
			return err
		}
		log.Printf("[LEDGER] %s: stale balance read, retry %d/%d", op, attempt+1, e.cfg.MaxRetries)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return ErrLedgerBusy
}
