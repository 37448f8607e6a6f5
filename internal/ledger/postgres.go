package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/wristpay/backend/internal/models"
)

// PostgresStore persists accounts and the append-only transaction chain.
//
// Schema:
//
//	accounts(account_id PK, user_id, festival_id, balance, tag_id, is_active,
//	         version, created_at, updated_at,
//	         UNIQUE(user_id, festival_id))
//	ledger_transactions(transaction_id PK, account_id FK, festival_id, type,
//	         amount, balance_before, balance_after, description, vendor_id,
//	         counterparty_account_id, correlation_id, refers_to, reference,
//	         metadata, created_at,
//	         UNIQUE(refers_to) WHERE type = 'REFUND')
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `account_id, user_id, festival_id, balance, tag_id, is_active, version, created_at, updated_at`

const transactionColumns = `transaction_id, account_id, festival_id, type, amount, balance_before, balance_after,
	COALESCE(description, ''), COALESCE(vendor_id, ''), COALESCE(counterparty_account_id, ''),
	COALESCE(correlation_id, ''), COALESCE(refers_to, ''), COALESCE(reference, ''), metadata, created_at`

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, user_id, festival_id, balance, tag_id, is_active, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, NOW(), NOW())`,
		acc.ID, acc.UserID, acc.FestivalID, acc.Balance, nullable(acc.TagID), acc.IsActive)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrAccountExists
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE account_id = $1`, accountID)
	return scanAccount(row)
}

func (s *PostgresStore) GetAccountByUser(ctx context.Context, userID, festivalID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 AND festival_id = $2`, userID, festivalID)
	return scanAccount(row)
}

func (s *PostgresStore) GetAccountByTag(ctx context.Context, tagID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE tag_id = $1`, tagID)
	return scanAccount(row)
}

func (s *PostgresStore) UpdateTag(ctx context.Context, accountID, tagID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET tag_id = $1, updated_at = NOW() WHERE account_id = $2`,
		nullable(tagID), accountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return requireRow(result, ErrAccountNotFound)
}

func (s *PostgresStore) SetActive(ctx context.Context, accountID string, active bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET is_active = $1, updated_at = NOW() WHERE account_id = $2`,
		active, accountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return requireRow(result, ErrAccountNotFound)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions WHERE transaction_id = $1`, transactionID)
	return scanTransaction(row)
}

func (s *PostgresStore) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions WHERE reference = $1
		ORDER BY created_at LIMIT 1`, reference)
	return scanTransaction(row)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID, festivalID string, limit, offset int) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE account_id = $1`
	args := []any{accountID}
	if festivalID != "" {
		query += ` AND festival_id = $2`
		args = append(args, festivalID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *txn)
	}
	return transactions, rows.Err()
}

// pgTx wraps one sql.Tx. LockAccount takes a FOR UPDATE row lock so no other
// mutation can interleave between the read and the write for the same
// account across processes.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, accountID string) (*models.Account, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE account_id = $1 FOR UPDATE`, accountID)
	return scanAccount(row)
}

func (t *pgTx) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions WHERE transaction_id = $1`, transactionID)
	return scanTransaction(row)
}

func (t *pgTx) HasRefund(ctx context.Context, originalTransactionID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_transactions WHERE refers_to = $1 AND type = 'REFUND')`,
		originalTransactionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return exists, nil
}

func (t *pgTx) Append(ctx context.Context, txn *models.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions
		(transaction_id, account_id, festival_id, type, amount, balance_before, balance_after,
		 description, vendor_id, counterparty_account_id, correlation_id, refers_to, reference, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		txn.ID, txn.AccountID, txn.FestivalID, txn.Type, txn.Amount, txn.BalanceBefore, txn.BalanceAfter,
		nullable(txn.Description), nullable(txn.VendorID), nullable(txn.CounterpartyID),
		nullable(txn.CorrelationID), nullable(txn.RefersTo), nullable(txn.Reference), txn.Metadata, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, accountID string, newBalance int64, version int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2
		WHERE account_id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if rowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) Commit() error {
	return t.tx.Commit()
}

func (t *pgTx) Rollback() error {
	return t.tx.Rollback()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*models.Account, error) {
	var acc models.Account
	var tagID sql.NullString
	err := row.Scan(&acc.ID, &acc.UserID, &acc.FestivalID, &acc.Balance, &tagID,
		&acc.IsActive, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	acc.TagID = tagID.String
	return &acc, nil
}

func scanTransaction(row scanner) (*models.Transaction, error) {
	var txn models.Transaction
	err := row.Scan(&txn.ID, &txn.AccountID, &txn.FestivalID, &txn.Type, &txn.Amount,
		&txn.BalanceBefore, &txn.BalanceAfter, &txn.Description, &txn.VendorID,
		&txn.CounterpartyID, &txn.CorrelationID, &txn.RefersTo, &txn.Reference,
		&txn.Metadata, &txn.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &txn, nil
}

func requireRow(result sql.Result, missing error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if rowsAffected == 0 {
		return missing
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
