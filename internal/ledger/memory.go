package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/wristpay/backend/internal/models"
)

// MemoryStore keeps accounts and the transaction chain in process memory.
// Commit applies all staged mutations under one mutex so an atomic unit
// either lands fully or not at all, with the same version CAS semantics as
// the Postgres store.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*models.Account
	transactions []models.Transaction
	byID         map[string]int
	byReference  map[string]int
	refunds      map[string]bool // original transaction id -> refunded
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*models.Account),
		byID:        make(map[string]int),
		byReference: make(map[string]int),
		refunds:     make(map[string]bool),
	}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	return &memTx{store: s}, nil
}

func (s *MemoryStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.UserID == acc.UserID && existing.FestivalID == acc.FestivalID {
			return ErrAccountExists
		}
	}
	cp := *acc
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.accounts[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccountLocked(accountID)
}

func (s *MemoryStore) getAccountLocked(accountID string) (*models.Account, error) {
	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *MemoryStore) GetAccountByUser(ctx context.Context, userID, festivalID string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acc := range s.accounts {
		if acc.UserID == userID && acc.FestivalID == festivalID {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (s *MemoryStore) GetAccountByTag(ctx context.Context, tagID string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acc := range s.accounts {
		if acc.TagID == tagID && tagID != "" {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (s *MemoryStore) UpdateTag(ctx context.Context, accountID, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acc.TagID = tagID
	return nil
}

func (s *MemoryStore) SetActive(ctx context.Context, accountID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acc.IsActive = active
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := s.transactions[idx]
	return &cp, nil
}

func (s *MemoryStore) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byReference[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := s.transactions[idx]
	return &cp, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, accountID, festivalID string, limit, offset int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// walk in reverse append order so equal timestamps stay newest first
	matched := []models.Transaction{}
	for i := len(s.transactions) - 1; i >= 0; i-- {
		txn := s.transactions[i]
		if txn.AccountID != accountID {
			continue
		}
		if festivalID != "" && txn.FestivalID != festivalID {
			continue
		}
		matched = append(matched, txn)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []models.Transaction{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// memTx stages mutations and applies them on Commit while holding the store
// mutex. Reads return copies of committed state.
type memTx struct {
	store    *MemoryStore
	appends  []models.Transaction
	balances []balanceUpdate
	done     bool
}

type balanceUpdate struct {
	accountID  string
	newBalance int64
	version    int
}

func (t *memTx) LockAccount(ctx context.Context, accountID string) (*models.Account, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.getAccountLocked(accountID)
}

func (t *memTx) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	return t.store.GetTransaction(ctx, transactionID)
}

func (t *memTx) HasRefund(ctx context.Context, originalTransactionID string) (bool, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.refunds[originalTransactionID], nil
}

func (t *memTx) Append(ctx context.Context, txn *models.Transaction) error {
	t.appends = append(t.appends, *txn)
	return nil
}

func (t *memTx) UpdateBalance(ctx context.Context, accountID string, newBalance int64, version int) error {
	t.balances = append(t.balances, balanceUpdate{accountID, newBalance, version})
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	// version checks first so a stale write leaves nothing behind
	for _, u := range t.balances {
		acc, ok := t.store.accounts[u.accountID]
		if !ok {
			return ErrAccountNotFound
		}
		if acc.Version != u.version {
			return ErrConflict
		}
	}

	for _, u := range t.balances {
		acc := t.store.accounts[u.accountID]
		acc.Balance = u.newBalance
		acc.Version++
	}
	for _, txn := range t.appends {
		idx := len(t.store.transactions)
		t.store.transactions = append(t.store.transactions, txn)
		t.store.byID[txn.ID] = idx
		if txn.Reference != "" {
			if _, exists := t.store.byReference[txn.Reference]; !exists {
				t.store.byReference[txn.Reference] = idx
			}
		}
		if txn.Type == models.TypeRefund && txn.RefersTo != "" {
			t.store.refunds[txn.RefersTo] = true
		}
	}
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	t.appends = nil
	t.balances = nil
	return nil
}
