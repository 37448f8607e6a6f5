package ledger

import "sync"

// lockTable serializes ledger operations per account within this process.
// Entries are created on first use and kept for the account's lifetime; a
// festival deployment holds at most a few hundred thousand accounts, so the
// table is never reaped.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) get(accountID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[accountID] = l
	}
	return l
}

// Acquire locks a single account and returns the release func.
func (t *lockTable) Acquire(accountID string) func() {
	l := t.get(accountID)
	l.Lock()
	return l.Unlock
}

// AcquirePair locks two accounts in canonical order to prevent deadlocks
// between concurrent transfers.
func (t *lockTable) AcquirePair(a, b string) func() {
	first, second := a, b
	if first > second {
		first, second = second, first
	}
	fl, sl := t.get(first), t.get(second)
	fl.Lock()
	sl.Lock()
	return func() {
		sl.Unlock()
		fl.Unlock()
	}
}
