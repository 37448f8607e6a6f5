package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wristpay/backend/internal/config"
	"github.com/wristpay/backend/internal/models"
)

const testFestival = "boomfest-2026"

// stubCaptures confirms every payment reference except those listed.
type stubCaptures struct {
	pending map[string]bool
}

func (s *stubCaptures) Confirmed(ctx context.Context, paymentRef string) (bool, error) {
	return !s.pending[paymentRef], nil
}

func testConfig() *config.LedgerConfig {
	return &config.LedgerConfig{
		TopUpMin:      100,
		TopUpMax:      100000,
		PayCeiling:    100000,
		Currency:      "EUR",
		MaxRetries:    3,
		RetryBackoff:  time.Millisecond,
		HistoryLimit:  50,
		HistoryMaxLim: 100,
	}
}

func newTestEngine(t *testing.T) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	engine := NewEngine(store, &stubCaptures{pending: map[string]bool{"cap-pending": true}}, testConfig())
	return engine, store
}

func seedAccount(t *testing.T, store *MemoryStore, userID string, balance int64) *models.Account {
	t.Helper()
	acc := &models.Account{
		ID:         uuid.New().String(),
		UserID:     userID,
		FestivalID: testFestival,
		Balance:    balance,
		IsActive:   true,
		Version:    1,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, store.CreateAccount(context.Background(), acc))
	return acc
}

// assertChain verifies the per-account balance chain: transactions in
// commit order start at the opening balance and each balance_after feeds
// the next balance_before.
func assertChain(t *testing.T, store *MemoryStore, accountID string, opening int64) {
	t.Helper()
	history, err := store.ListTransactions(context.Background(), accountID, "", 100, 0)
	require.NoError(t, err)

	// history is newest first; walk oldest first
	prev := opening
	for i := len(history) - 1; i >= 0; i-- {
		txn := history[i]
		assert.Equal(t, prev, txn.BalanceBefore, "chain break before %s", txn.ID)
		assert.Equal(t, txn.BalanceBefore+txn.Amount, txn.BalanceAfter, "amount mismatch in %s", txn.ID)
		assert.GreaterOrEqual(t, txn.BalanceAfter, int64(0), "negative balance in %s", txn.ID)
		prev = txn.BalanceAfter
	}

	acc, err := store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, prev, acc.Balance, "account balance diverged from chain")
}

func TestEngineTopUp(t *testing.T) {
	ctx := context.Background()

	t.Run("credits the account and records the chain", func(t *testing.T) {
		engine, store := newTestEngine(t)
		acc := seedAccount(t, store, "user-1", 0)

		txn, err := engine.TopUp(ctx, TopUpParams{
			AccountID: acc.ID, FestivalID: testFestival, Amount: 5000, PaymentRef: "cap-1",
		})
		require.NoError(t, err)
		assert.Equal(t, models.TypeTopUp, txn.Type)
		assert.Equal(t, int64(0), txn.BalanceBefore)
		assert.Equal(t, int64(5000), txn.BalanceAfter)
		assertChain(t, store, acc.ID, 0)
	})

	t.Run("rejects amounts outside the configured range", func(t *testing.T) {
		engine, store := newTestEngine(t)
		acc := seedAccount(t, store, "user-1", 0)

		_, err := engine.TopUp(ctx, TopUpParams{AccountID: acc.ID, FestivalID: testFestival, Amount: 50, PaymentRef: "cap-1"})
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = engine.TopUp(ctx, TopUpParams{AccountID: acc.ID, FestivalID: testFestival, Amount: 200000, PaymentRef: "cap-1"})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("rejects unconfirmed captures without writing a row", func(t *testing.T) {
		engine, store := newTestEngine(t)
		acc := seedAccount(t, store, "user-1", 0)

		_, err := engine.TopUp(ctx, TopUpParams{AccountID: acc.ID, FestivalID: testFestival, Amount: 5000, PaymentRef: "cap-pending"})
		assert.ErrorIs(t, err, ErrPaymentNotCaptured)

		history, err := store.ListTransactions(ctx, acc.ID, "", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("rejects inactive accounts", func(t *testing.T) {
		engine, store := newTestEngine(t)
		acc := seedAccount(t, store, "user-1", 0)
		require.NoError(t, store.SetActive(ctx, acc.ID, false))

		_, err := engine.TopUp(ctx, TopUpParams{AccountID: acc.ID, FestivalID: testFestival, Amount: 5000, PaymentRef: "cap-1"})
		assert.ErrorIs(t, err, ErrAccountInactive)
	})

	t.Run("replays a duplicate client reference", func(t *testing.T) {
		engine, store := newTestEngine(t)
		acc := seedAccount(t, store, "user-1", 0)

		first, err := engine.TopUp(ctx, TopUpParams{
			AccountID: acc.ID, FestivalID: testFestival, Amount: 5000, PaymentRef: "cap-1", Reference: "client-ref-1",
		})
		require.NoError(t, err)

		second, err := engine.TopUp(ctx, TopUpParams{
			AccountID: acc.ID, FestivalID: testFestival, Amount: 5000, PaymentRef: "cap-1", Reference: "client-ref-1",
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		got, err := store.GetAccount(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5000), got.Balance, "duplicate reference must not credit twice")
	})
}

func TestEnginePay(t *testing.T) {
	ctx := context.Background()

	t.Run("debits the account", func(t *testing.T) {
		engine, store := newTestEngine(t)
		acc := seedAccount(t, store, "user-1", 5000)

		txn, err := engine.Pay(ctx, PayParams{
			AccountID: acc.ID, FestivalID: testFestival, Amount: 1250, VendorID: "vendor-7", Description: "Two beers",
		})
		require.NoError(t, err)
		assert.Equal(t, models.TypePayment, txn.Type)
		assert.Equal(t, int64(-1250), txn.Amount)
		assert.Equal(t, int64(3750), txn.BalanceAfter)
		assert.Equal(t, "vendor-7", txn.VendorID)
		assertChain(t, store, acc.ID, 5000)
	})

	t.Run("insufficient balance writes nothing", func(t *testing.T) {
		engine, store := newTestEngine(t)
		acc := seedAccount(t, store, "user-1", 1000)

		_, err := engine.Pay(ctx, PayParams{AccountID: acc.ID, FestivalID: testFestival, Amount: 1001})
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		history, err := store.ListTransactions(ctx, acc.ID, "", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, history)

		got, err := store.GetAccount(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), got.Balance)
	})

	t.Run("exact balance drains to zero", func(t *testing.T) {
		engine, store := newTestEngine(t)
		acc := seedAccount(t, store, "user-1", 1000)

		txn, err := engine.Pay(ctx, PayParams{AccountID: acc.ID, FestivalID: testFestival, Amount: 1000})
		require.NoError(t, err)
		assert.Equal(t, int64(0), txn.BalanceAfter)
	})

	t.Run("unknown account", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		_, err := engine.Pay(ctx, PayParams{AccountID: uuid.New().String(), FestivalID: testFestival, Amount: 100})
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("concurrent pays admit exactly one winner", func(t *testing.T) {
		engine, store := newTestEngine(t)
		acc := seedAccount(t, store, "user-1", 1000)

		const workers = 8
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = engine.Pay(ctx, PayParams{AccountID: acc.ID, FestivalID: testFestival, Amount: 1000})
			}(i)
		}
		wg.Wait()

		var committed, insufficient int
		for _, err := range errs {
			switch {
			case err == nil:
				committed++
			default:
				assert.ErrorIs(t, err, ErrInsufficientBalance)
				insufficient++
			}
		}
		assert.Equal(t, 1, committed)
		assert.Equal(t, workers-1, insufficient)

		got, err := store.GetAccount(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Balance)
		assertChain(t, store, acc.ID, 1000)
	})
}

func TestEngineTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("moves balance atomically with a shared correlation id", func(t *testing.T) {
		engine, store := newTestEngine(t)
		from := seedAccount(t, store, "alice", 5000)
		to := seedAccount(t, store, "bob", 200)

		result, err := engine.Transfer(ctx, TransferParams{
			FromAccountID: from.ID, ToUserID: "bob", FestivalID: testFestival, Amount: 2000,
		})
		require.NoError(t, err)

		assert.Equal(t, models.TypeTransferOut, result.Debit.Type)
		assert.Equal(t, models.TypeTransferIn, result.Credit.Type)
		assert.Equal(t, int64(-2000), result.Debit.Amount)
		assert.Equal(t, int64(2000), result.Credit.Amount)
		assert.NotEmpty(t, result.Debit.CorrelationID)
		assert.Equal(t, result.Debit.CorrelationID, result.Credit.CorrelationID)
		assert.Equal(t, to.ID, result.Debit.CounterpartyID)
		assert.Equal(t, from.ID, result.Credit.CounterpartyID)

		assertChain(t, store, from.ID, 5000)
		assertChain(t, store, to.ID, 200)

		// conservation: total balance unchanged
		a, _ := store.GetAccount(ctx, from.ID)
		b, _ := store.GetAccount(ctx, to.ID)
		assert.Equal(t, int64(5200), a.Balance+b.Balance)
	})

	t.Run("rejects self transfer", func(t *testing.T) {
		engine, store := newTestEngine(t)
		from := seedAccount(t, store, "alice", 5000)

		_, err := engine.Transfer(ctx, TransferParams{
			FromAccountID: from.ID, ToUserID: "alice", FestivalID: testFestival, Amount: 100,
		})
		assert.ErrorIs(t, err, ErrSameAccount)
	})

	t.Run("insufficient balance leaves both accounts untouched", func(t *testing.T) {
		engine, store := newTestEngine(t)
		from := seedAccount(t, store, "alice", 100)
		to := seedAccount(t, store, "bob", 0)

		_, err := engine.Transfer(ctx, TransferParams{
			FromAccountID: from.ID, ToUserID: "bob", FestivalID: testFestival, Amount: 2000,
		})
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		a, _ := store.GetAccount(ctx, from.ID)
		b, _ := store.GetAccount(ctx, to.ID)
		assert.Equal(t, int64(100), a.Balance)
		assert.Equal(t, int64(0), b.Balance)
	})

	t.Run("unknown destination user", func(t *testing.T) {
		engine, store := newTestEngine(t)
		from := seedAccount(t, store, "alice", 5000)

		_, err := engine.Transfer(ctx, TransferParams{
			FromAccountID: from.ID, ToUserID: "nobody", FestivalID: testFestival, Amount: 100,
		})
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("opposing concurrent transfers do not deadlock", func(t *testing.T) {
		engine, store := newTestEngine(t)
		a := seedAccount(t, store, "alice", 5000)
		b := seedAccount(t, store, "bob", 5000)

		const rounds = 20
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				engine.Transfer(ctx, TransferParams{FromAccountID: a.ID, ToUserID: "bob", FestivalID: testFestival, Amount: 100})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				engine.Transfer(ctx, TransferParams{FromAccountID: b.ID, ToUserID: "alice", FestivalID: testFestival, Amount: 100})
			}
		}()
		wg.Wait()

		accA, _ := store.GetAccount(ctx, a.ID)
		accB, _ := store.GetAccount(ctx, b.ID)
		assert.Equal(t, int64(10000), accA.Balance+accB.Balance, "transfers must conserve total balance")
		assertChain(t, store, a.ID, 5000)
		assertChain(t, store, b.ID, 5000)
	})
}

func TestEngineRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("credits back the payment amount once", func(t *testing.T) {
		engine, store := newTestEngine(t)
		acc := seedAccount(t, store, "user-1", 5000)

		payment, err := engine.Pay(ctx, PayParams{AccountID: acc.ID, FestivalID: testFestival, Amount: 1250, VendorID: "vendor-7"})
		require.NoError(t, err)

		refund, err := engine.Refund(ctx, RefundParams{TransactionID: payment.ID, RefundedBy: "staff-1", Reason: "Spilled drink"})
		require.NoError(t, err)
		assert.Equal(t, models.TypeRefund, refund.Type)
		assert.Equal(t, int64(1250), refund.Amount)
		assert.Equal(t, payment.ID, refund.RefersTo)
		assert.Equal(t, "vendor-7", refund.VendorID)

		got, err := store.GetAccount(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5000), got.Balance)
		assertChain(t, store, acc.ID, 5000)

		_, err = engine.Refund(ctx, RefundParams{TransactionID: payment.ID, RefundedBy: "staff-1"})
		assert.ErrorIs(t, err, ErrAlreadyRefunded)
	})

	t.Run("only payments are refundable", func(t *testing.T) {
		engine, store := newTestEngine(t)
		acc := seedAccount(t, store, "user-1", 0)

		topup, err := engine.TopUp(ctx, TopUpParams{AccountID: acc.ID, FestivalID: testFestival, Amount: 5000, PaymentRef: "cap-1"})
		require.NoError(t, err)

		_, err = engine.Refund(ctx, RefundParams{TransactionID: topup.ID})
		assert.ErrorIs(t, err, ErrNotRefundable)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		_, err := engine.Refund(ctx, RefundParams{TransactionID: uuid.New().String()})
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})

	t.Run("concurrent refunds of one payment admit exactly one", func(t *testing.T) {
		engine, store := newTestEngine(t)
		acc := seedAccount(t, store, "user-1", 5000)

		payment, err := engine.Pay(ctx, PayParams{AccountID: acc.ID, FestivalID: testFestival, Amount: 1000})
		require.NoError(t, err)

		const workers = 4
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = engine.Refund(ctx, RefundParams{TransactionID: payment.ID, RefundedBy: "staff-1"})
			}(i)
		}
		wg.Wait()

		var committed int
		for _, err := range errs {
			if err == nil {
				committed++
			} else {
				assert.ErrorIs(t, err, ErrAlreadyRefunded)
			}
		}
		assert.Equal(t, 1, committed)

		got, _ := store.GetAccount(ctx, acc.ID)
		assert.Equal(t, int64(5000), got.Balance)
	})
}

func TestEngineHistory(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	acc := seedAccount(t, store, "user-1", 0)

	for i := 0; i < 5; i++ {
		_, err := engine.TopUp(ctx, TopUpParams{AccountID: acc.ID, FestivalID: testFestival, Amount: 1000, PaymentRef: "cap-1"})
		require.NoError(t, err)
	}

	t.Run("paginates newest first", func(t *testing.T) {
		page, err := engine.GetHistory(ctx, acc.ID, testFestival, 2, 0)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, int64(5000), page[0].BalanceAfter)

		rest, err := engine.GetHistory(ctx, acc.ID, testFestival, 10, 2)
		require.NoError(t, err)
		assert.Len(t, rest, 3)
	})

	t.Run("caps the requested page size", func(t *testing.T) {
		page, err := engine.GetHistory(ctx, acc.ID, testFestival, 10000, 0)
		require.NoError(t, err)
		assert.Len(t, page, 5)
	})

	t.Run("empty for unknown account", func(t *testing.T) {
		page, err := engine.GetHistory(ctx, uuid.New().String(), testFestival, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, page)
	})
}

// The canonical festival day: top up, buy, send to a friend, get a refund.
func TestEngineEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	alice := seedAccount(t, store, "alice", 0)
	seedAccount(t, store, "bob", 0)

	_, err := engine.TopUp(ctx, TopUpParams{AccountID: alice.ID, FestivalID: testFestival, Amount: 5000, PaymentRef: "cap-1"})
	require.NoError(t, err)

	payment, err := engine.Pay(ctx, PayParams{AccountID: alice.ID, FestivalID: testFestival, Amount: 1250, VendorID: "vendor-7"})
	require.NoError(t, err)

	_, err = engine.Transfer(ctx, TransferParams{FromAccountID: alice.ID, ToUserID: "bob", FestivalID: testFestival, Amount: 2000})
	require.NoError(t, err)

	_, err = engine.Refund(ctx, RefundParams{TransactionID: payment.ID, RefundedBy: "staff-1"})
	require.NoError(t, err)

	got, err := store.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), got.Balance)
	assertChain(t, store, alice.ID, 0)

	history, err := engine.GetHistory(ctx, alice.ID, testFestival, 10, 0)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}
