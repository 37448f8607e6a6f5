package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/wristpay/backend/internal/models"
)

type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id,omitempty"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount,omitempty"`
	BalanceAfter  int64     `json:"balance_after,omitempty"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

// Logger emits one JSON line per balance-affecting event. Rejected attempts
// are logged here for audit but never appear in the balance chain.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogCommitted(txn *models.Transaction) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     txn.Type,
		TransactionID: txn.ID,
		AccountID:     txn.AccountID,
		Amount:        txn.Amount,
		BalanceAfter:  txn.BalanceAfter,
		Status:        "COMMITTED",
		Details: map[string]string{
			"festival_id":    txn.FestivalID,
			"correlation_id": txn.CorrelationID,
		},
	})
}

func (a *Logger) LogRejected(op, accountID string, amount int64, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: op,
		AccountID: accountID,
		Amount:    amount,
		Status:    "REJECTED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) LogAccountEvent(operation, accountID string, details models.Metadata) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: operation,
		AccountID: accountID,
		Status:    "SUCCESS",
		Details:   details,
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
