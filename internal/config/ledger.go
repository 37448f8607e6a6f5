package config

import (
	"os"
	"strconv"
	"time"
)

// LedgerConfig bounds ledger operations. Amounts are minor currency units.
type LedgerConfig struct {
	TopUpMin      int64         // minimum single top-up
	TopUpMax      int64         // maximum single top-up
	PayCeiling    int64         // per-transaction payment ceiling
	Currency      string        // festival settlement currency
	MaxRetries    int           // optimistic retry attempts on stale balance
	RetryBackoff  time.Duration // initial backoff between retries, doubled each attempt
	HistoryLimit  int           // default page size for transaction history
	HistoryMaxLim int           // hard cap for requested page size
}

func LoadLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		TopUpMin:      getEnvAsInt64("LEDGER_TOPUP_MIN", 500),
		TopUpMax:      getEnvAsInt64("LEDGER_TOPUP_MAX", 50000),
		PayCeiling:    getEnvAsInt64("LEDGER_PAY_CEILING", 20000),
		Currency:      getEnv("LEDGER_CURRENCY", "EUR"),
		MaxRetries:    getEnvAsInt("LEDGER_MAX_RETRIES", 3),
		RetryBackoff:  getEnvAsDuration("LEDGER_RETRY_BACKOFF", 25*time.Millisecond),
		HistoryLimit:  getEnvAsInt("LEDGER_HISTORY_LIMIT", 50),
		HistoryMaxLim: getEnvAsInt("LEDGER_HISTORY_MAX_LIMIT", 100),
	}
}

// FraudConfig tunes the velocity/risk scorer.
type FraudConfig struct {
	MaxTxPerMinute   int64
	MaxTopUpsPerHour int64
	HighAmount       int64
	BlockScore       int
}

func LoadFraudConfig() *FraudConfig {
	return &FraudConfig{
		MaxTxPerMinute:   int64(getEnvAsInt("FRAUD_MAX_TX_PER_MINUTE", 10)),
		MaxTopUpsPerHour: int64(getEnvAsInt("FRAUD_MAX_TOPUPS_PER_HOUR", 5)),
		HighAmount:       getEnvAsInt64("FRAUD_HIGH_AMOUNT", 15000),
		BlockScore:       getEnvAsInt("FRAUD_BLOCK_SCORE", 75),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
