package fraud

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/wristpay/backend/internal/config"
)

type Level string

const (
	LevelLow      Level = "low"      // 0-29
	LevelMedium   Level = "medium"   // 30-49
	LevelHigh     Level = "high"     // 50-74
	LevelCritical Level = "critical" // 75-100
)

type Action string

const (
	ActionAllow  Action = "allow"
	ActionFlag   Action = "flag"
	ActionReview Action = "review"
	ActionBlock  Action = "block"
)

// Assessment is the result of a pre-ledger fraud check.
type Assessment struct {
	Score   int      `json:"score"`
	Level   Level    `json:"level"`
	Action  Action   `json:"action"`
	Reasons []string `json:"reasons,omitempty"`
}

// Scorer computes a composite risk score from redis velocity counters and
// the transaction amount. Without redis it fails open: every check is
// allowed with score zero.
type Scorer struct {
	redis *redis.Client
	cfg   *config.FraudConfig
}

func NewScorer(redisClient *redis.Client, cfg *config.FraudConfig) *Scorer {
	if cfg == nil {
		cfg = config.LoadFraudConfig()
	}
	return &Scorer{redis: redisClient, cfg: cfg}
}

// Check scores one wallet operation before it reaches the ledger. op is the
// transaction type being attempted.
func (s *Scorer) Check(ctx context.Context, accountID string, amount int64, op string) (*Assessment, error) {
	score := 0
	reasons := []string{}

	if s.redis != nil {
		velocity, err := s.bump(ctx, fmt.Sprintf("fraud:velocity:%s", accountID), time.Minute)
		if err != nil {
			log.Printf("[FRAUD] Velocity counter failed for %s: %v", accountID, err)
		} else if velocity > s.cfg.MaxTxPerMinute {
			score += 40
			reasons = append(reasons, fmt.Sprintf("velocity %d/min exceeds %d", velocity, s.cfg.MaxTxPerMinute))
		}

		if op == "TOPUP" {
			topups, err := s.bump(ctx, fmt.Sprintf("fraud:topups:%s", accountID), time.Hour)
			if err != nil {
				log.Printf("[FRAUD] Top-up counter failed for %s: %v", accountID, err)
			} else if topups > s.cfg.MaxTopUpsPerHour {
				score += 30
				reasons = append(reasons, fmt.Sprintf("%d top-ups in the last hour", topups))
			}
		}
	}

	if amount >= 2*s.cfg.HighAmount {
		score += 40
		reasons = append(reasons, "amount far above festival norm")
	} else if amount >= s.cfg.HighAmount {
		score += 25
		reasons = append(reasons, "unusually high amount")
	}

	if score > 100 {
		score = 100
	}

	a := &Assessment{Score: score, Reasons: reasons}
	switch {
	case score >= s.cfg.BlockScore:
		a.Level, a.Action = LevelCritical, ActionBlock
	case score >= 50:
		a.Level, a.Action = LevelHigh, ActionReview
	case score >= 30:
		a.Level, a.Action = LevelMedium, ActionFlag
	default:
		a.Level, a.Action = LevelLow, ActionAllow
	}

	if a.Action != ActionAllow {
		log.Printf("[FRAUD] Account %s op %s scored %d (%s): %v", accountID, op, a.Score, a.Level, a.Reasons)
	}
	return a, nil
}

// bump increments a sliding counter, setting the window TTL on first use.
func (s *Scorer) bump(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.redis.Expire(ctx, key, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}
