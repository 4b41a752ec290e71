package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/swiftpay/backend/internal/config"
	"github.com/swiftpay/backend/internal/faults"
)

// Decision is the velocity guard's verdict for a redemption attempt.
type Decision int

const (
	Allowed Decision = iota
	RequiresStepUp
)

// VelocityService tracks redemption attempts per payer account in a Redis
// sorted set: member = attempt id + amount, score = attempt time in unix
// milliseconds. Keeping the window in Redis (not process memory) means the
// throttle holds across restarts and multiple server instances.
type VelocityService struct {
	redis *redis.Client
	cfg   *config.VelocityConfig
}

// WindowTotals reports the attempts currently inside the trailing window.
type WindowTotals struct {
	Attempts    int64 `json:"attempts"`
	TotalAmount int64 `json:"totalAmount"`
}

func NewVelocityService(redisClient *redis.Client, cfg *config.VelocityConfig) *VelocityService {
	if cfg == nil {
		cfg = config.LoadVelocityConfig()
	}
	return &VelocityService{redis: redisClient, cfg: cfg}
}

func (s *VelocityService) key(payerAccountID string) string {
	return fmt.Sprintf("velocity:%s", payerAccountID)
}

// RecordAttempt appends a redemption attempt to the payer's window. Every
// attempt that passed voucher validation is recorded, successful or not.
func (s *VelocityService) RecordAttempt(ctx context.Context, payerAccountID string, amount int64, ts time.Time) error {
	if s.redis == nil {
		return nil
	}

	key := s.key(payerAccountID)
	member := fmt.Sprintf("%d:%s:%d", ts.UnixNano(), uuid.NewString()[:8], amount)

	if err := s.redis.ZAdd(ctx, key, &redis.Z{
		Score:  float64(ts.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return faults.Wrap(faults.StorageUnavailable, "failed to record attempt", err)
	}

	// The key only needs to outlive the window; the next write refreshes it.
	if err := s.redis.Expire(ctx, key, s.cfg.Window+time.Minute).Err(); err != nil {
		log.Printf("[VELOCITY] Failed to refresh TTL for %s: %v", payerAccountID, err)
	}
	return nil
}

// Check decides whether the payer must complete step-up verification before
// another redemption. Entries older than the window are evicted lazily here.
func (s *VelocityService) Check(ctx context.Context, payerAccountID string) (Decision, error) {
	// Without Redis the window cannot be tracked; redemptions proceed
	// unthrottled rather than failing outright.
	if s.redis == nil {
		return Allowed, nil
	}

	key := s.key(payerAccountID)
	cutoff := time.Now().Add(-s.cfg.Window).UnixMilli()

	if err := s.redis.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return Allowed, faults.Wrap(faults.StorageUnavailable, "failed to evict stale attempts", err)
	}

	count, err := s.redis.ZCard(ctx, key).Result()
	if err != nil {
		return Allowed, faults.Wrap(faults.StorageUnavailable, "failed to count attempts", err)
	}

	if count >= int64(s.cfg.MaxAttempts) {
		return RequiresStepUp, nil
	}
	return Allowed, nil
}

// Totals reports the current window contents for the payer.
func (s *VelocityService) Totals(ctx context.Context, payerAccountID string) (*WindowTotals, error) {
	if s.redis == nil {
		return &WindowTotals{}, nil
	}

	key := s.key(payerAccountID)
	cutoff := time.Now().Add(-s.cfg.Window).UnixMilli()

	members, err := s.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff+1, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "failed to read window", err)
	}

	totals := &WindowTotals{Attempts: int64(len(members))}
	for _, member := range members {
		parts := strings.Split(member, ":")
		if len(parts) != 3 {
			continue
		}
		amount, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		totals.TotalAmount += amount
	}
	return totals, nil
}

// Reset clears the payer's window. Called only after successful step-up
// verification.
func (s *VelocityService) Reset(ctx context.Context, payerAccountID string) error {
	if s.redis == nil {
		return nil
	}

	if err := s.redis.Del(ctx, s.key(payerAccountID)).Err(); err != nil {
		return faults.Wrap(faults.StorageUnavailable, "failed to reset window", err)
	}
	log.Printf("[VELOCITY] Window reset for %s", payerAccountID)
	return nil
}
