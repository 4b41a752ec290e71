package services

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/swiftpay/backend/internal/config"
)

func testVelocityConfig() *config.VelocityConfig {
	return &config.VelocityConfig{
		Window:      30 * time.Minute,
		MaxAttempts: 3,
	}
}

func TestVelocityService_Check(t *testing.T) {
	ctx := context.Background()
	key := "velocity:" + payerID

	t.Run("below threshold is allowed", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		service := NewVelocityService(client, testVelocityConfig())

		mock.Regexp().ExpectZRemRangeByScore(key, `^0$`, `^\d+$`).SetVal(1)
		mock.ExpectZCard(key).SetVal(2)

		decision, err := service.Check(ctx, payerID)

		assert.NoError(t, err)
		assert.Equal(t, Allowed, decision)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("window at max attempts requires step-up", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		service := NewVelocityService(client, testVelocityConfig())

		mock.Regexp().ExpectZRemRangeByScore(key, `^0$`, `^\d+$`).SetVal(0)
		mock.ExpectZCard(key).SetVal(3)

		decision, err := service.Check(ctx, payerID)

		assert.NoError(t, err)
		assert.Equal(t, RequiresStepUp, decision)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale entries are evicted before counting", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		service := NewVelocityService(client, testVelocityConfig())

		// Four recorded attempts, two older than the window: still allowed.
		mock.Regexp().ExpectZRemRangeByScore(key, `^0$`, `^\d+$`).SetVal(2)
		mock.ExpectZCard(key).SetVal(2)

		decision, err := service.Check(ctx, payerID)

		assert.NoError(t, err)
		assert.Equal(t, Allowed, decision)
	})
}

func TestVelocityService_RecordAttempt(t *testing.T) {
	ctx := context.Background()
	key := "velocity:" + payerID

	client, mock := redismock.NewClientMock()
	service := NewVelocityService(client, testVelocityConfig())

	ts := time.Now()
	mock.CustomMatch(func(expected, actual []interface{}) error {
		return nil
	}).ExpectZAdd(key, &redis.Z{
		Score:  float64(ts.UnixMilli()),
		Member: "attempt",
	}).SetVal(1)
	mock.ExpectExpire(key, 31*time.Minute).SetVal(true)

	err := service.RecordAttempt(ctx, payerID, 2500, ts)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVelocityService_Totals(t *testing.T) {
	ctx := context.Background()
	key := "velocity:" + payerID

	client, mock := redismock.NewClientMock()
	service := NewVelocityService(client, testVelocityConfig())

	mock.Regexp().ExpectZRangeByScore(key, &redis.ZRangeBy{
		Min: `^\d+$`,
		Max: `^\+inf$`,
	}).SetVal([]string{
		"1756600000000000000:9f3a1c2b:2500",
		"1756600100000000000:0d4e5f6a:750",
	})

	totals, err := service.Totals(ctx, payerID)

	assert.NoError(t, err)
	assert.Equal(t, int64(2), totals.Attempts)
	assert.Equal(t, int64(3250), totals.TotalAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVelocityService_Reset(t *testing.T) {
	ctx := context.Background()
	key := "velocity:" + payerID

	client, mock := redismock.NewClientMock()
	service := NewVelocityService(client, testVelocityConfig())

	mock.ExpectDel(key).SetVal(1)

	assert.NoError(t, service.Reset(ctx, payerID))
	assert.NoError(t, mock.ExpectationsWereMet())
}
