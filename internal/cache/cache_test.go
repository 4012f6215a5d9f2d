package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealerdesk/backend/internal/domain"
)

func TestNoopBrokerCacheAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	var c BrokerCache = NoopBrokerCache{}

	require.NoError(t, c.Set(ctx, &domain.Broker{ID: "broker-1"}, time.Minute))
	got, ok, err := c.Get(ctx, "broker-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.NoError(t, c.Delete(ctx, "broker-1"))
}

func TestRedisBrokerCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("DEALERDESK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set DEALERDESK_TEST_REDIS_ADDR to run redis integration test")
	}

	ctx := context.Background()
	c := NewRedisBrokerCache(addr, os.Getenv("DEALERDESK_TEST_REDIS_PASSWORD"), 0)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(ctx))

	id := "broker-cache-it-" + time.Now().Format("150405.000000000")
	broker := &domain.Broker{
		ID:                  id,
		Name:                "Cached Broker",
		TotalCommissionDue:  decimal.RequireFromString("8333.325"),
		TotalCommissionPaid: decimal.Zero,
	}
	require.NoError(t, c.Set(ctx, broker, time.Minute))

	got, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Cached Broker", got.Name)
	assert.True(t, got.TotalCommissionDue.Equal(broker.TotalCommissionDue))

	require.NoError(t, c.Delete(ctx, id))
	_, ok, err = c.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}
