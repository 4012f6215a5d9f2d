package cache

import (
	"context"
	"time"

	"dealerdesk/backend/internal/domain"
)

// BrokerCache holds broker snapshots for read paths. Writers delete a
// broker's entry whenever its totals change.
type BrokerCache interface {
	Get(ctx context.Context, id string) (*domain.Broker, bool, error)
	Set(ctx context.Context, broker *domain.Broker, ttl time.Duration) error
	Delete(ctx context.Context, ids ...string) error
}

type NoopBrokerCache struct{}

func (NoopBrokerCache) Get(_ context.Context, _ string) (*domain.Broker, bool, error) {
	return nil, false, nil
}

func (NoopBrokerCache) Set(_ context.Context, _ *domain.Broker, _ time.Duration) error {
	return nil
}

func (NoopBrokerCache) Delete(_ context.Context, _ ...string) error {
	return nil
}

func brokerKey(id string) string {
	return "dealerdesk:broker:" + id
}
