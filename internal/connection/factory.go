package connection

import (
	"context"
	"fmt"

	"github.com/vaebz/magic-mcp/internal/config"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
)

// NewRegistry builds the registry selected by cfg.Registry.Type. The returned
// close function releases the backing client.
func NewRegistry(ctx context.Context, cfg *config.Config, log *logger.Logger) (Registry, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Registry.Type {
	case "", "memory":
		log.Info("Using in-memory connection registry")
		return NewMemoryRegistry(), noop, nil

	case "redis":
		client, err := DialRedis(ctx, cfg.Redis.URL, cfg.Redis.DialTimeout)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Using Redis connection registry", "prefix", cfg.Registry.KeyPrefix)
		reg := NewRedisRegistry(client, RedisOptions{
			KeyPrefix: cfg.Registry.KeyPrefix,
			Retention: cfg.Registry.Retention,
		})
		return reg, reg.Close, nil

	case "dynamodb":
		client, err := NewDynamoClient(ctx, cfg.AWS.Region, cfg.DynamoDB.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Using DynamoDB connection registry",
			"table", cfg.DynamoDB.Table,
			"index", cfg.DynamoDB.ContextIndex,
		)
		return NewDynamoRegistry(client, DynamoOptions{
			Table:        cfg.DynamoDB.Table,
			ContextIndex: cfg.DynamoDB.ContextIndex,
			Retention:    cfg.Registry.Retention,
		}), noop, nil

	default:
		return nil, nil, fmt.Errorf("unknown registry type: %s", cfg.Registry.Type)
	}
}
