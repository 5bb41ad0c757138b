// Package redis provides a Redis persistence implementation for executions and tokens.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "conveyor:"
	executionKey   = keyPrefix + "execution:"
	awaitingKey    = keyPrefix + "awaiting"
	tokenKey       = keyPrefix + "token:"
	tokenExpiryKey = keyPrefix + "token_expiry"

	connectTimeout = 5 * time.Second
)

// Persistence implements the persistence layer for Redis.
type Persistence struct {
	client         *redis.Client
	logger         *slog.Logger
	executionsRepo *ExecutionRepository
	tokensRepo     *TokenRepository
}

// NewPersistence connects to the redis:// URL and verifies the connection.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	options, err := redis.ParseURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewPersistenceWithClient(logger, client), nil
}

func NewPersistenceWithClient(logger *slog.Logger, client *redis.Client) *Persistence {
	return &Persistence{
		client:         client,
		logger:         logger,
		executionsRepo: NewExecutionRepository(client, logger),
		tokensRepo:     NewTokenRepository(client, logger),
	}
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executionsRepo
}

func (p *Persistence) Tokens() persistence.TokenRepository {
	return p.tokensRepo
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	err := p.client.Close()
	if err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}
