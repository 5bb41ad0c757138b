package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const (
	consumeMissing  = 0
	consumeOK       = 1
	consumeConsumed = 2
	consumeExpired  = 3
)

// consumeScript checks and marks a token in one server-side step.
// KEYS[1] token hash, ARGV[1] now in unix milliseconds.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HEXISTS', KEYS[1], 'consumed_at') == 1 then
	return 2
end
if tonumber(redis.call('HGET', KEYS[1], 'expires_at')) < tonumber(ARGV[1]) then
	return 3
end
redis.call('HSET', KEYS[1], 'consumed_at', ARGV[1])
return 1
`)

// TokenRepository stores tokens as hashes with millisecond timestamps.
type TokenRepository struct {
	client *redis.Client
	logger *slog.Logger
}

func NewTokenRepository(client *redis.Client, logger *slog.Logger) *TokenRepository {
	return &TokenRepository{client: client, logger: logger}
}

func (tr *TokenRepository) Save(ctx context.Context, token *models.ResumptionToken) error {
	key := tokenKey + token.Value

	fields := map[string]any{
		"execution_id": token.ExecutionID,
		"stage_id":     token.StageID,
		"issued_at":    token.IssuedAt.UnixMilli(),
		"expires_at":   token.ExpiresAt.UnixMilli(),
	}

	_, err := tr.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)

		if token.ConsumedAt != nil {
			pipe.HSet(ctx, key, "consumed_at", token.ConsumedAt.UnixMilli())
		}

		pipe.ZAdd(ctx, tokenExpiryKey, redis.Z{Score: float64(token.ExpiresAt.UnixMilli()), Member: token.Value})

		return nil
	})
	if err != nil {
		return persistence.NewTokenError("Save", token.Value, err)
	}

	return nil
}

func (tr *TokenRepository) Get(ctx context.Context, value string) (*models.ResumptionToken, error) {
	fields, err := tr.client.HGetAll(ctx, tokenKey+value).Result()
	if err != nil {
		return nil, persistence.NewTokenError("Get", value, err)
	}

	if len(fields) == 0 {
		return nil, persistence.NewTokenError("Get", value, persistence.ErrTokenNotFound)
	}

	token, err := decodeToken(value, fields)
	if err != nil {
		return nil, persistence.NewTokenError("Get", value, err)
	}

	return token, nil
}

func (tr *TokenRepository) Consume(ctx context.Context, value string, now time.Time) (*models.ResumptionToken, error) {
	code, err := consumeScript.Run(ctx, tr.client, []string{tokenKey + value}, now.UnixMilli()).Int()
	if err != nil {
		return nil, persistence.NewTokenError("Consume", value, err)
	}

	switch code {
	case consumeMissing:
		return nil, persistence.NewTokenError("Consume", value, persistence.ErrTokenNotFound)
	case consumeConsumed:
		return nil, persistence.NewTokenError("Consume", value, persistence.ErrTokenConsumed)
	case consumeExpired:
		return nil, persistence.NewTokenError("Consume", value, persistence.ErrTokenExpired)
	case consumeOK:
		return tr.Get(ctx, value)
	default:
		return nil, persistence.NewTokenError("Consume", value, fmt.Errorf("unexpected consume result %d", code))
	}
}

func (tr *TokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	values, err := tr.client.ZRangeByScore(ctx, tokenExpiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to query token expiry index: %w", err)
	}

	if len(values) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(values))
	members := make([]any, 0, len(values))

	for _, v := range values {
		keys = append(keys, tokenKey+v)
		members = append(members, v)
	}

	var deleted *redis.IntCmd

	_, err = tr.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, tokenExpiryKey, members...)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}

	return int(deleted.Val()), nil
}

func decodeToken(value string, fields map[string]string) (*models.ResumptionToken, error) {
	issuedAt, err := parseMillis(fields["issued_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid issued_at: %w", err)
	}

	expiresAt, err := parseMillis(fields["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid expires_at: %w", err)
	}

	token := &models.ResumptionToken{
		Value:       value,
		ExecutionID: fields["execution_id"],
		StageID:     fields["stage_id"],
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
	}

	if raw, ok := fields["consumed_at"]; ok {
		consumedAt, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid consumed_at: %w", err)
		}

		token.ConsumedAt = &consumedAt
	}

	return token, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}

	return time.UnixMilli(ms).UTC(), nil
}
