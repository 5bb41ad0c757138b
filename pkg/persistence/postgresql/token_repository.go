package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// TokenRepository handles resumption token database operations.
type TokenRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTokenRepository(db *sql.DB, logger *slog.Logger) *TokenRepository {
	return &TokenRepository{db: db, logger: logger}
}

func (tr *TokenRepository) Save(ctx context.Context, token *models.ResumptionToken) error {
	query := `
		INSERT INTO resumption_tokens (value, execution_id, stage_id, issued_at, expires_at, consumed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (value) DO UPDATE SET
			execution_id = EXCLUDED.execution_id,
			stage_id = EXCLUDED.stage_id,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			consumed_at = EXCLUDED.consumed_at
	`

	_, err := tr.db.ExecContext(ctx, query,
		token.Value,
		token.ExecutionID,
		token.StageID,
		token.IssuedAt,
		token.ExpiresAt,
		token.ConsumedAt,
	)
	if err != nil {
		return persistence.NewTokenError("Save", token.Value, fmt.Errorf("failed to save token: %w", err))
	}

	return nil
}

func (tr *TokenRepository) Get(ctx context.Context, value string) (*models.ResumptionToken, error) {
	query := `
		SELECT value, execution_id, stage_id, issued_at, expires_at, consumed_at
		FROM resumption_tokens WHERE value = $1
	`

	token, err := scanToken(tr.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTokenError("Get", value, persistence.ErrTokenNotFound)
		}

		return nil, persistence.NewTokenError("Get", value, fmt.Errorf("failed to query token: %w", err))
	}

	return token, nil
}

// Consume marks the token consumed in a single conditional update so that
// exactly one concurrent caller wins. Losers are classified afterwards.
func (tr *TokenRepository) Consume(ctx context.Context, value string, now time.Time) (*models.ResumptionToken, error) {
	query := `
		UPDATE resumption_tokens
		SET consumed_at = $2
		WHERE value = $1 AND consumed_at IS NULL AND expires_at >= $2
		RETURNING value, execution_id, stage_id, issued_at, expires_at, consumed_at
	`

	token, err := scanToken(tr.db.QueryRowContext(ctx, query, value, now))
	if err == nil {
		return token, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewTokenError("Consume", value, fmt.Errorf("failed to consume token: %w", err))
	}

	existing, err := tr.Get(ctx, value)
	if err != nil {
		return nil, err
	}

	err = persistence.ConsumeToken(existing, now)
	if err != nil {
		return nil, err
	}

	// The row was released between the update and the lookup; report it as a lost race.
	return nil, persistence.NewTokenError("Consume", value, persistence.ErrTokenConsumed)
}

func (tr *TokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	result, err := tr.db.ExecContext(ctx, "DELETE FROM resumption_tokens WHERE expires_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*models.ResumptionToken, error) {
	var (
		token      models.ResumptionToken
		consumedAt sql.NullTime
	)

	err := row.Scan(&token.Value, &token.ExecutionID, &token.StageID, &token.IssuedAt, &token.ExpiresAt, &consumedAt)
	if err != nil {
		return nil, err
	}

	if consumedAt.Valid {
		t := consumedAt.Time
		token.ConsumedAt = &t
	}

	return &token, nil
}
