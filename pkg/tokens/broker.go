// Package tokens issues and redeems single-use resumption tokens.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type RejectionReason string

const (
	ReasonUnknown         RejectionReason = "Unknown"
	ReasonExpired         RejectionReason = "Expired"
	ReasonAlreadyConsumed RejectionReason = "AlreadyConsumed"
)

var ErrTokenRejected = errors.New("token rejected")

// RejectedError reports why a redemption did not succeed.
type RejectedError struct {
	Token  string
	Reason RejectionReason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("token %s rejected: %s", e.Token, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrTokenRejected
}

// Reason extracts the rejection reason from err, if any.
func Reason(err error) (RejectionReason, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason, true
	}

	return "", false
}

type Broker struct {
	repo   persistence.TokenRepository
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewBroker(repo persistence.TokenRepository, clock clockwork.Clock, logger *slog.Logger) *Broker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Broker{
		repo:   repo,
		clock:  clock,
		logger: logger.With("module", "token_broker"),
	}
}

// Issue creates a fresh unguessable token bound to one stage of one execution.
func (b *Broker) Issue(ctx context.Context, executionID, stageID string, ttl time.Duration) (*models.ResumptionToken, error) {
	if ttl <= 0 {
		ttl = models.DefaultTokenTTL
	}

	now := b.clock.Now().UTC()

	token := &models.ResumptionToken{
		Value:       uuid.NewString(),
		ExecutionID: executionID,
		StageID:     stageID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	err := b.repo.Save(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	b.logger.DebugContext(ctx, "Issued token", "execution_id", executionID, "stage_id", stageID, "expires_at", token.ExpiresAt)

	return token, nil
}

// Redeem consumes the token. Among concurrent callers at most one succeeds;
// every other caller receives a *RejectedError.
func (b *Broker) Redeem(ctx context.Context, value string) (*models.ResumptionToken, error) {
	if value == "" {
		return nil, &RejectedError{Token: value, Reason: ReasonUnknown}
	}

	token, err := b.repo.Consume(ctx, value, b.clock.Now().UTC())
	if err == nil {
		return token, nil
	}

	switch {
	case errors.Is(err, persistence.ErrTokenNotFound):
		return nil, &RejectedError{Token: value, Reason: ReasonUnknown}
	case errors.Is(err, persistence.ErrTokenExpired):
		return nil, &RejectedError{Token: value, Reason: ReasonExpired}
	case errors.Is(err, persistence.ErrTokenConsumed):
		return nil, &RejectedError{Token: value, Reason: ReasonAlreadyConsumed}
	default:
		return nil, fmt.Errorf("failed to redeem token: %w", err)
	}
}

// Cleanup deletes tokens that expired more than retention ago.
func (b *Broker) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	deleted, err := b.repo.DeleteExpired(ctx, b.clock.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up tokens: %w", err)
	}

	if deleted > 0 {
		b.logger.InfoContext(ctx, "Deleted expired tokens", "count", deleted)
	}

	return deleted, nil
}
