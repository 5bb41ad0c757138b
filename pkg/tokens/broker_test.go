package tokens_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/conveyor/pkg/mocks"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/persistence/file"
	"github.com/dukex/conveyor/pkg/tokens"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newBroker(t *testing.T) (*tokens.Broker, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	p := file.NewPersistence(t.TempDir())

	return tokens.NewBroker(p.Tokens(), clock, slog.Default()), clock
}

func TestBroker_IssueAndRedeem(t *testing.T) {
	t.Parallel()

	broker, clock := newBroker(t)
	ctx := context.Background()

	token, err := broker.Issue(ctx, "exec-1", "approval", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token.Value)
	assert.Equal(t, clock.Now().Add(time.Hour), token.ExpiresAt)

	other, err := broker.Issue(ctx, "exec-1", "approval", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, token.Value, other.Value)

	redeemed, err := broker.Redeem(ctx, token.Value)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", redeemed.ExecutionID)
	assert.Equal(t, "approval", redeemed.StageID)

	_, err = broker.Redeem(ctx, token.Value)
	require.ErrorIs(t, err, tokens.ErrTokenRejected)

	reason, ok := tokens.Reason(err)
	require.True(t, ok)
	assert.Equal(t, tokens.ReasonAlreadyConsumed, reason)
}

func TestBroker_RedeemRejections(t *testing.T) {
	t.Parallel()

	broker, clock := newBroker(t)
	ctx := context.Background()

	_, err := broker.Redeem(ctx, "never-issued")
	reason, _ := tokens.Reason(err)
	assert.Equal(t, tokens.ReasonUnknown, reason)

	_, err = broker.Redeem(ctx, "")
	reason, _ = tokens.Reason(err)
	assert.Equal(t, tokens.ReasonUnknown, reason)

	token, err := broker.Issue(ctx, "exec-1", "approval", time.Minute)
	require.NoError(t, err)

	clock.Advance(time.Minute)

	_, err = broker.Redeem(ctx, token.Value)
	require.NoError(t, err, "a token is valid up to and including its expiry instant")

	expiring, err := broker.Issue(ctx, "exec-1", "approval", time.Minute)
	require.NoError(t, err)

	clock.Advance(time.Minute + time.Second)

	_, err = broker.Redeem(ctx, expiring.Value)
	reason, _ = tokens.Reason(err)
	assert.Equal(t, tokens.ReasonExpired, reason)
}

func TestBroker_ConcurrentRedeemHasOneWinner(t *testing.T) {
	t.Parallel()

	broker, _ := newBroker(t)
	ctx := context.Background()

	token, err := broker.Issue(ctx, "exec-1", "approval", time.Hour)
	require.NoError(t, err)

	const redeemers = 32

	var (
		wg       sync.WaitGroup
		winners  atomic.Int32
		rejected atomic.Int32
	)

	for range redeemers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := broker.Redeem(ctx, token.Value)
			if err == nil {
				winners.Add(1)

				return
			}

			if reason, ok := tokens.Reason(err); ok && reason == tokens.ReasonAlreadyConsumed {
				rejected.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(redeemers-1), rejected.Load())
}

func TestBroker_Cleanup(t *testing.T) {
	t.Parallel()

	broker, clock := newBroker(t)
	ctx := context.Background()

	old, err := broker.Issue(ctx, "exec-1", "approval", time.Hour)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)

	fresh, err := broker.Issue(ctx, "exec-2", "approval", time.Hour)
	require.NoError(t, err)

	deleted, err := broker.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = broker.Redeem(ctx, old.Value)
	reason, _ := tokens.Reason(err)
	assert.Equal(t, tokens.ReasonUnknown, reason)

	_, err = broker.Redeem(ctx, fresh.Value)
	require.NoError(t, err)
}

func TestBroker_RepositoryFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storeErr := errors.New("disk full")

	repo := &mocks.MockTokenRepository{}
	repo.On("Save", mock.Anything, mock.AnythingOfType("*models.ResumptionToken")).Return(storeErr)
	repo.On("Consume", mock.Anything, "tok-down", mock.Anything).Return(nil, storeErr)
	repo.On("Consume", mock.Anything, "tok-old", mock.Anything).
		Return(nil, persistence.NewTokenError("Consume", "tok-old", persistence.ErrTokenExpired))

	broker := tokens.NewBroker(repo, clockwork.NewFakeClock(), slog.Default())

	_, err := broker.Issue(ctx, "exec-1", "approval", time.Hour)
	require.ErrorIs(t, err, storeErr)

	_, err = broker.Redeem(ctx, "tok-down")
	require.ErrorIs(t, err, storeErr)

	_, rejected := tokens.Reason(err)
	assert.False(t, rejected, "a store failure is not a token rejection")

	_, err = broker.Redeem(ctx, "tok-old")
	reason, ok := tokens.Reason(err)
	require.True(t, ok)
	assert.Equal(t, tokens.ReasonExpired, reason)

	repo.AssertExpectations(t)
}
