package mocks

import (
	"context"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockExecutionRepository is a mock implementation of persistence.ExecutionRepository interface.
type MockExecutionRepository struct {
	mock.Mock
}

func (m *MockExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockExecutionRepository) Get(ctx context.Context, id string) (*models.Execution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Execution), args.Error(1)
}

func (m *MockExecutionRepository) CompareAndUpdate(
	ctx context.Context,
	id string,
	expectedVersion int64,
	mutate persistence.MutateFunc,
) (*models.Execution, error) {
	args := m.Called(ctx, id, expectedVersion, mutate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Execution), args.Error(1)
}

func (m *MockExecutionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Execution), args.Error(1)
}

// MockTokenRepository is a mock implementation of persistence.TokenRepository interface.
type MockTokenRepository struct {
	mock.Mock
}

func (m *MockTokenRepository) Save(ctx context.Context, token *models.ResumptionToken) error {
	args := m.Called(ctx, token)

	return args.Error(0)
}

func (m *MockTokenRepository) Get(ctx context.Context, value string) (*models.ResumptionToken, error) {
	args := m.Called(ctx, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ResumptionToken), args.Error(1)
}

func (m *MockTokenRepository) Consume(ctx context.Context, value string, now time.Time) (*models.ResumptionToken, error) {
	args := m.Called(ctx, value, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ResumptionToken), args.Error(1)
}

func (m *MockTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	args := m.Called(ctx, before)

	return args.Int(0), args.Error(1)
}

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	ExecutionRepository *MockExecutionRepository
	TokenRepository     *MockTokenRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		ExecutionRepository: &MockExecutionRepository{},
		TokenRepository:     &MockTokenRepository{},
	}
}

func (m *MockPersistence) Executions() persistence.ExecutionRepository {
	return m.ExecutionRepository
}

func (m *MockPersistence) Tokens() persistence.TokenRepository {
	return m.TokenRepository
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
