package mocks

import (
	"context"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/stages"
	"github.com/stretchr/testify/mock"
)

// MockRunner is a mock implementation of stages.Runner interface.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Invoke(ctx context.Context, stage models.StageDescriptor, envelope models.Envelope) (*stages.Invocation, error) {
	args := m.Called(ctx, stage, envelope)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*stages.Invocation), args.Error(1)
}
