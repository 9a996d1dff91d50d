package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/apartner/apartner-talk/internal/events"
)

// PublisherMock is a testify mock of the realtime event publisher.
type PublisherMock struct {
	mock.Mock
}

// Publish mocks fanning an event out.
func (m *PublisherMock) Publish(ctx context.Context, event events.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}
