package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// PublisherMock stands in for the event bus publisher used by audit and
// websocket lifecycle events.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	return m.Called(ctx, routingKey, event).Error(0)
}

// Close is a noop; tests never assert on it.
func (m *PublisherMock) Close() error {
	return nil
}
