// Package spotmock provides a mock implementation of the spot.Source
// interface for testing.
package spotmock

import (
	"context"
	"time"

	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/spot"
	"github.com/stretchr/testify/mock"
)

// MockSource is a mock implementation of spot.Source.
type MockSource struct {
	mock.Mock
}

var _ spot.Source = (*MockSource)(nil)

// CurrentPrice implements spot.Source.
func (m *MockSource) CurrentPrice(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

// MeanForRange implements spot.Source.
func (m *MockSource) MeanForRange(ctx context.Context, from, to time.Time) (float64, error) {
	args := m.Called(ctx, from, to)
	return args.Get(0).(float64), args.Error(1)
}
